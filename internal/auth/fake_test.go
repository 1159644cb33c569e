package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raptorbox/raptor-broker/internal/raptor"
)

// fakeProvider is an in-memory identity provider shared by all the clients
// a fakeFactory hands out.
type fakeProvider struct {
	mu sync.Mutex

	passwords map[string]string      // username -> password
	tokens    map[string]*raptor.User // bearer token -> user
	users     map[string]*raptor.User // username -> user
	grants    map[raptor.Check]bool
	owned     []raptor.Token

	loginErr error
	listErr  error
	checkErr error
	listWait time.Duration

	logins  int32
	creates int32
	checks  []raptor.Check
	opened  []raptor.Config
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		passwords: make(map[string]string),
		tokens:    make(map[string]*raptor.User),
		users:     make(map[string]*raptor.User),
		grants:    make(map[raptor.Check]bool),
	}
}

func (p *fakeProvider) addUser(name, password, uuid string, roles ...string) *raptor.User {
	u := &raptor.User{UUID: uuid, Username: name, Roles: roles}
	p.passwords[name] = password
	p.users[name] = u
	return u
}

func (p *fakeProvider) factory(c raptor.Config) raptor.API {
	p.mu.Lock()
	p.opened = append(p.opened, c)
	p.mu.Unlock()
	return &fakeAPI{p: p, conf: c}
}

func (p *fakeProvider) remoteChecks() []raptor.Check {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]raptor.Check(nil), p.checks...)
}

func (p *fakeProvider) openedConfigs() []raptor.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]raptor.Config(nil), p.opened...)
}

var errBadCredentials = errors.New("bad credentials")

type fakeAPI struct {
	p    *fakeProvider
	conf raptor.Config
	user *raptor.User
}

func (a *fakeAPI) Login(ctx context.Context) (*raptor.User, error) {
	atomic.AddInt32(&a.p.logins, 1)
	p := a.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.loginErr != nil {
		return nil, p.loginErr
	}

	if a.conf.Token != "" {
		u, ok := p.tokens[a.conf.Token]
		if !ok {
			return nil, errBadCredentials
		}
		a.user = u
		return u, nil
	}

	if pw, ok := p.passwords[a.conf.Username]; !ok || pw != a.conf.Password {
		return nil, errBadCredentials
	}
	a.user = p.users[a.conf.Username]
	return a.user, nil
}

func (a *fakeAPI) User() *raptor.User { return a.user }

func (a *fakeAPI) Me(ctx context.Context) (*raptor.User, error) {
	if a.user == nil {
		return nil, errBadCredentials
	}
	return a.user, nil
}

func (a *fakeAPI) ListTokens(ctx context.Context) ([]raptor.Token, error) {
	if a.p.listWait > 0 {
		time.Sleep(a.p.listWait)
	}
	p := a.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]raptor.Token(nil), p.owned...), nil
}

func (a *fakeAPI) CreateToken(ctx context.Context, t raptor.Token) (*raptor.Token, error) {
	atomic.AddInt32(&a.p.creates, 1)
	p := a.p
	p.mu.Lock()
	defer p.mu.Unlock()

	t.Token = "svc-" + t.Secret
	p.owned = append(p.owned, t)
	p.tokens[t.Token] = &raptor.User{UUID: "svc", Username: "service", Roles: []string{"service"}}
	return &t, nil
}

func (a *fakeAPI) IsAuthorized(ctx context.Context, c raptor.Check) (bool, error) {
	p := a.p
	p.mu.Lock()
	defer p.mu.Unlock()

	p.checks = append(p.checks, c)
	if p.checkErr != nil {
		return false, p.checkErr
	}
	return p.grants[c], nil
}

func (a *fakeAPI) Config() raptor.Config { return a.conf }

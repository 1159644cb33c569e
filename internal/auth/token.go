package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/raptorbox/raptor-broker/internal/raptor"
)

// TokenManager owns the privileged service identity and the long-lived
// service token used for delegated logins.
type TokenManager struct {
	name    string
	service raptor.API
	newAPI  raptor.Factory
	now     func() time.Time

	mu      sync.Mutex // serializes find-or-create
	session raptor.API
	expiry  time.Time // zero: never
}

// NewTokenManager creates a manager for the service identity in conf.
// tokenName is the name the service token is looked up and created under.
func NewTokenManager(conf raptor.Config, tokenName string, f raptor.Factory) *TokenManager {
	if f == nil {
		f = raptor.NewAPI
	}
	conf.Token = ""

	return &TokenManager{
		name:    tokenName,
		service: f(conf),
		newAPI:  f,
		now:     time.Now,
	}
}

// Service returns the privileged client. It may not be logged in yet.
func (m *TokenManager) Service() raptor.API {
	return m.service
}

// Acquire returns a client configured with the service token, finding or
// creating the token on first use. Failures are not remembered, so the next
// call tries again.
func (m *TokenManager) Acquire(ctx context.Context) (raptor.API, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil && (m.expiry.IsZero() || m.now().Before(m.expiry)) {
		return m.session, nil
	}

	conf := m.service.Config()
	if _, err := m.service.Login(ctx); err != nil {
		return nil, fmt.Errorf("%w: service login as %q: %w", ErrBootstrap, conf.Username, err)
	}

	tokens, err := m.service.ListTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list tokens: %w", ErrBootstrap, err)
	}

	var tk *raptor.Token
	for i := range tokens {
		if tokens[i].Name == m.name {
			tk = &tokens[i]
			break
		}
	}

	if tk == nil {
		log.WithFields(log.Fields{
			"token": m.name,
		}).Info("Creating service token")

		tk, err = m.service.CreateToken(ctx, raptor.Token{
			Name:    m.name,
			Secret:  m.name + uuid.NewString(),
			Expires: 0,
			Enabled: true,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: create token %q: %w", ErrBootstrap, m.name, err)
		}
	}

	m.session = m.newAPI(raptor.Config{URL: conf.URL, Token: tk.Token, Timeout: conf.Timeout})
	m.expiry = tokenExpiry(tk)

	lf := log.Fields{"token": m.name}
	if !m.expiry.IsZero() {
		lf["expires"] = m.expiry
	}
	log.WithFields(lf).Debug("Service token ready")

	return m.session, nil
}

// tokenExpiry prefers the API expiry and falls back to the exp claim when
// the token value is a JWT. The claim is read without verification, it only
// decides when to look the token up again.
func tokenExpiry(tk *raptor.Token) time.Time {
	if tk.Expires > 0 {
		return time.Unix(tk.Expires, 0)
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tk.Token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

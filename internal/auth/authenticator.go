package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/raptorbox/raptor-broker/internal/raptor"
)

// DefaultTokenUsernameMaxLen is the longest user name for which the password
// is taken to be a bearer token.
const DefaultTokenUsernameMaxLen = 3

// Credentials supplied by a connecting client.
type Credentials struct {
	Username string
	Password []byte
}

// AuthenticatorOptions configure an Authenticator.
type AuthenticatorOptions struct {
	URL     string
	Timeout time.Duration

	LocalUsername string
	LocalPassword string

	// User names up to this many characters log in with the password as a token.
	// The length heuristic stands in for an explicit credential kind,
	// which MQTT CONNECT does not carry.
	TokenUsernameMaxLen int

	// NewAPI opens delegated sessions. Defaults to raptor.NewAPI.
	NewAPI raptor.Factory
}

// Authenticator resolves connection credentials to a Session.
type Authenticator struct {
	opts   AuthenticatorOptions
	tokens *TokenManager
}

func NewAuthenticator(opts AuthenticatorOptions, tokens *TokenManager) *Authenticator {
	if opts.NewAPI == nil {
		opts.NewAPI = raptor.NewAPI
	}
	if opts.TokenUsernameMaxLen <= 0 {
		opts.TokenUsernameMaxLen = DefaultTokenUsernameMaxLen
	}

	return &Authenticator{opts: opts, tokens: tokens}
}

// Authenticate returns the Session for c. A single remote failure rejects
// the attempt, there are no retries.
func (a *Authenticator) Authenticate(ctx context.Context, c Credentials) (*Session, error) {
	if c.Username == "" || len(c.Password) == 0 {
		return nil, ErrEmptyCredentials
	}

	if a.isLocal(c) {
		log.WithFields(log.Fields{
			"username": c.Username,
		}).Debug("Local user login")
		return &Session{api: a.tokens.Service(), mode: LocalAdmin}, nil
	}

	if _, err := a.tokens.Acquire(ctx); err != nil {
		return nil, err
	}

	conf := raptor.Config{URL: a.opts.URL, Timeout: a.opts.Timeout}
	mode := DelegatedPassword
	if utf8.RuneCountInString(c.Username) <= a.opts.TokenUsernameMaxLen {
		mode = DelegatedToken
		conf.Token = string(c.Password)
	} else {
		conf.Username, conf.Password = c.Username, string(c.Password)
	}

	log.WithFields(log.Fields{
		"username": c.Username,
		"mode":     mode,
	}).Debug("Delegated login")

	api := a.opts.NewAPI(conf)
	u, err := api.Login(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s login for %q: %w", ErrRemoteLogin, mode, c.Username, err)
	}

	return &Session{api: api, mode: mode, profile: u}, nil
}

func (a *Authenticator) isLocal(c Credentials) bool {
	if a.opts.LocalUsername == "" || a.opts.LocalPassword == "" {
		return false
	}
	u := subtle.ConstantTimeCompare([]byte(c.Username), []byte(a.opts.LocalUsername))
	p := subtle.ConstantTimeCompare(c.Password, []byte(a.opts.LocalPassword))
	return u&p == 1
}

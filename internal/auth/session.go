package auth

import (
	"context"

	"github.com/raptorbox/raptor-broker/internal/raptor"
)

// Mode is how a Session was established.
type Mode uint8

const (
	LocalAdmin Mode = iota + 1
	DelegatedToken
	DelegatedPassword
)

func (m Mode) String() string {
	switch m {
	case LocalAdmin:
		return "local-admin"
	case DelegatedToken:
		return "token"
	case DelegatedPassword:
		return "password"
	default:
		return "none"
	}
}

// Session is the identity bound to one connection. It is created once by
// Authenticate and used for every authorization check on that connection.
// A Session is owned by its connection and is not safe for concurrent use.
type Session struct {
	api     raptor.API
	mode    Mode
	profile *raptor.User
}

// API returns the provider client the session was authenticated with. For a
// local administrator this is the privileged service client, which may not
// have logged in yet; local sessions never need it for authorization.
func (s *Session) API() raptor.API { return s.api }

func (s *Session) Mode() Mode { return s.mode }

// Local reports whether the session is the configured local administrator.
func (s *Session) Local() bool { return s.mode == LocalAdmin }

// Profile returns the caller's profile, fetching and caching it on first use
// if login did not already provide it.
func (s *Session) Profile(ctx context.Context) (*raptor.User, error) {
	if s.profile != nil {
		return s.profile, nil
	}

	u := s.api.User()
	if u == nil {
		var err error
		if u, err = s.api.Me(ctx); err != nil {
			return nil, err
		}
	}

	s.profile = u
	return u, nil
}

// Username is the cached profile user name or, before the profile is known,
// the configured one.
func (s *Session) Username() string {
	if s.profile != nil && s.profile.Username != "" {
		return s.profile.Username
	}
	return s.api.Config().Username
}

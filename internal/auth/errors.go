package auth

import "errors"

// Error kinds. Returned errors wrap one of these, test with errors.Is.
// Remote causes stay reachable through errors.As/Unwrap.
var (
	ErrEmptyCredentials = errors.New("empty username or password")
	ErrRemoteLogin      = errors.New("remote login failed")
	ErrBootstrap        = errors.New("bootstrap token unavailable")
	ErrNoIdentity       = errors.New("no identity bound to connection")
	ErrInvalidTopic     = errors.New("invalid topic")
	ErrUnknownTopic     = errors.New("unknown topic")
	ErrNotAuthorized    = errors.New("not authorized")
)

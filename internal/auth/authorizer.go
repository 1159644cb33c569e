package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"

	"github.com/raptorbox/raptor-broker/internal/policy"
	"github.com/raptorbox/raptor-broker/internal/raptor"
	"github.com/raptorbox/raptor-broker/internal/topic"
)

const decisionCacheSize = 4096

type decisionKey struct {
	user       string
	rt         policy.ResourceType
	subject    string
	permission policy.Permission
}

// Authorizer decides whether a session may publish or subscribe to a topic.
type Authorizer struct {
	table *policy.Table

	// positive remote decisions, nil when disabled
	allowed *expirable.LRU[decisionKey, struct{}]
}

// NewAuthorizer returns an Authorizer for table. A positive cacheTTL keeps
// granted remote decisions for that long.
func NewAuthorizer(table *policy.Table, cacheTTL time.Duration) *Authorizer {
	a := Authorizer{table: table}
	if cacheTTL > 0 {
		a.allowed = expirable.NewLRU[decisionKey, struct{}](decisionCacheSize, nil, cacheTTL)
	}
	return &a
}

func (a *Authorizer) AuthorizePublish(ctx context.Context, s *Session, topicName string) error {
	return a.check(ctx, s, topicName)
}

func (a *Authorizer) AuthorizeSubscribe(ctx context.Context, s *Session, topicFilter string) error {
	return a.check(ctx, s, topicFilter)
}

func (a *Authorizer) check(ctx context.Context, s *Session, t string) error {
	if s == nil {
		return ErrNoIdentity
	}

	if s.Local() {
		return nil
	}

	u, err := s.Profile(ctx)
	if err != nil {
		return fmt.Errorf("%w: profile: %w", ErrNotAuthorized, err)
	}
	if a.table.IsAdmin(u.Roles) {
		return nil
	}

	r := topic.Classify(t)
	if !r.Valid {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, t)
	}

	rule := a.table.Lookup(r.Type)
	switch rule.Kind {
	case policy.Mapped:
		return a.remote(ctx, s.API(), u, r, rule.Permission)
	case policy.AdminOnly:
		return fmt.Errorf("%w: %q requires an administrative role", ErrNotAuthorized, t)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTopic, t)
	}
}

func (a *Authorizer) remote(ctx context.Context, api raptor.API, u *raptor.User, r topic.Result, p policy.Permission) error {
	k := decisionKey{user: u.UUID, rt: r.Type, subject: r.Subject, permission: p}
	if a.allowed != nil {
		if _, ok := a.allowed.Get(k); ok {
			return nil
		}
	}

	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{
			"user":       u.Username,
			"type":       r.Type,
			"subject":    r.Subject,
			"permission": p,
		}).Debug("Checking permission")
	}

	ok, err := api.IsAuthorized(ctx, raptor.Check{
		UserID:     u.UUID,
		Type:       string(r.Type),
		SubjectID:  r.Subject,
		Permission: string(p),
	})
	if err != nil {
		return fmt.Errorf("%w: %s %s on %s: %w", ErrNotAuthorized, p, r.Type, r.Subject, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s %s on %s", ErrNotAuthorized, p, r.Type, r.Subject)
	}

	if a.allowed != nil {
		a.allowed.Add(k, struct{}{})
	}
	return nil
}

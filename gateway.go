package raptorbroker

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/raptorbox/raptor-broker/internal/auth"
	"github.com/raptorbox/raptor-broker/internal/broker"
	"github.com/raptorbox/raptor-broker/internal/config"
	"github.com/raptorbox/raptor-broker/internal/model"
	"github.com/raptorbox/raptor-broker/internal/raptor"
)

// errRejected is all the broker learns about a refused request.
var errRejected = errors.New("rejected")

// Gateway decides connections, publishes and subscriptions against Raptor.
// It implements broker.Auther and broker.Observer.
type Gateway struct {
	authn *auth.Authenticator
	authz *auth.Authorizer
}

// NewGateway builds the auth core from conf. f opens Raptor clients and
// defaults to raptor.NewAPI.
func NewGateway(conf *config.Config, f raptor.Factory) (*Gateway, error) {
	table, err := conf.PolicyTable()
	if err != nil {
		return nil, err
	}

	tokens := auth.NewTokenManager(raptor.Config{
		URL:      conf.Raptor.URL,
		Username: conf.Bootstrap.Username,
		Password: conf.Bootstrap.Password,
		Timeout:  conf.Raptor.Timeout.Duration,
	}, conf.Bootstrap.TokenName, f)

	authn := auth.NewAuthenticator(auth.AuthenticatorOptions{
		URL:                 conf.Raptor.URL,
		Timeout:             conf.Raptor.Timeout.Duration,
		LocalUsername:       conf.LocalAdmin.Username,
		LocalPassword:       conf.LocalAdmin.Password,
		TokenUsernameMaxLen: conf.Auth.TokenUsernameMaxLen,
		NewAPI:              f,
	}, tokens)

	log.WithFields(log.Fields{
		"raptor":      conf.Raptor.URL,
		"admin_roles": table.AdminRoles(),
		"cache_ttl":   conf.Auth.DecisionCacheTTL.Duration,
	}).Debug("Auth gateway configured")

	return &Gateway{
		authn: authn,
		authz: auth.NewAuthorizer(table, conf.Auth.DecisionCacheTTL.Duration),
	}, nil
}

func (g *Gateway) AuthUser(ctx context.Context, c broker.ConnInfo) (broker.Identity, error) {
	s, err := g.authn.Authenticate(ctx, auth.Credentials{Username: c.Username, Password: c.Password})
	if err != nil {
		entry := log.WithFields(log.Fields{
			"client":   c.ClientID,
			"username": c.Username,
			"remote":   c.RemoteAddr,
		}).WithError(err)

		if errors.Is(err, auth.ErrBootstrap) {
			entry.Error("Service token unavailable, connection refused")
		} else {
			entry.Info("Authentication failed")
		}
		return nil, errRejected
	}

	log.WithFields(log.Fields{
		"client":   c.ClientID,
		"username": s.Username(),
		"mode":     s.Mode(),
	}).Debug("Authenticated")
	return s, nil
}

func (g *Gateway) AuthPublish(ctx context.Context, id broker.Identity, topicName string) error {
	if err := g.authz.AuthorizePublish(ctx, session(id), topicName); err != nil {
		g.logDenied(id, "publish", topicName, err)
		return errRejected
	}
	return nil
}

func (g *Gateway) AuthSubscribe(ctx context.Context, id broker.Identity, sub model.Subscription) (model.Subscription, error) {
	if err := g.authz.AuthorizeSubscribe(ctx, session(id), sub.Filter); err != nil {
		g.logDenied(id, "subscribe", sub.Filter, err)
		return sub, errRejected
	}
	return sub, nil
}

// AuthForward delivers everything: a subscription, once granted, covers
// every message published under it.
func (g *Gateway) AuthForward(_ string, p *model.Publish) *model.Publish {
	return p
}

func (g *Gateway) logDenied(id broker.Identity, op, topic string, err error) {
	lf := log.Fields{
		"op":    op,
		"topic": topic,
	}
	if id != nil {
		lf["username"] = id.Username()
	}

	entry := log.WithFields(lf).WithError(err)
	if errors.Is(err, auth.ErrNotAuthorized) {
		entry.Info("Not authorized")
	} else {
		entry.Debug("Topic refused")
	}
}

// session returns the auth session bound at connect, or nil so the
// authorizer refuses.
func session(id broker.Identity) *auth.Session {
	s, _ := id.(*auth.Session)
	return s
}

func (g *Gateway) OnClient(c broker.ConnInfo) {
	log.WithFields(log.Fields{
		"client":   c.ClientID,
		"username": c.Username,
		"remote":   c.RemoteAddr,
	}).Debug("client")
}

func (g *Gateway) OnPublish(clientID string, p *model.Publish) {
	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{
			"client": clientID,
			"topic":  p.Topic,
			"QoS":    p.QoS,
			"size":   len(p.Payload),
		}).Debug("publish")
	}
}

func (g *Gateway) OnSubscribe(clientID string, subs []model.Subscription) {
	if log.IsLevelEnabled(log.DebugLevel) {
		filters := make([]string, len(subs))
		for i := range subs {
			filters[i] = subs[i].Filter
		}
		log.WithFields(log.Fields{
			"client":  clientID,
			"filters": filters,
		}).Debug("subscribe")
	}
}

func (g *Gateway) OnClientError(clientID string, err error) {
	log.WithFields(log.Fields{
		"client": clientID,
	}).WithError(err).Debug("clientError")
}

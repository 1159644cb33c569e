package broker

import (
	"context"

	"github.com/raptorbox/raptor-broker/internal/model"
)

// Identity is what an Auther bound to a connection at CONNECT.
type Identity interface {
	Username() string
}

// ConnInfo describes a connecting client.
type ConnInfo struct {
	ClientID   string
	Username   string
	Password   []byte
	RemoteAddr string
}

// Auther provides Authentication and Authorization for the Server.
// Implementations must return non-nil errors if Auth fails.
// Hooks run on the connection's own goroutine and may block on remote I/O;
// other connections keep being served meanwhile.
type Auther interface {
	// AuthUser authenticates a client trying to connect to the server.
	// The returned Identity is passed to every later check of the connection.
	AuthUser(ctx context.Context, c ConnInfo) (Identity, error)

	// AuthPublish authorizes a client for publishing to a Topic Name.
	AuthPublish(ctx context.Context, id Identity, topicName string) error

	// AuthSubscribe authorizes a client for subscribing to a Topic Filter.
	// The returned subscription is the one added.
	AuthSubscribe(ctx context.Context, id Identity, sub model.Subscription) (model.Subscription, error)

	// AuthForward is called before delivering p to subscriber clientID.
	// Returning nil skips the delivery.
	AuthForward(clientID string, p *model.Publish) *model.Publish
}

// Observer is notified of client activity. It cannot affect outcomes.
type Observer interface {
	OnClient(c ConnInfo)
	OnPublish(clientID string, p *model.Publish)
	OnSubscribe(clientID string, subs []model.Subscription)
	OnClientError(clientID string, err error)
}

type anonymous struct{}

func (anonymous) Username() string { return "" }

// allowAll is used when the server has no Auther.
type allowAll struct{}

func (allowAll) AuthUser(context.Context, ConnInfo) (Identity, error) { return anonymous{}, nil }
func (allowAll) AuthPublish(context.Context, Identity, string) error { return nil }
func (allowAll) AuthSubscribe(_ context.Context, _ Identity, sub model.Subscription) (model.Subscription, error) {
	return sub, nil
}
func (allowAll) AuthForward(_ string, p *model.Publish) *model.Publish { return p }

type nopObserver struct{}

func (nopObserver) OnClient(ConnInfo) {}
func (nopObserver) OnPublish(string, *model.Publish) {}
func (nopObserver) OnSubscribe(string, []model.Subscription) {}
func (nopObserver) OnClientError(string, error) {}

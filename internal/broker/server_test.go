package broker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raptorbox/raptor-broker/internal/config"
	"github.com/raptorbox/raptor-broker/internal/model"
	"github.com/raptorbox/raptor-broker/internal/store"
)

var errDenied = errors.New("denied")

type testUser string

func (u testUser) Username() string { return string(u) }

// testAuther rejects the password "bad" and any topic starting with "denied".
type testAuther struct {
	mu        sync.Mutex
	pubChecks []string
}

func (a *testAuther) AuthUser(_ context.Context, c ConnInfo) (Identity, error) {
	if string(c.Password) == "bad" {
		return nil, errDenied
	}
	return testUser(c.Username), nil
}

func (a *testAuther) AuthPublish(_ context.Context, id Identity, topicName string) error {
	a.mu.Lock()
	a.pubChecks = append(a.pubChecks, id.Username()+":"+topicName)
	a.mu.Unlock()
	if strings.HasPrefix(topicName, "denied") {
		return errDenied
	}
	return nil
}

func (a *testAuther) AuthSubscribe(_ context.Context, _ Identity, sub model.Subscription) (model.Subscription, error) {
	if strings.HasPrefix(sub.Filter, "denied") {
		return sub, errDenied
	}
	return sub, nil
}

func (a *testAuther) AuthForward(_ string, p *model.Publish) *model.Publish { return p }

func newTestServer(t *testing.T, a Auther) *Server {
	t.Helper()
	conf := &config.Config{}
	conf.MQTT.ConnectTimeout.Duration = time.Second
	conf.MQTT.MaxInflight = 16
	conf.MQTT.MaxPacketSize = 1024

	s := NewServer(conf, a, nil, store.NewMemStore())
	t.Cleanup(s.Stop)
	return s
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	rx   *bufio.Reader
}

func dial(t *testing.T, s *Server) *testClient {
	t.Helper()
	c, sc := net.Pipe()
	go s.startSession(sc)
	t.Cleanup(func() { c.Close() })
	return &testClient{t: t, conn: c, rx: bufio.NewReader(c)}
}

func (c *testClient) send(pkt []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := c.conn.Write(pkt)
	require.NoError(c.t, err)
}

func (c *testClient) read() packet {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	p, err := readPacket(c.rx, 1<<20)
	require.NoError(c.t, err)
	return p
}

// closed reports whether the server closed the connection.
func (c *testClient) closed() bool {
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := readPacket(c.rx, 1<<20)
	var ne net.Error
	return err != nil && !(errors.As(err, &ne) && ne.Timeout())
}

func connectPacket(clientID, user, pass string, will *model.Publish) []byte {
	var flags uint8 = 0x02
	body := model.AppendString(nil, "MQTT")
	body = append(body, 4, 0, 0, 60)
	body = model.AppendString(body, clientID)
	if will != nil {
		flags |= 0x04 | will.QoS<<3
		body = model.AppendString(body, will.Topic)
		body = model.AppendString(body, string(will.Payload))
	}
	if user != "" {
		flags |= 0x80
		body = model.AppendString(body, user)
		if pass != "" {
			flags |= 0x40
			body = model.AppendString(body, pass)
		}
	}
	body[7] = flags
	return frame(model.CONNECT, body)
}

func frame(header uint8, body []byte) []byte {
	pkt := []byte{header}
	pkt = model.VariableLengthEncode(pkt, len(body))
	return append(pkt, body...)
}

func subscribePacket(pID uint16, subs ...model.Subscription) []byte {
	body := []byte{byte(pID >> 8), byte(pID)}
	for _, s := range subs {
		body = model.AppendString(body, s.Filter)
		body = append(body, s.QoS)
	}
	return frame(model.SUBSCRIBE|0x02, body)
}

func unsubscribePacket(pID uint16, filters ...string) []byte {
	body := []byte{byte(pID >> 8), byte(pID)}
	for _, f := range filters {
		body = model.AppendString(body, f)
	}
	return frame(model.UNSUBSCRIBE|0x02, body)
}

func (c *testClient) connect(clientID, user, pass string) uint8 {
	c.t.Helper()
	c.send(connectPacket(clientID, user, pass, nil))
	p := c.read()
	require.EqualValues(c.t, model.CONNACK, p.controlType)
	require.Len(c.t, p.body, 2)
	return p.body[1]
}

func (c *testClient) subscribe(pID uint16, subs ...model.Subscription) []uint8 {
	c.t.Helper()
	c.send(subscribePacket(pID, subs...))
	p := c.read()
	require.EqualValues(c.t, model.SUBACK, p.controlType)
	d := decoder{b: p.body}
	require.Equal(c.t, pID, d.uint16())
	return d.rest()
}

func (c *testClient) publish(topic, payload string, qos uint8, pID uint16, retain bool) {
	c.t.Helper()
	c.send(makePublish(&model.Publish{Topic: topic, Payload: []byte(payload)}, qos, pID, retain))
}

func (c *testClient) expectAck(controlType uint8, pID uint16) {
	c.t.Helper()
	p := c.read()
	require.EqualValues(c.t, controlType, p.controlType)
	assert.Equal(c.t, makeAck(controlType, pID)[2:], p.body)
}

func (c *testClient) ping() {
	c.t.Helper()
	c.send([]byte{model.PINGREQ, 0})
	p := c.read()
	assert.EqualValues(c.t, model.PINGRESP, p.controlType)
}

// readPublish returns topic, payload and qos of the next PUBLISH.
func (c *testClient) readPublish() (string, string, uint8, bool) {
	c.t.Helper()
	p := c.read()
	require.EqualValues(c.t, model.PUBLISH, p.controlType)
	qos := (p.flags & 0x06) >> 1
	d := decoder{b: p.body}
	topic := d.bytes()
	if qos > 0 {
		assert.NotZero(c.t, d.uint16())
	}
	require.NoError(c.t, d.err)
	return string(topic), string(d.rest()), qos, p.flags&0x01 > 0
}

func TestConnectRejected(t *testing.T) {
	s := newTestServer(t, &testAuther{})
	c := dial(t, s)

	assert.EqualValues(t, model.ConnRefusedBadUserOrPass, c.connect("c1", "alice", "bad"))
	assert.True(t, c.closed())

	s.sesLock.Lock()
	assert.Empty(t, s.clients)
	s.sesLock.Unlock()
}

func TestConnectAccepted(t *testing.T) {
	s := newTestServer(t, &testAuther{})
	c := dial(t, s)

	assert.EqualValues(t, model.ConnAccepted, c.connect("c1", "alice", "pw"))
	c.ping()
}

func TestConnectBadProtocol(t *testing.T) {
	s := newTestServer(t, nil)
	c := dial(t, s)

	pkt := connectPacket("c1", "", "", nil)
	pkt[8] = 5 // protocol level
	c.send(pkt)

	p := c.read()
	assert.Equal(t, []byte{0, model.ConnRefusedProtocol}, p.body)
	assert.True(t, c.closed())
}

func TestFirstPacketNotConnect(t *testing.T) {
	s := newTestServer(t, nil)
	c := dial(t, s)

	c.send([]byte{model.PINGREQ, 0})
	assert.True(t, c.closed())
}

func TestReadPacketTooLarge(t *testing.T) {
	tests := []struct {
		name  string
		in    []byte
		limit uint32
	}{
		{"max remaining length", []byte{model.CONNECT, 0xFF, 0xFF, 0xFF, 0x7F, 0}, 1 << 20},
		{"one over limit", []byte{model.PUBLISH, 0x81, 0x01, 0}, 128},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var before, after runtime.MemStats
			runtime.ReadMemStats(&before)
			_, err := readPacket(bufio.NewReader(bytes.NewReader(tt.in)), tt.limit)
			runtime.ReadMemStats(&after)

			require.Error(t, err)
			assert.Contains(t, err.Error(), "packet too large")
			assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20))
		})
	}

	p, err := readPacket(bufio.NewReader(bytes.NewReader([]byte{model.PUBLISH, 0x80, 0x01, 0})), 128)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Len(t, p.body, 128)
}

func TestConnectTooLarge(t *testing.T) {
	s := newTestServer(t, nil)
	s.config.MQTT.MaxPacketSize = 1 << 20
	c := dial(t, s)

	// declares the largest remaining length, sends no body
	c.send([]byte{model.CONNECT, 0xFF, 0xFF, 0xFF, 0x7F})
	assert.True(t, c.closed())
}

func TestPacketTooLarge(t *testing.T) {
	s := newTestServer(t, nil)
	c := dial(t, s)
	c.send(connectPacket("c1", "", "", nil))
	assert.Equal(t, []byte{0, model.ConnAccepted}, c.read().body)

	topic := model.AppendString(nil, "stream/S1")
	body := append(topic, make([]byte, 2000)...)
	c.send(append(model.VariableLengthEncode([]byte{model.PUBLISH}, len(body)), body...))
	assert.True(t, c.closed())
}

func TestSubscribeRefused(t *testing.T) {
	s := newTestServer(t, &testAuther{})
	c := dial(t, s)
	require.EqualValues(t, model.ConnAccepted, c.connect("c1", "alice", "pw"))

	codes := c.subscribe(10,
		model.Subscription{Filter: "ok/1", QoS: 1},
		model.Subscription{Filter: "denied/x", QoS: 0},
		model.Subscription{Filter: "ok/2", QoS: 2},
		model.Subscription{Filter: "bad/#/x", QoS: 0},
	)
	assert.Equal(t, []uint8{1, model.SubackFailure, 1, model.SubackFailure}, codes)
	c.ping()
}

func TestPublishDenied(t *testing.T) {
	a := &testAuther{}
	s := newTestServer(t, a)

	sub := dial(t, s)
	require.EqualValues(t, model.ConnAccepted, sub.connect("sub", "bob", "pw"))
	require.Equal(t, []uint8{0}, sub.subscribe(1, model.Subscription{Filter: "#"}))

	pub := dial(t, s)
	require.EqualValues(t, model.ConnAccepted, pub.connect("pub", "alice", "pw"))

	pub.publish("denied/x", "secret", 1, 3, false)
	pub.expectAck(model.PUBACK, 3)

	pub.publish("ok/1", "hello", 0, 0, false)
	topic, payload, qos, _ := sub.readPublish()
	assert.Equal(t, "ok/1", topic)
	assert.Equal(t, "hello", payload)
	assert.Zero(t, qos)

	pub.ping()

	a.mu.Lock()
	assert.Equal(t, []string{"alice:denied/x", "alice:ok/1"}, a.pubChecks)
	a.mu.Unlock()
}

func TestPublishQoS2Inbound(t *testing.T) {
	s := newTestServer(t, nil)

	sub := dial(t, s)
	require.EqualValues(t, model.ConnAccepted, sub.connect("sub", "", ""))
	require.Equal(t, []uint8{1}, sub.subscribe(1, model.Subscription{Filter: "a/+", QoS: 2}))

	pub := dial(t, s)
	require.EqualValues(t, model.ConnAccepted, pub.connect("pub", "", ""))

	pub.publish("a/b", "once", 2, 7, false)
	pub.expectAck(model.PUBREC, 7)
	pub.publish("a/b", "once", 2, 7, false) // retransmission
	pub.expectAck(model.PUBREC, 7)
	pub.send(makeAck(model.PUBRELSend, 7))
	pub.expectAck(model.PUBCOMP, 7)

	pub.publish("a/c", "next", 0, 0, false)

	topic, payload, qos, _ := sub.readPublish()
	assert.Equal(t, "a/b", topic)
	assert.Equal(t, "once", payload)
	assert.EqualValues(t, 1, qos)

	topic, _, _, _ = sub.readPublish()
	assert.Equal(t, "a/c", topic)
}

func TestRetained(t *testing.T) {
	s := newTestServer(t, nil)

	pub := dial(t, s)
	require.EqualValues(t, model.ConnAccepted, pub.connect("pub", "", ""))
	pub.publish("stream/S1", "last", 1, 1, true)
	pub.expectAck(model.PUBACK, 1)
	pub.publish("stream/S2", "gone", 1, 2, true)
	pub.expectAck(model.PUBACK, 2)
	pub.publish("stream/S2", "", 1, 3, true)
	pub.expectAck(model.PUBACK, 3)

	sub := dial(t, s)
	require.EqualValues(t, model.ConnAccepted, sub.connect("sub", "", ""))
	require.Equal(t, []uint8{0}, sub.subscribe(1, model.Subscription{Filter: "stream/+"}))

	topic, payload, qos, retain := sub.readPublish()
	assert.Equal(t, "stream/S1", topic)
	assert.Equal(t, "last", payload)
	assert.Zero(t, qos)
	assert.True(t, retain)
	sub.ping()
}

func TestUnsubscribe(t *testing.T) {
	s := newTestServer(t, nil)

	c := dial(t, s)
	require.EqualValues(t, model.ConnAccepted, c.connect("c", "", ""))
	c.subscribe(1, model.Subscription{Filter: "a/b"}, model.Subscription{Filter: "a/#"})

	c.send(unsubscribePacket(2, "a/b", "a/#", "never/subscribed"))
	c.expectAck(model.UNSUBACK, 2)

	assert.Empty(t, s.matchSubscriptions(&model.Publish{Topic: "a/b"}))
	s.subLock.RLock()
	assert.Empty(t, s.subscriptions)
	s.subLock.RUnlock()
}

func TestSessionTakeover(t *testing.T) {
	s := newTestServer(t, nil)

	first := dial(t, s)
	require.EqualValues(t, model.ConnAccepted, first.connect("same", "", ""))
	first.subscribe(1, model.Subscription{Filter: "x"})

	second := dial(t, s)
	require.EqualValues(t, model.ConnAccepted, second.connect("same", "", ""))
	assert.True(t, first.closed())
	second.ping()

	s.sesLock.Lock()
	assert.Len(t, s.clients, 1)
	s.sesLock.Unlock()
}

func TestWillOnAbnormalClose(t *testing.T) {
	a := &testAuther{}
	s := newTestServer(t, a)

	sub := dial(t, s)
	require.EqualValues(t, model.ConnAccepted, sub.connect("sub", "bob", "pw"))
	sub.subscribe(1, model.Subscription{Filter: "+/status"})

	dying := dial(t, s)
	dying.send(connectPacket("dying", "alice", "pw", &model.Publish{Topic: "device/status", Payload: []byte("offline")}))
	require.EqualValues(t, model.CONNACK, dying.read().controlType)

	denied := dial(t, s)
	denied.send(connectPacket("denied", "alice", "pw", &model.Publish{Topic: "denied/status", Payload: []byte("x")}))
	require.EqualValues(t, model.CONNACK, denied.read().controlType)
	denied.conn.Close()

	dying.conn.Close()

	topic, payload, _, _ := sub.readPublish()
	assert.Equal(t, "device/status", topic)
	assert.Equal(t, "offline", payload)
}

func TestMatchSubscriptions(t *testing.T) {
	s := newTestServer(t, nil)

	filters := []string{"a/b", "a/+", "a/#", "#", "+/+", "+", "a/b/c", "$SYS/#", "+/monitor", "a/+/#"}
	sessions := make(map[string]*session, len(filters))
	for _, f := range filters {
		ses := s.newSession(nil)
		ses.clientId = f
		sessions[f] = ses
		s.addSubscription(ses, model.Subscription{Filter: f})
	}

	tests := []struct {
		topic string
		want  []string
	}{
		{"a/b", []string{"a/b", "a/+", "a/#", "#", "+/+", "a/+/#"}},
		{"a", []string{"a/#", "#", "+"}},
		{"a/b/c", []string{"a/#", "#", "a/b/c", "a/+/#"}},
		{"b/c", []string{"#", "+/+"}},
		{"$SYS/monitor", []string{"$SYS/#"}},
		{"x/monitor", []string{"#", "+/+", "+/monitor"}},
	}

	for _, tt := range tests {
		got := make([]string, 0, len(tt.want))
		for ses := range s.matchSubscriptions(&model.Publish{Topic: tt.topic}) {
			got = append(got, ses.clientId)
		}
		assert.ElementsMatch(t, tt.want, got, tt.topic)
	}
}

func TestMatchSubscriptionsHighestQoS(t *testing.T) {
	s := newTestServer(t, nil)
	ses := s.newSession(nil)
	s.addSubscription(ses, model.Subscription{Filter: "a/+", QoS: 0})
	s.addSubscription(ses, model.Subscription{Filter: "a/#", QoS: 1})

	m := s.matchSubscriptions(&model.Publish{Topic: "a/b"})
	require.Len(t, m, 1)
	assert.EqualValues(t, 1, m[ses])
}

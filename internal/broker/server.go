package broker

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/raptorbox/raptor-broker/internal/config"
	"github.com/raptorbox/raptor-broker/internal/model"
	"github.com/raptorbox/raptor-broker/internal/store"
	"github.com/raptorbox/raptor-broker/internal/websocket"
)

// maxConnectSize bounds the first packet of a connection, before the client
// is authenticated.
const maxConnectSize = 64 * 1024

type Server struct {
	config   *config.Config
	auther   Auther
	observer Observer
	store    store.Store

	ctx    context.Context
	cancel context.CancelFunc

	errs       chan error
	tcpL, tlsL net.Listener
	ws, wss    *http.Server

	sesLock sync.Mutex
	clients map[string]*session

	subLock       sync.RWMutex
	subscriptions topicTree
}

// NewServer returns a server using a for auth decisions and st for retained
// messages. A nil Auther allows everything, a nil Observer is ignored.
func NewServer(conf *config.Config, a Auther, o Observer, st store.Store) *Server {
	if a == nil {
		a = allowAll{}
	}
	if o == nil {
		o = nopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:        conf,
		auther:        a,
		observer:      o,
		store:         st,
		ctx:           ctx,
		cancel:        cancel,
		errs:          make(chan error, 4),
		clients:       make(map[string]*session, 16),
		subscriptions: make(topicTree, 4),
	}
}

// Run starts all configured listeners and blocks until one fails or Stop is called.
func (s *Server) Run() error {
	if err := s.setupTCP(); err != nil {
		return err
	}
	if err := s.setupTLS(); err != nil {
		return err
	}
	s.setupWebsocket()

	lf := make(log.Fields, 4)
	if s.config.TCP.Address != "" {
		lf["tcp_address"] = s.config.TCP.Address
	}
	if s.config.TLS.Address != "" {
		lf["tls_address"] = s.config.TLS.Address
	}
	if s.config.WS.Address != "" {
		lf["ws_address"] = s.config.WS.Address
	}
	if s.config.WSS.Address != "" {
		lf["wss_address"] = s.config.WSS.Address
	}
	log.WithFields(lf).Info("Starting MQTT server")

	select {
	case err := <-s.errs:
		return err
	case <-s.ctx.Done():
		return nil
	}
}

func (s *Server) Stop() {
	log.Info("Shutting down MQTT server")
	s.cancel()

	if s.tcpL != nil {
		s.tcpL.Close()
	}
	if s.tlsL != nil {
		s.tlsL.Close()
	}
	if s.ws != nil {
		s.ws.Close()
	}
	if s.wss != nil {
		s.wss.Close()
	}

	s.sesLock.Lock()
	sessions := make([]*session, 0, len(s.clients))
	for _, ses := range s.clients {
		sessions = append(sessions, ses)
	}
	s.sesLock.Unlock()

	for _, ses := range sessions {
		ses.end()
	}
}

func (s *Server) setupTCP() error {
	if s.config.TCP.Address == "" {
		return nil
	}

	l, err := net.Listen("tcp", s.config.TCP.Address)
	if err != nil {
		return err
	}

	s.tcpL = l
	go s.startDispatcher(l)
	return nil
}

func (s *Server) setupTLS() error {
	if s.config.TLS.Address == "" {
		return nil
	}

	cert, err := os.ReadFile(s.config.TLS.Cert)
	if err != nil {
		return err
	}

	key, err := os.ReadFile(s.config.TLS.Key)
	if err != nil {
		return err
	}

	kp, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return err
	}
	config := tls.Config{Certificates: []tls.Certificate{kp}}

	l, err := tls.Listen("tcp", s.config.TLS.Address, &config)
	if err != nil {
		return err
	}

	s.tlsL = l
	go s.startDispatcher(l)
	return nil
}

func (s *Server) setupWebsocket() {
	if c := &s.config.WS; c.Address != "" {
		s.ws = websocket.Setup(c.Address, c.CheckOrigin, s.startSession, s.errs)
	}
	if c := &s.config.WSS; c.Address != "" {
		s.wss = websocket.SetupTLS(c.Address, c.Cert, c.Key, c.CheckOrigin, s.startSession, s.errs)
	}
}

func (s *Server) connectLimit() uint32 {
	if m := s.config.MQTT.MaxPacketSize; m < maxConnectSize {
		return uint32(m)
	}
	return maxConnectSize
}

// ServeConn serves a client connection accepted outside the configured
// listeners. It returns when the connection closes.
func (s *Server) ServeConn(conn net.Conn) {
	s.startSession(conn)
}

func (s *Server) startDispatcher(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if !strings.Contains(err.Error(), "use of closed") {
				s.errs <- err
			}
			return
		}

		go s.startSession(conn)
	}
}

// addSession registers ses, ending any session with the same client id. [MQTT-3.1.4-2]
func (s *Server) addSession(ses *session) {
	log.WithFields(log.Fields{
		"client": ses.clientId,
	}).Info("New session")

	s.sesLock.Lock()
	old, ok := s.clients[ses.clientId]
	s.clients[ses.clientId] = ses
	s.sesLock.Unlock()

	if ok {
		log.WithFields(log.Fields{
			"client": ses.clientId,
		}).Debug("Old session present, taking over")
		old.end()
	}
}

func (s *Server) removeSession(ses *session) {
	s.removeClientSubscriptions(ses)

	s.sesLock.Lock()
	defer s.sesLock.Unlock()
	// check if another new session has not taken over already
	if c, ok := s.clients[ses.clientId]; ok && c == ses {
		delete(s.clients, ses.clientId)
	}
}

type topicLevel struct {
	children    topicTree
	subscribers map[*session]uint8 // session -> QoS level
}

type topicTree map[string]*topicLevel // level -> sub levels

func newTopicLevel() *topicLevel {
	return &topicLevel{
		children:    make(topicTree, 2),
		subscribers: make(map[*session]uint8, 2),
	}
}

func (s *Server) addSubscription(ses *session, sub model.Subscription) {
	s.subLock.Lock()
	defer s.subLock.Unlock()

	l := s.subscriptions
	var tl *topicLevel
	for _, level := range strings.Split(sub.Filter, "/") {
		var ok bool
		if tl, ok = l[level]; !ok {
			tl = newTopicLevel()
			l[level] = tl
		}
		l = tl.children
	}

	tl.subscribers[ses] = sub.QoS // [MQTT-3.8.4-3] replaces existing
	ses.subscriptions[sub.Filter] = struct{}{}
}

func (s *Server) removeSubscription(ses *session, filter string) {
	s.subLock.Lock()
	defer s.subLock.Unlock()

	levels := strings.Split(filter, "/")
	path := make([]*topicLevel, 0, len(levels))
	l := s.subscriptions
	for _, level := range levels {
		tl, ok := l[level]
		if !ok {
			return // no one subscribed to this
		}
		path = append(path, tl)
		l = tl.children
	}

	delete(path[len(path)-1].subscribers, ses)
	delete(ses.subscriptions, filter)

	// prune empty levels
	for i := len(path) - 1; i >= 0; i-- {
		if len(path[i].subscribers) > 0 || len(path[i].children) > 0 {
			break
		}
		parent := s.subscriptions
		if i > 0 {
			parent = path[i-1].children
		}
		delete(parent, levels[i])
	}
}

// Remove all subscriptions of session.
func (s *Server) removeClientSubscriptions(ses *session) {
	s.subLock.RLock()
	filters := make([]string, 0, len(ses.subscriptions))
	for f := range ses.subscriptions {
		filters = append(filters, f)
	}
	s.subLock.RUnlock()

	for _, f := range filters {
		s.removeSubscription(ses, f)
	}
}

// Match published message topic to all subscribers and forward.
// A session matched by several filters gets the highest QoS once.
func (s *Server) matchSubscriptions(p *model.Publish) map[*session]uint8 {
	topic := strings.Split(p.Topic, "/")
	matched := make(map[*session]uint8, 4)

	add := func(tl *topicLevel) {
		for ses, qos := range tl.subscribers {
			if q, ok := matched[ses]; !ok || qos > q {
				matched[ses] = qos
			}
		}
	}

	var matchLevel func(topicTree, int)
	matchLevel = func(l topicTree, n int) {
		// direct match
		if nl, ok := l[topic[n]]; ok {
			if n < len(topic)-1 {
				matchLevel(nl.children, n+1)
			} else {
				add(nl)
				if nl, ok := nl.children["#"]; ok { // # match - parent level
					add(nl)
				}
			}
		}

		if n == 0 && strings.HasPrefix(p.Topic, "$") { // [MQTT-4.7.2-1]
			return
		}

		// # match
		if nl, ok := l["#"]; ok {
			add(nl)
		}

		// + match
		if nl, ok := l["+"]; ok {
			if n < len(topic)-1 {
				matchLevel(nl.children, n+1)
			} else {
				add(nl)
				if nl, ok := nl.children["#"]; ok {
					add(nl)
				}
			}
		}
	}

	s.subLock.RLock()
	matchLevel(s.subscriptions, 0)
	s.subLock.RUnlock()

	return matched
}

// publish retains p if needed and forwards it to all matching subscribers.
func (s *Server) publish(p *model.Publish) {
	if p.Retain {
		if err := s.store.SetRetained(*p); err != nil {
			log.WithFields(log.Fields{
				"topic": p.Topic,
				"err":   err,
			}).Error("Unable to store retained message")
		}
	}

	for ses, maxQoS := range s.matchSubscriptions(p) {
		fp := s.auther.AuthForward(ses.clientId, p)
		if fp == nil {
			continue
		}

		qos := fp.QoS
		if maxQoS < qos {
			qos = maxQoS
		}
		ses.deliver(fp, qos, false) // [MQTT-3.3.1-9]
	}
}

// sendRetained forwards retained messages matching sub to ses. [MQTT-3.3.1-6]
func (s *Server) sendRetained(ses *session, sub model.Subscription) {
	err := s.store.Retained(sub.Filter, func(p model.Publish) {
		fp := s.auther.AuthForward(ses.clientId, &p)
		if fp == nil {
			return
		}
		qos := fp.QoS
		if sub.QoS < qos {
			qos = sub.QoS
		}
		ses.deliver(fp, qos, true)
	})
	if err != nil {
		log.WithFields(log.Fields{
			"client": ses.clientId,
			"filter": sub.Filter,
			"err":    err,
		}).Error("Unable to load retained messages")
	}
}

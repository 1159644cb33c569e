package broker

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/raptorbox/raptor-broker/internal/model"
	"github.com/raptorbox/raptor-broker/internal/topic"
)

var protoVersionToName = map[uint8][]byte{
	3: []byte("MQIsdp"),
	4: []byte("MQTT"),
}

type session struct {
	srv  *Server
	conn net.Conn
	rx   *bufio.Reader

	clientId  string
	info      ConnInfo
	id        Identity
	keepAlive time.Duration
	will      *model.Publish

	subscriptions map[string]struct{} // guarded by srv.subLock
	q2RxLookup    map[uint16]struct{} // inbound QoS 2 awaiting PUBREL
	pID           atomic.Uint32       // [MQTT-2.3.1-4]

	tx       *bufio.Writer
	out      chan []byte
	done     chan struct{}
	endOnce  sync.Once
	graceful bool
}

func (s *Server) newSession(conn net.Conn) *session {
	return &session{
		srv:           s,
		conn:          conn,
		rx:            bufio.NewReader(conn),
		subscriptions: make(map[string]struct{}, 4),
		q2RxLookup:    make(map[uint16]struct{}, 2),
		tx:            bufio.NewWriter(conn),
		out:           make(chan []byte, s.config.MQTT.MaxInflight),
		done:          make(chan struct{}),
	}
}

// startSession serves conn until it closes.
func (s *Server) startSession(conn net.Conn) {
	ses := s.newSession(conn)
	err := ses.serve()
	ses.end()

	lf := log.Fields{
		"client": ses.clientId,
		"remote": conn.RemoteAddr().String(),
	}
	switch {
	case err == nil, err == errCleanExit:
		log.WithFields(lf).Debug("Client disconnected")
	case err == io.EOF, isClosedConn(err):
		log.WithFields(lf).Debug("Client connection closed")
	default:
		lf["err"] = err
		log.WithFields(lf).Info("Client connection error")
		if ses.clientId != "" {
			s.observer.OnClientError(ses.clientId, err)
		}
	}

	if ses.id != nil {
		if !ses.graceful && ses.will != nil { // [MQTT-3.1.2-8]
			s.publish(ses.will)
		}
		s.removeSession(ses)
	}
}

func isClosedConn(err error) bool {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false
	}
	return strings.Contains(err.Error(), "use of closed")
}

func (ses *session) serve() error {
	if err := ses.conn.SetReadDeadline(time.Now().Add(ses.srv.config.MQTT.ConnectTimeout.Duration)); err != nil {
		return err
	}

	p, err := readPacket(ses.rx, ses.srv.connectLimit())
	if err != nil {
		return err
	}
	if p.controlType != model.CONNECT { // [MQTT-3.1.0-1]
		return protocolViolation("first packet not CONNECT")
	}
	if err := ses.handleConnect(p); err != nil {
		return err
	}

	for {
		if ses.keepAlive > 0 {
			if err := ses.conn.SetReadDeadline(time.Now().Add(ses.keepAlive)); err != nil {
				return err
			}
		}

		p, err := readPacket(ses.rx, uint32(ses.srv.config.MQTT.MaxPacketSize))
		if err != nil {
			return err
		}
		if err := ses.handle(p); err != nil {
			return err
		}
	}
}

func (ses *session) handle(p packet) error {
	switch p.controlType {
	case model.CONNECT: // [MQTT-3.1.0-2]
		return protocolViolation("second CONNECT packet")
	case model.PUBLISH:
		return ses.handlePublish(p)
	case model.PUBACK, model.PUBREC, model.PUBCOMP:
		// outbound QoS is at most 1 and nothing is redelivered
		if len(p.body) != 2 {
			return protocolViolation("malformed acknowledgement")
		}
		return nil
	case model.PUBREL:
		d := decoder{b: p.body}
		pID := d.uint16()
		if d.err != nil {
			return d.err
		}
		delete(ses.q2RxLookup, pID) // [MQTT-4.3.3-2]
		return ses.writePacket(makeAck(model.PUBCOMP, pID))
	case model.SUBSCRIBE:
		return ses.handleSubscribe(p)
	case model.UNSUBSCRIBE:
		return ses.handleUnsubscribe(p)
	case model.PINGREQ:
		return ses.writePacket(pingRespPacket)
	case model.DISCONNECT:
		log.WithFields(log.Fields{
			"client": ses.clientId,
		}).Debug("Got DISCONNECT packet")

		ses.graceful = true
		ses.will = nil // [MQTT-3.1.2-10]
		return errCleanExit
	}
	return protocolViolation("unexpected packet")
}

func (ses *session) handleConnect(p packet) error {
	d := decoder{b: p.body}
	protoName := d.bytes()
	protoVersion := d.byte()
	flags := d.byte()
	keepAlive := d.uint16()
	if d.err != nil {
		return d.err
	}

	if name, ok := protoVersionToName[protoVersion]; !ok || !bytes.Equal(name, protoName) { // [MQTT-3.1.2-1]
		ses.sendConnack(model.ConnRefusedProtocol) // [MQTT-3.1.2-2]
		return protocolViolation("unsupported client protocol. Must be MQTT v3.1.1")
	}
	if flags&0x01 > 0 { // [MQTT-3.1.2-3]
		return protocolViolation("malformed CONNECT")
	}

	ses.keepAlive = time.Duration(keepAlive) * time.Second * 3 / 2 // [MQTT-3.1.2-24]

	clientId := d.bytes()
	if d.err != nil {
		return d.err
	}
	if err := topic.CheckUTF8(clientId); err != nil { // [MQTT-3.1.3-4]
		return protocolViolation("malformed CONNECT clientID: " + err.Error())
	}
	if len(clientId) > 0 {
		ses.clientId = string(clientId)
	} else {
		if flags&0x02 == 0 { // [MQTT-3.1.3-7]
			ses.sendConnack(model.ConnRefusedIdentifier) // [MQTT-3.1.3-8]
			return protocolViolation("must have clientID when persistent session")
		}
		ses.clientId = "auto-" + uuid.NewString()
	}

	if flags&0x04 > 0 {
		wTopic := d.bytes()
		wMsg := d.bytes()
		if d.err != nil {
			return d.err
		}

		if err := topic.ValidName(string(wTopic)); err != nil { // [MQTT-3.1.3-10]
			return protocolViolation("malformed CONNECT Will Topic string: " + err.Error())
		}

		wQoS := (flags & 0x18) >> 3
		if wQoS > 2 { // [MQTT-3.1.2-14]
			return protocolViolation("malformed CONNECT invalid will QoS level")
		}

		ses.will = &model.Publish{
			Topic:     string(wTopic),
			Payload:   append([]byte(nil), wMsg...),
			QoS:       wQoS,
			Retain:    flags&0x20 > 0,
			Publisher: ses.clientId,
		}
	} else if flags&0x38 > 0 { // [MQTT-3.1.2-11, 2-13, 2-15]
		return protocolViolation("malformed CONNECT will Flags")
	}

	info := ConnInfo{ClientID: ses.clientId, RemoteAddr: ses.conn.RemoteAddr().String()}
	if flags&0x80 > 0 {
		userName := d.bytes()
		if d.err != nil {
			return d.err
		}
		if err := topic.CheckUTF8(userName); err != nil { // [MQTT-3.1.3-11]
			return protocolViolation("malformed CONNECT User Name: " + err.Error())
		}
		info.Username = string(userName)

		if flags&0x40 > 0 {
			info.Password = append([]byte(nil), d.bytes()...)
			if d.err != nil {
				return d.err
			}
		}
	} else if flags&0x40 > 0 { // [MQTT-3.1.2-22]
		return protocolViolation("malformed CONNECT password without username")
	}

	if len(d.rest()) != 0 {
		return protocolViolation("malformed CONNECT: unexpected extra payload fields")
	}
	ses.info = info

	id, err := ses.srv.auther.AuthUser(ses.srv.ctx, info)
	if err != nil {
		ses.sendConnack(model.ConnRefusedBadUserOrPass)
		return fmt.Errorf("authentication failed: %w", err)
	}
	if id == nil {
		id = anonymous{}
	}

	if ses.will != nil {
		if err := ses.srv.auther.AuthPublish(ses.srv.ctx, id, ses.will.Topic); err != nil {
			log.WithFields(log.Fields{
				"client": ses.clientId,
				"topic":  ses.will.Topic,
				"err":    err,
			}).Info("Will message not authorized, dropped")
			ses.will = nil
		}
	}

	if err := ses.conn.SetReadDeadline(time.Time{}); err != nil { // CONNECT packet timeout cancel
		return err
	}

	ses.id = id
	ses.srv.addSession(ses)
	go ses.writeLoop()
	if err := ses.writePacket(makeConnack(model.ConnAccepted)); err != nil { // [MQTT-3.2.2-1, 2-2, 2-3]
		return err
	}
	ses.srv.observer.OnClient(info)
	return nil
}

func (ses *session) handlePublish(p packet) error {
	qos, retain := (p.flags&0x06)>>1, p.flags&0x01 > 0

	d := decoder{b: p.body}
	topicName := d.bytes()
	var pID uint16
	if qos > 0 {
		pID = d.uint16()
	}
	if d.err != nil {
		return d.err
	}
	if err := topic.ValidName(string(topicName)); err != nil { // [MQTT-3.3.2-1, 3.3.2-2]
		return protocolViolation("Invalid Publish Topic string: " + err.Error())
	}

	pub := &model.Publish{
		Topic:     string(topicName),
		Payload:   d.rest(),
		QoS:       qos,
		Retain:    retain,
		Publisher: ses.clientId,
	}

	if log.IsLevelEnabled(log.DebugLevel) {
		lf := log.Fields{
			"client":  ses.clientId,
			"topic":   pub.Topic,
			"QoS":     qos,
			"payload": string(pub.Payload),
		}
		if p.flags&0x08 > 0 {
			lf["duplicate"] = true
		}
		if retain {
			lf["retain"] = true
		}
		log.WithFields(lf).Debug("Got PUBLISH packet")
	}

	_, dup := ses.q2RxLookup[pID]
	if qos < 2 || !dup { // [MQTT-4.3.3-2]
		if err := ses.srv.auther.AuthPublish(ses.srv.ctx, ses.id, pub.Topic); err != nil {
			log.WithFields(log.Fields{
				"client": ses.clientId,
				"topic":  pub.Topic,
				"err":    err,
			}).Info("Publish not authorized")
			ses.srv.observer.OnClientError(ses.clientId, err)
		} else {
			ses.srv.observer.OnPublish(ses.clientId, pub)
			ses.srv.publish(pub)
		}
	}

	switch qos {
	case 1:
		return ses.writePacket(makeAck(model.PUBACK, pID)) // [MQTT-4.3.2-2]
	case 2:
		ses.q2RxLookup[pID] = struct{}{}
		return ses.writePacket(makeAck(model.PUBREC, pID)) // [MQTT-4.3.3-2]
	}
	return nil
}

func (ses *session) handleSubscribe(p packet) error {
	d := decoder{b: p.body}
	pID := d.uint16()
	if d.err != nil {
		return d.err
	}
	if len(d.b) == 0 { // [MQTT-3.8.3-3]
		return protocolViolation("invalid SUBSCRIBE - no topic filter")
	}

	codes := make([]uint8, 0, 2)
	granted := make([]model.Subscription, 0, 2)
	for len(d.b) > 0 {
		filter := d.bytes()
		qos := d.byte()
		if d.err != nil {
			return d.err
		}
		if qos > 2 { // [MQTT-3.8.3-4]
			return protocolViolation("invalid SUBSCRIBE - QoS > 2")
		}
		if err := topic.CheckUTF8(filter); err != nil { // [MQTT-3.8.3-1]
			return protocolViolation("invalid SUBSCRIBE topic filter: " + err.Error())
		}

		sub, err := ses.subscribe(model.Subscription{Filter: string(filter), QoS: qos})
		if err != nil {
			log.WithFields(log.Fields{
				"client": ses.clientId,
				"filter": string(filter),
				"err":    err,
			}).Info("Subscription refused")
			ses.srv.observer.OnClientError(ses.clientId, err)
			codes = append(codes, model.SubackFailure)
			continue
		}

		codes = append(codes, sub.QoS)
		granted = append(granted, sub)
	}

	if err := ses.writePacket(makeSuback(pID, codes)); err != nil { // [MQTT-3.8.4-1, 4-4, 4-5]
		return err
	}

	if len(granted) > 0 {
		ses.srv.observer.OnSubscribe(ses.clientId, granted)
	}
	for _, sub := range granted {
		ses.srv.sendRetained(ses, sub)
	}
	return nil
}

func (ses *session) subscribe(sub model.Subscription) (model.Subscription, error) {
	if err := topic.ValidFilter(sub.Filter); err != nil {
		return sub, err
	}

	sub, err := ses.srv.auther.AuthSubscribe(ses.srv.ctx, ses.id, sub)
	if err != nil {
		return sub, err
	}
	if sub.QoS > 1 {
		sub.QoS = 1
	}

	ses.srv.addSubscription(ses, sub)
	return sub, nil
}

func (ses *session) handleUnsubscribe(p packet) error {
	d := decoder{b: p.body}
	pID := d.uint16()
	if d.err != nil {
		return d.err
	}
	if len(d.b) == 0 { // [MQTT-3.10.3-2]
		return protocolViolation("invalid UNSUBSCRIBE - no topic filter")
	}

	for len(d.b) > 0 {
		filter := d.bytes()
		if d.err != nil {
			return d.err
		}
		ses.srv.removeSubscription(ses, string(filter))
	}

	return ses.writePacket(makeAck(model.UNSUBACK, pID)) // [MQTT-3.10.4-4, 4-5]
}

// sendConnack writes a refusal directly, the writer is not running yet.
func (ses *session) sendConnack(code uint8) {
	if _, err := ses.conn.Write(makeConnack(code)); err != nil {
		log.WithFields(log.Fields{
			"client": ses.clientId,
			"err":    err,
		}).Error("Unable to send CONNACK")
	}
}

// writePacket queues a control packet, waiting for buffer space.
func (ses *session) writePacket(pkt []byte) error {
	select {
	case ses.out <- pkt:
		return nil
	case <-ses.done:
		return net.ErrClosed
	}
}

// deliver queues p for the client. Messages are dropped when the buffer is full.
func (ses *session) deliver(p *model.Publish, qos uint8, retained bool) {
	var pID uint16
	if qos > 0 {
		for pID == 0 { // some clients don't like 0
			pID = uint16(ses.pID.Add(1))
		}
	}

	select {
	case ses.out <- makePublish(p, qos, pID, retained):
	case <-ses.done:
	default:
		log.WithFields(log.Fields{
			"client": ses.clientId,
			"topic":  p.Topic,
		}).Warn("Client outbound buffer full, message dropped")
	}
}

func (ses *session) writeLoop() {
	for {
		select {
		case pkt := <-ses.out:
			if _, err := ses.tx.Write(pkt); err != nil {
				ses.end()
				return
			}
			if len(ses.out) == 0 {
				if err := ses.tx.Flush(); err != nil {
					ses.end()
					return
				}
			}
		case <-ses.done:
			return
		}
	}
}

// end closes the connection once.
func (ses *session) end() {
	ses.endOnce.Do(func() {
		close(ses.done)
		ses.conn.Close()
	})
}

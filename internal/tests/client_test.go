package tests_test

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/raptorbox/raptor-broker/internal/model"
)

// fakeClient is a minimal MQTT client. Received packets are routed to
// channels by a reader goroutine.
type fakeClient struct {
	ClientID string

	errs     chan error
	conn     io.ReadWriteCloser
	pubs     chan pubInfo
	connacks chan uint8
	subbed   chan []uint8
	pubacks  chan uint16
	pongs    chan struct{}
	dead     chan struct{}

	txLock sync.Mutex
	pID    uint16
}

type pubInfo struct {
	topic string
	qos   uint8
	pID   uint16
	msg   []byte
}

func generateNewClientID() string {
	uuid := [16]byte(uuid.New())
	return hex.EncodeToString(uuid[:])
}

func newClient(conn io.ReadWriteCloser, errs chan error) *fakeClient {
	c := fakeClient{
		ClientID: generateNewClientID(),
		errs:     errs,
		conn:     conn,
		pubs:     make(chan pubInfo, 64),
		connacks: make(chan uint8, 1),
		subbed:   make(chan []uint8, 1),
		pubacks:  make(chan uint16, 16),
		pongs:    make(chan struct{}, 1),
		dead:     make(chan struct{}),
	}
	go c.reader()
	return &c
}

func dialTCP(addr string, errs chan error) (*fakeClient, error) {
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return nil, err
	}
	return newClient(conn, errs), nil
}

func dialWS(url string, errs chan error) (*fakeClient, error) {
	d := websocket.Dialer{Subprotocols: []string{"mqtt"}, HandshakeTimeout: time.Second}
	conn, _, err := d.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return newClient(&wsStream{Conn: conn}, errs), nil
}

// wsStream carries the MQTT byte stream in binary messages.
type wsStream struct {
	*websocket.Conn
	r io.Reader
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			_, r, err := s.NextReader()
			if err != nil {
				return 0, err
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if err == io.EOF {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *fakeClient) reader() {
	defer close(c.dead)
	rx := bufio.NewReader(c.conn)

	for {
		header, err := rx.ReadByte()
		if err != nil {
			c.readErr(err)
			return
		}

		var remainLen, lenMul uint32 = 0, 1
		for {
			b, err := rx.ReadByte()
			if err != nil {
				c.readErr(err)
				return
			}
			remainLen += uint32(b&127) * lenMul
			lenMul *= 128
			if b&128 == 0 {
				break
			}
		}

		body := make([]byte, remainLen)
		if _, err := io.ReadFull(rx, body); err != nil {
			c.readErr(err)
			return
		}

		switch header & 0xF0 {
		case model.CONNACK:
			c.connacks <- body[1]
		case model.SUBACK:
			c.subbed <- body[2:]
		case model.PUBACK:
			c.pubacks <- binary.BigEndian.Uint16(body)
		case model.PINGRESP:
			c.pongs <- struct{}{}
		case model.PUBLISH:
			topicLen := binary.BigEndian.Uint16(body)
			p := pubInfo{topic: string(body[2 : 2+topicLen]), qos: (header & 0x06) >> 1}
			offs := 2 + topicLen
			if p.qos > 0 {
				p.pID = binary.BigEndian.Uint16(body[offs:])
				offs += 2
			}
			p.msg = body[offs:]
			c.pubs <- p
		default:
			c.errs <- fmt.Errorf("unexpected packet %x", header)
			return
		}
	}
}

func (c *fakeClient) readErr(err error) {
	if err != io.EOF && !strings.Contains(err.Error(), "use of closed") && !websocket.IsCloseError(err, websocket.CloseAbnormalClosure) {
		select {
		case c.errs <- err:
		default:
		}
	}
}

func (c *fakeClient) write(header uint8, body []byte) error {
	pkt := model.VariableLengthEncode([]byte{header}, len(body))
	c.txLock.Lock()
	defer c.txLock.Unlock()
	_, err := c.conn.Write(append(pkt, body...))
	return err
}

func (c *fakeClient) nextPID() uint16 {
	c.txLock.Lock()
	defer c.txLock.Unlock()
	c.pID++
	return c.pID
}

var errTimeout = errors.New("timed out waiting for server")

func wait[T any](ch chan T) (T, error) {
	select {
	case v := <-ch:
		return v, nil
	case <-time.After(3 * time.Second):
		var zero T
		return zero, errTimeout
	}
}

// connect returns the CONNACK return code.
func (c *fakeClient) connect(user, pass string) (uint8, error) {
	body := model.AppendString(nil, "MQTT")
	body = append(body, 4, 0x02, 0, 30)
	body = model.AppendString(body, c.ClientID)
	if user != "" {
		body[7] |= 0x80
		body = model.AppendString(body, user)
		if pass != "" {
			body[7] |= 0x40
			body = model.AppendString(body, pass)
		}
	}
	if err := c.write(model.CONNECT, body); err != nil {
		return 0, err
	}
	return wait(c.connacks)
}

func (c *fakeClient) sub(topic string, qos uint8) (uint8, error) {
	pID := c.nextPID()
	body := []byte{byte(pID >> 8), byte(pID)}
	body = model.AppendString(body, topic)
	body = append(body, qos)
	if err := c.write(model.SUBSCRIBE|0x02, body); err != nil {
		return 0, err
	}

	codes, err := wait(c.subbed)
	if err != nil {
		return 0, err
	}
	return codes[0], nil
}

// pubMsg publishes and, for QoS 1, waits for the PUBACK.
func (c *fakeClient) pubMsg(msg []byte, topic string, qos uint8) error {
	body := model.AppendString(nil, topic)
	var pID uint16
	if qos > 0 {
		pID = c.nextPID()
		body = append(body, byte(pID>>8), byte(pID))
	}
	body = append(body, msg...)
	if err := c.write(model.PUBLISH|qos<<1, body); err != nil {
		return err
	}

	if qos == 0 {
		return nil
	}
	got, err := wait(c.pubacks)
	if err != nil {
		return err
	}
	if got != pID {
		return fmt.Errorf("got PUBACK %d, expected %d", got, pID)
	}
	return nil
}

func (c *fakeClient) sendPuback(pID uint16) error {
	return c.write(model.PUBACK, []byte{byte(pID >> 8), byte(pID)})
}

func (c *fakeClient) ping() error {
	if err := c.write(model.PINGREQ, nil); err != nil {
		return err
	}
	_, err := wait(c.pongs)
	return err
}

func (c *fakeClient) waitPub() (pubInfo, error) {
	return wait(c.pubs)
}

// closed waits for the server to drop the connection.
func (c *fakeClient) closed() error {
	_, err := wait(c.dead)
	return err
}

func (c *fakeClient) close() {
	c.conn.Close()
}

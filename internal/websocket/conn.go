// Package websocket serves MQTT over Websocket connections.
package websocket

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Setup starts serving on address and hands each upgraded connection to
// dispatch. Serving errors are sent on errs. The returned server can be
// closed to stop listening.
func Setup(address string, checkOrigin bool, dispatch func(net.Conn), errs chan<- error) *http.Server {
	srv := &http.Server{Addr: address, Handler: Handler(checkOrigin, dispatch)}
	go serve(errs, srv.ListenAndServe)
	return srv
}

func SetupTLS(address, certFile, keyFile string, checkOrigin bool, dispatch func(net.Conn), errs chan<- error) *http.Server {
	srv := &http.Server{Addr: address, Handler: Handler(checkOrigin, dispatch)}
	go serve(errs, func() error {
		return srv.ListenAndServeTLS(certFile, keyFile)
	})
	return srv
}

func serve(errs chan<- error, f func() error) {
	if err := f(); err != nil && err != http.ErrServerClosed {
		errs <- err
	}
}

// Handler upgrades requests using the "mqtt" sub protocol.
func Handler(checkOrigin bool, dispatch func(net.Conn)) http.HandlerFunc {
	up := websocket.Upgrader{
		Subprotocols: []string{"mqtt"}, // [MQTT-6.0.0-4]
	}
	if !checkOrigin {
		up.CheckOrigin = func(*http.Request) bool { return true }
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if protos := websocket.Subprotocols(r); len(protos) == 0 || protos[0] != "mqtt" { // [MQTT-6.0.0-3]
			errMsg := "websocket client not supported. sub protocol must be 'mqtt'"
			http.Error(w, errMsg, http.StatusNotAcceptable)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			log.WithFields(log.Fields{
				"remote": r.RemoteAddr,
				"err":    err,
			}).Debug("Unsuccessful websocket negotiation")
			return // Upgrade already replied
		}

		go dispatch(&wsConn{Conn: conn})
	}
}

type wsConn struct {
	*websocket.Conn
	r io.Reader
}

func (c *wsConn) Write(p []byte) (int, error) {
	err := c.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			var err error
			var mt int
			if mt, c.r, err = c.NextReader(); err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage { // [MQTT-6.0.0-1]
				return 0, errors.New("not binary message")
			}
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetWriteDeadline(t); err != nil {
		return err
	}
	return c.SetReadDeadline(t)
}

// Package raptorbroker is an MQTT server that authenticates clients and
// authorizes their topics against the Raptor identity service.
package raptorbroker

import (
	"net"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/raptorbox/raptor-broker/internal/broker"
	"github.com/raptorbox/raptor-broker/internal/config"
	"github.com/raptorbox/raptor-broker/internal/raptor"
	"github.com/raptorbox/raptor-broker/internal/store"
)

type Server struct {
	config  *config.Config
	gateway *Gateway
	store   store.Store
	mqtt    *broker.Server
	logFile *os.File
}

// New creates a server from the config file at fPath. An empty fPath uses
// defaults and environment variables only.
func New(fPath string) (*Server, error) {
	conf, err := config.New(fPath)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(conf, nil)
}

// NewWithConfig creates a server from conf. f opens Raptor clients and
// defaults to raptor.NewAPI.
func NewWithConfig(conf *config.Config, f raptor.Factory) (*Server, error) {
	s := Server{config: conf}
	if err := s.setupLogging(); err != nil {
		return nil, err
	}

	g, err := NewGateway(conf, f)
	if err != nil {
		s.closeLog()
		return nil, err
	}

	st, err := store.New(conf.Store.Dir)
	if err != nil {
		s.closeLog()
		return nil, err
	}

	s.gateway, s.store = g, st
	s.mqtt = broker.NewServer(conf, g, g, st)
	return &s, nil
}

// Run starts listening and blocks until a listener fails or Shutdown is called.
func (s *Server) Run() error {
	return s.mqtt.Run()
}

// ServeConn serves a single client connection accepted elsewhere.
func (s *Server) ServeConn(conn net.Conn) {
	s.mqtt.ServeConn(conn)
}

func (s *Server) Shutdown() {
	s.mqtt.Stop()
	if err := s.store.Close(); err != nil {
		log.WithError(err).Error("Unable to close store")
	}
	s.closeLog()
}

func (s *Server) setupLogging() error {
	if s.config.Log.File != "" {
		f, err := os.OpenFile(s.config.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		log.SetOutput(f)
		s.logFile = f
	}
	if s.config.Log.Level != "" {
		switch strings.ToLower(s.config.Log.Level) {
		case "error":
			log.SetLevel(log.ErrorLevel)
		case "warn":
			log.SetLevel(log.WarnLevel)
		case "info":
			log.SetLevel(log.InfoLevel)
		case "debug":
			log.SetLevel(log.DebugLevel)
		}
	}
	return nil
}

func (s *Server) closeLog() {
	if s.logFile != nil {
		log.SetOutput(os.Stderr)
		s.logFile.Close()
		s.logFile = nil
	}
}

// Package tcp carries newline-framed packets over plain TCP. The server runs
// one goroutine per accepted connection.
package tcp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/kalifun/fleetlink/errors"
	"github.com/sirupsen/logrus"
)

// Config for the relay listener.
type Config struct {
	Listen string `yaml:"listen"`
	// ReadTimeout closes a connection that stays silent this long. Zero waits
	// forever.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Handler serves one connection. It owns conn until it returns.
type Handler func(ctx context.Context, conn *Conn) error

// Server accepts device connections.
type Server struct {
	id       string
	config   Config
	handler  Handler
	listener net.Listener
	conns    map[*Conn]struct{}
	mu       sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *logrus.Entry
}

func NewServer(id string, config Config, handler Handler) *Server {
	return &Server{
		id:      id,
		config:  config,
		handler: handler,
		conns:   make(map[*Conn]struct{}),
		logger:  logrus.WithField("component", id),
	}
}

func (s *Server) ID() string {
	return s.id
}

// Start binds the listener and begins accepting in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.ConfigurationError.Args("server " + s.id + " is already running")
	}
	if s.config.Listen == "" {
		return errors.ConfigurationError.Args("listen address is required")
	}

	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return errors.ConnectionFailed.Wrap(err)
	}
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.acceptLoop(s.ctx, ln)

	s.logger.WithField("addr", ln.Addr().String()).Info("Relay listening")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for the
// handlers to return or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	_ = s.listener.Close()
	s.listener = nil
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Relay stopped")
		return nil
	case <-ctx.Done():
		return errors.TimeoutError.Wrap(ctx.Err())
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Error("Accept failed")
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		conn := newConn(raw, s.config.ReadTimeout)
		s.track(conn, true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			if err := s.handler(ctx, conn); err != nil {
				s.logger.WithError(err).WithField("remote", conn.RemoteAddr()).Warn("Connection ended with error")
			}
		}()
	}
}

func (s *Server) track(c *Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

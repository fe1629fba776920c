package ctl

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/xtxerr/flightrec/internal/errors"
	"github.com/xtxerr/flightrec/internal/logging"
	"github.com/xtxerr/flightrec/internal/wire"
	"google.golang.org/protobuf/types/known/structpb"
)

var log = logging.Component("ctl")

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Socket is the unix socket path.
	Socket string

	// MaxMessageSize limits a request. Zero selects the default.
	MaxMessageSize int64

	// RequestTimeout bounds a single command. Zero disables.
	RequestTimeout time.Duration
}

// =============================================================================
// Server
// =============================================================================

// Server serves control commands on a unix socket.
type Server struct {
	cfg      Config
	handler  *Handler
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	ready    chan struct{}
	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a server for rec.
func NewServer(cfg Config, rec Recorder) *Server {
	return &Server{
		cfg:      cfg,
		handler:  NewHandler(rec),
		conns:    make(map[net.Conn]struct{}),
		ready:    make(chan struct{}),
		shutdown: make(chan struct{}),
	}
}

// Listen binds the socket, replacing a stale socket file.
func (s *Server) Listen() error {
	if s.cfg.Socket == "" {
		return errors.NewMissingField("socket")
	}
	if err := os.Remove(s.cfg.Socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.Socket)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	close(s.ready)
	log.Info("listening", "socket", s.cfg.Socket)
	return nil
}

// Serve accepts connections until Shutdown. Listen must have succeeded.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// Run listens and serves until Shutdown.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Ready is closed once the socket is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Shutdown closes the listener and all connections and waits for their
// handlers.
func (s *Server) Shutdown() {
	s.once.Do(func() {
		log.Info("shutting down")
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		os.Remove(s.cfg.Socket)
		log.Info("shutdown complete")
	})
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.shutdown:
		return false
	default:
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// =============================================================================
// Connection Handling
// =============================================================================

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	log.Debug("connection opened")
	w := wire.NewConn(conn, s.cfg.MaxMessageSize)
	for {
		env, err := w.Read()
		if err != nil {
			log.Debug("connection closed", "error", err)
			return
		}
		if err := w.Write(s.handleMessage(ctx, env)); err != nil {
			log.Debug("write failed, closing connection", "error", err)
			return
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, env *structpb.Struct) *structpb.Struct {
	id := wire.ID(env)
	cmd := wire.Command(env)

	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := s.handler.Handle(ctx, cmd, wire.Args(env))
	if err != nil {
		log.Warn("command failed", "cmd", cmd, "error", err)
		var he *HandlerError
		if errors.As(err, &he) {
			return wire.NewError(id, he.Code, he.Message)
		}
		return wire.NewErrorFromErr(id, err)
	}
	log.Debug("command", "cmd", cmd, "duration", time.Since(start))

	resp, err := wire.NewResult(id, result)
	if err != nil {
		return wire.NewErrorf(id, errors.CodeInternal, "encode result: %v", err)
	}
	return resp
}

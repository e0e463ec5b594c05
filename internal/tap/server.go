// Package tap serves a cannelloni TCP view of the bus. Every frame the
// gateway sends or receives is broadcast to connected clients; frames
// written by clients are injected onto the bus.
package tap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
	"github.com/kstaniek/go-stalk-gateway/internal/cnl"
	"github.com/kstaniek/go-stalk-gateway/internal/hub"
	"github.com/kstaniek/go-stalk-gateway/internal/logging"
	"github.com/kstaniek/go-stalk-gateway/internal/metrics"
	"github.com/kstaniek/go-stalk-gateway/internal/transport"
)

// InjectFunc hands a client frame to the bus. It must not block.
type InjectFunc func(can.Frame) error

type codec interface {
	transport.MultiFrameDecoder
	transport.FrameBatchEncoder
}

// Server owns the TCP listener and the client connections.
type Server struct {
	mu     sync.RWMutex
	addr   string
	hub    *hub.Hub
	codec  codec
	inject InjectFunc

	readOnly         bool
	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration

	readyOnce sync.Once
	readyCh   chan struct{}
	listener  net.Listener
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
	logger    *slog.Logger

	nextConnID         atomic.Uint64
	totalAccepted      atomic.Uint64
	totalHandshakeFail atomic.Uint64
	totalDisconnected  atomic.Uint64
	totalInjectDropped atomic.Uint64
	totalInjectInvalid atomic.Uint64
}

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
)

type Option func(*Server)

var errClosed = errors.New("listener closed")

// New builds a server around h. Without WithInject the tap is read-only.
func New(h *hub.Hub, opts ...Option) *Server {
	s := &Server{
		addr:             ":0",
		hub:              h,
		codec:            &cnl.Codec{},
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		conns:            make(map[net.Conn]struct{}),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.inject == nil {
		s.readOnly = true
	}
	return s
}

func WithListenAddr(a string) Option  { return func(s *Server) { s.addr = a } }
func WithInject(fn InjectFunc) Option { return func(s *Server) { s.inject = fn } }
func WithReadOnly(ro bool) Option     { return func(s *Server) { s.readOnly = ro } }
func WithBatchSize(n int) Option      { return func(s *Server) { s.batchSize = max(n, 1) } }
func WithFlushInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithReadDeadline(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Serve listens and accepts clients until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %w", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tap_listen", "addr", ln.Addr().String(), "read_only", s.readOnly)

	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, errClosed) {
				return nil
			}
			return err
		}
	}
}

func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
			return errClosed
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %w", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	s.totalAccepted.Add(1)
	logger := s.logger.With("conn_id", s.nextConnID.Add(1), "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := cnl.Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		wrap := fmt.Errorf("%w: %w", ErrHandshake, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.totalHandshakeFail.Add(1)
		logger.Warn("tap_handshake_failed", "error", wrap)
		_ = conn.Close()
		return nil
	}
	cl := hub.NewClient(s.hub.OutBufSize)
	if err := s.hub.Add(cl); err != nil {
		logger.Warn("tap_client_rejected", "error", err)
		_ = conn.Close()
		return nil
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	logger.Info("tap_client_connected")
	s.startWriter(ctx.Done(), conn, cl, logger)
	s.startReader(ctx.Done(), conn, cl, logger)
	return nil
}

func (s *Server) dropConn(conn net.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Shutdown closes the listener and every client, then waits for the
// connection goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.hub.CloseAll()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrShutdownWait, ctx.Err())
	case <-done:
		s.logger.Info("tap_shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"handshake_fail", s.totalHandshakeFail.Load(),
			"disconnected", s.totalDisconnected.Load(),
			"inject_dropped", s.totalInjectDropped.Load(),
			"inject_invalid", s.totalInjectInvalid.Load())
		return nil
	}
}

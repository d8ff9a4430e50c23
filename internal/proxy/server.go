package proxy

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/gomproxy/internal/config"
	"github.com/bardlex/gomproxy/internal/events"
	"github.com/bardlex/gomproxy/internal/stratum"
	"github.com/bardlex/gomproxy/pkg/errors"
	"github.com/bardlex/gomproxy/pkg/log"
	"github.com/bardlex/gomproxy/pkg/retry"
)

// Dialer opens the upstream pool connection for a new session
type Dialer func(ctx context.Context, logger *log.Logger) (*stratum.Conn, error)

// RateLimiter decides whether a remote host may open another connection
type RateLimiter interface {
	AllowConnection(ctx context.Context, host string, perMinute int) (bool, error)
}

// Gauge tracks active connections outside the process
type Gauge interface {
	AdjustConnections(ctx context.Context, delta int64) (int64, error)
}

// Option configures a Server
type Option func(*Server)

// WithPublisher publishes translator events for every session
func WithPublisher(p *events.Publisher) Option {
	return func(s *Server) { s.publisher = p }
}

// WithRateLimiter applies the per-host connection limit
func WithRateLimiter(l RateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithGauge reports active connections to g
func WithGauge(g Gauge) Option {
	return func(s *Server) { s.gauge = g }
}

// WithDialer replaces the upstream dialer
func WithDialer(d Dialer) Option {
	return func(s *Server) { s.dial = d }
}

// Server accepts downstream connections and runs a Session for each
type Server struct {
	cfg       *config.Config
	logger    *log.Logger
	publisher *events.Publisher
	limiter   RateLimiter
	gauge     Gauge
	dial      Dialer

	listener net.Listener
	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup

	// stopped is canceled by Shutdown and ends dials and sessions in flight
	stopped context.Context
	stop    context.CancelFunc

	// slots counts connections from admission until cleanup, dials included
	slots    atomic.Int64
	total    atomic.Int64
	rejected atomic.Int64
}

// NewServer creates a new proxy server
func NewServer(cfg *config.Config, logger *log.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = log.Nop()
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger.WithComponent("server"),
		sessions: make(map[string]*Session),
	}
	s.stopped, s.stop = context.WithCancel(context.Background())
	s.dial = s.dialUpstream

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// dialUpstream connects to the configured pool, retrying with backoff
func (s *Server) dialUpstream(ctx context.Context, logger *log.Logger) (*stratum.Conn, error) {
	retryCfg := retry.DialConfig()
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.WithError(err).Warn("upstream dial failed, retrying",
			"upstream_addr", s.cfg.UpstreamAddr, "attempt", attempt, "delay", delay)
	}

	return retry.DoWithResult(ctx, retryCfg, func() (*stratum.Conn, error) {
		conn, err := stratum.Dial(ctx, s.cfg.UpstreamAddr, s.cfg.DialTimeout, logger, s.cfg.ReadTimeout, s.cfg.WriteTimeout)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "dial_upstream", "failed to connect to pool").
				WithContext("upstream_addr", s.cfg.UpstreamAddr)
		}
		return conn, nil
	})
}

// Start listens on the configured address and serves until ctx is canceled
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.ListenAddress()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is canceled or the
// listener is closed
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("server listening", "address", listener.Addr().String(), "upstream_addr", s.cfg.UpstreamAddr)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.WithError(err).Error("failed to accept connection")
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// Addr returns the listening address, nil before Serve
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// reserve claims a connection slot, failing once MaxConnections are held
func (s *Server) reserve() bool {
	for {
		n := s.slots.Load()
		if n >= int64(s.cfg.MaxConnections) {
			return false
		}
		if s.slots.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// admit applies the connection limit and the per-host rate limit. On
// success the caller holds a slot and must release it.
func (s *Server) admit(ctx context.Context, remote string) bool {
	if !s.reserve() {
		s.logger.Warn("connection limit reached", "remote_addr", remote, "max_connections", s.cfg.MaxConnections)
		return false
	}

	if s.limiter == nil || s.cfg.RateLimitPerMinute <= 0 {
		return true
	}

	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	allowed, err := s.limiter.AllowConnection(ctx, host, s.cfg.RateLimitPerMinute)
	if err != nil {
		// Fail open: the limiter is a side channel
		s.logger.WithError(err).Warn("rate limit check failed", "remote_addr", remote)
		return true
	}
	if !allowed {
		s.logger.Warn("connection rate limited", "remote_addr", remote)
		s.slots.Add(-1)
	}
	return allowed
}

// handleConnection runs one downstream connection to completion
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	remote := conn.RemoteAddr().String()
	s.total.Add(1)

	if !s.admit(ctx, remote) {
		s.rejected.Add(1)
		_ = conn.Close()
		return
	}
	defer s.slots.Add(-1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.stopped, cancel)()

	id := newConnectionID()
	logger := s.logger.WithConnection(id, remote)

	upstream, err := s.dial(ctx, logger)
	if err != nil {
		logger.WithError(err).Error("failed to connect to upstream pool")
		_ = conn.Close()
		return
	}
	if ctx.Err() != nil {
		_ = conn.Close()
		_ = upstream.Close()
		return
	}

	var observer Observer
	if s.publisher != nil {
		observer = s.publisher.Observer(id, remote)
	}

	session, err := NewSession(id, conn, upstream, SessionConfig{
		Translation:  s.cfg.TranslationConfig(),
		BufferSize:   s.cfg.ChannelBufferSize,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}, observer, s.logger)
	if err != nil {
		logger.WithError(err).Error("failed to create session")
		_ = conn.Close()
		_ = upstream.Close()
		return
	}

	s.register(ctx, session)
	defer s.unregister(ctx, session)

	if err := session.Run(ctx); err != nil {
		logger.WithError(err).Warn("session closed with error")
	}
}

func (s *Server) register(ctx context.Context, session *Session) {
	s.mu.Lock()
	s.sessions[session.ID()] = session
	s.mu.Unlock()
	s.adjustGauge(context.WithoutCancel(ctx), 1)
}

func (s *Server) unregister(ctx context.Context, session *Session) {
	s.mu.Lock()
	delete(s.sessions, session.ID())
	s.mu.Unlock()
	s.adjustGauge(context.WithoutCancel(ctx), -1)
}

func (s *Server) adjustGauge(ctx context.Context, delta int64) {
	if s.gauge == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if _, err := s.gauge.AdjustConnections(ctx, delta); err != nil {
		s.logger.WithError(err).Debug("failed to adjust connection gauge")
	}
}

// Stats reports active sessions, accepted connections and rejected connections
func (s *Server) Stats() (active, total, rejected int64) {
	s.mu.RLock()
	active = int64(len(s.sessions))
	s.mu.RUnlock()
	return active, s.total.Load(), s.rejected.Load()
}

// Shutdown closes the listener and every session, then waits for the
// connection goroutines to finish or ctx to expire
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.stop()

	s.mu.RLock()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) {
			s.logger.WithError(err).Error("failed to close listener")
		}
	}
	for _, session := range s.sessions {
		session.Close()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}

// newConnectionID returns a time-ordered id so ledger rows sort by connection start
func newConnectionID() string {
	return uuid.Must(uuid.NewV7()).String()
}

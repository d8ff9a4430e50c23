package proxy

import (
	"bufio"
	"context"
	stderrors "errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/gomproxy/internal/config"
	"github.com/bardlex/gomproxy/internal/events"
	"github.com/bardlex/gomproxy/internal/stratum"
	"github.com/bardlex/gomproxy/internal/sv2"
	"github.com/bardlex/gomproxy/internal/translation"
	"github.com/bardlex/gomproxy/pkg/log"
)

func testConfig() *config.Config {
	defaults := translation.DefaultConfig()
	return &config.Config{
		ServiceName:        "test-proxy",
		ListenAddr:         "127.0.0.1",
		MaxConnections:     10,
		UpstreamAddr:       "127.0.0.1:1",
		UserAgent:          defaults.UserAgent,
		DefaultDifficulty:  defaults.DefaultDifficulty,
		ExtranonceSize:     defaults.ExtranonceSize,
		CapabilityFlags:    defaults.CapabilityFlags,
		VersionRollingMask: defaults.VersionRollingMask,
		JobTableCapacity:   defaults.JobTableCapacity,
		ChannelBufferSize:  8,
		ReadTimeout:        time.Minute,
		WriteTimeout:       time.Second,
		DialTimeout:        time.Second,
	}
}

// pipeDialer hands the pool side of every upstream connection to the test
type pipeDialer struct {
	pools chan *fakePool
	t     *testing.T
}

func newPipeDialer(t *testing.T) *pipeDialer {
	return &pipeDialer{pools: make(chan *fakePool, 4), t: t}
}

func (d *pipeDialer) dial(_ context.Context, logger *log.Logger) (*stratum.Conn, error) {
	local, remote := net.Pipe()
	d.t.Cleanup(func() { _ = remote.Close() })
	d.pools <- &fakePool{t: d.t, conn: remote, reader: bufio.NewReader(remote)}
	return stratum.NewConn(local, logger, 0, 0), nil
}

func (d *pipeDialer) next() *fakePool {
	d.t.Helper()
	select {
	case p := <-d.pools:
		return p
	case <-time.After(testTimeout):
		d.t.Fatal("no upstream connection dialed")
		return nil
	}
}

// blockingDialer holds every dial until release is closed or the dial is canceled
type blockingDialer struct {
	started  chan struct{}
	release  chan struct{}
	canceled chan struct{}
}

func newBlockingDialer() *blockingDialer {
	return &blockingDialer{
		started:  make(chan struct{}, 4),
		release:  make(chan struct{}),
		canceled: make(chan struct{}, 4),
	}
}

func (d *blockingDialer) dial(ctx context.Context, _ *log.Logger) (*stratum.Conn, error) {
	d.started <- struct{}{}
	select {
	case <-d.release:
		return nil, stderrors.New("pool unreachable")
	case <-ctx.Done():
		d.canceled <- struct{}{}
		return nil, ctx.Err()
	}
}

func (d *blockingDialer) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-d.started:
	case <-time.After(testTimeout):
		t.Fatal("no upstream dial started")
	}
}

type fakeLimiter struct {
	allowed bool
	err     error

	mu    sync.Mutex
	hosts []string
}

func (l *fakeLimiter) AllowConnection(_ context.Context, host string, _ int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hosts = append(l.hosts, host)
	return l.allowed, l.err
}

type fakeGauge struct {
	mu     sync.Mutex
	deltas []int64
}

func (g *fakeGauge) AdjustConnections(_ context.Context, delta int64) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deltas = append(g.deltas, delta)
	return 0, nil
}

func (g *fakeGauge) sum() (int64, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var total int64
	for _, d := range g.deltas {
		total += d
	}
	return total, len(g.deltas)
}

func startServer(t *testing.T, cfg *config.Config, opts ...Option) (*Server, context.CancelFunc, chan error) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	server := NewServer(cfg, log.Nop(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, listener) }()
	waitFor(t, "listener", func() bool { return server.Addr() != nil })
	return server, cancel, done
}

func connectDevice(t *testing.T, server *Server) *fakeDevice {
	t.Helper()
	conn, err := net.DialTimeout("tcp", server.Addr().String(), testTimeout)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &fakeDevice{t: t, conn: conn}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// expectClosed asserts the proxy closed the device connection
func expectClosed(t *testing.T, d *fakeDevice) {
	t.Helper()
	_ = d.conn.SetReadDeadline(time.Now().Add(testTimeout))
	buf := make([]byte, 1)
	if _, err := d.conn.Read(buf); err == nil {
		t.Error("expected the connection to be closed")
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Error("connection still open")
	}
}

func TestServer_SessionLifecycle(t *testing.T) {
	dialer := newPipeDialer(t)
	gauge := &fakeGauge{}
	server, cancel, done := startServer(t, testConfig(), WithDialer(dialer.dial), WithGauge(gauge))

	device := connectDevice(t, server)
	pool := dialer.next()

	device.send(&sv2.SetupConnection{Protocol: sv2.ProtocolMining, MinVersion: 2, MaxVersion: 2})
	pool.reply(pool.expect(stratum.MethodConfigure), `{}`)
	if _, ok := device.recv().(*sv2.SetupConnectionSuccess); !ok {
		t.Fatal("expected SetupConnectionSuccess")
	}

	active, total, rejected := server.Stats()
	if active != 1 || total != 1 || rejected != 0 {
		t.Errorf("Stats() = %d, %d, %d, want 1, 1, 0", active, total, rejected)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), testTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil && !stderrors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("Serve did not return")
	}

	expectClosed(t, device)

	if active, _, _ := server.Stats(); active != 0 {
		t.Errorf("active = %d after shutdown, want 0", active)
	}
	if sum, n := gauge.sum(); sum != 0 || n != 2 {
		t.Errorf("gauge sum = %d over %d adjustments, want 0 over 2", sum, n)
	}
}

func TestServer_MaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1

	dialer := newPipeDialer(t)
	server, _, _ := startServer(t, cfg, WithDialer(dialer.dial))

	connectDevice(t, server)
	dialer.next()
	waitFor(t, "first session", func() bool {
		active, _, _ := server.Stats()
		return active == 1
	})

	second := connectDevice(t, server)
	expectClosed(t, second)

	_, total, rejected := server.Stats()
	if total != 2 || rejected != 1 {
		t.Errorf("total, rejected = %d, %d, want 2, 1", total, rejected)
	}
}

func TestServer_MaxConnectionsDuringDial(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1

	dialer := newBlockingDialer()
	server, _, _ := startServer(t, cfg, WithDialer(dialer.dial))

	first := connectDevice(t, server)
	dialer.waitStarted(t)

	second := connectDevice(t, server)
	expectClosed(t, second)

	select {
	case <-dialer.started:
		t.Error("a second upstream dial started past the connection limit")
	default:
	}
	if _, total, rejected := server.Stats(); total != 2 || rejected != 1 {
		t.Errorf("total, rejected = %d, %d, want 2, 1", total, rejected)
	}

	// The slot is released once the first connection gives up
	close(dialer.release)
	expectClosed(t, first)
	waitFor(t, "released slot", func() bool { return server.slots.Load() == 0 })

	third := connectDevice(t, server)
	dialer.waitStarted(t)
	expectClosed(t, third)
	if _, _, rejected := server.Stats(); rejected != 1 {
		t.Errorf("rejected = %d after the slot was released, want 1", rejected)
	}
}

func TestServer_ShutdownCancelsDial(t *testing.T) {
	dialer := newBlockingDialer()
	server, _, done := startServer(t, testConfig(), WithDialer(dialer.dial))

	device := connectDevice(t, server)
	dialer.waitStarted(t)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), testTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	select {
	case <-dialer.canceled:
	default:
		t.Error("Shutdown returned before the pending dial was canceled")
	}
	expectClosed(t, device)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("Serve did not return")
	}
}

func TestServer_RateLimit(t *testing.T) {
	tests := []struct {
		name       string
		limiter    *fakeLimiter
		wantReject bool
	}{
		{name: "allowed", limiter: &fakeLimiter{allowed: true}},
		{name: "limited", limiter: &fakeLimiter{allowed: false}, wantReject: true},
		{name: "limiter error fails open", limiter: &fakeLimiter{err: stderrors.New("redis down")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.RateLimitPerMinute = 5

			dialer := newPipeDialer(t)
			server, _, _ := startServer(t, cfg, WithDialer(dialer.dial), WithRateLimiter(tt.limiter))

			device := connectDevice(t, server)

			if tt.wantReject {
				expectClosed(t, device)
				if _, _, rejected := server.Stats(); rejected != 1 {
					t.Errorf("rejected = %d, want 1", rejected)
				}
			} else {
				dialer.next()
				waitFor(t, "session", func() bool {
					active, _, _ := server.Stats()
					return active == 1
				})
			}

			tt.limiter.mu.Lock()
			defer tt.limiter.mu.Unlock()
			if len(tt.limiter.hosts) != 1 || tt.limiter.hosts[0] != "127.0.0.1" {
				t.Errorf("limiter hosts = %v, want [127.0.0.1]", tt.limiter.hosts)
			}
		})
	}
}

func TestServer_DialFailure(t *testing.T) {
	failing := func(context.Context, *log.Logger) (*stratum.Conn, error) {
		return nil, stderrors.New("pool unreachable")
	}
	server, _, _ := startServer(t, testConfig(), WithDialer(failing))

	device := connectDevice(t, server)
	expectClosed(t, device)

	active, total, _ := server.Stats()
	if active != 0 || total != 1 {
		t.Errorf("active, total = %d, %d, want 0, 1", active, total)
	}
}

type countingSink struct {
	mu     sync.Mutex
	closed []events.Event
}

func (s *countingSink) Name() string { return "counting" }

func (s *countingSink) Handle(_ context.Context, ev events.Event) error {
	if ev.Kind == events.KindClosed {
		s.mu.Lock()
		s.closed = append(s.closed, ev)
		s.mu.Unlock()
	}
	return nil
}

func TestServer_PublishesDisconnect(t *testing.T) {
	sink := &countingSink{}
	publisher := events.NewPublisher(16, 1, log.Nop(), sink)

	pubCtx, pubCancel := context.WithCancel(context.Background())
	defer pubCancel()
	go func() { _ = publisher.Run(pubCtx) }()

	dialer := newPipeDialer(t)
	server, _, _ := startServer(t, testConfig(), WithDialer(dialer.dial), WithPublisher(publisher))

	device := connectDevice(t, server)
	dialer.next()
	waitFor(t, "session", func() bool {
		active, _, _ := server.Stats()
		return active == 1
	})
	_ = device.conn.Close()

	waitFor(t, "closed event", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.closed) == 1
	})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	ev := sink.closed[0]
	if ev.Close.Reason != "downstream disconnected" || ev.ConnectionID == "" {
		t.Errorf("closed event = %+v", ev)
	}
}

func TestNewConnectionID(t *testing.T) {
	a, b := newConnectionID(), newConnectionID()
	parsed, err := uuid.Parse(a)
	if err != nil {
		t.Fatalf("uuid.Parse(%q) error = %v", a, err)
	}
	if parsed.Version() != 7 {
		t.Errorf("version = %d, want 7", parsed.Version())
	}
	if a == b {
		t.Error("connection ids should differ")
	}
}

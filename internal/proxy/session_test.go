package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gomproxy/internal/stratum"
	"github.com/bardlex/gomproxy/internal/sv2"
	"github.com/bardlex/gomproxy/internal/translation"
	"github.com/bardlex/gomproxy/pkg/errors"
	"github.com/bardlex/gomproxy/pkg/log"
)

const testTimeout = 2 * time.Second

// fakeDevice is the downstream end of a session
type fakeDevice struct {
	t    *testing.T
	conn net.Conn
}

func (d *fakeDevice) send(msg sv2.Message) {
	d.t.Helper()
	_ = d.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	if err := sv2.WriteMessage(d.conn, msg); err != nil {
		d.t.Fatalf("device write %s: %v", sv2.Name(msg), err)
	}
}

func (d *fakeDevice) recv() sv2.Message {
	d.t.Helper()
	_ = d.conn.SetReadDeadline(time.Now().Add(testTimeout))
	msg, err := sv2.ReadMessage(d.conn)
	if err != nil {
		d.t.Fatalf("device read: %v", err)
	}
	return msg
}

// fakePool is the upstream end of a session
type fakePool struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func (p *fakePool) expect(method string) uint64 {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(testTimeout))
	line, err := p.reader.ReadBytes('\n')
	if err != nil {
		p.t.Fatalf("pool read: %v", err)
	}
	msg, err := stratum.ParseMessage(line)
	if err != nil {
		p.t.Fatalf("pool parse %q: %v", line, err)
	}
	if msg.Method != method {
		p.t.Fatalf("pool got %q, want %q", msg.Method, method)
	}
	id, ok := msg.RequestID()
	if !ok {
		p.t.Fatalf("request %q has no numeric id", line)
	}
	return id
}

func (p *fakePool) send(line string) {
	p.t.Helper()
	_ = p.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	if _, err := p.conn.Write([]byte(line + "\n")); err != nil {
		p.t.Fatalf("pool write: %v", err)
	}
}

func (p *fakePool) reply(id uint64, result string) {
	p.t.Helper()
	p.send(fmt.Sprintf(`{"id":%d,"result":%s,"error":null}`, id, result))
}

// recordingObserver implements Observer
type recordingObserver struct {
	mu          sync.Mutex
	jobs        int
	resolved    []translation.ShareEvent
	closes      []translation.CloseEvent
	disconnects []string
}

func (o *recordingObserver) JobTranslated(translation.JobEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs++
}

func (o *recordingObserver) ShareSubmitted(translation.ShareEvent) {}

func (o *recordingObserver) ShareResolved(e translation.ShareEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolved = append(o.resolved, e)
}

func (o *recordingObserver) Closed(e translation.CloseEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closes = append(o.closes, e)
}

func (o *recordingObserver) Disconnect(_, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disconnects = append(o.disconnects, reason)
}

type sessionHarness struct {
	session *Session
	device  *fakeDevice
	pool    *fakePool
	obs     *recordingObserver
	done    chan error
	cancel  context.CancelFunc
}

func startSession(t *testing.T) *sessionHarness {
	t.Helper()

	devConn, devPeer := net.Pipe()
	poolConn, poolPeer := net.Pipe()
	t.Cleanup(func() {
		_ = devPeer.Close()
		_ = poolPeer.Close()
	})

	obs := &recordingObserver{}
	upstream := stratum.NewConn(poolConn, log.Nop(), 0, 0)
	session, err := NewSession("c-1", devConn, upstream, SessionConfig{
		Translation:  translation.DefaultConfig(),
		BufferSize:   8,
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Second,
	}, obs, log.Nop())
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &sessionHarness{
		session: session,
		device:  &fakeDevice{t: t, conn: devPeer},
		pool:    &fakePool{t: t, conn: poolPeer, reader: bufio.NewReader(poolPeer)},
		obs:     obs,
		done:    make(chan error, 1),
		cancel:  cancel,
	}
	go func() { h.done <- session.Run(ctx) }()
	return h
}

func (h *sessionHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("session did not stop")
		return nil
	}
}

// handshake drives the session up to the authorize request
func (h *sessionHarness) handshake(t *testing.T) (subscribeID, authorizeID uint64) {
	t.Helper()

	h.device.send(&sv2.SetupConnection{
		Protocol:   sv2.ProtocolMining,
		MinVersion: 2,
		MaxVersion: 2,
		Flags:      sv2.FlagRequiresStandardJobs,
	})
	h.pool.reply(h.pool.expect(stratum.MethodConfigure), `{}`)

	if _, ok := h.device.recv().(*sv2.SetupConnectionSuccess); !ok {
		t.Fatal("expected SetupConnectionSuccess")
	}

	h.device.send(&sv2.OpenStandardMiningChannel{RequestID: 7, UserIdentity: "miner.1"})
	subscribeID = h.pool.expect(stratum.MethodSubscribe)
	authorizeID = h.pool.expect(stratum.MethodAuthorize)
	return subscribeID, authorizeID
}

const testNotifyLine = `{"id":null,"method":"mining.notify","params":["job-a",` +
	`"0000000000000000000000000000000000000000000000000000000000000001",` +
	`"0100000001","ffffffff",` +
	`["aa00000000000000000000000000000000000000000000000000000000000000"],` +
	`"20000000","1d00ffff","504e86b9",true]}`

func TestSession_EndToEnd(t *testing.T) {
	h := startSession(t)

	subscribeID, authorizeID := h.handshake(t)
	h.pool.reply(subscribeID, `[[["mining.notify","sub-1"]],"08000002",4]`)
	h.pool.reply(authorizeID, `true`)
	h.pool.send(`{"id":null,"method":"mining.set_difficulty","params":[2]}`)
	h.pool.send(testNotifyLine)

	success, ok := h.device.recv().(*sv2.OpenStandardMiningChannelSuccess)
	if !ok {
		t.Fatal("expected OpenStandardMiningChannelSuccess")
	}
	if success.RequestID != 7 || success.ChannelID != translation.ChannelID {
		t.Errorf("channel success = %+v", success)
	}
	job, ok := h.device.recv().(*sv2.NewMiningJob)
	if !ok {
		t.Fatal("expected NewMiningJob")
	}
	if _, ok := h.device.recv().(*sv2.SetNewPrevHash); !ok {
		t.Fatal("expected SetNewPrevHash")
	}

	h.device.send(&sv2.SubmitSharesStandard{
		ChannelID:      translation.ChannelID,
		SequenceNumber: 1,
		JobID:          job.JobID,
		Nonce:          0xdeadbeef,
		NTime:          0x504e86ba,
		Version:        0x20000000,
	})
	h.pool.reply(h.pool.expect(stratum.MethodSubmit), `true`)

	ack, ok := h.device.recv().(*sv2.SubmitSharesSuccess)
	if !ok {
		t.Fatal("expected SubmitSharesSuccess")
	}
	if ack.LastSequenceNumber != 1 || ack.NewSubmitsAcceptedCount != 1 {
		t.Errorf("ack = %+v", ack)
	}

	_ = h.device.conn.Close()
	if err := h.wait(t); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}

	if h.session.Reason() != "downstream disconnected" {
		t.Errorf("Reason() = %q", h.session.Reason())
	}

	h.obs.mu.Lock()
	defer h.obs.mu.Unlock()
	if h.obs.jobs != 1 {
		t.Errorf("jobs = %d, want 1", h.obs.jobs)
	}
	if len(h.obs.resolved) != 1 || !h.obs.resolved[0].Accepted {
		t.Errorf("resolved = %+v", h.obs.resolved)
	}
	if len(h.obs.disconnects) != 1 || h.obs.disconnects[0] != "downstream disconnected" {
		t.Errorf("disconnects = %v", h.obs.disconnects)
	}
}

func TestSession_FatalHandshake(t *testing.T) {
	h := startSession(t)

	subscribeID, authorizeID := h.handshake(t)
	h.pool.reply(subscribeID, `[[["mining.notify","sub-1"]],"08000002",4]`)
	h.pool.reply(authorizeID, `false`)

	rejection, ok := h.device.recv().(*sv2.OpenMiningChannelError)
	if !ok {
		t.Fatal("expected OpenMiningChannelError")
	}
	if rejection.RequestID != 7 || rejection.ErrorCode != sv2.ErrCodeUnknownUser {
		t.Errorf("rejection = %+v", rejection)
	}

	err := h.wait(t)
	if !errors.IsFatal(err) {
		t.Errorf("Run() error = %v, want fatal", err)
	}
	if h.session.Translator().State() != translation.StateClosed {
		t.Errorf("state = %s, want closed", h.session.Translator().State())
	}

	// The device connection is closed after the terminal message
	_ = h.device.conn.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := sv2.ReadMessage(h.device.conn); err == nil {
		t.Error("expected the device connection to be closed")
	}
}

func TestSession_CloseChannel(t *testing.T) {
	h := startSession(t)

	subscribeID, authorizeID := h.handshake(t)
	h.pool.reply(subscribeID, `[[["mining.notify","sub-1"]],"08000002",4]`)
	h.pool.reply(authorizeID, `true`)
	h.pool.send(testNotifyLine)
	for i := 0; i < 3; i++ {
		h.device.recv()
	}

	h.device.send(&sv2.CloseChannel{ChannelID: translation.ChannelID, ReasonCode: "shutdown"})

	if err := h.wait(t); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
	if h.session.Reason() != "channel closed" {
		t.Errorf("Reason() = %q, want channel closed", h.session.Reason())
	}

	h.obs.mu.Lock()
	defer h.obs.mu.Unlock()
	if len(h.obs.closes) != 1 || h.obs.closes[0].Fatal {
		t.Errorf("closes = %+v", h.obs.closes)
	}
}

func TestSession_UpstreamDisconnect(t *testing.T) {
	tests := []struct {
		name  string
		drive func(t *testing.T, h *sessionHarness)
		check func(t *testing.T, msg sv2.Message)
	}{
		{
			name: "during configure",
			drive: func(t *testing.T, h *sessionHarness) {
				h.device.send(&sv2.SetupConnection{Protocol: sv2.ProtocolMining, MinVersion: 2, MaxVersion: 2})
				h.pool.expect(stratum.MethodConfigure)
			},
			check: func(t *testing.T, msg sv2.Message) {
				if m, ok := msg.(*sv2.SetupConnectionError); !ok || m.ErrorCode != sv2.ErrCodeUpstreamDisconnected {
					t.Errorf("terminal message = %s %+v", sv2.Name(msg), msg)
				}
			},
		},
		{
			name: "during handshake",
			drive: func(t *testing.T, h *sessionHarness) {
				h.handshake(t)
			},
			check: func(t *testing.T, msg sv2.Message) {
				if m, ok := msg.(*sv2.OpenMiningChannelError); !ok || m.RequestID != 7 || m.ErrorCode != sv2.ErrCodeUpstreamDisconnected {
					t.Errorf("terminal message = %s %+v", sv2.Name(msg), msg)
				}
			},
		},
		{
			name: "channel open",
			drive: func(t *testing.T, h *sessionHarness) {
				subscribeID, authorizeID := h.handshake(t)
				h.pool.reply(subscribeID, `[[["mining.notify","sub-1"]],"08000002",4]`)
				h.pool.reply(authorizeID, `true`)
				h.pool.send(testNotifyLine)
				for i := 0; i < 3; i++ {
					h.device.recv()
				}
			},
			check: func(t *testing.T, msg sv2.Message) {
				if m, ok := msg.(*sv2.CloseChannel); !ok || m.ChannelID != translation.ChannelID || m.ReasonCode != sv2.ErrCodeUpstreamDisconnected {
					t.Errorf("terminal message = %s %+v", sv2.Name(msg), msg)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startSession(t)
			tt.drive(t, h)
			_ = h.pool.conn.Close()

			tt.check(t, h.device.recv())

			if err := h.wait(t); err != nil {
				t.Errorf("Run() error = %v, want nil", err)
			}
			if h.session.Reason() != "upstream disconnected" {
				t.Errorf("Reason() = %q, want upstream disconnected", h.session.Reason())
			}
			if h.session.Translator().State() != translation.StateClosed {
				t.Errorf("state = %s, want closed", h.session.Translator().State())
			}

			h.obs.mu.Lock()
			defer h.obs.mu.Unlock()
			if len(h.obs.closes) != 1 || h.obs.closes[0].Reason != sv2.ErrCodeUpstreamDisconnected {
				t.Errorf("closes = %+v", h.obs.closes)
			}
		})
	}
}

func TestSession_NonFatalErrorsContinue(t *testing.T) {
	h := startSession(t)

	// Notifications before the handshake are out of state but not fatal
	h.pool.send(`{"id":null,"method":"client.reconnect","params":["other.pool",3333,0]}`)
	h.pool.send(`{"id":null,"method":"mining.notify","params":["bad"]}`)
	h.device.send(&sv2.UpdateChannel{ChannelID: translation.ChannelID})

	h.device.send(&sv2.SetupConnection{Protocol: sv2.ProtocolMining, MinVersion: 2, MaxVersion: 2})
	h.pool.expect(stratum.MethodConfigure)

	h.cancel()
	if err := h.wait(t); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
}

func TestNewSession_InvalidConfig(t *testing.T) {
	devConn, devPeer := net.Pipe()
	poolConn, poolPeer := net.Pipe()
	defer devPeer.Close()
	defer poolPeer.Close()

	cfg := translation.DefaultConfig()
	cfg.DefaultDifficulty = -1

	_, err := NewSession("c-1", devConn, stratum.NewConn(poolConn, log.Nop(), 0, 0), SessionConfig{Translation: cfg}, nil, nil)
	if err == nil {
		t.Fatal("NewSession() expected error for invalid translation config")
	}
}

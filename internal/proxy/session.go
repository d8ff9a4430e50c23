// Package proxy connects downstream Stratum V2 devices to an upstream
// Stratum V1 pool. Each downstream connection gets its own upstream
// connection and translator.
package proxy

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bardlex/gomproxy/internal/stratum"
	"github.com/bardlex/gomproxy/internal/sv2"
	"github.com/bardlex/gomproxy/internal/translation"
	"github.com/bardlex/gomproxy/pkg/errors"
	"github.com/bardlex/gomproxy/pkg/log"
)

// SessionConfig holds the per-connection settings
type SessionConfig struct {
	Translation  translation.Config
	BufferSize   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Observer receives translator notifications and the end of the connection
type Observer interface {
	translation.Observer
	Disconnect(user, reason string)
}

// Session pumps one downstream connection through a translator to its
// upstream connection. One goroutine calls the translator; each socket has
// its own reader and writer goroutine.
type Session struct {
	id         string
	downstream net.Conn
	upstream   *stratum.Conn
	cfg        SessionConfig
	observer   Observer
	logger     *log.Logger

	translator *translation.Translator
	toUpstream chan *stratum.Message
	toDevice   chan sv2.Message

	reasonOnce sync.Once
	reason     string

	closeOnce sync.Once
}

// NewSession creates a session over an accepted downstream connection and an
// established upstream connection. observer may be nil.
func NewSession(id string, downstream net.Conn, upstream *stratum.Conn, cfg SessionConfig, observer Observer, logger *log.Logger) (*Session, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if logger == nil {
		logger = log.Nop()
	}

	s := &Session{
		id:         id,
		downstream: downstream,
		upstream:   upstream,
		cfg:        cfg,
		observer:   observer,
		logger:     logger.WithConnection(id, downstream.RemoteAddr().String()),
		toUpstream: make(chan *stratum.Message, cfg.BufferSize),
		toDevice:   make(chan sv2.Message, cfg.BufferSize),
	}

	opts := []translation.Option{translation.WithLogger(s.logger)}
	if observer != nil {
		opts = append(opts, translation.WithObserver(observer))
	}

	t, err := translation.New(s.toUpstream, s.toDevice, cfg.Translation, opts...)
	if err != nil {
		return nil, err
	}
	s.translator = t

	return s, nil
}

// ID returns the connection id
func (s *Session) ID() string {
	return s.id
}

// Translator exposes the session's translator
func (s *Session) Translator() *translation.Translator {
	return s.translator
}

// Reason returns why the session ended. It is valid once Run has returned.
func (s *Session) Reason() string {
	return s.reason
}

func (s *Session) stop(cancel context.CancelFunc, reason string) {
	s.reasonOnce.Do(func() {
		s.reason = reason
	})
	cancel()
}

// Run pumps messages until either side disconnects, the translator closes
// or ctx is canceled. Messages the translator emitted before stopping are
// flushed before the sockets are closed.
func (s *Session) Run(ctx context.Context) error {
	s.logger.LogConnection("session started", s.downstream.RemoteAddr().String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fromDevice := make(chan sv2.Message, s.cfg.BufferSize)
	fromUpstream := make(chan *stratum.Message, s.cfg.BufferSize)

	var readers, writers sync.WaitGroup

	readers.Add(2)
	go func() {
		defer readers.Done()
		if err := s.readDownstream(ctx, fromDevice); err != nil {
			s.stop(cancel, err.Error())
			return
		}
		s.stop(cancel, "downstream disconnected")
	}()
	// The handler goroutine owns the reaction to a lost pool, since only it
	// may tell the translator to close the channel.
	lost := make(chan string, 1)
	go func() {
		defer readers.Done()
		reason := "upstream disconnected"
		if err := s.upstream.ReadLoop(ctx, fromUpstream); err != nil {
			reason = err.Error()
		}
		lost <- reason
	}()

	writers.Add(2)
	go func() {
		defer writers.Done()
		if err := s.writeDownstream(); err != nil {
			s.stop(cancel, err.Error())
		}
	}()
	go func() {
		defer writers.Done()
		if err := s.upstream.WriteLoop(context.WithoutCancel(ctx), s.toUpstream); err != nil {
			s.stop(cancel, err.Error())
		}
	}()

	err := s.handle(ctx, cancel, fromDevice, fromUpstream, lost)

	// The translator is only called from handle, so its outbound channels
	// can be closed now; the writers flush what is left.
	close(s.toDevice)
	close(s.toUpstream)
	writers.Wait()

	s.Close()
	readers.Wait()

	if s.observer != nil {
		s.observer.Disconnect(s.translator.User(), s.reason)
	}
	s.logger.Info("session ended", "reason", s.reason, "state", s.translator.State().String())

	return err
}

// handle is the only caller of the translator
func (s *Session) handle(ctx context.Context, cancel context.CancelFunc, fromDevice <-chan sv2.Message, fromUpstream <-chan *stratum.Message, lost <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg := <-fromDevice:
			err := sv2.Dispatch(ctx, s.translator, msg)
			if stop, ferr := s.result("v2", sv2.Name(msg), err); stop {
				s.stop(cancel, stopReason(ferr, s.translator))
				return ferr
			}

		case raw := <-fromUpstream:
			if stop, err := s.handleUpstream(ctx, raw); stop {
				s.stop(cancel, stopReason(err, s.translator))
				return err
			}

		case reason := <-lost:
			return s.upstreamLost(ctx, cancel, reason, fromUpstream)
		}

		if s.translator.State() == translation.StateClosed {
			s.stop(cancel, "channel closed")
			return nil
		}
	}
}

func (s *Session) handleUpstream(ctx context.Context, raw *stratum.Message) (bool, error) {
	msg, err := stratum.Decode(raw)
	if err != nil {
		s.logger.WithError(err).Warn("discarding malformed upstream message", "method", raw.Method)
		return false, nil
	}
	err = stratum.Dispatch(ctx, s.translator, msg)
	return s.result("v1", fmt.Sprintf("%T", msg), err)
}

// upstreamLost translates what the pool sent before it went away, then
// closes the device's channel with an explicit message.
func (s *Session) upstreamLost(ctx context.Context, cancel context.CancelFunc, reason string, fromUpstream <-chan *stratum.Message) error {
	for drained := false; !drained; {
		select {
		case raw := <-fromUpstream:
			if stop, err := s.handleUpstream(ctx, raw); stop {
				s.stop(cancel, stopReason(err, s.translator))
				return err
			}
			if s.translator.State() == translation.StateClosed {
				s.stop(cancel, "channel closed")
				return nil
			}
		default:
			drained = true
		}
	}

	if err := s.translator.Abort(ctx, reason); err != nil && !errors.IsFatal(err) {
		s.logger.WithError(err).Warn("failed to notify device of upstream loss")
	}
	s.stop(cancel, reason)
	return nil
}

// result classifies a handler error. Fatal errors and cancellation stop the
// session; everything else is logged and the session continues.
func (s *Session) result(protocol, message string, err error) (bool, error) {
	switch {
	case err == nil:
		return false, nil
	case stderrors.Is(err, context.Canceled):
		return true, nil
	case errors.IsFatal(err):
		s.logger.WithError(err).Error("translator closed the channel", "protocol", protocol, "message", message)
		return true, err
	default:
		s.logger.WithError(err).Warn("message not translated", "protocol", protocol, "message", message)
		return false, nil
	}
}

func stopReason(err error, t *translation.Translator) string {
	if err != nil {
		return err.Error()
	}
	if t.State() == translation.StateClosed {
		return "channel closed"
	}
	return "canceled"
}

// readDownstream decodes frames until the device disconnects. A clean EOF
// returns nil.
func (s *Session) readDownstream(ctx context.Context, out chan<- sv2.Message) error {
	for {
		if s.cfg.ReadTimeout > 0 {
			if err := s.downstream.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
				return fmt.Errorf("failed to set read deadline: %w", err)
			}
		}

		msg, err := sv2.ReadMessage(s.downstream)
		if err != nil {
			if stderrors.Is(err, io.EOF) || stderrors.Is(err, net.ErrClosed) || stderrors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			if stderrors.Is(err, sv2.ErrMalformed) || stderrors.Is(err, sv2.ErrFieldTooLong) {
				s.logger.WithError(err).Warn("discarding malformed downstream frame")
				continue
			}
			return fmt.Errorf("downstream read failed: %w", err)
		}

		s.logger.LogProtocolMessage("received", "v2", sv2.Name(msg))

		select {
		case out <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

// writeDownstream writes translator output until the channel is closed
func (s *Session) writeDownstream() error {
	for msg := range s.toDevice {
		if s.cfg.WriteTimeout > 0 {
			if err := s.downstream.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.discard()
				return fmt.Errorf("failed to set write deadline: %w", err)
			}
		}
		if err := sv2.WriteMessage(s.downstream, msg); err != nil {
			s.discard()
			return fmt.Errorf("downstream write failed: %w", err)
		}
		s.logger.LogProtocolMessage("sent", "v2", sv2.Name(msg))
	}
	return nil
}

// discard drains the downstream queue after a write failure so the
// translator is never left blocked on it
func (s *Session) discard() {
	for range s.toDevice {
	}
}

// Close closes both connections. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if err := s.downstream.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) {
			s.logger.WithError(err).Debug("failed to close downstream connection")
		}
		if err := s.upstream.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) {
			s.logger.WithError(err).Debug("failed to close upstream connection")
		}
	})
}

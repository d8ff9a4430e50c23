// Package translation implements the Stratum V2 to V1 translation engine.
//
// A Translator serves one downstream connection. It receives typed messages
// from both sides through its Handle methods (reached via sv2.Dispatch and
// stratum.Dispatch) and answers by sending messages on the opposite side's
// outbound channel. All Handle calls for one Translator must come from a
// single goroutine.
package translation

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/bardlex/gomproxy/internal/bitcoin"
	"github.com/bardlex/gomproxy/internal/stratum"
	"github.com/bardlex/gomproxy/internal/sv2"
	proxyErrors "github.com/bardlex/gomproxy/pkg/errors"
	"github.com/bardlex/gomproxy/pkg/log"
)

// ErrClosed is wrapped by every error returned once the translator is closed
var ErrClosed = errors.New("translator closed")

// ChannelID is the id of the single standard channel a translator exposes
const ChannelID uint32 = 1

// State is the translator lifecycle state
type State int

const (
	// StateUninitialized waits for SetupConnection
	StateUninitialized State = iota
	// StateAwaitingConfigure waits for the mining.configure result, then for a channel open
	StateAwaitingConfigure
	// StateAwaitingHandshake waits for the subscribe and authorize results
	StateAwaitingHandshake
	// StateChannelOpening waits for the first job
	StateChannelOpening
	// StateChannelOpen translates jobs and shares
	StateChannelOpen
	// StateClosed accepts no further input
	StateClosed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAwaitingConfigure:
		return "awaiting_configure"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateChannelOpening:
		return "channel_opening"
	case StateChannelOpen:
		return "channel_open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config is the immutable per-translator configuration
type Config struct {
	// DefaultDifficulty is used when a job arrives before any mining.set_difficulty
	DefaultDifficulty float64
	// ExtranonceSize is the largest extranonce2 size accepted from upstream.
	// Zero selects the default of 8 bytes.
	ExtranonceSize int
	// CapabilityFlags are the SetupConnection flags the proxy supports
	CapabilityFlags uint32
	// VersionRollingMask is requested from upstream when the device rolls versions
	VersionRollingMask uint32
	// UpstreamUser overrides the device's user identity for mining.authorize
	UpstreamUser     string
	UpstreamPassword string
	UserAgent        string
	// JobTableCapacity bounds the remembered jobs. Zero selects DefaultJobTableCapacity.
	JobTableCapacity int
}

// DefaultConfig returns a configuration suitable for most pools
func DefaultConfig() Config {
	return Config{
		DefaultDifficulty:  1,
		ExtranonceSize:     8,
		CapabilityFlags:    sv2.FlagRequiresStandardJobs | sv2.FlagRequiresVersionRolling,
		VersionRollingMask: 0x1fffe000,
		UpstreamPassword:   "x",
		UserAgent:          "gomproxy/1.0",
		JobTableCapacity:   DefaultJobTableCapacity,
	}
}

func (c *Config) validate() error {
	if _, err := bitcoin.TargetFromDifficulty(c.DefaultDifficulty); err != nil {
		return proxyErrors.Wrap(err, proxyErrors.ErrorTypeValidation, "new_translator", "invalid default difficulty").
			WithContext("default_difficulty", c.DefaultDifficulty)
	}
	if c.ExtranonceSize < 0 || c.ExtranonceSize > 32 {
		return proxyErrors.New(proxyErrors.ErrorTypeValidation, "new_translator", "extranonce size must be between 0 and 32").
			WithContext("extranonce_size", c.ExtranonceSize)
	}
	if c.JobTableCapacity < 0 {
		return proxyErrors.New(proxyErrors.ErrorTypeValidation, "new_translator", "job table capacity must not be negative").
			WithContext("job_table_capacity", c.JobTableCapacity)
	}
	if c.CapabilityFlags&sv2.FlagRequiresVersionRolling != 0 && c.VersionRollingMask == 0 {
		return proxyErrors.New(proxyErrors.ErrorTypeValidation, "new_translator", "version rolling advertised without a mask")
	}
	return nil
}

// Option customises a Translator
type Option func(*Translator)

// WithLogger sets the translator logger
func WithLogger(logger *log.Logger) Option {
	return func(t *Translator) {
		if logger != nil {
			t.logger = logger.WithComponent("translator")
		}
	}
}

// WithObserver registers an observer for job and share events
func WithObserver(observer Observer) Option {
	return func(t *Translator) {
		if observer != nil {
			t.observer = observer
		}
	}
}

type requestKind int

const (
	requestConfigure requestKind = iota
	requestSubscribe
	requestAuthorize
	requestSubmit
)

func (k requestKind) String() string {
	switch k {
	case requestConfigure:
		return stratum.MethodConfigure
	case requestSubscribe:
		return stratum.MethodSubscribe
	case requestAuthorize:
		return stratum.MethodAuthorize
	default:
		return stratum.MethodSubmit
	}
}

type pendingShare struct {
	event       ShareEvent
	submittedAt time.Time
}

type pendingRequest struct {
	kind  requestKind
	share *pendingShare
}

// Translator is the per-connection translation state machine
type Translator struct {
	upstream   chan<- *stratum.Message
	downstream chan<- sv2.Message
	cfg        Config
	logger     *log.Logger
	observer   Observer

	state       State
	configured  bool
	pendingOpen bool

	setupFlags     uint32
	versionRolling bool
	versionMask    uint32

	openRequestID uint32
	user          string
	upstreamUser  string

	nextRequestID uint64
	pending       map[uint64]pendingRequest

	subscribed      bool
	authorized      bool
	extraNonce1     []byte
	extraNonce2Size int
	subscriptionID  string

	jobs           *JobTable
	difficulty     float64
	target         *big.Int
	hasDifficulty  bool
	bufferedNotify *stratum.Notify
}

// New creates a translator that sends upstream requests on upstream and
// downstream messages on downstream. The caller owns both channels.
func New(upstream chan<- *stratum.Message, downstream chan<- sv2.Message, cfg Config, opts ...Option) (*Translator, error) {
	if upstream == nil || downstream == nil {
		return nil, proxyErrors.New(proxyErrors.ErrorTypeValidation, "new_translator", "outbound channels must not be nil")
	}

	if cfg.JobTableCapacity == 0 {
		cfg.JobTableCapacity = DefaultJobTableCapacity
	}
	if cfg.ExtranonceSize == 0 {
		cfg.ExtranonceSize = DefaultConfig().ExtranonceSize
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	jobs, err := NewJobTable(cfg.JobTableCapacity)
	if err != nil {
		return nil, proxyErrors.Wrap(err, proxyErrors.ErrorTypeValidation, "new_translator", "invalid job table")
	}

	t := &Translator{
		upstream:   upstream,
		downstream: downstream,
		cfg:        cfg,
		logger:     log.Nop(),
		observer:   nopObserver{},
		pending:    make(map[uint64]pendingRequest),
		jobs:       jobs,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// State returns the current lifecycle state
func (t *Translator) State() State {
	return t.state
}

// Difficulty returns the current share difficulty and whether one is set
func (t *Translator) Difficulty() (float64, bool) {
	return t.difficulty, t.hasDifficulty
}

// Jobs returns the job table
func (t *Translator) Jobs() *JobTable {
	return t.jobs
}

// User returns the downstream user identity of the open channel
func (t *Translator) User() string {
	return t.user
}

func (t *Translator) setState(to State, trigger string) {
	if t.state == to {
		return
	}
	t.logger.LogStateTransition(t.state.String(), to.String(), trigger)
	t.state = to
}

func (t *Translator) closedError(op string) error {
	return proxyErrors.Wrap(ErrClosed, proxyErrors.ErrorTypeClosed, op, "translator is closed")
}

func (t *Translator) sendDownstream(ctx context.Context, msg sv2.Message) error {
	select {
	case t.downstream <- msg:
		t.logger.LogProtocolMessage("sent", "v2", sv2.Name(msg))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Translator) sendUpstream(ctx context.Context, msg *stratum.Message) error {
	select {
	case t.upstream <- msg:
		t.logger.LogProtocolMessage("sent", "v1", msg.Method)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// request registers a pending upstream request and returns its id
func (t *Translator) request(kind requestKind, share *pendingShare) uint64 {
	id := t.nextRequestID
	t.nextRequestID++
	t.pending[id] = pendingRequest{kind: kind, share: share}
	return id
}

// setDifficulty adopts a new difficulty, keeping the previous one when the
// value cannot be converted.
func (t *Translator) setDifficulty(difficulty float64) error {
	target, err := bitcoin.TargetFromDifficulty(difficulty)
	if err != nil {
		return proxyErrors.Wrap(err, proxyErrors.ErrorTypeConversion, "set_difficulty", "invalid difficulty").
			WithContext("difficulty", difficulty)
	}

	t.difficulty = difficulty
	t.target = target
	t.hasDifficulty = true
	return nil
}

// Abort closes the translator after the upstream link is lost, sending the
// device the same terminal message a fatal handshake failure would. It is a
// no-op once the translator is closed.
func (t *Translator) Abort(ctx context.Context, reason string) error {
	if t.state == StateClosed {
		return nil
	}
	return t.fail(ctx, "abort", sv2.ErrCodeUpstreamDisconnected, errors.New(reason))
}

// fail closes the translator and sends the terminal downstream message that
// matches how far the handshake got.
func (t *Translator) fail(ctx context.Context, op, code string, cause error) error {
	prev := t.state
	t.setState(StateClosed, op)
	t.pendingOpen = false
	t.bufferedNotify = nil

	var msg sv2.Message
	switch {
	case prev == StateChannelOpen:
		msg = &sv2.CloseChannel{ChannelID: ChannelID, ReasonCode: code}
	case prev == StateAwaitingHandshake || prev == StateChannelOpening:
		msg = &sv2.OpenMiningChannelError{RequestID: t.openRequestID, ErrorCode: code}
	default:
		msg = &sv2.SetupConnectionError{ErrorCode: code}
	}

	t.logger.WithError(cause).Error("translator closed", "operation", op, "error_code", code, "state", prev.String())
	t.observer.Closed(CloseEvent{User: t.user, Reason: code, Fatal: true, Time: time.Now()})

	if err := t.sendDownstream(ctx, msg); err != nil {
		return err
	}

	if cause == nil {
		cause = errors.New(code)
	}
	return proxyErrors.Wrap(cause, proxyErrors.ErrorTypeHandshake, op, "channel closed: "+code).
		WithContext("error_code", code)
}

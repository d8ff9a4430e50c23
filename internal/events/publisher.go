// Package events fans translator notifications out to the proxy's side
// channels. Translators enqueue without blocking; a small worker pool drains
// the queue into the configured sinks.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gomproxy/internal/translation"
	"github.com/bardlex/gomproxy/pkg/circuit"
	"github.com/bardlex/gomproxy/pkg/log"
)

// Kind identifies the payload of an Event
type Kind int

const (
	// KindJob is a job exposed downstream
	KindJob Kind = iota
	// KindShareSubmitted is a share forwarded upstream
	KindShareSubmitted
	// KindShareResolved is a share answered by the pool or rejected locally
	KindShareResolved
	// KindClosed is the end of a connection
	KindClosed
)

// String returns string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindJob:
		return "job"
	case KindShareSubmitted:
		return "share_submitted"
	case KindShareResolved:
		return "share_resolved"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one notification tagged with the connection it came from
type Event struct {
	Kind         Kind
	ConnectionID string
	RemoteAddr   string

	Job   translation.JobEvent
	Share translation.ShareEvent
	Close translation.CloseEvent
}

// Sink consumes events. Handle is called from the publisher workers.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

const (
	// sinkTimeout bounds the delivery of one event to one sink
	sinkTimeout = 10 * time.Second
	// drainTimeout bounds delivery of events still queued at shutdown
	drainTimeout = 5 * time.Second
)

type guardedSink struct {
	sink    Sink
	breaker *circuit.Breaker
}

// Publisher queues events and delivers them to sinks
type Publisher struct {
	queue   chan Event
	sinks   []guardedSink
	workers int
	logger  *log.Logger

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewPublisher creates a publisher with the given queue size and sinks.
// Each sink gets its own circuit breaker.
func NewPublisher(bufferSize, workers int, logger *log.Logger, sinks ...Sink) *Publisher {
	if logger == nil {
		logger = log.Nop()
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	logger = logger.WithComponent("events")

	p := &Publisher{
		queue:   make(chan Event, bufferSize),
		workers: workers,
		logger:  logger,
	}

	for _, sink := range sinks {
		cfg := circuit.SinkConfig(sink.Name())
		cfg.OnStateChange = func(name string, from, to circuit.State) {
			logger.Warn("sink breaker state changed", "sink", name, "from", from.String(), "to", to.String())
		}
		p.sinks = append(p.sinks, guardedSink{sink: sink, breaker: circuit.New(cfg)})
	}

	return p
}

// Publish enqueues an event. It never blocks: when the queue is full the
// event is dropped and counted.
func (p *Publisher) Publish(ev Event) bool {
	if len(p.sinks) == 0 {
		return false
	}
	select {
	case p.queue <- ev:
		p.published.Add(1)
		return true
	default:
		if p.dropped.Add(1)%100 == 1 {
			p.logger.Warn("event queue full, dropping events", "kind", ev.Kind.String(), "dropped", p.dropped.Load())
		}
		return false
	}
}

// Run starts the workers and blocks until ctx is canceled. Events still
// queued at that point are delivered with a bounded timeout.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("event publisher starting", "sinks", len(p.sinks), "workers", p.workers)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()

	p.drain(ctx)

	p.logger.Info("event publisher stopped",
		"published", p.published.Load(),
		"dropped", p.dropped.Load(),
		"failed", p.failed.Load(),
	)
	return ctx.Err()
}

func (p *Publisher) worker(ctx context.Context, workerID int) {
	logger := p.logger.WithFields("worker_id", workerID)
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			p.deliver(ctx, ev)
		}
	}
}

func (p *Publisher) drain(ctx context.Context) {
	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		select {
		case ev := <-p.queue:
			p.deliver(ctx, ev)
		default:
			return
		}
	}
	if n := len(p.queue); n > 0 {
		p.logger.Warn("events left undelivered at shutdown", "count", n)
	}
}

// deliver hands ev to every sink. Delivery outlives cancellation of ctx so
// that an event taken off the queue is not lost at shutdown.
func (p *Publisher) deliver(ctx context.Context, ev Event) {
	for _, gs := range p.sinks {
		sink := gs.sink
		sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
		err := gs.breaker.Execute(sinkCtx, func() error {
			return sink.Handle(sinkCtx, ev)
		})
		cancel()
		if err != nil {
			p.failed.Add(1)
			p.logger.WithError(err).Warn("sink failed",
				"sink", sink.Name(),
				"kind", ev.Kind.String(),
				"connection_id", ev.ConnectionID,
			)
		}
	}
}

// Stats reports how many events were queued, dropped and failed in a sink
func (p *Publisher) Stats() (published, dropped, failed int64) {
	return p.published.Load(), p.dropped.Load(), p.failed.Load()
}

// Observer returns a translation.Observer publishing events for one connection
func (p *Publisher) Observer(connectionID, remoteAddr string) *ConnObserver {
	return &ConnObserver{publisher: p, connectionID: connectionID, remoteAddr: remoteAddr}
}

// ConnObserver tags translator notifications with their connection. It is
// used from the connection's handler goroutine only.
type ConnObserver struct {
	publisher    *Publisher
	connectionID string
	remoteAddr   string
	closed       bool
}

var _ translation.Observer = (*ConnObserver)(nil)

func (o *ConnObserver) event(kind Kind) Event {
	return Event{Kind: kind, ConnectionID: o.connectionID, RemoteAddr: o.remoteAddr}
}

// JobTranslated implements translation.Observer
func (o *ConnObserver) JobTranslated(job translation.JobEvent) {
	ev := o.event(KindJob)
	ev.Job = job
	o.publisher.Publish(ev)
}

// ShareSubmitted implements translation.Observer
func (o *ConnObserver) ShareSubmitted(share translation.ShareEvent) {
	ev := o.event(KindShareSubmitted)
	ev.Share = share
	o.publisher.Publish(ev)
}

// ShareResolved implements translation.Observer
func (o *ConnObserver) ShareResolved(share translation.ShareEvent) {
	ev := o.event(KindShareResolved)
	ev.Share = share
	o.publisher.Publish(ev)
}

// Closed implements translation.Observer
func (o *ConnObserver) Closed(c translation.CloseEvent) {
	if o.closed {
		return
	}
	o.closed = true
	ev := o.event(KindClosed)
	ev.Close = c
	o.publisher.Publish(ev)
}

// Disconnect reports the end of the connection unless the translator
// already did.
func (o *ConnObserver) Disconnect(user, reason string) {
	o.Closed(translation.CloseEvent{User: user, Reason: reason, Time: time.Now()})
}

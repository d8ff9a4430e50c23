package events

import (
	"context"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/bardlex/gomproxy/internal/database/postgres"
	"github.com/bardlex/gomproxy/internal/database/redis"
	"github.com/bardlex/gomproxy/internal/messaging"
	"github.com/bardlex/gomproxy/pkg/errors"
)

// Producer publishes payloads to a message broker
type Producer interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
}

// KafkaSink publishes resolved shares, jobs and closed connections
type KafkaSink struct {
	producer Producer
}

// NewKafkaSink creates a Kafka sink
func NewKafkaSink(producer Producer) *KafkaSink {
	return &KafkaSink{producer: producer}
}

// Name implements Sink
func (s *KafkaSink) Name() string { return "kafka" }

// Handle implements Sink
func (s *KafkaSink) Handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindShareResolved:
		return s.producer.PublishJSON(ctx, messaging.TopicShares, ev.Share.User, ShareMessage(ev))

	case KindJob:
		job := &messaging.JobMessage{
			ConnectionID:      ev.ConnectionID,
			User:              ev.Job.User,
			UpstreamJobID:     ev.Job.UpstreamJobID,
			DownstreamJobID:   ev.Job.DownstreamJobID,
			CleanJobs:         ev.Job.CleanJobs,
			Version:           ev.Job.Version,
			NBits:             ev.Job.NBits,
			NTime:             ev.Job.NTime,
			Difficulty:        ev.Job.Difficulty,
			NetworkDifficulty: ev.Job.NetworkDifficulty,
			CreatedAt:         ev.Job.Time,
		}
		payload, err := job.Struct()
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeKafka, "publish_job", "failed to build job payload")
		}
		return s.producer.PublishProto(ctx, messaging.TopicJobs, ev.ConnectionID, payload)

	case KindClosed:
		msg := &messaging.ConnectionMessage{
			ConnectionID: ev.ConnectionID,
			RemoteAddr:   ev.RemoteAddr,
			User:         ev.Close.User,
			Event:        "closed",
			Reason:       ev.Close.Reason,
			Fatal:        ev.Close.Fatal,
			At:           ev.Close.Time,
		}
		return s.producer.PublishJSON(ctx, messaging.TopicConnections, ev.ConnectionID, msg)
	}
	return nil
}

// ShareMessage converts a share event into its Kafka payload
func ShareMessage(ev Event) *messaging.ShareMessage {
	return &messaging.ShareMessage{
		ConnectionID:    ev.ConnectionID,
		User:            ev.Share.User,
		UpstreamUser:    ev.Share.UpstreamUser,
		ChannelID:       ev.Share.ChannelID,
		SequenceNumber:  ev.Share.SequenceNumber,
		DownstreamJobID: ev.Share.DownstreamJobID,
		UpstreamJobID:   ev.Share.UpstreamJobID,
		Difficulty:      ev.Share.Difficulty,
		Accepted:        ev.Share.Accepted,
		ErrorCode:       ev.Share.ErrorCode,
		LatencyMs:       float64(ev.Share.Latency) / float64(time.Millisecond),
		SubmittedAt:     ev.Share.Time,
	}
}

// Metrics writes time-series points
type Metrics interface {
	WriteShareMetric(user, upstreamUser string, difficulty float64, accepted bool, errorCode string, latency time.Duration, at time.Time)
	WriteJobMetric(user string, cleanJobs bool, difficulty, networkDiff float64, at time.Time)
}

// MetricsSink writes share and job metrics
type MetricsSink struct {
	metrics Metrics
}

// NewMetricsSink creates a metrics sink
func NewMetricsSink(metrics Metrics) *MetricsSink {
	return &MetricsSink{metrics: metrics}
}

// Name implements Sink
func (s *MetricsSink) Name() string { return "influx" }

// Handle implements Sink
func (s *MetricsSink) Handle(_ context.Context, ev Event) error {
	switch ev.Kind {
	case KindShareResolved:
		sh := ev.Share
		s.metrics.WriteShareMetric(sh.User, sh.UpstreamUser, sh.Difficulty, sh.Accepted, sh.ErrorCode, sh.Latency, sh.Time)
	case KindJob:
		j := ev.Job
		s.metrics.WriteJobMetric(j.User, j.CleanJobs, j.Difficulty, j.NetworkDifficulty, j.Time)
	}
	return nil
}

// Ledger persists resolved shares and closed connections
type Ledger interface {
	RecordShare(ctx context.Context, share *postgres.TranslatedShare) error
	RecordConnection(ctx context.Context, conn *postgres.ConnectionRecord) error
}

// LedgerSink records resolved shares and closed connections
type LedgerSink struct {
	ledger Ledger
}

// NewLedgerSink creates a ledger sink
func NewLedgerSink(ledger Ledger) *LedgerSink {
	return &LedgerSink{ledger: ledger}
}

// Name implements Sink
func (s *LedgerSink) Name() string { return "ledger" }

// Handle implements Sink
func (s *LedgerSink) Handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindShareResolved:
		sh := ev.Share
		return s.ledger.RecordShare(ctx, &postgres.TranslatedShare{
			ConnectionID:    ev.ConnectionID,
			DownstreamUser:  sh.User,
			UpstreamUser:    sh.UpstreamUser,
			ChannelID:       sh.ChannelID,
			SequenceNumber:  sh.SequenceNumber,
			DownstreamJobID: sh.DownstreamJobID,
			UpstreamJobID:   sh.UpstreamJobID,
			Difficulty:      sh.Difficulty,
			Accepted:        sh.Accepted,
			ErrorCode:       sh.ErrorCode,
			LatencyMs:       float64(sh.Latency) / float64(time.Millisecond),
			SubmittedAt:     sh.Time,
		})
	case KindClosed:
		return s.ledger.RecordConnection(ctx, &postgres.ConnectionRecord{
			ConnectionID:   ev.ConnectionID,
			RemoteAddr:     ev.RemoteAddr,
			DownstreamUser: ev.Close.User,
			Reason:         ev.Close.Reason,
			Fatal:          ev.Close.Fatal,
			ClosedAt:       ev.Close.Time,
		})
	}
	return nil
}

// Counters keeps short-lived aggregates
type Counters interface {
	RecordShare(ctx context.Context, user string, accepted bool, difficulty float64, at time.Time) error
	SetCache(ctx context.Context, key string, data any, expiration time.Duration) error
}

// lastJobTTL bounds how long a user's last job stays cached
const lastJobTTL = 10 * time.Minute

// CounterSink maintains per-user share counters and the last-job cache
type CounterSink struct {
	counters Counters
}

// NewCounterSink creates a counter sink
func NewCounterSink(counters Counters) *CounterSink {
	return &CounterSink{counters: counters}
}

// Name implements Sink
func (s *CounterSink) Name() string { return "redis" }

// Handle implements Sink
func (s *CounterSink) Handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindShareResolved:
		sh := ev.Share
		return s.counters.RecordShare(ctx, sh.User, sh.Accepted, sh.Difficulty, sh.Time)
	case KindJob:
		return s.counters.SetCache(ctx, redis.LastJobKey(ev.Job.User), ev.Job, lastJobTTL)
	}
	return nil
}

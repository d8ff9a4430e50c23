package postgres

import (
	"time"
)

// TranslatedShare is one share forwarded upstream and the pool's verdict
type TranslatedShare struct {
	ID              int64     `db:"id"`
	ConnectionID    string    `db:"connection_id"`
	DownstreamUser  string    `db:"downstream_user"`
	UpstreamUser    string    `db:"upstream_user"`
	ChannelID       uint32    `db:"channel_id"`
	SequenceNumber  uint32    `db:"sequence_number"`
	DownstreamJobID uint32    `db:"downstream_job_id"`
	UpstreamJobID   string    `db:"upstream_job_id"`
	Difficulty      float64   `db:"difficulty"`
	Accepted        bool      `db:"accepted"`
	ErrorCode       string    `db:"error_code"`
	LatencyMs       float64   `db:"latency_ms"`
	SubmittedAt     time.Time `db:"submitted_at"`
}

// ShareSummary aggregates a user's ledger over a period
type ShareSummary struct {
	DownstreamUser string  `db:"downstream_user"`
	Accepted       int64   `db:"accepted"`
	Rejected       int64   `db:"rejected"`
	DifficultySum  float64 `db:"difficulty_sum"`
}

// ConnectionRecord is a closed downstream connection
type ConnectionRecord struct {
	ID             int64     `db:"id"`
	ConnectionID   string    `db:"connection_id"`
	RemoteAddr     string    `db:"remote_addr"`
	DownstreamUser string    `db:"downstream_user"`
	Reason         string    `db:"reason"`
	Fatal          bool      `db:"fatal"`
	ClosedAt       time.Time `db:"closed_at"`
}

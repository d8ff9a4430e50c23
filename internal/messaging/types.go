package messaging

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// ShareMessage is a share forwarded by the proxy, published once the pool answered
type ShareMessage struct {
	ConnectionID    string    `json:"connection_id"`
	User            string    `json:"user"`
	UpstreamUser    string    `json:"upstream_user"`
	ChannelID       uint32    `json:"channel_id"`
	SequenceNumber  uint32    `json:"sequence_number"`
	DownstreamJobID uint32    `json:"downstream_job_id"`
	UpstreamJobID   string    `json:"upstream_job_id"`
	Difficulty      float64   `json:"difficulty"`
	Accepted        bool      `json:"accepted"`
	ErrorCode       string    `json:"error_code,omitempty"`
	LatencyMs       float64   `json:"latency_ms"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// JobMessage is an upstream job exposed to a downstream channel
type JobMessage struct {
	ConnectionID      string
	User              string
	UpstreamJobID     string
	DownstreamJobID   uint32
	CleanJobs         bool
	Version           uint32
	NBits             uint32
	NTime             uint32
	Difficulty        float64
	NetworkDifficulty float64
	CreatedAt         time.Time
}

// Struct converts the job into a protobuf Struct for PublishProto
func (m *JobMessage) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"connection_id":      m.ConnectionID,
		"user":               m.User,
		"upstream_job_id":    m.UpstreamJobID,
		"downstream_job_id":  m.DownstreamJobID,
		"clean_jobs":         m.CleanJobs,
		"version":            m.Version,
		"nbits":              m.NBits,
		"ntime":              m.NTime,
		"difficulty":         m.Difficulty,
		"network_difficulty": m.NetworkDifficulty,
		"created_at":         m.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// ConnectionMessage reports a downstream connection opening or closing
type ConnectionMessage struct {
	ConnectionID string    `json:"connection_id"`
	RemoteAddr   string    `json:"remote_addr"`
	User         string    `json:"user,omitempty"`
	Event        string    `json:"event"` // "closed"
	Reason       string    `json:"reason,omitempty"`
	Fatal        bool      `json:"fatal"`
	At           time.Time `json:"at"`
}

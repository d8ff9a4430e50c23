package translation

import "time"

// Observer receives notifications about translated traffic. Implementations
// must not block: they are called synchronously from the handler goroutine.
type Observer interface {
	JobTranslated(JobEvent)
	ShareSubmitted(ShareEvent)
	ShareResolved(ShareEvent)
	Closed(CloseEvent)
}

// JobEvent describes an upstream job exposed downstream
type JobEvent struct {
	User              string
	UpstreamJobID     string
	DownstreamJobID   uint32
	CleanJobs         bool
	Version           uint32
	NBits             uint32
	NTime             uint32
	Difficulty        float64
	NetworkDifficulty float64
	Time              time.Time
}

// ShareEvent describes a share forwarded upstream or its outcome
type ShareEvent struct {
	User            string
	UpstreamUser    string
	ChannelID       uint32
	SequenceNumber  uint32
	DownstreamJobID uint32
	UpstreamJobID   string
	Difficulty      float64
	Accepted        bool
	ErrorCode       string
	Latency         time.Duration
	Time            time.Time
}

// CloseEvent describes the end of a translator
type CloseEvent struct {
	User   string
	Reason string
	Fatal  bool
	Time   time.Time
}

type nopObserver struct{}

func (nopObserver) JobTranslated(JobEvent)    {}
func (nopObserver) ShareSubmitted(ShareEvent) {}
func (nopObserver) ShareResolved(ShareEvent)  {}
func (nopObserver) Closed(CloseEvent)         {}

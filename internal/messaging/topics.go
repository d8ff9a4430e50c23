package messaging

// Topic constants for proxy events
const (
	TopicShares      = "proxy.shares"      // resolved shares, JSON ShareMessage
	TopicJobs        = "proxy.jobs"        // translated jobs, protobuf Struct
	TopicConnections = "proxy.connections" // downstream connection lifecycle, JSON ConnectionMessage
)

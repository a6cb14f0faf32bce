package messaging

// Kafka topics published by the pool.
const (
	// TopicJobs carries every job broadcast, for external consumers
	// that follow the pool's work stream.
	TopicJobs = "pool.jobs"
	// TopicShares carries one event per processed submission.
	TopicShares = "pool.shares"
	// TopicBlocks carries one event per confirmed block.
	TopicBlocks = "pool.blocks"
	// TopicAlerts carries operator-visible alerts.
	TopicAlerts = "pool.alerts"
)

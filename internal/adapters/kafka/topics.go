package kafka

// Topic names for analysis lifecycle events
const (
	// TopicAnalysisEvents carries per-analysis lifecycle events
	// (started, phase advanced, completed, failed, cancelled)
	TopicAnalysisEvents = "argus.analysis.events"

	// TopicRebalanceEvents carries batch-member completion events
	TopicRebalanceEvents = "argus.rebalance.events"
)

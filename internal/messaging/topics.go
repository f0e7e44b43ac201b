package messaging

// Topic constants for the node's lifecycle events
const (
	// Import path
	TopicBlockImported     = "qpow.block_imported"     // qpownode → indexers
	TopicCandidateRejected = "qpow.candidate_rejected" // qpownode → alerting

	// Job and miner monitoring
	TopicJobTransitions    = "qpow.job_transitions"    // qpownode → statsd
	TopicMinerAvailability = "qpow.miner_availability" // qpownode → alerting
)

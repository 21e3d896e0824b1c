package messaging

// Topic names
const (
	// TopicRounds carries one message per finalized round, keyed by round number
	TopicRounds = "mining.rounds"
	// TopicPresence carries miners-online changes
	TopicPresence = "mining.presence"
)

package model

import "time"

// FailedMessage is the append-only archive record written when a message
// reaches the terminal failed or expired state (§3.2).
type FailedMessage struct {
	ID            int64
	OriginalID    int64
	Source        Source
	Destination   Destination
	TopicOrNode   string
	Value         string
	ErrorMessage  string
	FailedAt      time.Time
	RetryCount    int
	FailureReason string // "ttl", "max_retries_exceeded" or "permanent"
}

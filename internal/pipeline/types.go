package pipeline

import (
	"time"
)

// Config controls the worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - retention: 24h
type Config struct {
	Workers   int
	Retention time.Duration
}

// Job describes one message awaiting processing. It is never persisted.
type Job struct {
	StrategyID        int64
	ChannelID         string
	TelegramMessageID int64
	RawMessage        string
	ReceivedAt        time.Time
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running   bool
	Workers   int
	QueueLen  int
	Processed uint64
	Failed    uint64
	Dropped   uint64
}

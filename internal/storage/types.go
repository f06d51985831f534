package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Strategy is a named subscription rule bound to one channel.
//
// ChannelID is empty until the channel identifier has been resolved to a
// canonical id; ChannelLinkedAt records the last successful bind.
type Strategy struct {
	ID                int64
	Name              string
	ChannelIdentifier string
	ChannelID         string
	ChannelTitle      string
	ChannelLinkedAt   time.Time
	IsActive          bool
	IsPaused          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Signal statuses.
const (
	StatusParsed = "parsed"
	StatusFailed = "failed"
)

// Signal is one parsed (or failed-to-parse) message for one strategy.
type Signal struct {
	ID                int64
	StrategyID        int64
	ChannelID         string
	TelegramMessageID int64
	RawMessage        string
	ParsedPayload     map[string]any
	Status            string
	Error             string
	ReceivedAt        time.Time
	ProcessedAt       time.Time
}

// NewStrategy carries the fields for strategy creation.
type NewStrategy struct {
	Name              string
	ChannelIdentifier string
	ChannelID         string
	ChannelTitle      string
	ChannelLinkedAt   time.Time
	IsActive          bool
}

// StrategyUpdate is a partial update; nil fields are left untouched.
type StrategyUpdate struct {
	Name              *string
	ChannelIdentifier *string
	ChannelID         *string
	ChannelTitle      *string
	ChannelLinkedAt   *time.Time
	IsActive          *bool
	IsPaused          *bool
}

// SignalRecord carries the fields for an idempotent signal upsert.
//
// ReceivedAt is immutable after the first write; a re-record of the same
// (StrategyID, TelegramMessageID) overwrites everything else.
type SignalRecord struct {
	StrategyID        int64
	ChannelID         string
	TelegramMessageID int64
	RawMessage        string
	ParsedPayload     map[string]any
	Status            string
	Error             string
	ReceivedAt        time.Time
	ProcessedAt       time.Time
}

// Store is the persistence API used by the registry and the worker pool.
// Implementations provide per-call atomicity.
type Store interface {
	ListStrategies(ctx context.Context) ([]Strategy, error)
	GetStrategy(ctx context.Context, id int64) (*Strategy, error) // (nil, nil) when absent
	CreateStrategy(ctx context.Context, ns NewStrategy) (*Strategy, error)
	UpdateStrategy(ctx context.Context, id int64, up StrategyUpdate) (*Strategy, error)
	DeleteStrategy(ctx context.Context, id int64) error

	UpsertSignal(ctx context.Context, rec SignalRecord) (*Signal, error)
	PurgeSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	SignalsForStrategy(ctx context.Context, strategyID int64, limit int, newerThan time.Time) ([]Signal, error)
	ClearSignalsForChannel(ctx context.Context, channelID string) (int64, error)

	Close() error
}

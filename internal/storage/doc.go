// Package storage is the persistence layer for strategies and signals.
//
// It is the system of record; the registry keeps a write-through cache on
// top of it. Signals are keyed by (strategy_id, telegram_message_id), so
// recording the same message twice updates the existing row instead of
// duplicating it.
package storage

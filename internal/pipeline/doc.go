// Package pipeline is the signal worker pool: a fixed set of workers
// draining one FIFO queue of jobs, where each job is parsed, persisted
// idempotently, purged against retention, and broadcast.
//
// Failure discipline:
//   - a parse failure becomes a persisted failed-status signal with a
//     fallback payload, never a lost message;
//   - a store failure drops that one job (no re-enqueue, no poison loops);
//   - a sink failure is logged and swallowed.
package pipeline

package pipeline

import (
	"context"
	"time"

	"signalpipe/internal/broadcast"
	"signalpipe/internal/storage"
	"signalpipe/pkg/logx"
)

func (s *Service) worker(ctx context.Context, idx int) {
	s.log.Debug("worker started", logx.Int("worker", idx))
	for {
		job, ok := s.dequeue()
		if !ok {
			s.log.Debug("worker stopped", logx.Int("worker", idx))
			return
		}
		s.processJob(ctx, job)
	}
}

// processJob runs the full parse -> persist -> purge -> broadcast sequence
// for one job. Retention is enforced here, after every job, so the window
// stays tight without a separate sweeper.
func (s *Service) processJob(ctx context.Context, job *Job) {
	start := time.Now()
	processedAt := start

	status := storage.StatusParsed
	errText := ""
	payload, err := s.parser.Parse(ctx, job.RawMessage)
	if err != nil {
		status = storage.StatusFailed
		errText = err.Error()
		payload = fallbackPayload(errText)
		s.failed.Add(1)
		s.log.Warn("signal parse failed",
			logx.Int64("strategy_id", job.StrategyID),
			logx.Int64("telegram_message_id", job.TelegramMessageID),
			logx.Err(err))
	}

	sig, err := s.store.UpsertSignal(ctx, storage.SignalRecord{
		StrategyID:        job.StrategyID,
		ChannelID:         job.ChannelID,
		TelegramMessageID: job.TelegramMessageID,
		RawMessage:        job.RawMessage,
		ParsedPayload:     payload,
		Status:            status,
		Error:             errText,
		ReceivedAt:        job.ReceivedAt,
		ProcessedAt:       processedAt,
	})
	if err != nil {
		// Drop the job rather than re-enqueue: a persistently failing row
		// must not become a poison message.
		s.log.Error("signal upsert failed; dropping job",
			logx.Int64("strategy_id", job.StrategyID),
			logx.Int64("telegram_message_id", job.TelegramMessageID),
			logx.Err(err))
		return
	}
	s.processed.Add(1)

	cutoff := time.Now().Add(-s.cfg.Retention)
	if purged, err := s.store.PurgeSignalsBefore(ctx, cutoff); err != nil {
		s.log.Warn("retention purge failed", logx.Err(err))
	} else if purged > 0 {
		s.log.Debug("expired signals purged",
			logx.Int64("count", purged), logx.Time("cutoff", cutoff))
	}

	s.notify(sig)

	s.log.Debug("signal processed",
		logx.Int64("signal_id", sig.ID),
		logx.Int64("strategy_id", sig.StrategyID),
		logx.String("status", sig.Status),
		logx.Duration("dur", time.Since(start)))
}

// notify hands the signal to the broadcast sink. Sink problems never fail
// the job or block the next one.
func (s *Service) notify(sig *storage.Signal) {
	if s.bus == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("broadcast sink panicked", logx.Any("panic", r))
		}
	}()
	s.bus.Publish(broadcast.Event{Type: broadcast.TypeSignal, Signal: sig})
}

// fallbackPayload is the fixed record substituted when parsing fails, so
// every job yields a schema-valid signal and downstream consumers never need
// to special-case a missing record.
func fallbackPayload(cause string) map[string]any {
	return map[string]any{
		"symbol":      "NA",
		"action":      "NONE",
		"entry":       "NA",
		"take_profit": []string{},
		"stop_loss":   "NA",
		"notes":       "Parser failed",
		"error":       cause,
	}
}

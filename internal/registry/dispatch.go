package registry

import (
	"strings"
	"time"

	"signalpipe/internal/gateway"
	"signalpipe/internal/pipeline"
	"signalpipe/internal/storage"
	"signalpipe/pkg/logx"
)

// Dispatch routes one inbound channel message to every eligible strategy,
// producing one job per match. It is the single ingestion entry point and is
// wired to the gateway's message callback.
//
// A strategy is skipped when it is inactive or paused, when the text is
// blank, or when the message predates either the strategy's channel bind
// (max of channel_linked_at and created_at) or the registry's initialization
// (history replayed by the gateway must not re-enter the pipeline).
func (r *Registry) Dispatch(msg gateway.Message) {
	if msg.ChannelID == "" || msg.MessageID <= 0 {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	r.mu.Lock()
	if ts.Before(r.initializedAt) {
		r.mu.Unlock()
		return
	}
	candidates := make([]storage.Strategy, 0, 4)
	for _, id := range r.channelIndex[msg.ChannelID] {
		if st, ok := r.strategies[id]; ok {
			candidates = append(candidates, *st)
		}
	}
	r.mu.Unlock()

	for _, st := range candidates {
		if !st.IsActive || st.IsPaused {
			continue
		}
		threshold := st.ChannelLinkedAt
		if threshold.IsZero() {
			threshold = st.CreatedAt
		}
		if !threshold.IsZero() && ts.Before(threshold) {
			continue
		}
		r.pool.Enqueue(&pipeline.Job{
			StrategyID:        st.ID,
			ChannelID:         msg.ChannelID,
			TelegramMessageID: msg.MessageID,
			RawMessage:        msg.Text,
			ReceivedAt:        ts,
		})
		r.log.Debug("job enqueued",
			logx.Int64("strategy_id", st.ID),
			logx.Int64("telegram_message_id", msg.MessageID))
	}
}

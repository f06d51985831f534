package registry

import (
	"context"
	"sort"

	"signalpipe/pkg/logx"
)

// syncChannels reconciles the gateway's listening set with the channels
// referenced by active strategies. It runs after, never inside, a mutation's
// critical section: it takes the lock only for the snapshot it needs, so the
// gateway call happens lock-free.
//
// The update is non-destructive (history is never reset from here); an empty
// active set stops listening entirely.
func (r *Registry) syncChannels(ctx context.Context) error {
	r.mu.Lock()
	set := map[string]struct{}{}
	for _, st := range r.strategies {
		if st.IsActive && st.ChannelID != "" {
			set[st.ChannelID] = struct{}{}
		}
	}
	r.mu.Unlock()

	if len(set) == 0 {
		return r.gw.StopListening(ctx)
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if err := r.gw.SetChannels(ctx, ids, false, false); err != nil {
		return err
	}
	r.log.Debug("channel set synchronized", logx.Int("channels", len(ids)))
	return nil
}

// Resync re-asserts the current listening set. The cron schedule in the app
// calls this periodically so a gateway that lost its handlers across a
// reconnect converges back without waiting for the next mutation.
func (r *Registry) Resync(ctx context.Context) error {
	return r.syncChannels(ctx)
}

package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"signalpipe/internal/gateway"
	"signalpipe/internal/pipeline"
	"signalpipe/internal/storage"
	"signalpipe/pkg/logx"
)

// MaxActiveStrategies caps how many strategies may be simultaneously
// active-and-unpaused.
const MaxActiveStrategies = 5

// Enqueuer is the slice of the worker pool the registry needs.
type Enqueuer interface {
	Enqueue(job *pipeline.Job)
}

type Registry struct {
	log   logx.Logger
	store storage.Store
	gw    gateway.Gateway
	pool  Enqueuer

	mu            sync.Mutex
	strategies    map[int64]*storage.Strategy
	channelIndex  map[string][]int64
	initializedAt time.Time
}

func New(store storage.Store, gw gateway.Gateway, pool Enqueuer, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:          log,
		store:        store,
		gw:           gw,
		pool:         pool,
		strategies:   map[int64]*storage.Strategy{},
		channelIndex: map[string][]int64{},
	}
}

// Initialize loads all strategies from the store and records the moment the
// process came up; messages timestamped before that moment (gateway history
// replays) are never dispatched as live events.
func (r *Registry) Initialize(ctx context.Context) error {
	items, err := r.store.ListStrategies(ctx)
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}

	r.mu.Lock()
	r.strategies = make(map[int64]*storage.Strategy, len(items))
	for i := range items {
		st := items[i]
		r.strategies[st.ID] = &st
	}
	r.rebuildIndexLocked()
	r.initializedAt = time.Now()
	n := len(r.strategies)
	r.mu.Unlock()

	r.log.Info("registry initialized", logx.Int("strategies", n))
	return r.syncChannels(ctx)
}

// List returns all strategies ordered by creation time.
func (r *Registry) List(ctx context.Context) []storage.Strategy {
	r.mu.Lock()
	out := make([]storage.Strategy, 0, len(r.strategies))
	for _, st := range r.strategies {
		out = append(out, *st)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns one strategy, back-filling the cache from the store on a miss.
func (r *Registry) Get(ctx context.Context, id int64) (*storage.Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, err := r.requireLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	cp := *st
	return &cp, nil
}

// Signals returns recent signals for a strategy, newest first.
func (r *Registry) Signals(ctx context.Context, id int64, limit int, newerThan time.Time) ([]storage.Signal, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	return r.store.SignalsForStrategy(ctx, id, limit, newerThan)
}

// Create resolves the channel identifier and persists a new strategy.
// When activate is set the admission cap is checked first and channel
// synchronization runs after the mutation commits.
func (r *Registry) Create(ctx context.Context, name, channelIdentifier string, activate bool) (*storage.Strategy, error) {
	name = strings.TrimSpace(name)
	channelIdentifier = strings.TrimSpace(channelIdentifier)
	if name == "" {
		return nil, fmt.Errorf("%w: strategy name is empty", ErrInvalid)
	}
	if len(name) > 80 {
		return nil, fmt.Errorf("%w: strategy name exceeds 80 characters", ErrInvalid)
	}
	if channelIdentifier == "" {
		return nil, fmt.Errorf("%w: channel identifier is empty", ErrInvalid)
	}

	// Resolve outside the lock: it is a network call and must not serialize
	// behind unrelated mutations.
	info, err := r.gw.Resolve(ctx, channelIdentifier)
	if err != nil {
		return nil, err
	}
	linkedAt := time.Now()

	r.mu.Lock()
	if activate && r.activeCountLocked() >= MaxActiveStrategies {
		r.mu.Unlock()
		return nil, ErrAdmissionExceeded
	}
	st, err := r.store.CreateStrategy(ctx, storage.NewStrategy{
		Name:              name,
		ChannelIdentifier: channelIdentifier,
		ChannelID:         info.ID,
		ChannelTitle:      info.Title,
		ChannelLinkedAt:   linkedAt,
		IsActive:          activate,
	})
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.storeLocked(st)
	r.mu.Unlock()

	if activate {
		if err := r.syncChannels(ctx); err != nil {
			return nil, err
		}
	}
	r.log.Info("strategy created",
		logx.Int64("id", st.ID), logx.String("name", name),
		logx.String("channel", info.ID), logx.Bool("active", activate))
	cp := *st
	return &cp, nil
}

// Rename changes the strategy name.
func (r *Registry) Rename(ctx context.Context, id int64, name string) (*storage.Strategy, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: strategy name is empty", ErrInvalid)
	}
	if len(name) > 80 {
		return nil, fmt.Errorf("%w: strategy name exceeds 80 characters", ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.requireLocked(ctx, id); err != nil {
		return nil, err
	}
	st, err := r.store.UpdateStrategy(ctx, id, storage.StrategyUpdate{Name: &name})
	if err != nil {
		return nil, err
	}
	r.storeLocked(st)
	cp := *st
	return &cp, nil
}

// AssignChannel re-resolves the identifier and re-binds the strategy to the
// canonical channel, stamping channel_linked_at so messages older than the
// bind are never dispatched to it.
func (r *Registry) AssignChannel(ctx context.Context, id int64, channelIdentifier string) (*storage.Strategy, error) {
	channelIdentifier = strings.TrimSpace(channelIdentifier)
	if channelIdentifier == "" {
		return nil, fmt.Errorf("%w: channel identifier is empty", ErrInvalid)
	}

	info, err := r.gw.Resolve(ctx, channelIdentifier)
	if err != nil {
		return nil, err
	}
	linkedAt := time.Now()

	r.mu.Lock()
	if _, err := r.requireLocked(ctx, id); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	st, err := r.store.UpdateStrategy(ctx, id, storage.StrategyUpdate{
		ChannelIdentifier: &channelIdentifier,
		ChannelID:         &info.ID,
		ChannelTitle:      &info.Title,
		ChannelLinkedAt:   &linkedAt,
	})
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.storeLocked(st)
	r.mu.Unlock()

	if err := r.syncChannels(ctx); err != nil {
		return nil, err
	}
	r.log.Info("strategy re-linked", logx.Int64("id", id), logx.String("channel", info.ID))
	cp := *st
	return &cp, nil
}

// Delete removes the strategy from store and cache.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	if _, err := r.requireLocked(ctx, id); err != nil {
		r.mu.Unlock()
		return err
	}
	if err := r.store.DeleteStrategy(ctx, id); err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.strategies, id)
	r.rebuildIndexLocked()
	r.mu.Unlock()

	if err := r.syncChannels(ctx); err != nil {
		return err
	}
	r.log.Info("strategy deleted", logx.Int64("id", id))
	return nil
}

// Activate marks the strategy active and unpaused. A transition from
// inactive re-checks the admission cap; an already active-and-unpaused
// strategy is a no-op.
func (r *Registry) Activate(ctx context.Context, id int64) (*storage.Strategy, error) {
	tr := true
	fa := false

	r.mu.Lock()
	st, err := r.requireLocked(ctx, id)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if st.IsActive && !st.IsPaused {
		cp := *st
		r.mu.Unlock()
		return &cp, nil
	}
	if !st.IsActive && r.activeCountLocked() >= MaxActiveStrategies {
		r.mu.Unlock()
		return nil, ErrAdmissionExceeded
	}
	st, err = r.store.UpdateStrategy(ctx, id, storage.StrategyUpdate{IsActive: &tr, IsPaused: &fa})
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.storeLocked(st)
	r.mu.Unlock()

	if err := r.syncChannels(ctx); err != nil {
		return nil, err
	}
	r.log.Info("strategy activated", logx.Int64("id", id))
	cp := *st
	return &cp, nil
}

// Deactivate clears the active flag; inactive strategies are a no-op.
func (r *Registry) Deactivate(ctx context.Context, id int64) (*storage.Strategy, error) {
	fa := false

	r.mu.Lock()
	st, err := r.requireLocked(ctx, id)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if !st.IsActive {
		cp := *st
		r.mu.Unlock()
		return &cp, nil
	}
	st, err = r.store.UpdateStrategy(ctx, id, storage.StrategyUpdate{IsActive: &fa})
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.storeLocked(st)
	r.mu.Unlock()

	if err := r.syncChannels(ctx); err != nil {
		return nil, err
	}
	r.log.Info("strategy deactivated", logx.Int64("id", id))
	cp := *st
	return &cp, nil
}

// Pause sets the paused flag. Pausing only frees capacity, so no cap check
// and no channel sync (the channel set follows is_active alone).
func (r *Registry) Pause(ctx context.Context, id int64) (*storage.Strategy, error) {
	tr := true

	r.mu.Lock()
	defer r.mu.Unlock()
	st, err := r.requireLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.IsPaused {
		cp := *st
		return &cp, nil
	}
	st, err = r.store.UpdateStrategy(ctx, id, storage.StrategyUpdate{IsPaused: &tr})
	if err != nil {
		return nil, err
	}
	r.storeLocked(st)
	cp := *st
	return &cp, nil
}

// Resume clears the paused flag. It increases the effectively-active count,
// so the admission cap is re-checked; resuming a never-activated strategy is
// rejected.
func (r *Registry) Resume(ctx context.Context, id int64) (*storage.Strategy, error) {
	fa := false

	r.mu.Lock()
	defer r.mu.Unlock()
	st, err := r.requireLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if !st.IsActive {
		return nil, fmt.Errorf("%w: activate the strategy before resuming", ErrInvalid)
	}
	if !st.IsPaused {
		cp := *st
		return &cp, nil
	}
	if r.activeCountLocked() >= MaxActiveStrategies {
		return nil, ErrAdmissionExceeded
	}
	st, err = r.store.UpdateStrategy(ctx, id, storage.StrategyUpdate{IsPaused: &fa})
	if err != nil {
		return nil, err
	}
	r.storeLocked(st)
	r.log.Info("strategy resumed", logx.Int64("id", id))
	cp := *st
	return &cp, nil
}

// ---- locked helpers ----

func (r *Registry) requireLocked(ctx context.Context, id int64) (*storage.Strategy, error) {
	if st, ok := r.strategies[id]; ok {
		return st, nil
	}
	// Cache miss: back-fill from the store.
	st, err := r.store.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	r.storeLocked(st)
	return st, nil
}

func (r *Registry) storeLocked(st *storage.Strategy) {
	r.strategies[st.ID] = st
	r.rebuildIndexLocked()
}

// rebuildIndexLocked recomputes the channel -> strategy-ids index from
// scratch. The registry is small; a full rebuild keeps the index trivially
// consistent with the map after every mutation.
func (r *Registry) rebuildIndexLocked() {
	index := make(map[string][]int64, len(r.strategies))
	for _, st := range r.strategies {
		if st.ChannelID != "" {
			index[st.ChannelID] = append(index[st.ChannelID], st.ID)
		}
	}
	for _, ids := range index {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	r.channelIndex = index
}

func (r *Registry) activeCountLocked() int {
	n := 0
	for _, st := range r.strategies {
		if st.IsActive && !st.IsPaused {
			n++
		}
	}
	return n
}

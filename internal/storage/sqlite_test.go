package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"signalpipe/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedStrategy(t *testing.T, st Store, name string) *Strategy {
	t.Helper()
	s, err := st.CreateStrategy(context.Background(), NewStrategy{
		Name:              name,
		ChannelIdentifier: "@" + name,
		ChannelID:         "-100" + name,
		ChannelTitle:      "Channel " + name,
		ChannelLinkedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}
	return s
}

func TestStrategyCRUD(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	created := seedStrategy(t, st, "alpha")
	if created.ID == 0 || created.Name != "alpha" || created.IsActive || created.IsPaused {
		t.Fatalf("created = %+v", created)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatal("timestamps not set")
	}

	got, err := st.GetStrategy(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetStrategy: %v", err)
	}
	if got == nil || got.ChannelID != "-100alpha" {
		t.Fatalf("got = %+v", got)
	}

	// Absent id is (nil, nil), not an error.
	missing, err := st.GetStrategy(ctx, 9999)
	if err != nil || missing != nil {
		t.Fatalf("GetStrategy(missing) = %v, %v", missing, err)
	}

	name := "alpha-renamed"
	active := true
	updated, err := st.UpdateStrategy(ctx, created.ID, StrategyUpdate{Name: &name, IsActive: &active})
	if err != nil {
		t.Fatalf("UpdateStrategy: %v", err)
	}
	if updated.Name != name || !updated.IsActive {
		t.Fatalf("updated = %+v", updated)
	}

	if _, err := st.UpdateStrategy(ctx, 9999, StrategyUpdate{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateStrategy(missing): got %v, want ErrNotFound", err)
	}

	if err := st.DeleteStrategy(ctx, created.ID); err != nil {
		t.Fatalf("DeleteStrategy: %v", err)
	}
	if err := st.DeleteStrategy(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteStrategy(again): got %v, want ErrNotFound", err)
	}
}

func TestListStrategiesOrdered(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	seedStrategy(t, st, "one")
	seedStrategy(t, st, "two")
	seedStrategy(t, st, "three")

	items, err := st.ListStrategies(ctx)
	if err != nil {
		t.Fatalf("ListStrategies: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len = %d, want 3", len(items))
	}
	// created_at has second resolution; the id tiebreaker keeps insertion order.
	for i := 1; i < len(items); i++ {
		if items[i].ID < items[i-1].ID && items[i].CreatedAt.Equal(items[i-1].CreatedAt) {
			t.Fatalf("not ordered: %v", items)
		}
	}
}

func TestUpsertSignalSecondRecordWins(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	strat := seedStrategy(t, st, "sig")

	received := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	first, err := st.UpsertSignal(ctx, SignalRecord{
		StrategyID:        strat.ID,
		ChannelID:         strat.ChannelID,
		TelegramMessageID: 500,
		RawMessage:        "garbled",
		ParsedPayload:     map[string]any{"action": "NONE"},
		Status:            StatusFailed,
		Error:             "timeout",
		ReceivedAt:        received,
		ProcessedAt:       time.Now(),
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second, err := st.UpsertSignal(ctx, SignalRecord{
		StrategyID:        strat.ID,
		ChannelID:         strat.ChannelID,
		TelegramMessageID: 500,
		RawMessage:        "BUY EURUSD @ 1.10",
		ParsedPayload:     map[string]any{"symbol": "EURUSD", "action": "BUY"},
		Status:            StatusParsed,
		ReceivedAt:        time.Now(), // must NOT replace the original
		ProcessedAt:       time.Now(),
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("second upsert created a new row: %d != %d", second.ID, first.ID)
	}
	if second.Status != StatusParsed || second.Error != "" {
		t.Fatalf("second = status:%q error:%q", second.Status, second.Error)
	}
	if second.ParsedPayload["symbol"] != "EURUSD" {
		t.Fatalf("payload = %v", second.ParsedPayload)
	}
	if !second.ReceivedAt.Equal(received) {
		t.Fatalf("ReceivedAt changed: %v, want %v", second.ReceivedAt, received)
	}

	// Same message id on a different strategy is a separate row.
	other := seedStrategy(t, st, "other")
	dup, err := st.UpsertSignal(ctx, SignalRecord{
		StrategyID:        other.ID,
		ChannelID:         strat.ChannelID,
		TelegramMessageID: 500,
		RawMessage:        "BUY EURUSD @ 1.10",
		ParsedPayload:     map[string]any{"action": "BUY"},
		Status:            StatusParsed,
		ReceivedAt:        time.Now(),
		ProcessedAt:       time.Now(),
	})
	if err != nil {
		t.Fatalf("cross-strategy upsert: %v", err)
	}
	if dup.ID == first.ID {
		t.Fatal("distinct strategies shared a signal row")
	}
}

func TestPurgeSignalsBeforeBoundary(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	strat := seedStrategy(t, st, "purge")

	cutoff := time.Now().UTC().Truncate(time.Second)
	put := func(msgID int64, processedAt time.Time) {
		t.Helper()
		_, err := st.UpsertSignal(ctx, SignalRecord{
			StrategyID:        strat.ID,
			ChannelID:         strat.ChannelID,
			TelegramMessageID: msgID,
			RawMessage:        "x",
			Status:            StatusParsed,
			ReceivedAt:        processedAt,
			ProcessedAt:       processedAt,
		})
		if err != nil {
			t.Fatalf("UpsertSignal(%d): %v", msgID, err)
		}
	}
	put(1, cutoff.Add(-time.Hour)) // expired
	put(2, cutoff)                 // exactly at cutoff: kept (strictly-before delete)
	put(3, cutoff.Add(time.Hour))  // fresh

	n, err := st.PurgeSignalsBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("PurgeSignalsBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}

	left, err := st.SignalsForStrategy(ctx, strat.ID, 0, time.Time{})
	if err != nil {
		t.Fatalf("SignalsForStrategy: %v", err)
	}
	if len(left) != 2 {
		t.Fatalf("remaining = %d, want 2", len(left))
	}
	for _, sig := range left {
		if sig.TelegramMessageID == 1 {
			t.Fatal("expired signal survived the purge")
		}
	}
}

func TestSignalsForStrategyFilters(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	strat := seedStrategy(t, st, "query")

	base := time.Now().UTC().Truncate(time.Second).Add(-10 * time.Minute)
	for i := int64(1); i <= 5; i++ {
		_, err := st.UpsertSignal(ctx, SignalRecord{
			StrategyID:        strat.ID,
			ChannelID:         strat.ChannelID,
			TelegramMessageID: i,
			RawMessage:        "m",
			Status:            StatusParsed,
			ReceivedAt:        base.Add(time.Duration(i) * time.Minute),
			ProcessedAt:       time.Now(),
		})
		if err != nil {
			t.Fatalf("UpsertSignal: %v", err)
		}
	}

	// Newest first, limited.
	got, err := st.SignalsForStrategy(ctx, strat.ID, 2, time.Time{})
	if err != nil {
		t.Fatalf("SignalsForStrategy: %v", err)
	}
	if len(got) != 2 || got[0].TelegramMessageID != 5 || got[1].TelegramMessageID != 4 {
		t.Fatalf("got = %+v", got)
	}

	// newerThan is exclusive.
	got, err = st.SignalsForStrategy(ctx, strat.ID, 0, base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("SignalsForStrategy(newerThan): %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("newerThan filter: got %d, want 2", len(got))
	}
}

func TestClearSignalsForChannel(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	a := seedStrategy(t, st, "keep")
	b := seedStrategy(t, st, "wipe")

	for i, strat := range []*Strategy{a, b} {
		_, err := st.UpsertSignal(ctx, SignalRecord{
			StrategyID:        strat.ID,
			ChannelID:         strat.ChannelID,
			TelegramMessageID: int64(i + 1),
			RawMessage:        "m",
			Status:            StatusParsed,
			ReceivedAt:        time.Now(),
			ProcessedAt:       time.Now(),
		})
		if err != nil {
			t.Fatalf("UpsertSignal: %v", err)
		}
	}

	n, err := st.ClearSignalsForChannel(ctx, b.ChannelID)
	if err != nil {
		t.Fatalf("ClearSignalsForChannel: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleared = %d, want 1", n)
	}
	kept, err := st.SignalsForStrategy(ctx, a.ID, 0, time.Time{})
	if err != nil {
		t.Fatalf("SignalsForStrategy: %v", err)
	}
	if len(kept) != 1 {
		t.Fatalf("other channel lost signals: %d left", len(kept))
	}
}

func TestDeleteStrategyCascadesSignals(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	strat := seedStrategy(t, st, "cascade")

	if _, err := st.UpsertSignal(ctx, SignalRecord{
		StrategyID:        strat.ID,
		ChannelID:         strat.ChannelID,
		TelegramMessageID: 1,
		RawMessage:        "m",
		Status:            StatusParsed,
		ReceivedAt:        time.Now(),
		ProcessedAt:       time.Now(),
	}); err != nil {
		t.Fatalf("UpsertSignal: %v", err)
	}
	if err := st.DeleteStrategy(ctx, strat.ID); err != nil {
		t.Fatalf("DeleteStrategy: %v", err)
	}
	left, err := st.SignalsForStrategy(ctx, strat.ID, 0, time.Time{})
	if err != nil {
		t.Fatalf("SignalsForStrategy: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("signals survived strategy delete: %d", len(left))
	}
}

func TestTimeRoundTrip(t *testing.T) {
	t.Parallel()
	in := time.Date(2026, 8, 27, 10, 30, 15, 987654321, time.UTC)
	out := parseTime(formatTime(in))
	if !out.Equal(in.Truncate(time.Second)) {
		t.Fatalf("round trip = %v, want %v", out, in.Truncate(time.Second))
	}
	if !parseTime("").IsZero() {
		t.Fatal("empty string should parse to zero time")
	}
}

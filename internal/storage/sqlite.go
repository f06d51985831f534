package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"signalpipe/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Timestamps are stored as RFC3339 UTC truncated to seconds, so lexicographic
// comparison in SQL matches chronological order.
const timeLayout = time.RFC3339

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store and runs migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- strategies ----

const strategyCols = `id, name, channel_identifier, channel_id, channel_title,
	channel_linked_at, is_active, is_paused, created_at, updated_at`

func (s *sqliteStore) ListStrategies(ctx context.Context) ([]Strategy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+strategyCols+` FROM strategies ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetStrategy(ctx context.Context, id int64) (*Strategy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+strategyCols+` FROM strategies WHERE id = ?`, id)
	st, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) CreateStrategy(ctx context.Context, ns NewStrategy) (*Strategy, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO strategies (
			name, channel_identifier, channel_id, channel_title,
			channel_linked_at, is_active, is_paused, created_at, updated_at
		) VALUES (?,?,?,?,?,?,0,?,?)`,
		ns.Name, ns.ChannelIdentifier, nullStr(ns.ChannelID), nullStr(ns.ChannelTitle),
		nullTime(ns.ChannelLinkedAt), boolInt(ns.IsActive), now, now,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.mustGet(ctx, id)
}

func (s *sqliteStore) UpdateStrategy(ctx context.Context, id int64, up StrategyUpdate) (*Strategy, error) {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 9)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if up.Name != nil {
		add("name", *up.Name)
	}
	if up.ChannelIdentifier != nil {
		add("channel_identifier", *up.ChannelIdentifier)
	}
	if up.ChannelID != nil {
		add("channel_id", nullStr(*up.ChannelID))
	}
	if up.ChannelTitle != nil {
		add("channel_title", nullStr(*up.ChannelTitle))
	}
	if up.ChannelLinkedAt != nil {
		add("channel_linked_at", nullTime(*up.ChannelLinkedAt))
	}
	if up.IsActive != nil {
		add("is_active", boolInt(*up.IsActive))
	}
	if up.IsPaused != nil {
		add("is_paused", boolInt(*up.IsPaused))
	}
	if len(sets) == 0 {
		return s.mustGet(ctx, id)
	}
	add("updated_at", formatTime(time.Now()))
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE strategies SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.mustGet(ctx, id)
}

func (s *sqliteStore) DeleteStrategy(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) mustGet(ctx context.Context, id int64) (*Strategy, error) {
	st, err := s.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrNotFound
	}
	return st, nil
}

// ---- signals ----

const signalCols = `id, strategy_id, channel_id, telegram_message_id, raw_message,
	parsed_payload, status, error, received_at, processed_at`

func (s *sqliteStore) UpsertSignal(ctx context.Context, rec SignalRecord) (*Signal, error) {
	payload, err := json.Marshal(rec.ParsedPayload)
	if err != nil {
		return nil, fmt.Errorf("marshal parsed payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO strategy_signals (
			strategy_id, channel_id, telegram_message_id, raw_message,
			parsed_payload, status, error, received_at, processed_at
		) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(strategy_id, telegram_message_id) DO UPDATE SET
			raw_message = excluded.raw_message,
			parsed_payload = excluded.parsed_payload,
			status = excluded.status,
			error = excluded.error,
			processed_at = excluded.processed_at`,
		rec.StrategyID, rec.ChannelID, rec.TelegramMessageID, nullStr(rec.RawMessage),
		string(payload), rec.Status, nullStr(rec.Error),
		formatTime(rec.ReceivedAt), formatTime(rec.ProcessedAt),
	)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+signalCols+` FROM strategy_signals
		 WHERE strategy_id = ? AND telegram_message_id = ?`,
		rec.StrategyID, rec.TelegramMessageID)
	return scanSignal(row)
}

func (s *sqliteStore) PurgeSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM strategy_signals WHERE processed_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) SignalsForStrategy(ctx context.Context, strategyID int64, limit int, newerThan time.Time) ([]Signal, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + signalCols + ` FROM strategy_signals WHERE strategy_id = ?`
	args := []any{strategyID}
	if !newerThan.IsZero() {
		q += ` AND received_at > ?`
		args = append(args, formatTime(newerThan))
	}
	q += ` ORDER BY received_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sig)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClearSignalsForChannel(ctx context.Context, channelID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM strategy_signals WHERE channel_id = ?`, channelID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- row mapping ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(r rowScanner) (*Strategy, error) {
	var (
		st       Strategy
		chID     sql.NullString
		chTitle  sql.NullString
		linkedAt sql.NullString
		active   int
		paused   int
		created  string
		updated  string
	)
	err := r.Scan(&st.ID, &st.Name, &st.ChannelIdentifier, &chID, &chTitle,
		&linkedAt, &active, &paused, &created, &updated)
	if err != nil {
		return nil, err
	}
	st.ChannelID = chID.String
	st.ChannelTitle = chTitle.String
	st.ChannelLinkedAt = parseTime(linkedAt.String)
	st.IsActive = active != 0
	st.IsPaused = paused != 0
	st.CreatedAt = parseTime(created)
	st.UpdatedAt = parseTime(updated)
	return &st, nil
}

func scanSignal(r rowScanner) (*Signal, error) {
	var (
		sig       Signal
		raw       sql.NullString
		payload   string
		errStr    sql.NullString
		received  string
		processed string
	)
	err := r.Scan(&sig.ID, &sig.StrategyID, &sig.ChannelID, &sig.TelegramMessageID,
		&raw, &payload, &sig.Status, &errStr, &received, &processed)
	if err != nil {
		return nil, err
	}
	sig.RawMessage = raw.String
	sig.Error = errStr.String
	sig.ReceivedAt = parseTime(received)
	sig.ProcessedAt = parseTime(processed)
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &sig.ParsedPayload); err != nil {
			return nil, fmt.Errorf("unmarshal parsed payload: %w", err)
		}
	}
	return &sig, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Truncate(time.Second).Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

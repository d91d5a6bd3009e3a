package queue

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
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "postwell/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single
	// connection also makes Claim's compare-and-set serialize naturally.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

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

const itemColumns = `id, channel_id, payload, priority, scheduled_at, recurrence,
	state, attempt_count, last_error, next_attempt_at, dedup_token, created_at, updated_at`

func (s *sqliteStore) Enqueue(ctx context.Context, it Item) error {
	payload, err := json.Marshal(it.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var recurrence any
	if it.Recurrence != nil {
		b, err := json.Marshal(it.Recurrence)
		if err != nil {
			return fmt.Errorf("marshal recurrence: %w", err)
		}
		recurrence = string(b)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO items(`+itemColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.ChannelID, string(payload), int(it.Priority), it.ScheduledAt.UnixMilli(), recurrence,
		string(it.State), it.AttemptCount, nullStr(it.LastError), nullMilli(it.NextAttemptAt),
		nullStr(it.DedupToken), it.CreatedAt.UnixMilli(), it.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return it, err
}

func (s *sqliteStore) FetchDue(ctx context.Context, now time.Time, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items
		 WHERE state IN (?, ?)
		   AND COALESCE(next_attempt_at, scheduled_at) <= ?
		 ORDER BY priority DESC, scheduled_at ASC, id ASC
		 LIMIT ?`,
		string(StateScheduled), string(StateQueued), now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Claim(ctx context.Context, id string, now time.Time) (Item, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET state = ?, updated_at = ?
		 WHERE id = ? AND state IN (?, ?)`,
		string(StatePublishing), now.UnixMilli(), id, string(StateScheduled), string(StateQueued),
	)
	if err != nil {
		return Item{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Item{}, err
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return Item{}, ErrNotFound
		}
		return Item{}, ErrAlreadyClaimed
	}
	return s.Get(ctx, id)
}

func (s *sqliteStore) UpdateOutcome(ctx context.Context, id string, out Outcome, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items
		 SET state = ?, attempt_count = attempt_count + 1,
		     last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(out.State), nullStr(out.LastError), nullMilli(out.NextAttemptAt), now.UnixMilli(),
		id, string(StatePublishing),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update outcome for %s: item not in publishing state", id)
	}
	return nil
}

func (s *sqliteStore) Requeue(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(StateQueued), now.UnixMilli(), id, string(StatePublishing),
	)
	return err
}

func (s *sqliteStore) Cancel(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET state = ?, updated_at = ?
		 WHERE id = ? AND state IN (?, ?)`,
		string(StateCancelled), now.UnixMilli(), id, string(StateScheduled), string(StateQueued),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	it, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if it.State == StatePublishing {
		return ErrAlreadyClaimed
	}
	return ErrTerminal
}

func (s *sqliteStore) RecoverPublishing(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET state = ?, next_attempt_at = ?, updated_at = ? WHERE state = ?`,
		string(StateQueued), now.UnixMilli(), now.UnixMilli(), string(StatePublishing),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) RecordAttempt(ctx context.Context, a Attempt) error {
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts(item_id, attempted_at, outcome, external_message_id, error_detail)
		 VALUES(?,?,?,?,?)`,
		a.ItemID, a.AttemptedAt.UnixMilli(), string(a.Outcome),
		nullStr(a.ExternalMessageID), nullStr(a.ErrorDetail),
	)
	return err
}

func (s *sqliteStore) ListAttempts(ctx context.Context, itemID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_id, attempted_at, outcome, external_message_id, error_detail
		 FROM attempts WHERE item_id = ? ORDER BY attempted_at ASC, id ASC`,
		itemID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a          Attempt
			atMs       int64
			outcome    string
			externalID sql.NullString
			detail     sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.ItemID, &atMs, &outcome, &externalID, &detail); err != nil {
			return nil, err
		}
		a.AttemptedAt = time.UnixMilli(atMs).UTC()
		a.Outcome = AttemptOutcome(outcome)
		a.ExternalMessageID = externalID.String
		a.ErrorDetail = detail.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, token, externalID string, until time.Time) error {
	if token == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, external_id, until) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET external_id=excluded.external_id, until=excluded.until`,
		token, nullStr(externalID), until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, token string) (string, bool, error) {
	if token == "" {
		return "", false, nil
	}
	var (
		externalID sql.NullString
		untilMs    int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT external_id, until FROM dedup WHERE key = ?`, token).
		Scan(&externalID, &untilMs)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if time.Now().UnixMilli() > untilMs {
		return "", false, nil
	}
	return externalID.String, true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var (
		it          Item
		payload     string
		priority    int
		scheduledMs int64
		recurrence  sql.NullString
		state       string
		lastErr     sql.NullString
		nextMs      sql.NullInt64
		dedup       sql.NullString
		createdMs   int64
		updatedMs   int64
	)
	err := row.Scan(&it.ID, &it.ChannelID, &payload, &priority, &scheduledMs, &recurrence,
		&state, &it.AttemptCount, &lastErr, &nextMs, &dedup, &createdMs, &updatedMs)
	if err != nil {
		return Item{}, err
	}
	if err := json.Unmarshal([]byte(payload), &it.Payload); err != nil {
		return Item{}, fmt.Errorf("unmarshal payload for %s: %w", it.ID, err)
	}
	if recurrence.Valid && recurrence.String != "" {
		var rule RecurrenceRule
		if err := json.Unmarshal([]byte(recurrence.String), &rule); err != nil {
			return Item{}, fmt.Errorf("unmarshal recurrence for %s: %w", it.ID, err)
		}
		it.Recurrence = &rule
	}
	it.Priority = Priority(priority)
	it.ScheduledAt = time.UnixMilli(scheduledMs).UTC()
	it.State = State(state)
	it.LastError = lastErr.String
	if nextMs.Valid {
		t := time.UnixMilli(nextMs.Int64).UTC()
		it.NextAttemptAt = &t
	}
	it.DedupToken = dedup.String
	it.CreatedAt = time.UnixMilli(createdMs).UTC()
	it.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return it, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"

	"github.com/comigor/chatgw-go/internal/telemetry"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	model TEXT NOT NULL DEFAULT '',
	rating INTEGER,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);

CREATE TABLE IF NOT EXISTS api_usage (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	error_detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_usage_provider_created ON api_usage(provider, created_at);
`

// SQLiteStore implements Store and telemetry.Recorder over a single SQLite
// database. The per-session message order is the insertion sequence, which
// matches created_at order without depending on timestamp resolution.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and creates if needed) the database at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_busy_timeout=10000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("history: open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// SetClock overrides the timestamp source. Tests use it to create sessions
// with controlled activity times.
func (s *SQLiteStore) SetClock(now func() time.Time) { s.now = now }

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Append(ctx context.Context, sessionID, role, content string, meta *Meta) (Message, error) {
	msg := Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	if meta != nil {
		msg.TokensUsed = meta.TokensUsed
		msg.ResponseTimeMs = meta.ResponseTimeMs
		msg.Model = meta.Model
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, tokens_used, response_time_ms, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.TokensUsed, msg.ResponseTimeMs, msg.Model, formatTime(msg.CreatedAt),
	)
	if err != nil {
		return Message{}, fmt.Errorf("history: append message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) Query(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, tokens_used, response_time_ms, model, rating, created_at
		 FROM messages WHERE session_id = ?
		 ORDER BY seq DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var rating sql.NullInt64
		var created string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.TokensUsed, &m.ResponseTimeMs, &m.Model, &rating, &created); err != nil {
			return nil, fmt.Errorf("history: scan message: %w", err)
		}
		if rating.Valid {
			m.Rating = int(rating.Int64)
		}
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("history: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: query messages: %w", err)
	}

	// Rows arrive newest-first; reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, page, size int) ([]SessionSummary, error) {
	if page < 1 {
		page = 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, COUNT(*), MIN(created_at), MAX(created_at)
		 FROM messages GROUP BY session_id
		 ORDER BY MAX(created_at) DESC, MAX(seq) DESC
		 LIMIT ? OFFSET ?`,
		size, (page-1)*size,
	)
	if err != nil {
		return nil, fmt.Errorf("history: list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var created, last string
		if err := rows.Scan(&sum.SessionID, &sum.MessageCount, &created, &last); err != nil {
			return nil, fmt.Errorf("history: scan session: %w", err)
		}
		if sum.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("history: scan session: %w", err)
		}
		if sum.LastActivity, err = parseTime(last); err != nil {
			return nil, fmt.Errorf("history: scan session: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list sessions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Rate(ctx context.Context, sessionID, messageID string, rating int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET rating = ?
		 WHERE id = ? AND session_id = ? AND role = 'assistant'`,
		rating, messageID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("history: rate message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("history: rate message: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordUsage writes one provider invocation outcome.
func (s *SQLiteStore) RecordUsage(ctx context.Context, rec telemetry.Record) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_usage (provider, model, status, tokens_used, cost_usd, latency_ms, error_detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Provider, rec.Model, rec.Status, rec.TokensUsed, rec.CostUSD, rec.LatencyMs, rec.ErrorDetail, formatTime(created),
	)
	if err != nil {
		return fmt.Errorf("history: record usage: %w", err)
	}
	return nil
}

// Usage returns the most recent usage records, newest first. Intended for
// tests and operational inspection.
func (s *SQLiteStore) Usage(ctx context.Context, limit int) ([]telemetry.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, model, status, tokens_used, cost_usd, latency_ms, error_detail, created_at
		 FROM api_usage ORDER BY seq DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query usage: %w", err)
	}
	defer rows.Close()

	var out []telemetry.Record
	for rows.Next() {
		var r telemetry.Record
		var created string
		if err := rows.Scan(&r.Provider, &r.Model, &r.Status, &r.TokensUsed, &r.CostUSD, &r.LatencyMs, &r.ErrorDetail, &created); err != nil {
			return nil, fmt.Errorf("history: scan usage: %w", err)
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("history: scan usage: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Timestamps are stored as fixed-width RFC3339 text in UTC so lexicographic
// order matches chronological order and aggregates stay parseable.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

// Ensure SQLiteStore satisfies both contracts at compile time.
var (
	_ Store              = (*SQLiteStore)(nil)
	_ telemetry.Recorder = (*SQLiteStore)(nil)
)

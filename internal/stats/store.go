package stats

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS usage_rollup (
    day           TEXT NOT NULL,
    account_id    TEXT NOT NULL,
    model         TEXT NOT NULL,
    transport     TEXT NOT NULL,
    requests      INTEGER NOT NULL DEFAULT 0,
    input_tokens  INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (day, account_id, model, transport)
);
`

// Row is one aggregated usage bucket.
type Row struct {
	Day          string `json:"day"`
	AccountID    string `json:"account_id"`
	Model        string `json:"model"`
	Transport    string `json:"transport"`
	Requests     int64  `json:"requests"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Store keeps per-day usage rollups in SQLite. Aggregates only; individual
// requests are never recorded.
type Store struct {
	db *sql.DB
}

func Open(dataDir string) (*Store, error) {
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "stats.db"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Record merges one completed request into today's bucket.
func (s *Store) Record(ctx context.Context, accountID, model, transport string, inputTokens, outputTokens int) error {
	day := time.Now().UTC().Format("2006-01-02")
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_rollup (day, account_id, model, transport, requests, input_tokens, output_tokens)
VALUES (?, ?, ?, ?, 1, ?, ?)
ON CONFLICT(day, account_id, model, transport) DO UPDATE SET
    requests      = requests + 1,
    input_tokens  = input_tokens + excluded.input_tokens,
    output_tokens = output_tokens + excluded.output_tokens`,
		day, accountID, model, transport, inputTokens, outputTokens)
	return err
}

// Summary returns all buckets newest-day first.
func (s *Store) Summary(ctx context.Context) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT day, account_id, model, transport, requests, input_tokens, output_tokens
FROM usage_rollup
ORDER BY day DESC, account_id, model, transport`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Day, &r.AccountID, &r.Model, &r.Transport,
			&r.Requests, &r.InputTokens, &r.OutputTokens); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/Rajchodisetti/signal-trader/internal/portfolio"
	"github.com/Rajchodisetti/signal-trader/internal/risk"
)

// SQLite stores state in a WAL-mode database. Consumption relies on the
// primary key of consumed_approvals; risk CAS on a version predicate.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory %q: %w", filepath.Dir(path), err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLite{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS risk_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL,
		doc TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS positions (
		symbol TEXT PRIMARY KEY,
		doc TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS consumed_approvals (
		id TEXT PRIMARY KEY,
		consumed_at TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_consumed_expires ON consumed_approvals (expires_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLite) LoadRisk(ctx context.Context) (risk.State, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM risk_state WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return risk.State{}, nil
	}
	if err != nil {
		return risk.State{}, fmt.Errorf("query risk state: %w", err)
	}
	var st risk.State
	if err := json.Unmarshal([]byte(doc), &st); err != nil {
		return risk.State{}, fmt.Errorf("decode risk state: %w", err)
	}
	return st, nil
}

func (s *SQLite) CompareAndSwapRisk(ctx context.Context, expected int64, next risk.State) error {
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode risk state: %w", err)
	}
	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO risk_state (id, version, doc) VALUES (1, ?, ?) ON CONFLICT(id) DO NOTHING`,
			next.Version, string(doc))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE risk_state SET version = ?, doc = ? WHERE id = 1 AND version = ?`,
			next.Version, string(doc), expected)
	}
	if err != nil {
		return fmt.Errorf("write risk state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write risk state: %w", err)
	}
	if n == 0 {
		return risk.ErrVersionConflict
	}
	return nil
}

func (s *SQLite) LoadEntries(ctx context.Context) ([]portfolio.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []portfolio.Entry
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		var e portfolio.Entry
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return nil, fmt.Errorf("decode position: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) UpsertEntry(ctx context.Context, e portfolio.Entry) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode position %s: %w", e.Symbol, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO positions (symbol, doc, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		e.Symbol, string(doc), e.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", e.Symbol, err)
	}
	return nil
}

func (s *SQLite) DeleteEntry(ctx context.Context, symbol string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("delete position %s: %w", symbol, err)
	}
	return nil
}

func (s *SQLite) MarkConsumed(ctx context.Context, id string, at, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO consumed_approvals (id, consumed_at, expires_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		id, at.UTC().Format(time.RFC3339Nano), expiresAt.Unix())
	if err != nil {
		return false, fmt.Errorf("insert consumed approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert consumed approval: %w", err)
	}
	return n == 1, nil
}

func (s *SQLite) PruneConsumed(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM consumed_approvals WHERE expires_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune consumed approvals: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

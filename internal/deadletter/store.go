package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"botfleet/internal/domain"
	"botfleet/internal/metrics"

	_ "modernc.org/sqlite"
)

// StoreSink keeps dead letters in a local SQLite table.
type StoreSink struct {
	db     *sql.DB
	logger *slog.Logger
}

// Record is one dead-lettered envelope as read back from the store.
type Record struct {
	ID       string
	Cause    string
	Envelope domain.Envelope
	FailedAt time.Time
}

func NewStoreSink(dbPath string, logger *slog.Logger) (*StoreSink, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &StoreSink{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *StoreSink) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id         TEXT PRIMARY KEY,
		agent_id   TEXT NOT NULL,
		platform   TEXT NOT NULL,
		chat_id    TEXT NOT NULL,
		direction  TEXT NOT NULL,
		cause      TEXT NOT NULL,
		envelope   BLOB NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_agent ON dead_letters(agent_id, platform);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *StoreSink) Write(ctx context.Context, env domain.Envelope, cause string) error {
	value, id, err := encodeRecord(env, cause)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_letters (id, agent_id, platform, chat_id, direction, cause, envelope, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, env.AgentID, env.Platform, env.ChatID, env.Direction, cause, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store dead letter: %w", err)
	}
	metrics.DeadLettersTotal.Inc()
	s.logger.Warn("envelope dead-lettered",
		"agent", env.AgentID, "platform", env.Platform,
		"chat", env.ChatID, "cause", cause,
	)
	return nil
}

// List returns the most recent dead letters, newest first.
func (s *StoreSink) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, envelope, created_at FROM dead_letters ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var blob []byte
		if err := rows.Scan(&rec.ID, &blob, &rec.FailedAt); err != nil {
			return nil, err
		}
		env, cause, err := decodeRecord(blob)
		if err != nil {
			return nil, err
		}
		rec.Envelope = env
		rec.Cause = cause
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *StoreSink) Close() error {
	return s.db.Close()
}

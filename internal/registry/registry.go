// Package registry is the durable source of truth for agent platform
// bindings: which agent holds which credentials and whether its
// connection should be up.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"botfleet/internal/domain"
	"botfleet/internal/metrics"
	"botfleet/internal/secrets"

	_ "modernc.org/sqlite"
)

const watchBuffer = 64

// ChangeOp tags a watch event.
type ChangeOp string

const (
	OpPut    ChangeOp = "put"
	OpRemove ChangeOp = "remove"
)

// ChangeEvent notifies watchers that a binding changed. Delivery is
// at-least-once together with the watcher's periodic resync; consumers
// must be idempotent on (Key, Version).
type ChangeEvent struct {
	Key     domain.BindingKey
	Version int64
	Op      ChangeOp
}

// Store is the SQLite-backed binding registry.
type Store struct {
	db     *sql.DB
	cipher *secrets.Cipher
	logger *slog.Logger

	mu     sync.Mutex
	subs   []chan ChangeEvent
	closed bool
}

// Open opens (creating if needed) the registry database. cipher may be
// nil, in which case credential blobs are stored in plaintext.
func Open(dbPath string, cipher *secrets.Cipher, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, cipher: cipher, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	if cipher == nil {
		logger.Warn("no master key configured, credentials stored in plaintext")
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bindings (
		agent_id      TEXT NOT NULL,
		platform      TEXT NOT NULL,
		credentials   BLOB NOT NULL,
		desired_state TEXT NOT NULL,
		version       INTEGER NOT NULL,
		updated_at    DATETIME NOT NULL,
		PRIMARY KEY (agent_id, platform)
	);
	CREATE TABLE IF NOT EXISTS binding_versions (
		agent_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		version  INTEGER NOT NULL,
		PRIMARY KEY (agent_id, platform)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// nextVersion advances the per-key sequence. The sequence outlives the
// binding row itself: a binding recreated after removal continues from
// where the old one left off, so its events still order after the
// removal tombstone.
func nextVersion(ctx context.Context, tx *sql.Tx, agentID string, platform domain.Platform) (int64, error) {
	var prior int64
	err := tx.QueryRowContext(ctx,
		`SELECT version FROM binding_versions WHERE agent_id = ? AND platform = ?`,
		agentID, platform).Scan(&prior)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	next := prior + 1
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO binding_versions (agent_id, platform, version) VALUES (?, ?, ?)`,
		agentID, platform, next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

// Put creates or replaces a binding and assigns it the next version.
// The returned binding carries the assigned version.
func (s *Store) Put(ctx context.Context, b domain.Binding) (domain.Binding, error) {
	if b.AgentID == "" {
		return domain.Binding{}, fmt.Errorf("agent id is required")
	}
	if _, err := domain.ParsePlatform(string(b.Platform)); err != nil {
		return domain.Binding{}, err
	}
	if len(b.Credentials) == 0 {
		return domain.Binding{}, fmt.Errorf("credentials are required")
	}
	switch b.DesiredState {
	case domain.StateEnabled, domain.StateDisabled:
	case "":
		b.DesiredState = domain.StateEnabled
	default:
		return domain.Binding{}, fmt.Errorf("invalid desired state %q", b.DesiredState)
	}

	blob := b.Credentials
	if s.cipher != nil {
		sealed, err := s.cipher.Encrypt(blob)
		if err != nil {
			return domain.Binding{}, fmt.Errorf("seal credentials: %w", err)
		}
		blob = sealed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Binding{}, err
	}
	defer tx.Rollback()

	b.Version, err = nextVersion(ctx, tx, b.AgentID, b.Platform)
	if err != nil {
		return domain.Binding{}, err
	}
	b.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO bindings (agent_id, platform, credentials, desired_state, version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.AgentID, b.Platform, blob, b.DesiredState, b.Version, b.UpdatedAt)
	if err != nil {
		return domain.Binding{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.Binding{}, err
	}

	s.publish(ChangeEvent{Key: b.Key(), Version: b.Version, Op: OpPut})
	s.logger.Info("binding stored",
		"agent", b.AgentID, "platform", b.Platform,
		"state", b.DesiredState, "version", b.Version,
	)
	return b, nil
}

// Get returns the binding for (agentID, platform) with decrypted credentials.
func (s *Store) Get(ctx context.Context, agentID string, platform domain.Platform) (domain.Binding, error) {
	var b domain.Binding
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, platform, credentials, desired_state, version, updated_at
		 FROM bindings WHERE agent_id = ? AND platform = ?`,
		agentID, platform).
		Scan(&b.AgentID, &b.Platform, &blob, &b.DesiredState, &b.Version, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Binding{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Binding{}, err
	}

	if s.cipher != nil {
		plain, err := s.cipher.Decrypt(blob)
		if err != nil {
			return domain.Binding{}, fmt.Errorf("open credentials for %s: %w", b.Key(), err)
		}
		blob = plain
	}
	b.Credentials = blob
	return b, nil
}

// List returns all bindings with decrypted credentials.
func (s *Store) List(ctx context.Context) ([]domain.Binding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, platform, credentials, desired_state, version, updated_at
		 FROM bindings ORDER BY agent_id, platform`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Binding
	for rows.Next() {
		var b domain.Binding
		var blob []byte
		if err := rows.Scan(&b.AgentID, &b.Platform, &blob, &b.DesiredState, &b.Version, &b.UpdatedAt); err != nil {
			return nil, err
		}
		if s.cipher != nil {
			plain, err := s.cipher.Decrypt(blob)
			if err != nil {
				return nil, fmt.Errorf("open credentials for %s: %w", b.Key(), err)
			}
			blob = plain
		}
		b.Credentials = blob
		out = append(out, b)
	}
	return out, rows.Err()
}

// Remove deletes a binding. The emitted tombstone takes the next version
// in the key's sequence so stale put events cannot supersede the removal.
func (s *Store) Remove(ctx context.Context, agentID string, platform domain.Platform) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM bindings WHERE agent_id = ? AND platform = ?`,
		agentID, platform).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}

	tombstone, err := nextVersion(ctx, tx, agentID, platform)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM bindings WHERE agent_id = ? AND platform = ?`,
		agentID, platform); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	key := domain.BindingKey{AgentID: agentID, Platform: platform}
	s.publish(ChangeEvent{Key: key, Version: tombstone, Op: OpRemove})
	s.logger.Info("binding removed", "agent", agentID, "platform", platform)
	return nil
}

// Watch returns a channel of binding change events. The channel is closed
// when the store closes. A slow consumer loses events rather than
// blocking writers; the periodic resync picks those up.
func (s *Store) Watch() <-chan ChangeEvent {
	ch := make(chan ChangeEvent, watchBuffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, ch)
	return ch
}

func (s *Store) publish(ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, sub := range s.subs {
		select {
		case sub <- ev:
		default:
			metrics.WatchEventsDropped.Inc()
			s.logger.Warn("watch subscriber full, event dropped",
				"key", ev.Key, "version", ev.Version,
			)
		}
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for _, sub := range s.subs {
			close(sub)
		}
		s.subs = nil
	}
	s.mu.Unlock()
	return s.db.Close()
}

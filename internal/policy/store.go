package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Store is the durable, hot-reloadable home of the policy document. Reads
// go through an atomically swapped pointer so a request that calls
// Snapshot() once at entry sees a consistent value for its whole lifetime,
// even if a concurrent Update installs a new one midway through.
//
// The durable write path (SQLite row persistence) is the out-of-core
// "policy persistence and hot-reload mechanics" named in spec §1; the
// Snapshot/Update contract is in scope because the admission pipeline
// depends on it.
type Store struct {
	db      *sql.DB
	current atomic.Pointer[Snapshot]
	logger  zerolog.Logger
}

// NewStatic wraps a fixed Snapshot with no durable backing — used by tests
// and by any embedding that wants to skip the database.
func NewStatic(snap *Snapshot) *Store {
	s := &Store{}
	s.current.Store(snap)
	return s
}

// NewStore creates a Store backed by db, loading the current row (or the
// conservative default, persisted on first use) into the atomic pointer.
func NewStore(ctx context.Context, db *sql.DB, logger zerolog.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}
	if err := s.Reload(ctx); err != nil {
		if err != sql.ErrNoRows {
			return nil, err
		}
		if err := s.Update(ctx, Default()); err != nil {
			return nil, fmt.Errorf("seed default policy: %w", err)
		}
	}
	return s, nil
}

// Snapshot returns the currently installed policy document. Call this once
// per request and reuse the value — per spec §5, mid-request policy
// changes must never alter a decision already in flight.
func (s *Store) Snapshot() *Snapshot {
	if snap := s.current.Load(); snap != nil {
		return snap
	}
	return Default()
}

// Reload re-reads the durable row and atomically republishes it. Returns
// sql.ErrNoRows if nothing has been persisted yet.
func (s *Store) Reload(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM policy_documents ORDER BY id DESC LIMIT 1`,
	).Scan(&raw)
	if err != nil {
		return err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("decode policy document: %w", err)
	}
	s.current.Store(&snap)
	return nil
}

// Update persists a new policy document and republishes it atomically.
func (s *Store) Update(ctx context.Context, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode policy document: %w", err)
	}
	if s.db != nil {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO policy_documents (document, updated_at) VALUES (?, ?)`,
			raw, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("persist policy document: %w", err)
		}
	}
	s.current.Store(snap)
	if s.logger.GetLevel() <= zerolog.InfoLevel {
		s.logger.Info().Msg("policy snapshot replaced")
	}
	return nil
}

package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the SQLite-backed Key Store. Reads and writes go through
// separate connection pools supplied by internal/storage, so Resolve
// calls (the hot path, invoked on every request) never contend with the
// single writer connection.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// New wraps an already-migrated database connection pair as a Key Store.
func New(write, read *sql.DB) *Store {
	return &Store{write: write, read: read}
}

// Close closes both connection pools.
func (s *Store) Close() error {
	werr := s.write.Close()
	rerr := s.read.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Ping verifies connectivity via the read pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Resolve looks up the identity whose stored hash matches the presented
// credential, applying expiry and revocation checks against now.
func (s *Store) Resolve(ctx context.Context, presented string) (*Identity, error) {
	hash := hashCredential(presented)
	id, err := s.byHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if id.Revoked() {
		return nil, ErrRevoked
	}
	if id.Expired(now) {
		return nil, ErrExpired
	}
	return id, nil
}

func (s *Store) byHash(ctx context.Context, hash string) (*Identity, error) {
	row := s.read.QueryRowContext(ctx, `
		SELECT id, hash, prefix, description, priority, created_at, expires_at, revoked_at,
		       max_concurrent, max_rpm, max_sse
		FROM identities WHERE hash = ?`, hash)
	id, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return id, err
}

// ByID fetches an identity by its stable id, regardless of credential.
func (s *Store) ByID(ctx context.Context, id string) (*Identity, error) {
	row := s.read.QueryRowContext(ctx, `
		SELECT id, hash, prefix, description, priority, created_at, expires_at, revoked_at,
		       max_concurrent, max_rpm, max_sse
		FROM identities WHERE id = ?`, id)
	ident, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ident, err
}

// List returns every identity, newest first.
func (s *Store) List(ctx context.Context) ([]*Identity, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT id, hash, prefix, description, priority, created_at, expires_at, revoked_at,
		       max_concurrent, max_rpm, max_sse
		FROM identities ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row scanner) (*Identity, error) {
	var (
		id, hash, prefix, description string
		priority                      int
		createdAt                     time.Time
		expiresAt, revokedAt          sql.NullTime
		maxConcurrent, maxRPM, maxSSE sql.NullInt64
	)
	if err := row.Scan(&id, &hash, &prefix, &description, &priority, &createdAt,
		&expiresAt, &revokedAt, &maxConcurrent, &maxRPM, &maxSSE); err != nil {
		return nil, err
	}

	ident := &Identity{
		ID:          id,
		Hash:        hash,
		Prefix:      prefix,
		Description: description,
		Priority:    Priority(priority),
		CreatedAt:   createdAt,
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		ident.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		ident.RevokedAt = &t
	}
	if maxConcurrent.Valid || maxRPM.Valid || maxSSE.Valid {
		ident.Overrides = &RateOverrides{
			MaxConcurrent: int(maxConcurrent.Int64),
			MaxRPM:        int(maxRPM.Int64),
			MaxSSE:        int(maxSSE.Int64),
		}
	}
	return ident, nil
}

// Create generates a fresh credential and persists a new identity. The
// plaintext credential is returned exactly once, here.
func (s *Store) Create(ctx context.Context, description string, priority Priority, ttl *time.Duration) (plaintext string, ident *Identity, err error) {
	plaintext, prefix, err := generateCredential()
	if err != nil {
		return "", nil, fmt.Errorf("generate credential: %w", err)
	}

	now := time.Now().UTC()
	var expiresAt *time.Time
	if ttl != nil {
		t := now.Add(*ttl)
		expiresAt = &t
	}

	ident = &Identity{
		ID:          uuid.NewString(),
		Hash:        hashCredential(plaintext),
		Prefix:      prefix,
		Description: description,
		Priority:    priority,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}

	_, err = s.write.ExecContext(ctx, `
		INSERT INTO identities (id, hash, prefix, description, priority, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ident.ID, ident.Hash, ident.Prefix, ident.Description, int(ident.Priority), ident.CreatedAt, expiresAt)
	if err != nil {
		return "", nil, fmt.Errorf("insert identity: %w", err)
	}
	return plaintext, ident, nil
}

// Refresh atomically replaces the stored hash/prefix for id and returns
// the new plaintext credential, which — like Create — is surfaced exactly
// once.
func (s *Store) Refresh(ctx context.Context, id string) (plaintext string, ident *Identity, err error) {
	plaintext, prefix, err := generateCredential()
	if err != nil {
		return "", nil, fmt.Errorf("generate credential: %w", err)
	}
	hash := hashCredential(plaintext)

	res, err := s.write.ExecContext(ctx, `
		UPDATE identities SET hash = ?, prefix = ? WHERE id = ?`, hash, prefix, id)
	if err != nil {
		return "", nil, fmt.Errorf("update identity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", nil, err
	}
	if n == 0 {
		return "", nil, ErrNotFound
	}

	ident, err = s.ByID(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return plaintext, ident, nil
}

// Revoke marks an identity revoked as of now.
func (s *Store) Revoke(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE identities SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("revoke identity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an identity. Only permitted (by the admin surface) once
// the identity is revoked or expired — the core never calls this.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id)
	return err
}

// Package versionstore implements component B: a monotonic per-key
// version counter backed by its own Postgres table, kept deliberately
// separate from the variant/chunk namespace (internal/chunkstore) so that
// durable-tier eviction or TTL expiry never loses version state.
package versionstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hszk-dev/gostream-edge/internal/core"
	"github.com/hszk-dev/gostream-edge/internal/metrics"
)

// DBTX abstracts pgxpool.Pool (and, in tests, pgxmock) for testability.
// Grounded on internal/infrastructure/postgres/video_repository.go's DBTX
// interface.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Record is the metadata associated with a version key. The value itself
// is always empty -- versions are cheap, metadata-only.
type Record struct {
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store implements the version namespace described in spec.md §4.B.
type Store struct {
	db   DBTX
	diag *lru.Cache[string, Record]
}

// New creates a Store. diagCacheSize bounds the in-process LRU that fronts
// GetDiagnostics reads; a size of 0 or less is raised to 1, so the LRU is
// always in use.
func New(db DBTX, diagCacheSize int) (*Store, error) {
	if diagCacheSize <= 0 {
		diagCacheSize = 1
	}
	c, err := lru.New[string, Record](diagCacheSize)
	if err != nil {
		return nil, fmt.Errorf("versionstore: creating diagnostics LRU: %w", err)
	}
	return &Store{db: db, diag: c}, nil
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS cache_versions (
	key        TEXT PRIMARY KEY,
	version    INT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// EnsureSchema creates the versions table if it does not already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", core.ErrStorage, err)
	}
	return nil
}

// GetVersion returns the current version for key, defaulting to 1 if the
// key has never been bumped.
func (s *Store) GetVersion(ctx context.Context, key string) (int, error) {
	const query = `SELECT version FROM cache_versions WHERE key = $1`

	var v int
	err := s.db.QueryRow(ctx, query, key).Scan(&v)
	metrics.DBQueriesTotal.WithLabelValues(metrics.DBQuerySelect, metrics.TableCacheVersions).Inc()
	if errors.Is(err, pgx.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: get version: %v", core.ErrStorage, err)
	}
	return v, nil
}

// BumpVersion atomically increments the version for key. The reconciliation
// rule is idempotent: stored = max(stored, local_next), so concurrent
// bumps from different processes never regress the counter. force is
// accepted for caller symmetry but both paths are idempotent; a false
// force still performs the same atomic max-bump (there is no separate
// "soft" path worth distinguishing once the bump is expressed as an
// upsert).
func (s *Store) BumpVersion(ctx context.Context, key string, force bool) (int, error) {
	const query = `
		INSERT INTO cache_versions (key, version, created_at, updated_at)
		VALUES ($1, 2, now(), now())
		ON CONFLICT (key) DO UPDATE
		SET version = GREATEST(cache_versions.version, cache_versions.version + 1),
		    updated_at = now()
		RETURNING version`

	var v int
	err := s.db.QueryRow(ctx, query, key).Scan(&v)
	metrics.DBQueriesTotal.WithLabelValues(metrics.DBQueryInsert, metrics.TableCacheVersions).Inc()
	if err != nil {
		return 0, fmt.Errorf("%w: bump version: %v", core.ErrStorage, err)
	}
	s.diag.Remove(key)
	return v, nil
}

// PutVersion force-sets the version for key to at least v, for a version
// computed elsewhere.
func (s *Store) PutVersion(ctx context.Context, key string, v int) error {
	const query = `
		INSERT INTO cache_versions (key, version, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (key) DO UPDATE
		SET version = GREATEST(cache_versions.version, EXCLUDED.version),
		    updated_at = now()`

	_, err := s.db.Exec(ctx, query, key, v)
	metrics.DBQueriesTotal.WithLabelValues(metrics.DBQueryUpdate, metrics.TableCacheVersions).Inc()
	if err != nil {
		return fmt.Errorf("%w: put version: %v", core.ErrStorage, err)
	}
	s.diag.Remove(key)
	return nil
}

// Diagnostics is returned by GetDiagnostics.
type Diagnostics struct {
	Version  int
	LastSeen time.Time
}

// GetDiagnostics returns the version and last-update time for key,
// read-through an in-process LRU to reduce Postgres round trips on
// repeated debug-UI polling.
func (s *Store) GetDiagnostics(ctx context.Context, key string) (Diagnostics, error) {
	if rec, ok := s.diag.Get(key); ok {
		return Diagnostics{Version: rec.Version, LastSeen: rec.UpdatedAt}, nil
	}

	const query = `SELECT version, created_at, updated_at FROM cache_versions WHERE key = $1`
	var rec Record
	err := s.db.QueryRow(ctx, query, key).Scan(&rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Diagnostics{Version: 1}, nil
	}
	if err != nil {
		return Diagnostics{}, fmt.Errorf("%w: get diagnostics: %v", core.ErrStorage, err)
	}

	s.diag.Add(key, rec)
	return Diagnostics{Version: rec.Version, LastSeen: rec.UpdatedAt}, nil
}

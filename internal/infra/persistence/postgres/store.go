// Package postgres provides a Postgres-backed persistent store that mirrors
// the in-memory semantics and snapshots committed buckets to a JSONB table.
package postgres

import (
	"amrcore/internal/infra/persistence/memory"
	"amrcore/internal/infra/persistence/statetable"
	"amrcore/pkg/domain"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/jmoiron/sqlx"
)

var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/amrcore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex

	// pingTimeout bounds how long NewStore waits for the server to accept connections.
	pingTimeout = 30 * time.Second
)

// Store persists state to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	db    *sqlx.DB
	table *statetable.Table
	mu    sync.Mutex
}

// NewStore opens a Postgres-backed store using dsn (falls back to defaultDSN),
// waits for the server, ensures the state table and hydrates memory from it.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	raw, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db := sqlx.NewDb(raw, defaultDriver)
	ctx := context.Background()
	if err := waitForServer(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	table := statetable.New(db, statetable.Postgres)
	if err := table.Ensure(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	snapshot, err := table.Load(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.NewStore(engine)
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db, table: table}, nil
}

func waitForServer(ctx context.Context, db *sqlx.DB) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = pingTimeout
	err := backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// RunInTransaction applies fn within a transaction, then snapshots the touched buckets to Postgres.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, buckets, err := s.Store.RunTracked(ctx, fn)
	if err != nil {
		return res, err
	}
	if len(buckets) == 0 {
		return res, nil
	}
	if err := s.table.Save(ctx, s.ExportState(), buckets); err != nil {
		return res, err
	}
	return res, nil
}

// Refresh replaces the in-memory copy with the state saved by any process
// sharing the database. Saves remain last-writer-wins per bucket.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, err := s.table.Load(ctx)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	s.ImportState(snapshot)
	return nil
}

// DB exposes the underlying handle for integration testing hooks.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

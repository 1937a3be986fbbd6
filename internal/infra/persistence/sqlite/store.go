// Package sqlite persists the in-memory store to a single SQLite table of
// JSON buckets. Only buckets touched by a transaction are rewritten.
//
// Each process works on its own in-memory copy. Refresh pulls in what other
// processes committed, but buckets are still saved last-writer-wins, so only
// one process may write at a time.
package sqlite

import (
	"amrcore/internal/infra/persistence/memory"
	"amrcore/internal/infra/persistence/statetable"
	"amrcore/pkg/domain"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.PersistentStore = (*Store)(nil)

// DefaultPath is used when no database path is configured.
const DefaultPath = "amrcore.db"

// Store wraps memory.Store and snapshots committed buckets to SQLite.
type Store struct {
	*memory.Store
	db    *sqlx.DB
	table *statetable.Table
	mu    sync.Mutex
	path  string
}

// NewStore opens (or creates) the database at path and hydrates the memory
// store from any existing snapshot.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	ctx := context.Background()
	table := statetable.New(db, statetable.SQLite)
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
	return &Store{Store: mem, db: db, table: table, path: path}, nil
}

// RunInTransaction applies fn through the memory store, then writes the
// touched buckets to SQLite.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
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

// Refresh replaces the in-memory copy with the state saved in the database.
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

// DB exposes the underlying handle for integration hooks.
func (s *Store) DB() *sqlx.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

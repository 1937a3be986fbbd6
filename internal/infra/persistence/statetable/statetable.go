// Package statetable stores memory snapshots as JSON payloads keyed by bucket
// in a single SQL table. The sqlite and postgres stores share it.
package statetable

import (
	"amrcore/internal/infra/persistence/memory"
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

// TableName is the snapshot table.
const TableName = "state"

// Dialect captures the per-engine differences of the state table.
type Dialect struct {
	Placeholder sq.PlaceholderFormat
	PayloadType string
}

var (
	// SQLite stores payloads as blobs with ? placeholders.
	SQLite = Dialect{Placeholder: sq.Question, PayloadType: "BLOB"}
	// Postgres stores payloads as JSONB with $n placeholders.
	Postgres = Dialect{Placeholder: sq.Dollar, PayloadType: "JSONB"}
)

// Table reads and writes snapshot buckets.
type Table struct {
	db      *sqlx.DB
	dialect Dialect
	builder sq.StatementBuilderType
}

// New wraps db for the given dialect.
func New(db *sqlx.DB, dialect Dialect) *Table {
	return &Table{
		db:      db,
		dialect: dialect,
		builder: sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder),
	}
}

// Ensure creates the state table when missing.
func (t *Table) Ensure(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		bucket TEXT PRIMARY KEY,
		payload %s NOT NULL
	)`, TableName, t.dialect.PayloadType)
	if _, err := t.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure state table: %w", err)
	}
	return nil
}

type row struct {
	Bucket  string `db:"bucket"`
	Payload []byte `db:"payload"`
}

// Load decodes every stored bucket into a snapshot. Rows for unknown
// buckets are skipped.
func (t *Table) Load(ctx context.Context) (memory.Snapshot, error) {
	query, args, err := t.builder.Select("bucket", "payload").From(TableName).ToSql()
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("build select: %w", err)
	}
	var rows []row
	if err := t.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return memory.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	var snapshot memory.Snapshot
	for _, r := range rows {
		if err := snapshot.DecodeBucket(r.Bucket, r.Payload); err != nil {
			return memory.Snapshot{}, err
		}
	}
	return snapshot, nil
}

// Save upserts the named buckets from snapshot inside one SQL transaction.
func (t *Table) Save(ctx context.Context, snapshot memory.Snapshot, buckets []string) (retErr error) {
	if len(buckets) == 0 {
		return nil
	}
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range buckets {
		data, err := snapshot.EncodeBucket(bucket)
		if err != nil {
			return err
		}
		query, args, err := t.builder.Insert(TableName).
			Columns("bucket", "payload").
			Values(bucket, string(data)).
			Suffix("ON CONFLICT(bucket) DO UPDATE SET payload = excluded.payload").
			ToSql()
		if err != nil {
			return fmt.Errorf("build upsert %s: %w", bucket, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Buckets lists the bucket names currently stored.
func (t *Table) Buckets(ctx context.Context) ([]string, error) {
	query, args, err := t.builder.Select("bucket").From(TableName).OrderBy("bucket").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	var out []string
	if err := t.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("select buckets: %w", err)
	}
	return out, nil
}

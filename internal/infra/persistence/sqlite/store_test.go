package sqlite

import (
	"amrcore/pkg/domain"
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteStorePersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		drug, _, err := tx.ResolveOrRegister(domain.LookupSIRDrug, domain.ClassGN, "Ampicillin")
		if err != nil {
			return err
		}
		_, err = tx.SetSIRType(drug.ID, domain.SIRQualitative)
		return err
	}); err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if store.Path() != path {
		t.Fatalf("unexpected path %s", store.Path())
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	_ = reloaded.View(ctx, func(view domain.TransactionView) error {
		entry, ok := view.FindLookupByName(domain.LookupSIRDrug, domain.ClassGN, "ampicillin")
		if !ok || entry.SIRType != domain.SIRQualitative {
			t.Fatalf("expected persisted lookup, got %+v ok=%v", entry, ok)
		}
		return nil
	})
	if _, err := reloaded.RunInTransaction(ctx, func(tx domain.Transaction) error {
		entry, created, err := tx.ResolveOrRegister(domain.LookupSIRDrug, domain.ClassGN, "Cefazolin")
		if err != nil {
			return err
		}
		if !created || entry.ID != 2 {
			t.Fatalf("expected sequence to resume, got %+v", entry)
		}
		return nil
	}); err != nil {
		t.Fatalf("transaction after reload: %v", err)
	}
}

func TestSQLiteStoreSkipsPersistOnError(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateFile(domain.File{Name: "bad.csv", Class: "ZZ"})
		return err
	}); err == nil {
		t.Fatalf("expected invalid class error")
	}
	if _, err := store.RunInTransaction(ctx, func(domain.Transaction) error { return nil }); err != nil {
		t.Fatalf("empty transaction: %v", err)
	}
	var count int
	if err := store.DB().GetContext(ctx, &count, `SELECT COUNT(*) FROM state`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no buckets written, got %d", count)
	}
}

func TestSQLiteStoreRefreshSeesOtherWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	writer, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	t.Cleanup(func() { _ = writer.Close() })
	reader, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	t.Cleanup(func() { _ = reader.Close() })

	ctx := context.Background()
	if _, err := writer.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateUploadLog(domain.UploadLog{Filename: "a.csv", Class: domain.ClassGP, Status: domain.UploadPending})
		return err
	}); err != nil {
		t.Fatalf("create upload log: %v", err)
	}

	pending := func() int {
		n := 0
		_ = reader.View(ctx, func(view domain.TransactionView) error {
			for _, l := range view.ListUploadLogs(domain.ClassGP) {
				if l.Status == domain.UploadPending {
					n++
				}
			}
			return nil
		})
		return n
	}
	if got := pending(); got != 0 {
		t.Fatalf("expected stale copy before refresh, got %d pending", got)
	}
	if err := reader.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := pending(); got != 1 {
		t.Fatalf("expected 1 pending upload after refresh, got %d", got)
	}
}

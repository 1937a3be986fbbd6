package memory

import (
	"amrcore/internal/blob/core"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := New()
	if store.Driver() != core.DriverMemory {
		t.Fatalf("unexpected driver %s", store.Driver())
	}
	md := map[string]string{"class": "GP"}
	if _, err := store.Put(ctx, "models/GP/version_0/a.json", strings.NewReader("{}"), core.PutOptions{Metadata: md}); err != nil {
		t.Fatalf("put: %v", err)
	}
	md["class"] = "GN"
	head, err := store.Head(ctx, "models/GP/version_0/a.json")
	if err != nil || head.Metadata["class"] != "GP" {
		t.Fatalf("expected metadata copied on put, got %+v err=%v", head, err)
	}
	if _, err := store.Put(ctx, "models/GP/version_0/a.json", strings.NewReader("{}"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected exists, got %v", err)
	}
	if _, err := store.Put(ctx, " ", strings.NewReader("{}"), core.PutOptions{}); err == nil {
		t.Fatalf("expected empty key rejected")
	}
	_, rc, err := store.Get(ctx, "models/GP/version_0/a.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	if string(body) != "{}" {
		t.Fatalf("unexpected body %q", body)
	}
	_, _ = store.Put(ctx, "uploads/u.csv", strings.NewReader("hn"), core.PutOptions{})
	infos, _ := store.List(ctx, "uploads/")
	if len(infos) != 1 || store.Len() != 2 {
		t.Fatalf("unexpected listing %+v len=%d", infos, store.Len())
	}
	if ok, _ := store.Delete(ctx, "uploads/u.csv"); !ok {
		t.Fatalf("expected delete to report existing")
	}
	if ok, _ := store.Delete(ctx, "uploads/u.csv"); ok {
		t.Fatalf("expected delete to report missing")
	}
	if _, _, err := store.Get(ctx, "uploads/u.csv"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Head(ctx, "uploads/u.csv"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found head, got %v", err)
	}
}

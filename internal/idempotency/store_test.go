package idempotency

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if rec, _ := store.Get(ctx, "missing"); rec != nil {
		t.Fatalf("expected nil for missing key")
	}

	record := NewRecord("create", 201, []byte("ok"), time.Now(), time.Minute)
	if err := store.Save(ctx, Key("create", "abc"), record); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, _ := store.Get(ctx, Key("create", "abc"))
	if got == nil || string(got.Response) != "ok" || got.Operation != "create" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if other, _ := store.Get(ctx, Key("cancel", "abc")); other != nil {
		t.Fatalf("keys must be scoped per operation, got %+v", other)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_ = store.Save(ctx, "k", NewRecord("create", 201, []byte("ok"), now, time.Minute))
	if got, _ := store.Get(ctx, "k"); got == nil {
		t.Fatalf("expected record inside window")
	}

	now = now.Add(2 * time.Minute)
	if got, _ := store.Get(ctx, "k"); got != nil {
		t.Fatalf("expected expired record to be hidden, got %+v", got)
	}
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "idem.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	ctx := context.Background()
	record := NewRecord("cancel", 201, []byte("resp"), time.Now(), time.Hour)
	if err := store.Save(ctx, "key", record); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}

	store2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}

	got, _ := store2.Get(ctx, "key")
	if got == nil || string(got.Response) != "resp" || got.Operation != "cancel" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestFileStoreDropsExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idem.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	ctx := context.Background()

	old := NewRecord("create", 201, []byte("old"), time.Now().Add(-2*time.Hour), time.Hour)
	if err := store.Save(ctx, "old", old); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got, _ := store.Get(ctx, "old"); got != nil {
		t.Fatalf("expected expired record to be dropped")
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}
	if _, ok := reopened.data["old"]; ok {
		t.Fatalf("expired record should have been removed from disk")
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idem.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path); err == nil {
		t.Fatal("expected error for corrupt file")
	}
}

func TestKeyTrimsCallerKey(t *testing.T) {
	if got := Key("create", "  abc \n"); got != "create:abc" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestDigestBindsBody(t *testing.T) {
	a := Digest([]byte(`{"projectId":"1"}`))
	if a != Digest([]byte(`{"projectId":"1"}`)) {
		t.Fatalf("digest must be stable")
	}
	if a == Digest([]byte(`{"projectId":"2"}`)) {
		t.Fatalf("different bodies must not share a digest")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %q", a)
	}
}

func TestFileStoreKeepsDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idem.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	ctx := context.Background()

	rec := NewRecord("create", 201, []byte("resp"), time.Now(), time.Hour)
	rec.RequestDigest = Digest([]byte("body"))
	if err := store.Save(ctx, "key", rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}
	got, _ := reopened.Get(ctx, "key")
	if got == nil || got.RequestDigest != rec.RequestDigest {
		t.Fatalf("digest not persisted: %+v", got)
	}
}

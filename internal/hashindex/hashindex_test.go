package hashindex

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "schash.db"))
	if err != nil {
		t.Fatalf("Failed to open hash index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	return path
}

func TestOpenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "schash.db")

	idx, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	idx.Close()

	idx, err = Open(dbPath)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	idx.Close()
}

func TestLookupAbsent(t *testing.T) {
	idx := openTestIndex(t)

	_, found, err := idx.Lookup(context.Background(), "/no/such/file")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if found {
		t.Error("expected absent entry")
	}
}

func TestRecordAndLookup(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	digest := sha256.Sum256([]byte("hello"))
	mtime := time.Now().Truncate(time.Microsecond)
	if err := idx.Record(ctx, "/tmp/sc/root/a.txt", digest[:], 5, mtime); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	e, found, err := idx.Lookup(ctx, "/tmp/sc/root/a.txt")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !found {
		t.Fatal("expected entry to be found")
	}
	if !bytes.Equal(e.Digest, digest[:]) {
		t.Error("digest mismatch after round trip")
	}
	if e.Size != 5 {
		t.Errorf("size = %d, want 5", e.Size)
	}
	if !e.MTime.Equal(mtime) {
		t.Errorf("mtime = %v, want %v", e.MTime, mtime)
	}
}

func TestRecordUpserts(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	d1 := sha256.Sum256([]byte("hello"))
	d2 := sha256.Sum256([]byte("world"))
	now := time.Now()

	if err := idx.Record(ctx, "/f", d1[:], 5, now); err != nil {
		t.Fatalf("first Record failed: %v", err)
	}
	if err := idx.Record(ctx, "/f", d2[:], 5, now.Add(time.Minute)); err != nil {
		t.Fatalf("second Record failed: %v", err)
	}

	e, _, err := idx.Lookup(ctx, "/f")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !bytes.Equal(e.Digest, d2[:]) {
		t.Error("expected digest to be replaced on upsert")
	}
}

func TestEvaluateNewFile(t *testing.T) {
	idx := openTestIndex(t)
	path := writeFile(t, t.TempDir(), "a.txt", "hello")

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	decision, digest, err := idx.Evaluate(context.Background(), path, info.Size(), info.ModTime())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != DecisionUpload {
		t.Error("new file should require upload")
	}
	want := sha256.Sum256([]byte("hello"))
	if !bytes.Equal(digest, want[:]) {
		t.Error("Evaluate returned wrong digest")
	}
}

func TestEvaluateSkipsOnSizeAndMtimeMatch(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	path := writeFile(t, t.TempDir(), "a.txt", "hello")

	info, _ := os.Stat(path)
	digest := sha256.Sum256([]byte("hello"))
	if err := idx.Record(ctx, path, digest[:], info.Size(), info.ModTime()); err != nil {
		t.Fatal(err)
	}

	decision, d, err := idx.Evaluate(ctx, path, info.Size(), info.ModTime())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != DecisionUnchanged {
		t.Error("unchanged file should be skipped")
	}
	if d != nil {
		t.Error("digest should not be computed on size+mtime match")
	}
}

func TestEvaluateRefreshesMetadataOnDigestMatch(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	path := writeFile(t, t.TempDir(), "a.txt", "hello")

	info, _ := os.Stat(path)
	digest := sha256.Sum256([]byte("hello"))
	// Stored mtime differs from the file's; digest is identical.
	oldMtime := info.ModTime().Add(-time.Hour)
	if err := idx.Record(ctx, path, digest[:], info.Size(), oldMtime); err != nil {
		t.Fatal(err)
	}

	decision, _, err := idx.Evaluate(ctx, path, info.Size(), info.ModTime())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != DecisionUnchanged {
		t.Error("digest match should skip upload")
	}

	e, _, err := idx.Lookup(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if !e.MTime.Equal(info.ModTime()) {
		t.Error("stored mtime should be refreshed on digest match")
	}
}

func TestEvaluateDetectsContentChange(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", "hello")

	info, _ := os.Stat(path)
	digest := sha256.Sum256([]byte("hello"))
	if err := idx.Record(ctx, path, digest[:], info.Size(), info.ModTime()); err != nil {
		t.Fatal(err)
	}

	// Same length, different content, stale mtime in index.
	if err := os.WriteFile(path, []byte("world"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, _ = os.Stat(path)

	decision, d, err := idx.Evaluate(ctx, path, info.Size(), info.ModTime().Add(time.Second))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != DecisionUpload {
		t.Error("changed content should require upload")
	}
	want := sha256.Sum256([]byte("world"))
	if !bytes.Equal(d, want[:]) {
		t.Error("Evaluate returned stale digest")
	}
}

func TestHashFileMatchesSha256(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.txt", "hello")
	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	want := sha256.Sum256([]byte("hello"))
	if !bytes.Equal(got, want[:]) {
		t.Error("HashFile digest mismatch")
	}
}

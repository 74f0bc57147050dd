package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cveflows/pkg/vuln"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	store := New(nil, "", t.TempDir(), testLogger())

	set, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if set.Len() != 0 {
		t.Errorf("Load() on a fresh directory returned %d entries, want 0", set.Len())
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	store := New(nil, "", dir, testLogger())
	ctx := context.Background()

	set := vuln.NewSeenSet()
	marked := time.Date(2025, 8, 29, 12, 0, 0, 0, time.UTC)
	set.Mark("CVE-2025-0001", marked)
	set.Mark("CVE-2025-0002", marked.Add(time.Minute))

	if err := store.Save(ctx, set); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Len() != 2 {
		t.Fatalf("Load() returned %d entries, want 2", loaded.Len())
	}
	if !loaded.Contains("CVE-2025-0001") || !loaded.Contains("CVE-2025-0002") {
		t.Error("loaded set is missing marked IDs")
	}
	if got := loaded["CVE-2025-0001"]; !got.Equal(marked) {
		t.Errorf("timestamp for CVE-2025-0001 = %v, want %v", got, marked)
	}
}

func TestSaveOverwritesFully(t *testing.T) {
	dir := t.TempDir()
	store := New(nil, "", dir, testLogger())
	ctx := context.Background()

	first := vuln.NewSeenSet()
	first.Mark("CVE-2025-0001", time.Now().UTC())
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// A second save replaces the file contents, it does not merge
	second := vuln.NewSeenSet()
	second.Mark("CVE-2025-0002", time.Now().UTC())
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Contains("CVE-2025-0001") {
		t.Error("overwritten entry should be gone")
	}
	if !loaded.Contains("CVE-2025-0002") {
		t.Error("new entry should be present")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "seen.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	store := New(nil, "", dir, testLogger())
	if _, err := store.Load(context.Background()); err == nil {
		t.Error("Load() should fail on a corrupt seen-set file")
	}
}

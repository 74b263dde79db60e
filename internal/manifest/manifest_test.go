package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAddListPersistReopen(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.AddSegment("0001.wal"); err != nil {
		t.Fatalf("add segment: %v", err)
	}
	if err := m.AddPage("0001.page"); err != nil {
		t.Fatalf("add page: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if segs := reopened.Segments(); len(segs) != 1 || segs[0] != "0001.wal" {
		t.Fatalf("unexpected segments: %v", segs)
	}
	if pages := reopened.Pages(); len(pages) != 1 || pages[0] != "0001.page" {
		t.Fatalf("unexpected pages: %v", pages)
	}
}

func TestRemoveUnknownEntryFails(t *testing.T) {
	m, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.RemoveSegment("missing.wal"); err == nil {
		t.Fatal("expected error removing unknown segment")
	}
}

func TestVersionIncrementsOnMutation(t *testing.T) {
	m, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	v0 := m.Version()
	if err := m.AddSegment("a.wal"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if m.Version() <= v0 {
		t.Fatalf("expected version to increase, got %d -> %d", v0, m.Version())
	}
}

func TestReconcileDeletesUntrackedAndDropsMissingEntries(t *testing.T) {
	dir := t.TempDir()
	walDir := filepath.Join(dir, "wal")
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	m, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// Tracked but missing on disk (simulates a crash mid-rotate).
	if err := m.AddSegment("gone.wal"); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Untracked but present on disk (simulates a crash before the
	// manifest write landed).
	if err := os.WriteFile(filepath.Join(walDir, "orphan.wal"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}
	// Tracked and present: survives.
	if err := os.WriteFile(filepath.Join(walDir, "live.wal"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write live: %v", err)
	}
	if err := m.AddSegment("live.wal"); err != nil {
		t.Fatalf("add live: %v", err)
	}

	if err := m.Reconcile("wal", ".wal", KindSegment); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if _, err := os.Stat(filepath.Join(walDir, "orphan.wal")); !os.IsNotExist(err) {
		t.Fatal("expected orphan.wal to be deleted")
	}
	if _, err := os.Stat(filepath.Join(walDir, "live.wal")); err != nil {
		t.Fatalf("expected live.wal to survive: %v", err)
	}

	segs := m.Segments()
	if len(segs) != 1 || segs[0] != "live.wal" {
		t.Fatalf("expected only live.wal tracked, got %v", segs)
	}
}

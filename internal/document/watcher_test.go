package document

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type changeRecorder struct {
	mu       sync.Mutex
	contents []string
	removed  int
}

func (r *changeRecorder) onChange(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contents = append(r.contents, source)
}

func (r *changeRecorder) onRemove() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed++
}

func (r *changeRecorder) changeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contents)
}

func (r *changeRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.contents) == 0 {
		return ""
	}
	return r.contents[len(r.contents)-1]
}

func (r *changeRecorder) removeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newWatchedFile(t *testing.T, rec *changeRecorder) (string, *Watcher) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.md")
	if err := os.WriteFile(path, []byte("initial"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := Watch(path, Config{
		OnChange:       rec.onChange,
		OnRemove:       rec.onRemove,
		DebounceWindow: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return path, w
}

func TestWatchMissingFile(t *testing.T) {
	_, err := Watch(filepath.Join(t.TempDir(), "absent.md"), Config{OnChange: func(string) {}})
	if err == nil {
		t.Fatal("Watch succeeded on a missing file")
	}
}

func TestWriteReportsNewContents(t *testing.T) {
	rec := &changeRecorder{}
	path, _ := newWatchedFile(t, rec)

	if err := os.WriteFile(path, []byte("updated"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "change notification", func() bool { return rec.changeCount() >= 1 })
	if got := rec.last(); got != "updated" {
		t.Errorf("reported contents = %q, want %q", got, "updated")
	}
}

func TestBurstCollapsesToOneNotification(t *testing.T) {
	rec := &changeRecorder{}
	path, w := newWatchedFile(t, rec)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("rev"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "settled notification", func() bool { return rec.changeCount() >= 1 })
	// Let any stragglers land before counting.
	time.Sleep(50 * time.Millisecond)
	if got := w.ChangesSeen(); got > 2 {
		t.Errorf("ChangesSeen = %d after a 5-write burst, want at most 2", got)
	}
}

func TestAtomicSaveReportedAsChange(t *testing.T) {
	rec := &changeRecorder{}
	path, _ := newWatchedFile(t, rec)

	// Write-to-temp-then-rename, the usual atomic save.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte("atomic"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "change after atomic save", func() bool { return rec.last() == "atomic" })
	if got := rec.removeCount(); got != 0 {
		t.Errorf("removals = %d after atomic save, want 0", got)
	}
}

func TestRemoveReported(t *testing.T) {
	rec := &changeRecorder{}
	path, _ := newWatchedFile(t, rec)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "remove notification", func() bool { return rec.removeCount() >= 1 })
}

func TestUnrelatedSiblingIgnored(t *testing.T) {
	rec := &changeRecorder{}
	path, _ := newWatchedFile(t, rec)

	sibling := filepath.Join(filepath.Dir(path), "other.md")
	if err := os.WriteFile(sibling, []byte("noise"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := rec.changeCount(); got != 0 {
		t.Errorf("changes = %d from sibling writes, want 0", got)
	}
}

func TestCloseStopsNotifications(t *testing.T) {
	rec := &changeRecorder{}
	path, w := newWatchedFile(t, rec)

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := os.WriteFile(path, []byte("after close"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := rec.changeCount(); got != 0 {
		t.Errorf("changes = %d after Close, want 0", got)
	}
}

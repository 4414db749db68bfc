package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"explorermaps.dev/internal/mapcache"
)

func TestCacheJournal_DoesNotWaitForFile(t *testing.T) {
	dir := t.TempDir()
	j := NewCacheJournal(dir, func(err error) { t.Errorf("journal write: %v", err) })
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	j.w.now = func() time.Time { return at }

	// Holding the file lock stalls the writer goroutine; callers must not notice.
	j.w.mu.Lock()
	start := time.Now()
	for i := 0; i < 100; i++ {
		j.CacheEvent(mapcache.Event{Kind: mapcache.EventQueued, Key: mapcache.NewKey("w", "t"), At: at})
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		j.w.mu.Unlock()
		t.Fatalf("CacheEvent waited %v on a stalled writer", d)
	}
	j.w.mu.Unlock()

	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	lines, err := ReadAll(j.w.PathForHour("2024-05-01-10"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(lines) != 100 {
		t.Fatalf("lines=%d want 100", len(lines))
	}
	if st := j.Stats(); st.DropTotal != 0 || st.QueueDepth != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestAsyncWriter_DropsWhenFull(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "issue")
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return at }
	a := newAsyncWriter(w, 1, nil)

	w.mu.Lock()
	sent := 0
	for i := 0; i < 5; i++ {
		if a.send(IssueEntry{ArtifactID: "a"}) {
			sent++
		}
	}
	w.mu.Unlock()

	// One line can sit in the channel and one in the stalled writer.
	if sent > 2 || a.stats().DropTotal != uint64(5-sent) {
		t.Fatalf("sent=%d stats=%+v", sent, a.stats())
	}
	if err := a.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	lines, err := ReadAll(w.PathForHour("2024-05-01-10"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(lines) != sent {
		t.Fatalf("lines=%d want %d", len(lines), sent)
	}
}

func TestIssueJournal_ReportsDropAfterClose(t *testing.T) {
	dir := t.TempDir()
	j := NewIssueJournal(dir, nil)
	if err := j.WriteIssue(IssueEntry{ArtifactID: "a"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := j.WriteIssue(IssueEntry{ArtifactID: "b"}); err == nil {
		t.Fatalf("write after close succeeded")
	}
	files, err := ListFiles(dir, "issue")
	if err != nil || len(files) != 1 || filepath.Dir(files[0]) != filepath.Join(dir, "journal") {
		t.Fatalf("files=%v err=%v", files, err)
	}
	if st := j.Stats(); st.DropTotal != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestIssueJournal_WriteFailureReachesOnFail(t *testing.T) {
	dir := t.TempDir()
	failed := make(chan error, 1)
	j := NewIssueJournal(dir, func(err error) { failed <- err })
	// A file where the journal directory should be makes rotation fail.
	j.w.baseDir = filepath.Join(dir, "blocked", "journal")
	if err := os.WriteFile(filepath.Join(dir, "blocked"), nil, 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := j.WriteIssue(IssueEntry{ArtifactID: "a"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	_ = j.Close()
	select {
	case err := <-failed:
		if err == nil {
			t.Fatalf("nil error")
		}
	default:
		t.Fatalf("onFail not called")
	}
	if st := j.Stats(); st.WriteFailTotal != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

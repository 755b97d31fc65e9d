package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/internal/config"
)

const (
	watchedYAML = `
server:
  log_level: info
agent:
  agent_id: agent-1
voice:
  voice_id: voice-1
`
	editedYAML = `
server:
  log_level: debug
agent:
  agent_id: agent-1
voice:
  voice_id: voice-2
`
	brokenYAML = `
server:
  log_level: bananas
`
)

func noEnv(string) (string, bool) { return "", false }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// changeLog collects onChange invocations.
type changeLog struct {
	mu    sync.Mutex
	pairs [][2]*config.Config
	ch    chan struct{}
}

func newChangeLog() *changeLog { return &changeLog{ch: make(chan struct{}, 16)} }

func (l *changeLog) record(old, new *config.Config) {
	l.mu.Lock()
	l.pairs = append(l.pairs, [2]*config.Config{old, new})
	l.mu.Unlock()
	l.ch <- struct{}{}
}

func (l *changeLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pairs)
}

// startWatcher writes watchedYAML and watches it. interval zero effectively
// disables polling so tests drive Reload themselves.
func startWatcher(t *testing.T, interval time.Duration) (string, *config.Watcher, *changeLog) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxbridge.yaml")
	writeFile(t, path, watchedYAML)
	if interval == 0 {
		interval = time.Hour
	}
	log := newChangeLog()
	w, err := config.NewWatcher(path, log.record, config.WithInterval(interval), config.WithLookup(noEnv))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, log
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	_, w, log := startWatcher(t, 0)

	if got := w.Current().Voice.VoiceID; got != "voice-1" {
		t.Errorf("voice_id = %q, want voice-1", got)
	}
	if log.len() != 0 {
		t.Error("initial load must not invoke the callback")
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "broken.yaml")
	writeFile(t, path, brokenYAML)
	if _, err := config.NewWatcher(path, nil, config.WithLookup(noEnv)); err == nil {
		t.Fatal("expected error for an invalid file")
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()
	path, w, log := startWatcher(t, 0)

	if changed, err := w.Reload(); changed || err != nil {
		t.Fatalf("Reload unchanged = %v, %v; want false, nil", changed, err)
	}

	writeFile(t, path, editedYAML)
	changed, err := w.Reload()
	if !changed || err != nil {
		t.Fatalf("Reload edited = %v, %v; want true, nil", changed, err)
	}
	if log.len() != 1 {
		t.Fatalf("callbacks = %d, want 1", log.len())
	}
	old, cur := log.pairs[0][0], log.pairs[0][1]
	if old.Server.LogLevel != config.LogInfo || cur.Server.LogLevel != config.LogDebug {
		t.Errorf("callback levels = %q -> %q, want info -> debug", old.Server.LogLevel, cur.Server.LogLevel)
	}
	if w.Current() != cur {
		t.Error("Current() is not the config handed to the callback")
	}
}

func TestWatcher_RejectsInvalidRevision(t *testing.T) {
	t.Parallel()
	path, w, log := startWatcher(t, 0)

	writeFile(t, path, brokenYAML)
	if changed, err := w.Reload(); changed || err == nil {
		t.Fatalf("Reload broken = %v, %v; want false and an error", changed, err)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level = %q, want the last valid info", got)
	}
	if log.len() != 0 {
		t.Errorf("callbacks = %d, want 0", log.len())
	}

	// Fixing the file recovers; the diff is against the last valid config.
	writeFile(t, path, editedYAML)
	if changed, err := w.Reload(); !changed || err != nil {
		t.Fatalf("Reload fixed = %v, %v; want true, nil", changed, err)
	}
	if got := log.pairs[0][0].Voice.VoiceID; got != "voice-1" {
		t.Errorf("old voice_id = %q, want voice-1", got)
	}
}

func TestWatcher_PollsForChanges(t *testing.T) {
	t.Parallel()
	path, w, log := startWatcher(t, 20*time.Millisecond)

	writeFile(t, path, editedYAML)
	// Force a distinct mtime on filesystems with coarse timestamps.
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	select {
	case <-log.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not pick up the edit")
	}
	if got := w.Current().Voice.VoiceID; got != "voice-2" {
		t.Errorf("voice_id = %q, want voice-2", got)
	}
}

func TestWatcher_TouchWithoutEdit(t *testing.T) {
	t.Parallel()
	path, _, log := startWatcher(t, 20*time.Millisecond)

	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	if n := log.len(); n != 0 {
		t.Errorf("callbacks = %d after touch, want 0", n)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	path, w, log := startWatcher(t, 10*time.Millisecond)

	w.Stop()
	w.Stop()

	writeFile(t, path, editedYAML)
	later := time.Now().Add(2 * time.Second)
	os.Chtimes(path, later, later)
	time.Sleep(60 * time.Millisecond)
	if n := log.len(); n != 0 {
		t.Errorf("callbacks = %d after Stop, want 0", n)
	}
}

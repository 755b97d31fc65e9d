package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling interval of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// revision identifies one accepted version of the config file.
type revision struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
	size  int64
}

// stale reports whether info may describe different content than r.
func (r revision) stale(info os.FileInfo) bool {
	return !info.ModTime().Equal(r.mtime) || info.Size() != r.size
}

// Watcher keeps the config file at a path loaded. It polls the file's
// metadata and re-reads it on change, or on demand through [Watcher.Reload].
// A revision that fails to parse or validate is logged and ignored.
type Watcher struct {
	path     string
	interval time.Duration
	lookup   LookupFunc
	onChange func(old, new *Config)

	// reload serialises loads so callbacks observe revisions in order.
	reload sync.Mutex

	mu  sync.Mutex
	rev revision

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookup replaces the environment lookup applied on every load.
func WithLookup(lookup LookupFunc) WatcherOption {
	return func(w *Watcher) { w.lookup = lookup }
}

// NewWatcher loads path and starts polling it. onChange, which may be nil,
// receives the previous and the new config after each accepted change.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		lookup:   os.LookupEnv,
		onChange: onChange,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	rev, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.rev = rev

	go w.loop()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rev.cfg
}

// Reload re-reads the file now, regardless of its metadata. It reports
// whether the content changed; a rejected revision is returned as an error
// and leaves [Watcher.Current] untouched.
func (w *Watcher) Reload() (bool, error) {
	w.reload.Lock()
	defer w.reload.Unlock()
	return w.apply()
}

// Stop ends polling and waits for an in-flight reload to finish. No callback
// runs after Stop returns. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watcher cannot stat file", "path", w.path, "err", err)
		return
	}

	w.reload.Lock()
	defer w.reload.Unlock()
	w.mu.Lock()
	stale := w.rev.stale(info)
	w.mu.Unlock()
	if !stale {
		return
	}
	if _, err := w.apply(); err != nil {
		slog.Warn("config: watcher rejected new revision", "path", w.path, "err", err)
	}
}

// apply loads the file and swaps it in when the content differs. Caller
// holds w.reload.
func (w *Watcher) apply() (bool, error) {
	rev, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	old := w.rev
	w.rev.mtime, w.rev.size = rev.mtime, rev.size
	changed := rev.sum != old.sum
	if changed {
		w.rev = rev
	}
	w.mu.Unlock()

	if !changed {
		return false, nil
	}
	slog.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old.cfg, rev.cfg)
	}
	return true, nil
}

// read loads and validates the file without touching the watcher state.
func (w *Watcher) read() (revision, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return revision{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return revision{}, err
	}
	cfg, err := loadBytes(data, w.lookup)
	if err != nil {
		return revision{}, err
	}
	return revision{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime(), size: info.Size()}, nil
}

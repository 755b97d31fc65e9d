// Package recognition drives the streaming speech-recognition session of one
// client connection.
//
// A [Controller] owns at most one live [stt.SessionHandle]. It forwards audio
// while streaming, hands every interim and final result to a [Sink], and
// reopens the stream after a fixed backoff when the provider ends it without
// being asked to. A stop request half-closes the stream so the provider can
// flush, after which late results are discarded.
//
// State machine:
//
//	Idle ──Start──▶ Streaming ──Stop──▶ Idle
//	                   │ ▲
//	          fault    │ │ backoff elapsed, still recording
//	                   ▼ │
//	               Restarting ──Stop──▶ Idle
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/pkg/provider/stt"
)

// ErrStream is returned when a recognition stream cannot be opened or the
// controller has been closed.
var ErrStream = errors.New("recognition: stream unavailable")

// DefaultBackoff is the delay before a faulted stream is reopened.
const DefaultBackoff = time.Second

// DefaultDrainTimeout bounds how long a stopped stream may keep flushing
// results before it is closed.
const DefaultDrainTimeout = 5 * time.Second

// State is the controller's recognition state.
type State int

const (
	// StateIdle means no stream is wanted.
	StateIdle State = iota
	// StateStreaming means a stream is open and accepting audio.
	StateStreaming
	// StateRestarting means the stream faulted and a reopen is scheduled.
	StateRestarting
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateRestarting:
		return "restarting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sink receives recognition results while recording. It is called with the
// controller's lock held, so it must not block and must not call back into
// the Controller.
type Sink func(text string, isFinal bool)

// Config configures a [Controller].
type Config struct {
	// Provider opens recognition streams. Required.
	Provider stt.Provider

	// Stream is the base stream configuration. InterimResults is always
	// enabled and SingleUtterance always disabled.
	Stream stt.StreamConfig

	// Backoff is the delay before reopening a faulted stream. Defaults to
	// [DefaultBackoff].
	Backoff time.Duration

	// DrainTimeout is how long a half-closed stream is given to end on its
	// own. Defaults to [DefaultDrainTimeout].
	DrainTimeout time.Duration

	// Sink receives every result that arrives while recording. May be nil.
	Sink Sink

	// Metrics records restarts and provider faults. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger is used for stream lifecycle logs. Defaults to slog.Default.
	Logger *slog.Logger
}

// Controller manages the recognition stream for one connection. All methods
// are safe for concurrent use.
type Controller struct {
	provider stt.Provider
	stream   stt.StreamConfig
	backoff  time.Duration
	drain    time.Duration
	sink     Sink
	metrics  *observe.Metrics
	log      *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup

	mu        sync.Mutex
	ctx       context.Context
	state     State
	recording bool
	closed    bool
	gen       uint64 // bumped whenever the live stream is superseded
	handle    stt.SessionHandle
	stopped   chan struct{} // closed when the live stream is superseded
	timer     *time.Timer
}

// New creates an idle Controller.
func New(cfg Config) *Controller {
	c := &Controller{
		provider: cfg.Provider,
		stream:   cfg.Stream,
		backoff:  cfg.Backoff,
		drain:    cfg.DrainTimeout,
		sink:     cfg.Sink,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		done:     make(chan struct{}),
		ctx:      context.Background(),
	}
	c.stream.InterimResults = true
	c.stream.SingleUtterance = false
	if c.backoff <= 0 {
		c.backoff = DefaultBackoff
	}
	if c.drain <= 0 {
		c.drain = DefaultDrainTimeout
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Start begins recording. Any open stream is closed first and its pending
// results are dropped. ctx is the connection context: once it is cancelled no
// further restarts happen. If the stream cannot be opened the controller
// schedules a reopen and the error is returned for logging.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: controller closed", ErrStream)
	}
	old := c.supersedeLocked()
	c.ctx = ctx
	c.recording = true
	gen := c.gen
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return c.open(gen)
}

// Feed forwards one audio chunk to the live stream. Chunks are dropped, not
// queued, unless the controller is streaming. Reports whether the chunk was
// accepted.
func (c *Controller) Feed(chunk []byte) bool {
	c.mu.Lock()
	if c.state != StateStreaming || c.handle == nil {
		c.mu.Unlock()
		return false
	}
	h := c.handle
	c.mu.Unlock()

	if err := h.SendAudio(chunk); err != nil {
		c.log.Debug("recognition: audio dropped", "err", err)
		return false
	}
	return true
}

// Stop ends recording. A live stream is half-closed so the provider can
// flush, and closed if it has not ended within the drain timeout; a
// scheduled reopen is cancelled. Results that arrive afterwards are
// discarded. Calling Stop when idle is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.recording = false
	h := c.supersedeLocked()
	c.mu.Unlock()

	if h != nil {
		if err := h.CloseSend(); err != nil {
			c.log.Debug("recognition: half-close failed", "err", err)
		}
	}
}

// Close tears the controller down for connection teardown. The live stream
// is closed immediately and all result pumps are awaited. Subsequent Start
// calls fail with [ErrStream].
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.recording = false
	h := c.supersedeLocked()
	close(c.done)
	c.mu.Unlock()

	if h != nil {
		_ = h.Close()
	}
	c.wg.Wait()
	return nil
}

// State returns the current recognition state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Recording reports whether the user is currently recording.
func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// supersedeLocked invalidates the live stream and any scheduled reopen,
// returning the detached handle for the caller to end outside the lock.
func (c *Controller) supersedeLocked() stt.SessionHandle {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	h := c.handle
	c.handle = nil
	if c.stopped != nil {
		close(c.stopped)
		c.stopped = nil
	}
	c.state = StateIdle
	return h
}

// wantedLocked reports whether a stream for gen should exist.
func (c *Controller) wantedLocked(gen uint64) bool {
	return gen == c.gen && c.recording && !c.closed && c.ctx.Err() == nil
}

// open dials a stream for gen without holding the lock.
func (c *Controller) open(gen uint64) error {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	h, err := c.provider.StartStream(ctx, c.stream)

	c.mu.Lock()
	if !c.wantedLocked(gen) {
		c.mu.Unlock()
		if h != nil {
			_ = h.Close()
		}
		return nil
	}
	if err != nil {
		c.metrics.RecordProviderError(ctx, "stt", "open")
		c.scheduleRestartLocked(gen)
		c.mu.Unlock()
		return fmt.Errorf("%w: open: %v", ErrStream, err)
	}
	stopped := make(chan struct{})
	c.handle = h
	c.stopped = stopped
	c.state = StateStreaming
	c.wg.Add(1)
	c.mu.Unlock()

	go c.pump(ctx, gen, h, stopped)
	return nil
}

// pump forwards results from h until the stream ends, the connection ends,
// or the controller closes. Once stopped is closed the stream has the drain
// timeout left to end.
func (c *Controller) pump(ctx context.Context, gen uint64, h stt.SessionHandle, stopped <-chan struct{}) {
	defer c.wg.Done()
	defer h.Close()

	var drain <-chan time.Time
	results := h.Transcripts()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-stopped:
			stopped = nil
			timer := time.NewTimer(c.drain)
			defer timer.Stop()
			drain = timer.C
		case <-drain:
			c.log.Debug("recognition: stopped stream did not end, closing", "timeout", c.drain)
			return
		case t, ok := <-results:
			if !ok {
				c.streamEnded(gen, h.Err())
				return
			}
			c.deliver(gen, t)
		}
	}
}

func (c *Controller) deliver(gen uint64, t stt.Transcript) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || !c.recording || c.state != StateStreaming {
		return
	}
	if c.sink != nil {
		c.sink(t.Text, t.IsFinal)
	}
}

// streamEnded handles a stream that closed while it was still the live one.
func (c *Controller) streamEnded(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.handle = nil
	c.stopped = nil
	if !c.wantedLocked(gen) {
		c.state = StateIdle
		return
	}
	if err != nil {
		c.metrics.RecordProviderError(c.ctx, "stt", "stream")
		c.log.Warn("recognition: stream failed, restarting", "err", err, "backoff", c.backoff)
	} else {
		c.log.Warn("recognition: stream ended unexpectedly, restarting", "backoff", c.backoff)
	}
	c.scheduleRestartLocked(gen)
}

func (c *Controller) scheduleRestartLocked(gen uint64) {
	c.state = StateRestarting
	c.timer = time.AfterFunc(c.backoff, func() { c.restart(gen) })
}

func (c *Controller) restart(gen uint64) {
	c.mu.Lock()
	if !c.wantedLocked(gen) || c.state != StateRestarting {
		if gen == c.gen {
			c.state = StateIdle
		}
		c.mu.Unlock()
		return
	}
	c.timer = nil
	ctx := c.ctx
	c.mu.Unlock()

	c.metrics.RecognitionRestarts.Add(ctx, 1)
	if err := c.open(gen); err != nil {
		c.log.Warn("recognition: reopen failed", "err", err)
	}
}

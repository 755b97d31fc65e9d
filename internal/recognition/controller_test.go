package recognition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/provider/stt"
	"github.com/MrWong99/voxbridge/pkg/provider/stt/mock"
)

// result is one value delivered to the sink.
type result struct {
	text    string
	isFinal bool
}

// recorder is a thread-safe Sink.
type recorder struct {
	mu      sync.Mutex
	results []result
}

func (r *recorder) sink(text string, isFinal bool) {
	r.mu.Lock()
	r.results = append(r.results, result{text, isFinal})
	r.mu.Unlock()
}

func (r *recorder) snapshot() []result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]result, len(r.results))
	copy(out, r.results)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newController(t *testing.T, p *mock.Provider, backoff time.Duration) (*Controller, *recorder) {
	t.Helper()
	rec := &recorder{}
	c := New(Config{
		Provider: p,
		Stream:   stt.StreamConfig{Language: "en-US", SingleUtterance: true},
		Backoff:  backoff,
		Sink:     rec.sink,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c, rec
}

func TestStart_OpensContinuousStreamWithInterims(t *testing.T) {
	p := &mock.Provider{}
	c, rec := newController(t, p, 10*time.Millisecond)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.State() != StateStreaming {
		t.Fatalf("state = %v, want streaming", c.State())
	}
	cfg := p.StartStreamCalls[0].Cfg
	if !cfg.InterimResults || cfg.SingleUtterance {
		t.Errorf("stream config = %+v, want interim results and continuous recognition", cfg)
	}
	if cfg.Language != "en-US" {
		t.Errorf("language = %q, want en-US", cfg.Language)
	}

	if !c.Feed([]byte{1, 2}) {
		t.Error("Feed rejected while streaming")
	}
	if got := len(p.Session(0).Chunks()); got != 1 {
		t.Errorf("chunks delivered = %d, want 1", got)
	}

	p.Session(0).Emit(stt.Transcript{Text: "hel"})
	p.Session(0).Emit(stt.Transcript{Text: "hello", IsFinal: true})
	waitFor(t, "two results", func() bool { return len(rec.snapshot()) == 2 })

	got := rec.snapshot()
	if got[0] != (result{"hel", false}) || got[1] != (result{"hello", true}) {
		t.Errorf("results = %v", got)
	}
}

func TestStop_HalfClosesAndDiscardsLateResults(t *testing.T) {
	p := &mock.Provider{}
	c, rec := newController(t, p, 10*time.Millisecond)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := p.Session(0)

	c.Stop()
	c.Stop()

	if c.State() != StateIdle || c.Recording() {
		t.Errorf("state = %v recording = %v, want idle and not recording", c.State(), c.Recording())
	}
	if sess.CloseSendCount != 1 {
		t.Errorf("CloseSend calls = %d, want 1", sess.CloseSendCount)
	}
	if c.Feed([]byte{1}) {
		t.Error("Feed accepted while idle")
	}

	sess.Emit(stt.Transcript{Text: "late", IsFinal: true})
	time.Sleep(20 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("results after stop = %v, want none", got)
	}
	if n := p.StartStreamCallCount(); n != 1 {
		t.Errorf("StartStream calls = %d, want 1", n)
	}
}

func TestStop_ClosesStreamThatNeverEnds(t *testing.T) {
	p := &mock.Provider{}
	c := New(Config{Provider: p, Backoff: 10 * time.Millisecond, DrainTimeout: 30 * time.Millisecond})
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := p.Session(0)

	// The mock keeps its transcript channel open after CloseSend.
	c.Stop()
	if sess.Closed() {
		t.Fatal("stream closed before the drain timeout")
	}
	waitFor(t, "stopped stream closed", sess.Closed)

	if n := p.StartStreamCallCount(); n != 1 {
		t.Errorf("StartStream calls = %d, want 1", n)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
}

func TestFault_RestartsAfterBackoff(t *testing.T) {
	p := &mock.Provider{}
	started := p.Started()
	c, rec := newController(t, p, 10*time.Millisecond)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	p.Session(0).Fail(errors.New("upstream reset"))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("stream was not reopened")
	}
	waitFor(t, "streaming", func() bool { return c.State() == StateStreaming })

	p.Session(1).Emit(stt.Transcript{Text: "again", IsFinal: true})
	waitFor(t, "result from new stream", func() bool { return len(rec.snapshot()) == 1 })
	if !c.Feed([]byte{9}) {
		t.Error("Feed rejected after restart")
	}
}

func TestFault_CleanEndAlsoRestarts(t *testing.T) {
	p := &mock.Provider{}
	started := p.Started()
	c, _ := newController(t, p, 5*time.Millisecond)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	// The provider ending the stream without a stop request is a fault too.
	_ = p.Session(0).Close()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("stream was not reopened")
	}
}

func TestRestarting_DropsAudio(t *testing.T) {
	p := &mock.Provider{}
	c, _ := newController(t, p, time.Hour)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Session(0).Fail(errors.New("boom"))
	waitFor(t, "restarting", func() bool { return c.State() == StateRestarting })

	if c.Feed([]byte{1}) {
		t.Error("Feed accepted while restarting")
	}
	if !c.Recording() {
		t.Error("a fault must not end recording")
	}
}

func TestStop_CancelsScheduledRestart(t *testing.T) {
	p := &mock.Provider{}
	c, _ := newController(t, p, 20*time.Millisecond)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Session(0).Fail(errors.New("boom"))
	waitFor(t, "restarting", func() bool { return c.State() == StateRestarting })

	c.Stop()
	time.Sleep(60 * time.Millisecond)
	if n := p.StartStreamCallCount(); n != 1 {
		t.Errorf("StartStream calls = %d, want 1", n)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
}

func TestConnectionEnd_StopsRestarts(t *testing.T) {
	p := &mock.Provider{}
	c, _ := newController(t, p, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	p.Session(0).Fail(errors.New("boom"))

	time.Sleep(40 * time.Millisecond)
	if n := p.StartStreamCallCount(); n != 1 {
		t.Errorf("StartStream calls = %d, want 1", n)
	}
}

func TestStart_ReplacesOpenStream(t *testing.T) {
	p := &mock.Provider{}
	c, rec := newController(t, p, 10*time.Millisecond)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !p.Session(0).Closed() {
		t.Error("first stream was not closed")
	}

	p.Session(0).Emit(stt.Transcript{Text: "stale", IsFinal: true})
	p.Session(1).Emit(stt.Transcript{Text: "fresh", IsFinal: true})
	waitFor(t, "fresh result", func() bool { return len(rec.snapshot()) >= 1 })
	time.Sleep(10 * time.Millisecond)

	got := rec.snapshot()
	if len(got) != 1 || got[0].text != "fresh" {
		t.Errorf("results = %v, want only fresh", got)
	}
}

func TestStart_OpenFailureSchedulesRetry(t *testing.T) {
	p := &mock.Provider{StartStreamErr: errors.New("dial refused")}
	c, _ := newController(t, p, time.Hour)

	err := c.Start(context.Background())
	if !errors.Is(err, ErrStream) {
		t.Fatalf("err = %v, want ErrStream", err)
	}
	if c.State() != StateRestarting {
		t.Errorf("state = %v, want restarting", c.State())
	}
}

func TestClose_ClosesStreamAndRejectsStart(t *testing.T) {
	p := &mock.Provider{}
	c, _ := newController(t, p, 10*time.Millisecond)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !p.Session(0).Closed() {
		t.Error("stream not closed")
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrStream) {
		t.Errorf("Start after Close = %v, want ErrStream", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateIdle, "idle"},
		{StateStreaming, "streaming"},
		{StateRestarting, "restarting"},
		{State(9), "State(9)"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tc.s), got, tc.want)
		}
	}
}

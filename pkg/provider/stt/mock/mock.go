// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values, simulate
// provider faults, and inspect which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Sessions: []*mock.Session{sess}}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.Emit(stt.Transcript{Text: "hello", IsFinal: true})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Sessions are handed out in order by StartStream. Once exhausted, a fresh
	// Session is created for each call and appended to Sessions.
	Sessions []*Session

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	next    int
	started chan struct{}
}

// StartStream records the call and returns the next Session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.next >= len(p.Sessions) {
		p.Sessions = append(p.Sessions, NewSession())
	}
	s := p.Sessions[p.next]
	p.next++
	return s, nil
}

// Started returns a channel that receives a value on every StartStream call.
// The channel is buffered; calls are not blocked when nobody is listening.
func (p *Provider) Started() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started == nil {
		p.started = make(chan struct{}, 16)
	}
	return p.started
}

// StartStreamCallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Session returns the i-th session handed out (or pre-seeded). Thread-safe.
func (p *Provider) Session(i int) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.Sessions) {
		return nil
	}
	return p.Sessions[i]
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	ch     chan stt.Transcript
	ended  bool
	err    error
	chunks [][]byte

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseSendCount is the number of times CloseSend was called.
	CloseSendCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session with a buffered transcript channel.
func NewSession() *Session {
	return &Session{ch: make(chan stt.Transcript, 64)}
}

// Emit delivers t to the consumer of Transcripts. It is a no-op after the
// session has ended.
func (s *Session) Emit(t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ch <- t
}

// Fail ends the session as a provider fault: Err reports err and the
// transcript channel is closed.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.err = err
	s.ended = true
	close(s.ch)
}

// SendAudio records a copy of chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	if s.ended || s.CloseSendCount > 0 {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.chunks = append(s.chunks, cp)
	return nil
}

// Transcripts returns the transcript channel.
func (s *Session) Transcripts() <-chan stt.Transcript { return s.ch }

// CloseSend records the call. Unlike a real provider it does not end the
// session; results may still be emitted afterwards.
func (s *Session) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseSendCount++
	return nil
}

// Err returns the error passed to Fail.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call and ends the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.ended {
		s.ended = true
		close(s.ch)
	}
	return nil
}

// Chunks returns copies of the audio chunks delivered so far. Thread-safe.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Closed reports whether Close has been called. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}

// HalfClosed reports whether CloseSend has been called. Thread-safe.
func (s *Session) HalfClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseSendCount > 0
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)

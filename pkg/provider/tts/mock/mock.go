// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled audio and to verify that the correct text
// and Voice are passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{Audio: []byte("mp3")}
//	audio, _ := p.Synthesize(ctx, "hello", voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the Voice passed to Synthesize.
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is returned by every successful Synthesize call. When nil, the
	// text itself is returned as the audio bytes.
	Audio []byte

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// ErrFunc, if non-nil, is consulted per call and overrides Err.
	ErrFunc func(text string) error

	// SynthesizeCalls records every call to Synthesize.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns Audio or Err.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	err := p.Err
	if p.ErrFunc != nil {
		err = p.ErrFunc(text)
	}
	if err != nil {
		return nil, err
	}
	if p.Audio == nil {
		return []byte(text), nil
	}
	out := make([]byte, len(p.Audio))
	copy(out, p.Audio)
	return out, nil
}

// Calls returns a copy of the recorded Synthesize calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.SynthesizeCalls...)
}

// Texts returns the text of every Synthesize call in order. Thread-safe.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.SynthesizeCalls))
	for _, c := range p.SynthesizeCalls {
		out = append(out, c.Text)
	}
	return out
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

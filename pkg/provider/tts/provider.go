// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or OpenAI
// speech) and renders a complete reply text into encoded audio bytes that the
// browser can play back directly.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrRender is wrapped by every error returned from a Provider so callers can
// distinguish synthesis faults with errors.Is.
var ErrRender = errors.New("tts: render failed")

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel, one per connection turn.
type Provider interface {
	// Synthesize renders text with the given voice and returns the encoded
	// audio (container and codec as configured on the provider, MP3 by
	// default). Returns an error wrapping ErrRender if synthesis fails or ctx
	// is cancelled before the audio is complete.
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)
}

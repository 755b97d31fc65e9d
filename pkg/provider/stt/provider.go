// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw audio chunks and emits an
// ordered stream of Transcript values, interim guesses interleaved with the
// authoritative finals that supersede them.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SessionHandle.SendAudio once the session has
// been half-closed or closed.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition behaviour for a new
// STT session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// Encoding names the audio container/codec of the chunks, e.g. "linear16"
	// or "opus". An empty string lets the provider sniff the container.
	Encoding string

	// SampleRate is the audio sample rate in Hz. Zero uses the provider default.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	Language string

	// InterimResults enables low-latency provisional transcripts.
	InterimResults bool

	// SingleUtterance ends the stream after the first detected utterance.
	// Continuous recognition leaves it false.
	SingleUtterance bool

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session. It is an interface so
// that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a chunk of audio bytes to the provider. Calling
	// SendAudio after CloseSend or Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Transcripts returns the channel of recognition results in the order the
	// provider produced them. The channel is closed when the session ends,
	// either because the provider finished, failed, or Close was called.
	Transcripts() <-chan Transcript

	// CloseSend signals end-of-audio. The provider flushes pending results and
	// then ends the session. Safe to call more than once.
	CloseSend() error

	// Err reports why the session ended. It is nil while the session is live
	// and after a clean end (CloseSend or Close); non-nil when the provider
	// dropped the stream.
	Err() error

	// Close terminates the session immediately and releases all resources.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately. The session lives at
	// most as long as ctx.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

package resilience

import (
	"context"

	"github.com/MrWong99/voxbridge/pkg/provider/stt"
)

// STTFallback is an [stt.Provider] that opens streams on the first backend
// whose breaker admits the call.
//
// Only stream setup is covered. A stream that faults later is reopened by the
// recognition controller, which goes through StartStream again and so lands
// on the next healthy backend.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a streaming transcription session against the first healthy
// provider.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// Available reports whether any backend's breaker accepts calls.
func (f *STTFallback) Available() bool { return f.group.Available() }

// States returns each backend's breaker state.
func (f *STTFallback) States() map[string]State { return f.group.States() }

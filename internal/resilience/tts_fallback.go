package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

// errNoAudio charges a backend that answered without rendering anything.
var errNoAudio = errors.New("resilience: backend returned no audio")

// TTSFallback is a [tts.Provider] that renders with the first backend whose
// breaker admits the call.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.Kind == "" {
		cfg.Kind = "tts"
	}
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize renders text with the first healthy backend. Empty audio
// counts as a failure of that backend. When every backend fails the error
// wraps both [ErrAllFailed] and [tts.ErrRender].
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	audio, err := ExecuteWithResult(ctx, f.group, func(p tts.Provider) ([]byte, error) {
		b, err := p.Synthesize(ctx, text, voice)
		if err == nil && len(b) == 0 {
			err = errNoAudio
		}
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tts.ErrRender, err)
	}
	return audio, nil
}

// Available reports whether any backend's breaker accepts calls.
func (f *TTSFallback) Available() bool { return f.group.Available() }

// States returns each backend's breaker state.
func (f *TTSFallback) States() map[string]State { return f.group.States() }

package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voxbridge/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxbridge/pkg/provider/tts/mock"
)

func TestTTSFallback_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{Audio: []byte("primary-audio")}
	secondary := &ttsmock.Provider{Audio: []byte("fallback-audio")}

	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("openai", secondary)

	audio, err := fb.Synthesize(context.Background(), "hello", tts.Voice{ID: "v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(audio) != "primary-audio" {
		t.Errorf("audio = %q, want primary-audio", audio)
	}
	if len(primary.SynthesizeCalls) != 1 || len(secondary.SynthesizeCalls) != 0 {
		t.Errorf("calls = %d/%d, want 1/0", len(primary.SynthesizeCalls), len(secondary.SynthesizeCalls))
	}
	if primary.SynthesizeCalls[0].Voice.ID != "v1" {
		t.Errorf("voice not forwarded: %+v", primary.SynthesizeCalls[0])
	}
}

func TestTTSFallback_Failover(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("primary down")}
	secondary := &ttsmock.Provider{Audio: []byte("fallback-audio")}

	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("openai", secondary)

	audio, err := fb.Synthesize(context.Background(), "hello", tts.Voice{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(audio) != "fallback-audio" {
		t.Errorf("audio = %q, want fallback-audio", audio)
	}
}

func TestTTSFallback_AllFailIsRenderError(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("primary down")}
	secondary := &ttsmock.Provider{Err: errors.New("secondary down")}

	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("openai", secondary)

	_, err := fb.Synthesize(context.Background(), "hello", tts.Voice{})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, tts.ErrRender) {
		t.Fatalf("err = %v, want ErrAllFailed and tts.ErrRender", err)
	}
	if fb.Available() {
		t.Error("Available() = true after every backend tripped")
	}
	if st := fb.States(); st["elevenlabs"] != StateOpen || st["openai"] != StateOpen {
		t.Errorf("States() = %v, want both open", st)
	}
}

func TestTTSFallback_EmptyAudioFailsOver(t *testing.T) {
	primary := &ttsmock.Provider{Audio: []byte{}}
	secondary := &ttsmock.Provider{Audio: []byte("fallback-audio")}

	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("openai", secondary)

	audio, err := fb.Synthesize(context.Background(), "hello", tts.Voice{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(audio) != "fallback-audio" {
		t.Errorf("audio = %q, want fallback-audio", audio)
	}
	if st := fb.States()["elevenlabs"]; st != StateOpen {
		t.Errorf("primary state = %v, want open after empty audio", st)
	}
}

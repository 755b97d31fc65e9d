package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/voxbridge/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.VoiceChanged || len(d.RestartRequired) != 0 {
		t.Errorf("Diff of identical configs = %+v", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, sampleYAML)
	new := mustLoad(t, sampleYAML)
	new.Server.LogLevel = config.LogTerse
	new.Voice.VoiceID = "voice-2"

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogTerse {
		t.Errorf("log level diff = %v/%q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.VoiceChanged || d.NewVoice.VoiceID != "voice-2" {
		t.Errorf("voice diff = %v/%+v", d.VoiceChanged, d.NewVoice)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, sampleYAML)
	new := mustLoad(t, sampleYAML)
	new.Server.ListenAddr = ":1"
	new.Agent.AgentID = "other"
	new.Providers.TTS.Options = map[string]any{"output_format": "pcm_16000"}
	new.Recognition.Keywords = nil

	d := config.Diff(old, new)
	want := []string{"server", "agent", "providers", "recognition"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
}

package config_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/pkg/provider/stt"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: verbose
  static_dir: ./web
auth:
  instance_url: https://example.my.salesforce.com
  client_id: cid
  client_secret: secret
  token_lifetime: 60m
agent:
  agent_id: 0XxAGENT
  call_timeout: 20s
providers:
  stt:
    name: deepgram
    api_key: dg-test
    model: nova-3
  tts:
    name: elevenlabs
    api_key: el-test
    options:
      output_format: mp3_22050_32
  tts_fallbacks:
    - name: openai
      api_key: sk-test
recognition:
  language: de-DE
  keywords:
    - keyword: Agentforce
      boost: 5
voice:
  voice_id: voice-1
  speaking_rate: 1.1
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogVerbose {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Auth.TokenLifetime != time.Hour {
		t.Errorf("token_lifetime = %v, want 1h", cfg.Auth.TokenLifetime)
	}
	if cfg.Agent.CallTimeout != 20*time.Second {
		t.Errorf("call_timeout = %v, want 20s", cfg.Agent.CallTimeout)
	}
	if got, _ := cfg.Providers.TTS.StringOption("output_format"); got != "mp3_22050_32" {
		t.Errorf("tts output_format = %q", got)
	}
	if len(cfg.Providers.TTSFallbacks) != 1 || cfg.Providers.TTSFallbacks[0].Name != "openai" {
		t.Errorf("tts_fallbacks = %+v", cfg.Providers.TTSFallbacks)
	}
	if len(cfg.Recognition.Keywords) != 1 || cfg.Recognition.Keywords[0].Boost != 5 {
		t.Errorf("keywords = %+v", cfg.Recognition.Keywords)
	}
	// Voice language follows recognition language when unset.
	if cfg.Voice.Language != "de-DE" {
		t.Errorf("voice.language = %q, want de-DE", cfg.Voice.Language)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "")

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"shutdown_timeout", cfg.Server.ShutdownTimeout, config.DefaultShutdownTimeout},
		{"token_lifetime", cfg.Auth.TokenLifetime, 90 * time.Minute},
		{"expiry_buffer", cfg.Auth.ExpiryBuffer, 5 * time.Minute},
		{"api_url", cfg.Agent.APIURL, config.DefaultAPIURL},
		{"call_timeout", cfg.Agent.CallTimeout, 30 * time.Second},
		{"teardown_timeout", cfg.Agent.TeardownTimeout, 10 * time.Second},
		{"stt", cfg.Providers.STT.Name, "deepgram"},
		{"tts", cfg.Providers.TTS.Name, "elevenlabs"},
		{"language", cfg.Recognition.Language, "en-US"},
		{"channels", cfg.Recognition.Channels, 1},
		{"restart_backoff", cfg.Recognition.RestartBackoff, time.Second},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "listen_adr") {
		t.Errorf("error should name the field, got %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	const bad = `
server:
  log_level: loud
auth:
  instance_url: "not a url"
  token_lifetime: 5m
  expiry_buffer: 10m
providers:
  tts_fallbacks:
    - api_key: x
recognition:
  sample_rate: -1
voice:
  speaking_rate: 9
`
	_, err := config.LoadFromReader(strings.NewReader(bad))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"server.log_level",
		"auth.instance_url",
		"auth.expiry_buffer",
		"providers.tts_fallbacks[0].name",
		"recognition.sample_rate",
		"voice.speaking_rate",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestValidate_MissingCredentialsOnlyWarn(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate() = %v, want nil for a config without credentials", err)
	}
}

func TestLogLevel_Slog(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level config.LogLevel
		want  slog.Level
		valid bool
	}{
		{config.LogDebug, slog.LevelDebug, true},
		{config.LogVerbose, slog.LevelDebug, true},
		{config.LogInfo, slog.LevelInfo, true},
		{config.LogWarn, slog.LevelWarn, true},
		{config.LogTerse, slog.LevelWarn, true},
		{config.LogError, slog.LevelError, true},
		{"chatty", slog.LevelInfo, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.level), func(t *testing.T) {
			if got := tc.level.Slog(); got != tc.want {
				t.Errorf("Slog() = %v, want %v", got, tc.want)
			}
			if got := tc.level.IsValid(); got != tc.valid {
				t.Errorf("IsValid() = %v, want %v", got, tc.valid)
			}
		})
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

type nopSTT struct{}

func (nopSTT) StartStream(context.Context, stt.StreamConfig) (stt.SessionHandle, error) {
	return nil, errors.New("nop")
}

type nopTTS struct{ key string }

func (nopTTS) Synthesize(context.Context, string, tts.Voice) ([]byte, error) { return nil, nil }

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterSTT("deepgram", func(config.ProviderEntry) (stt.Provider, error) { return nopSTT{}, nil })
	reg.RegisterTTS("openai", func(e config.ProviderEntry) (tts.Provider, error) { return nopTTS{key: e.APIKey}, nil })
	reg.RegisterTTS("elevenlabs", func(config.ProviderEntry) (tts.Provider, error) { return nopTTS{}, nil })

	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "deepgram"}); err != nil {
		t.Errorf("CreateSTT: %v", err)
	}
	p, err := reg.CreateTTS(config.ProviderEntry{Name: "openai", APIKey: "k"})
	if err != nil {
		t.Fatalf("CreateTTS: %v", err)
	}
	if p.(nopTTS).key != "k" {
		t.Error("factory did not receive the entry")
	}
	if got := reg.Names("tts"); len(got) != 2 || got[0] != "elevenlabs" || got[1] != "openai" {
		t.Errorf("Names(tts) = %v", got)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateSTT(config.ProviderEntry{Name: "whisper"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT err = %v, want ErrProviderNotRegistered", err)
	}
	_, err = reg.CreateTTS(config.ProviderEntry{Name: "coqui"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTTS err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_FactoryResults(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	errBoom := errors.New("boom")
	reg.RegisterSTT("broken", func(config.ProviderEntry) (stt.Provider, error) { return nil, errBoom })
	reg.RegisterSTT("empty", func(config.ProviderEntry) (stt.Provider, error) { return nil, nil })

	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "broken"}); !errors.Is(err, errBoom) {
		t.Errorf("broken err = %v, want factory error", err)
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "empty"}); err == nil {
		t.Error("nil provider without error must be rejected")
	}
	if got := reg.Names("stt"); len(got) != 2 || got[0] != "broken" || got[1] != "empty" {
		t.Errorf("Names(stt) = %v", got)
	}
	if got := reg.Names("llm"); got != nil {
		t.Errorf("Names(llm) = %v, want nil", got)
	}
}

// Package config provides the configuration schema, loader, and provider registry
// for the voxbridge relay.
//
// Configuration comes from an optional YAML file overlaid with environment
// variables (see [ApplyEnv]); every field has a usable default except the
// credentials of the agent platform.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the voxbridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"

	// LogVerbose is an alias for LogDebug.
	LogVerbose LogLevel = "verbose"
	// LogTerse is an alias for LogWarn.
	LogTerse LogLevel = "terse"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError, LogVerbose, LogTerse:
		return true
	}
	return false
}

// Slog maps l to the slog level it selects. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug, LogVerbose:
		return slog.LevelDebug
	case LogWarn, LogTerse:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for voxbridge.
// It is typically loaded with [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Agent       AgentConfig       `yaml:"agent"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Voice       VoiceConfig       `yaml:"voice"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// StaticDir, when set, is served at "/" (the browser client).
	StaticDir string `yaml:"static_dir"`

	// AllowedOrigins lists host patterns allowed to open cross-origin
	// WebSocket connections. Same-origin clients are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown. Default 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AuthConfig configures the OAuth client-credentials exchange with the agent
// platform's identity provider.
type AuthConfig struct {
	// InstanceURL is the org instance base URL; the token endpoint lives
	// below it.
	InstanceURL string `yaml:"instance_url"`

	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// TokenLifetime is how long a fetched token is trusted, regardless of the
	// provider's stated lifetime. Default 90m.
	TokenLifetime time.Duration `yaml:"token_lifetime"`

	// ExpiryBuffer is how long before expiry a token is refreshed. Default 5m.
	ExpiryBuffer time.Duration `yaml:"expiry_buffer"`
}

// AgentConfig selects the conversational agent and bounds its calls.
type AgentConfig struct {
	// APIURL is the agent API base URL.
	APIURL string `yaml:"api_url"`

	// AgentID identifies the agent every connection talks to.
	AgentID string `yaml:"agent_id"`

	// CallTimeout bounds session creation and message exchange. Default 30s.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// TeardownTimeout bounds session deletion. Default 10s.
	TeardownTimeout time.Duration `yaml:"teardown_timeout"`
}

// ProvidersConfig declares which provider implementation to use for speech
// recognition and synthesis. Each entry selects a named provider registered
// in the [Registry]; fallbacks are tried in order when the primary fails.
type ProvidersConfig struct {
	STT          ProviderEntry   `yaml:"stt"`
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	TTS          ProviderEntry   `yaml:"tts"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "deepgram", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// StringOption returns Options[key] when it is a non-empty string.
func (e ProviderEntry) StringOption(key string) (string, bool) {
	s, ok := e.Options[key].(string)
	return s, ok && s != ""
}

// RecognitionConfig describes the browser audio and the recognition stream.
type RecognitionConfig struct {
	// Encoding of the audio chunks. Empty lets the provider sniff the
	// container, which is right for browser webm/ogg.
	Encoding string `yaml:"encoding"`

	// SampleRate in Hz for raw encodings. Zero uses the provider default.
	SampleRate int `yaml:"sample_rate"`

	Channels int `yaml:"channels"`

	// Language is the BCP-47 recognition language. Default "en-US".
	Language string `yaml:"language"`

	// Keywords boosts uncommon vocabulary.
	Keywords []KeywordConfig `yaml:"keywords"`

	// RestartBackoff is the pause before a failed stream is reopened.
	// Default 1s.
	RestartBackoff time.Duration `yaml:"restart_backoff"`
}

// KeywordConfig is one recognition vocabulary hint.
type KeywordConfig struct {
	Keyword string  `yaml:"keyword"`
	Boost   float64 `yaml:"boost"`
}

// VoiceConfig specifies the TTS voice used for every reply.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Language of the voice. Providers that infer it ignore the field.
	Language string `yaml:"language"`

	// SpeakingRate in the range [0.25, 4.0]. Zero means provider default.
	SpeakingRate float64 `yaml:"speaking_rate"`
}

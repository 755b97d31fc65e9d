package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr      = ":8080"
	DefaultAPIURL          = "https://api.salesforce.com"
	DefaultLanguage        = "en-US"
	DefaultTokenLifetime   = 90 * time.Minute
	DefaultExpiryBuffer    = 5 * time.Minute
	DefaultCallTimeout     = 30 * time.Second
	DefaultTeardownTimeout = 10 * time.Second
	DefaultRestartBackoff  = time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultSTTProvider     = "deepgram"
	DefaultTTSProvider     = "elevenlabs"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "whisper"},
	"tts": {"elevenlabs", "openai"},
}

// LookupFunc resolves an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// envOverride maps one environment variable onto a config field.
type envOverride struct {
	name  string
	apply func(cfg *Config, value string) error
}

// envOverrides is applied in order, so later entries win when two variables
// target the same field.
var envOverrides = []envOverride{
	{"PORT", func(c *Config, v string) error {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("PORT %q is not a valid port", v)
		}
		c.Server.ListenAddr = ":" + v
		return nil
	}},
	{"LOG_VERBOSITY", setString(func(c *Config) *string { return (*string)(&c.Server.LogLevel) })},
	{"SALESFORCE_INSTANCE_URL", setString(func(c *Config) *string { return &c.Auth.InstanceURL })},
	{"SALESFORCE_CLIENT_ID", setString(func(c *Config) *string { return &c.Auth.ClientID })},
	{"SALESFORCE_CLIENT_SECRET", setString(func(c *Config) *string { return &c.Auth.ClientSecret })},
	{"SALESFORCE_API_URL", setString(func(c *Config) *string { return &c.Agent.APIURL })},
	{"AGENT_ID", setString(func(c *Config) *string { return &c.Agent.AgentID })},
	{"DEEPGRAM_API_KEY", setString(func(c *Config) *string { return &c.Providers.STT.APIKey })},
	{"ELEVENLABS_API_KEY", setString(func(c *Config) *string { return &c.Providers.TTS.APIKey })},

	{"VOXBRIDGE_LISTEN_ADDR", setString(func(c *Config) *string { return &c.Server.ListenAddr })},
	{"VOXBRIDGE_LOG_LEVEL", setString(func(c *Config) *string { return (*string)(&c.Server.LogLevel) })},
	{"VOXBRIDGE_STATIC_DIR", setString(func(c *Config) *string { return &c.Server.StaticDir })},
	{"VOXBRIDGE_AGENT_ID", setString(func(c *Config) *string { return &c.Agent.AgentID })},
	{"VOXBRIDGE_STT_PROVIDER", setString(func(c *Config) *string { return &c.Providers.STT.Name })},
	{"VOXBRIDGE_STT_API_KEY", setString(func(c *Config) *string { return &c.Providers.STT.APIKey })},
	{"VOXBRIDGE_TTS_PROVIDER", setString(func(c *Config) *string { return &c.Providers.TTS.Name })},
	{"VOXBRIDGE_TTS_API_KEY", setString(func(c *Config) *string { return &c.Providers.TTS.APIKey })},
	{"VOXBRIDGE_VOICE_ID", setString(func(c *Config) *string { return &c.Voice.VoiceID })},
	{"VOXBRIDGE_LANGUAGE", setString(func(c *Config) *string { return &c.Recognition.Language })},
	{"VOXBRIDGE_TOKEN_LIFETIME", setDuration(func(c *Config) *time.Duration { return &c.Auth.TokenLifetime })},
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func setDuration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

// EnvNames returns the environment variables [ApplyEnv] consults, in order.
func EnvNames() []string {
	names := make([]string, len(envOverrides))
	for i, o := range envOverrides {
		names[i] = o.name
	}
	return names
}

// Load reads the YAML configuration file at path, overlays the process
// environment, and returns a validated [Config]. An empty path skips the file
// and configures from the environment alone.
func Load(path string) (*Config, error) {
	if path == "" {
		return build(&Config{}, os.LookupEnv)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := loadBytes(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. The environment is not consulted; see [ApplyEnv].
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	return build(cfg, nil)
}

func loadBytes(data []byte, lookup LookupFunc) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return build(cfg, lookup)
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

func build(cfg *Config, lookup LookupFunc) (*Config, error) {
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays every set, non-empty environment variable listed in
// envOverrides onto cfg.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error
	for _, o := range envOverrides {
		v, ok := lookup(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("config: env %s: %w", o.name, err))
		}
	}
	return errors.Join(errs...)
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	def := func(s *string, v string) {
		if *s == "" {
			*s = v
		}
	}
	defDur := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}

	def(&cfg.Server.ListenAddr, DefaultListenAddr)
	def((*string)(&cfg.Server.LogLevel), string(LogInfo))
	defDur(&cfg.Server.ShutdownTimeout, DefaultShutdownTimeout)

	defDur(&cfg.Auth.TokenLifetime, DefaultTokenLifetime)
	defDur(&cfg.Auth.ExpiryBuffer, DefaultExpiryBuffer)

	def(&cfg.Agent.APIURL, DefaultAPIURL)
	defDur(&cfg.Agent.CallTimeout, DefaultCallTimeout)
	defDur(&cfg.Agent.TeardownTimeout, DefaultTeardownTimeout)

	def(&cfg.Providers.STT.Name, DefaultSTTProvider)
	def(&cfg.Providers.TTS.Name, DefaultTTSProvider)

	def(&cfg.Recognition.Language, DefaultLanguage)
	if cfg.Recognition.Channels == 0 {
		cfg.Recognition.Channels = 1
	}
	defDur(&cfg.Recognition.RestartBackoff, DefaultRestartBackoff)

	def(&cfg.Voice.Language, cfg.Recognition.Language)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Missing credentials are only warned about: the server still starts and
// reports not-ready until a token can be fetched.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error, verbose, terse", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Auth
	if cfg.Auth.InstanceURL == "" {
		slog.Warn("auth.instance_url is empty; agent calls will fail until it is configured")
	} else if err := checkURL(cfg.Auth.InstanceURL); err != nil {
		errs = append(errs, fmt.Errorf("auth.instance_url: %w", err))
	}
	if cfg.Auth.ClientID == "" || cfg.Auth.ClientSecret == "" {
		slog.Warn("auth.client_id or auth.client_secret is empty; no access token can be fetched")
	}
	if cfg.Auth.TokenLifetime < 0 || cfg.Auth.ExpiryBuffer < 0 {
		errs = append(errs, errors.New("auth.token_lifetime and auth.expiry_buffer must not be negative"))
	} else if cfg.Auth.TokenLifetime > 0 && cfg.Auth.ExpiryBuffer >= cfg.Auth.TokenLifetime {
		errs = append(errs, fmt.Errorf("auth.expiry_buffer %s must be shorter than auth.token_lifetime %s", cfg.Auth.ExpiryBuffer, cfg.Auth.TokenLifetime))
	}

	// Agent
	if cfg.Agent.APIURL != "" {
		if err := checkURL(cfg.Agent.APIURL); err != nil {
			errs = append(errs, fmt.Errorf("agent.api_url: %w", err))
		}
	}
	if cfg.Agent.AgentID == "" {
		slog.Warn("agent.agent_id is empty; every turn will fail with a session error")
	}
	if cfg.Agent.CallTimeout < 0 || cfg.Agent.TeardownTimeout < 0 {
		errs = append(errs, errors.New("agent.call_timeout and agent.teardown_timeout must not be negative"))
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
	}
	for i, fb := range cfg.Providers.TTSFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
		validateProviderName("tts", fb.Name)
	}

	// Recognition
	if cfg.Recognition.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("recognition.sample_rate %d must not be negative", cfg.Recognition.SampleRate))
	}
	if cfg.Recognition.Channels < 0 {
		errs = append(errs, fmt.Errorf("recognition.channels %d must not be negative", cfg.Recognition.Channels))
	}
	if cfg.Recognition.RestartBackoff < 0 {
		errs = append(errs, errors.New("recognition.restart_backoff must not be negative"))
	}
	for i, kw := range cfg.Recognition.Keywords {
		if strings.TrimSpace(kw.Keyword) == "" {
			errs = append(errs, fmt.Errorf("recognition.keywords[%d].keyword is required", i))
		}
	}

	// Voice
	if r := cfg.Voice.SpeakingRate; r != 0 && (r < 0.25 || r > 4.0) {
		errs = append(errs, fmt.Errorf("voice.speaking_rate %.2f is out of range [0.25, 4.0]", r))
	}
	if cfg.Voice.VoiceID == "" && cfg.Providers.TTS.Name == "elevenlabs" {
		slog.Warn("voice.voice_id is empty; elevenlabs cannot render replies without a voice")
	}

	return errors.Join(errs...)
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must be an absolute http(s) URL", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

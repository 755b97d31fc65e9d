package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only the log level and the reply voice are applied without restart; any
// other changed section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VoiceChanged bool
	NewVoice     VoiceConfig

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart, in schema order.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Voice != new.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Voice
	}

	os, ns := old.Server, new.Server
	if os.ListenAddr != ns.ListenAddr || os.StaticDir != ns.StaticDir ||
		os.ShutdownTimeout != ns.ShutdownTimeout || !sameTLS(os.TLS, ns.TLS) ||
		!slices.Equal(os.AllowedOrigins, ns.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Auth != new.Auth {
		d.RestartRequired = append(d.RestartRequired, "auth")
	}
	if old.Agent != new.Agent {
		d.RestartRequired = append(d.RestartRequired, "agent")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !sameRecognition(old.Recognition, new.Recognition) {
		d.RestartRequired = append(d.RestartRequired, "recognition")
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameProviders(a, b ProvidersConfig) bool {
	return sameEntries([]ProviderEntry{a.STT}, []ProviderEntry{b.STT}) &&
		sameEntries([]ProviderEntry{a.TTS}, []ProviderEntry{b.TTS}) &&
		sameEntries(a.STTFallbacks, b.STTFallbacks) &&
		sameEntries(a.TTSFallbacks, b.TTSFallbacks)
}

// sameEntries compares the scalar fields of provider entries; Options are
// compared by key set and printed value.
func sameEntries(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Name != y.Name || x.APIKey != y.APIKey || x.BaseURL != y.BaseURL || x.Model != y.Model {
			return false
		}
		if len(x.Options) != len(y.Options) {
			return false
		}
		for k, v := range x.Options {
			w, ok := y.Options[k]
			if !ok || !sameValue(v, w) {
				return false
			}
		}
	}
	return true
}

func sameValue(a, b any) bool {
	switch a.(type) {
	case string, bool, int, float64:
		return a == b
	}
	// Nested maps and lists only occur in hand-edited files; treat them as
	// changed.
	return false
}

func sameRecognition(a, b RecognitionConfig) bool {
	if a.Encoding != b.Encoding || a.SampleRate != b.SampleRate || a.Channels != b.Channels ||
		a.Language != b.Language || a.RestartBackoff != b.RestartBackoff {
		return false
	}
	if len(a.Keywords) != len(b.Keywords) {
		return false
	}
	for i := range a.Keywords {
		if a.Keywords[i] != b.Keywords[i] {
			return false
		}
	}
	return true
}

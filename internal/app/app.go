// Package app wires the voxbridge subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New builds the token manager, the
// agent client and the relay handler from the config, Run serves HTTP until
// its context ends, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithTokens,
// WithAgentProvider, WithMetricsHandler). When an option is not provided,
// New creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxbridge/internal/agent"
	"github.com/MrWong99/voxbridge/internal/auth"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/relay"
	agentapi "github.com/MrWong99/voxbridge/pkg/provider/agent"
	"github.com/MrWong99/voxbridge/pkg/provider/agent/agentforce"
	"github.com/MrWong99/voxbridge/pkg/provider/stt"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

// Providers holds the speech providers, populated by main.go via the config
// registry. Both are required.
type Providers struct {
	STT stt.Provider
	TTS tts.Provider
}

// TokenManager is the process-wide access token cache. *auth.Manager
// implements it.
type TokenManager interface {
	agent.TokenSource
	health.TokenStatuser
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	tokens   TokenManager
	agents   agentapi.Provider
	metrics  *observe.Metrics
	promHTTP http.Handler
	level    *slog.LevelVar
	voice    atomic.Pointer[tts.Voice]

	relay   *relay.Handler
	health  *health.Handler
	handler http.Handler
	server  *http.Server
	started time.Time

	tokenRetry   time.Duration
	tokenRefresh time.Duration

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTokens injects a token manager instead of creating an *auth.Manager
// from config.
func WithTokens(t TokenManager) Option {
	return func(a *App) { a.tokens = t }
}

// WithAgentProvider injects an agent platform client instead of creating an
// Agentforce client from config.
func WithAgentProvider(p agentapi.Provider) Option {
	return func(a *App) { a.agents = p }
}

// WithMetrics sets the metrics instance shared by every subsystem.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. The default is
// promhttp.Handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.promHTTP = h }
}

// WithLevelVar lets the app adjust the log level of the caller's logger when
// the config is reloaded.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithTokenRefresh sets how often the background keeper revalidates the
// token after a success (refresh) and after a failure (retry).
func WithTokenRefresh(refresh, retry time.Duration) Option {
	return func(a *App) {
		a.tokenRefresh = refresh
		a.tokenRetry = retry
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must already be
// validated. Use Option functions to inject test doubles.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.TTS == nil {
		return nil, errors.New("app: stt and tts providers are required")
	}
	a := &App{
		cfg:          cfg,
		providers:    providers,
		started:      time.Now(),
		tokenRefresh: defaultTokenRefresh,
		tokenRetry:   defaultTokenRetry,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.promHTTP == nil {
		a.promHTTP = promhttp.Handler()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Slog())
	}

	if a.tokens == nil {
		a.tokens = auth.New(cfg.Auth.InstanceURL, cfg.Auth.ClientID, cfg.Auth.ClientSecret,
			auth.WithLifetime(cfg.Auth.TokenLifetime),
			auth.WithExpiryBuffer(cfg.Auth.ExpiryBuffer),
			auth.WithMetrics(a.metrics),
		)
	}
	if a.agents == nil {
		client, err := agentforce.New(cfg.Agent.APIURL, cfg.Auth.InstanceURL)
		if err != nil {
			return nil, fmt.Errorf("app: agent client: %w", err)
		}
		a.agents = client
	}

	v := voiceFromConfig(cfg)
	a.voice.Store(&v)

	a.relay = relay.NewHandler(relay.Config{
		STT:             providers.STT,
		TTS:             providers.TTS,
		Agents:          a.agents,
		Tokens:          a.tokens,
		AgentID:         cfg.Agent.AgentID,
		CallTimeout:     cfg.Agent.CallTimeout,
		TeardownTimeout: cfg.Agent.TeardownTimeout,
		Stream:          streamFromConfig(cfg),
		RestartBackoff:  cfg.Recognition.RestartBackoff,
		Voice:           a.currentVoice,
		Metrics:         a.metrics,
	}, relay.WithOriginPatterns(cfg.Server.AllowedOrigins...))

	a.health = health.New(
		health.TokenCheck(a.tokens),
		health.ProvidersCheck(availability(providers)),
	)

	a.handler = observe.Middleware(a.metrics)(a.routes())
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.closers = append(a.closers, a.closeProviders)

	return a, nil
}

func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", a.relay)
	a.health.Register(mux)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.Handle("GET /metrics", a.promHTTP)
	if dir := a.cfg.Server.StaticDir; dir != "" {
		mux.Handle("/", http.FileServer(http.Dir(dir)))
	}
	return mux
}

// Handler returns the root HTTP handler with all routes and middleware.
func (a *App) Handler() http.Handler { return a.handler }

// Relay returns the WebSocket handler.
func (a *App) Relay() *relay.Handler { return a.relay }

func (a *App) currentVoice() tts.Voice { return *a.voice.Load() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled.
// It returns ctx's error after a normal stop; the caller then calls Shutdown.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	go a.keepToken(ctx)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		errCh <- err
	}()

	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a changed config: the log
// level and the reply voice. Sections that need a restart are logged.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VoiceChanged {
		v := voiceFromConfig(new)
		a.voice.Store(&v)
		slog.Info("reply voice changed", "voice_id", v.ID, "language", v.Language)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes live WebSocket connections, stops the HTTP server and runs
// the closers. It is safe to call more than once; later calls return nil.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "connections", a.relay.Active(), "closers", len(a.closers))
		a.health.Drain()

		// Hijacked WebSocket connections are not covered by server.Shutdown.
		if err := a.relay.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: close connections: %w", err))
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: stop http server: %w", err))
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// closeProviders releases providers that hold resources.
func (a *App) closeProviders() error {
	var errs []error
	for _, p := range []any{a.providers.STT, a.providers.TTS} {
		if c, ok := p.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func voiceFromConfig(cfg *config.Config) tts.Voice {
	return tts.Voice{
		ID:           cfg.Voice.VoiceID,
		Language:     cfg.Voice.Language,
		SpeakingRate: cfg.Voice.SpeakingRate,
	}
}

func streamFromConfig(cfg *config.Config) stt.StreamConfig {
	rc := cfg.Recognition
	sc := stt.StreamConfig{
		Encoding:       rc.Encoding,
		SampleRate:     rc.SampleRate,
		Channels:       rc.Channels,
		Language:       rc.Language,
		InterimResults: true,
	}
	for _, k := range rc.Keywords {
		sc.Keywords = append(sc.Keywords, stt.KeywordBoost{Keyword: k.Keyword, Boost: k.Boost})
	}
	return sc
}

type alwaysAvailable struct{}

func (alwaysAvailable) Available() bool { return true }

// availability reports each provider's circuit state when it has one.
func availability(ps *Providers) map[string]health.Availability {
	m := make(map[string]health.Availability, 2)
	for name, p := range map[string]any{"stt": ps.STT, "tts": ps.TTS} {
		if av, ok := p.(health.Availability); ok {
			m[name] = av
		} else {
			m[name] = alwaysAvailable{}
		}
	}
	return m
}

// Package auth manages the process-wide OAuth access token used for every
// agent platform call.
//
// A [Manager] caches one token and refreshes it through a client-credentials
// exchange when it is absent or about to expire. Concurrent callers that find
// the cache stale share a single in-flight exchange.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/voxbridge/internal/observe"
)

// ErrAuth is returned when credentials are missing or the token endpoint
// rejects the exchange.
var ErrAuth = errors.New("auth: token unavailable")

const (
	// DefaultLifetime is the validity assumed for every fetched token,
	// independent of what the provider reports.
	DefaultLifetime = 90 * time.Minute

	// DefaultExpiryBuffer is how long before expiry a cached token is
	// considered stale.
	DefaultExpiryBuffer = 5 * time.Minute

	refreshTimeout = 15 * time.Second
	refreshKey     = "token"
	tokenPath      = "/services/oauth2/token"
)

// Option is a functional option for configuring a [Manager].
type Option func(*Manager)

// WithLifetime overrides [DefaultLifetime].
func WithLifetime(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lifetime = d
		}
	}
}

// WithExpiryBuffer overrides [DefaultExpiryBuffer].
func WithExpiryBuffer(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.buffer = d
		}
	}
}

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		m.httpClient = c
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) {
		m.metrics = met
	}
}

// WithClock replaces time.Now. Used by tests to move past expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Status is a point-in-time view of the cached token.
type Status struct {
	// Present is true when a token is cached.
	Present bool

	// ExpiresAt is the conservative expiry assigned at fetch time. Zero when
	// no token is cached.
	ExpiresAt time.Time

	// Valid is true when a token is cached and has not yet expired.
	Valid bool
}

// Manager caches and refreshes the access token. It is safe for concurrent
// use; one Manager is shared by all connections.
type Manager struct {
	creds      clientcredentials.Config
	lifetime   time.Duration
	buffer     time.Duration
	httpClient *http.Client
	metrics    *observe.Metrics
	now        func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// New creates a Manager that exchanges clientID and clientSecret at
// instanceURL's token endpoint. Missing credentials are not an error here;
// [Manager.Token] reports them as [ErrAuth].
func New(instanceURL, clientID, clientSecret string, opts ...Option) *Manager {
	m := &Manager{
		creds: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     strings.TrimRight(instanceURL, "/") + tokenPath,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		lifetime: DefaultLifetime,
		buffer:   DefaultExpiryBuffer,
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if instanceURL == "" {
		m.creds.TokenURL = ""
	}
	return m
}

// Token returns a usable access token, refreshing it when the cache is empty
// or within the expiry buffer. If a refresh is already running the caller
// waits for its result instead of starting another. Cancelling ctx abandons
// the wait but not the shared refresh.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if tok, ok := m.cached(); ok {
		return tok, nil
	}

	ch := m.group.DoChan(refreshKey, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached token so the next [Manager.Token] refreshes.
// Callers use it after the agent platform rejects a token with 401.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()
}

// Status reports whether a token is cached and when it expires.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{Present: m.token != "", ExpiresAt: m.expiresAt}
	st.Valid = st.Present && m.now().Before(m.expiresAt)
	return st
}

func (m *Manager) cached() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == "" {
		return "", false
	}
	if !m.now().Before(m.expiresAt.Add(-m.buffer)) {
		return "", false
	}
	return m.token, true
}

// refresh runs inside the singleflight group. A flight that starts just after
// another one stored a fresh token returns that token without an exchange.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	if tok, ok := m.cached(); ok {
		return tok, nil
	}
	if m.creds.ClientID == "" || m.creds.ClientSecret == "" || m.creds.TokenURL == "" {
		return "", fmt.Errorf("%w: client credentials not configured", ErrAuth)
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}

	start := time.Now()
	tok, err := m.creds.Token(ctx)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		m.metrics.RecordTokenRefresh(ctx, "error", elapsed)
		observe.Logger(ctx).Warn("auth: token exchange failed", "err", err)
		return "", fmt.Errorf("%w: exchange: %v", ErrAuth, err)
	}
	if tok.AccessToken == "" {
		m.metrics.RecordTokenRefresh(ctx, "error", elapsed)
		return "", fmt.Errorf("%w: exchange returned an empty token", ErrAuth)
	}
	m.metrics.RecordTokenRefresh(ctx, "ok", elapsed)

	expires := m.now().Add(m.lifetime)
	m.mu.Lock()
	m.token = tok.AccessToken
	m.expiresAt = expires
	m.mu.Unlock()

	observe.Logger(ctx).Debug("auth: token refreshed", "expires_at", expires)
	return tok.AccessToken, nil
}

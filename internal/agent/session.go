// Package agent manages the remote agent conversation that belongs to one
// client connection.
//
// A [Session] lazily creates the remote conversation, numbers every posted
// message, and recovers from the two failures the platform reports during a
// long-lived voice session: a rejected token (401) and an expired session
// (404). Each recovery is attempted at most once per [Session.Send].
//
// State machine:
//
//	NoSession ──Ensure──▶ Active ──End──▶ NoSession
//	                        │
//	                   Reset│ 404 on send
//	                        ▼
//	               teardown, then create ──▶ Active
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/internal/observe"
	agentapi "github.com/MrWong99/voxbridge/pkg/provider/agent"
)

var (
	// ErrSessionCreate is returned when the remote session cannot be created,
	// including when no agent ID is configured.
	ErrSessionCreate = errors.New("agent: session create failed")

	// ErrSessionExpired marks a send rejected because the platform no longer
	// knows the session. Send recovers from it by recreating the session.
	ErrSessionExpired = errors.New("agent: session expired")

	// ErrAgentCall is returned when a message cannot be delivered after the
	// permitted recoveries.
	ErrAgentCall = errors.New("agent: call failed")
)

// NoResponseReply is returned by [Session.Send] when the agent answered
// without any Inform message.
const NoResponseReply = "received but no response"

const (
	// DefaultCallTimeout bounds create and send calls.
	DefaultCallTimeout = 30 * time.Second

	// DefaultTeardownTimeout bounds remote session deletion.
	DefaultTeardownTimeout = 10 * time.Second
)

// TokenSource supplies bearer tokens for platform calls. *auth.Manager
// implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Config configures a [Session].
type Config struct {
	// Provider is the agent platform client. Required.
	Provider agentapi.Provider

	// Tokens supplies bearer tokens. Required.
	Tokens TokenSource

	// AgentID is the agent to converse with. An empty ID makes every create
	// fail with [ErrSessionCreate].
	AgentID string

	// CallTimeout bounds create and send. Defaults to [DefaultCallTimeout].
	CallTimeout time.Duration

	// TeardownTimeout bounds remote deletion. Defaults to
	// [DefaultTeardownTimeout].
	TeardownTimeout time.Duration

	// Metrics records call counts and latency. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Session is the agent conversation of one connection. Calls are serialized;
// a second caller waits until the first one finishes.
type Session struct {
	provider        agentapi.Provider
	tokens          TokenSource
	agentID         string
	callTimeout     time.Duration
	teardownTimeout time.Duration
	metrics         *observe.Metrics
	log             *slog.Logger

	mu     sync.Mutex
	remote *agentapi.Session
	seq    int
}

// New creates a Session with no remote conversation.
func New(cfg Config) *Session {
	s := &Session{
		provider:        cfg.Provider,
		tokens:          cfg.Tokens,
		agentID:         cfg.AgentID,
		callTimeout:     cfg.CallTimeout,
		teardownTimeout: cfg.TeardownTimeout,
		metrics:         cfg.Metrics,
		log:             cfg.Logger,
	}
	if s.callTimeout <= 0 {
		s.callTimeout = DefaultCallTimeout
	}
	if s.teardownTimeout <= 0 {
		s.teardownTimeout = DefaultTeardownTimeout
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Ensure creates the remote conversation if none is active.
func (s *Session) Ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(ctx)
}

// Send posts text and returns the agent's reply: the first Inform message,
// or [NoResponseReply] if there is none. A 401 invalidates the token and
// retries once; a 404 recreates the session and retries once.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "agent.send")
	defer span.End()

	var retriedAuth, retriedExpiry bool
	for {
		if err := s.ensureLocked(ctx); err != nil {
			return "", err
		}
		token, err := s.tokens.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrAgentCall, err)
		}

		msgs, err := s.send(ctx, token, *s.remote, s.seq, text)
		code := agentapi.StatusCode(err)
		// A rejected token means the message was never accepted; its
		// number is reused.
		if code != http.StatusUnauthorized {
			s.seq++
		}
		if err == nil {
			if reply, ok := agentapi.FirstInform(msgs); ok {
				return reply, nil
			}
			return NoResponseReply, nil
		}

		switch {
		case code == http.StatusUnauthorized && !retriedAuth:
			retriedAuth = true
			s.log.Info("agent: token rejected, refreshing", "session_id", s.remote.ID)
			s.tokens.Invalidate()
			continue
		case code == http.StatusNotFound && !retriedExpiry:
			retriedExpiry = true
			s.log.Info("agent: recreating session", "session_id", s.remote.ID, "reason", ErrSessionExpired)
			s.teardownLocked(ctx)
			continue
		}
		span.RecordError(err)
		return "", fmt.Errorf("%w: %w", ErrAgentCall, err)
	}
}

// Reset ends the current conversation, if any, and immediately starts a new
// one. Teardown failures are logged and do not prevent the new session.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked(ctx)
	return s.ensureLocked(ctx)
}

// End deletes the remote conversation. Failures are logged only; the local
// reference is always cleared. A no-op without an active session.
func (s *Session) End(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked(ctx)
}

// Active reports whether a remote conversation exists.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote != nil
}

// ID returns the remote session ID, or "" without an active session.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return ""
	}
	return s.remote.ID
}

func (s *Session) ensureLocked(ctx context.Context) error {
	if s.remote != nil {
		return nil
	}
	if s.agentID == "" {
		return fmt.Errorf("%w: agent ID not configured", ErrSessionCreate)
	}
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSessionCreate, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	start := time.Now()
	sess, err := s.provider.CreateSession(callCtx, token, s.agentID)
	s.metrics.RecordAgentCall(ctx, "create", callStatus(err), time.Since(start).Seconds())
	if err != nil {
		if agentapi.StatusCode(err) == http.StatusUnauthorized {
			s.tokens.Invalidate()
		}
		return fmt.Errorf("%w: %w", ErrSessionCreate, err)
	}

	s.remote = &sess
	s.seq = 1
	s.log.Debug("agent: session created", "session_id", sess.ID)
	return nil
}

func (s *Session) send(ctx context.Context, token string, sess agentapi.Session, seq int, text string) ([]agentapi.Message, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	start := time.Now()
	msgs, err := s.provider.SendMessage(callCtx, token, sess, seq, text)
	s.metrics.RecordAgentCall(ctx, "send", callStatus(err), time.Since(start).Seconds())
	return msgs, err
}

// teardownLocked deletes the remote session best-effort. It runs even when
// ctx is already cancelled, as it is on connection close.
func (s *Session) teardownLocked(ctx context.Context) {
	if s.remote == nil {
		return
	}
	sess := *s.remote
	s.remote = nil
	s.seq = 0

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.teardownTimeout)
	defer cancel()

	token, err := s.tokens.Token(tctx)
	if err != nil {
		s.log.Warn("agent: skipping session delete, no token", "session_id", sess.ID, "err", err)
		return
	}
	start := time.Now()
	err = s.provider.EndSession(tctx, token, sess)
	s.metrics.RecordAgentCall(tctx, "end", callStatus(err), time.Since(start).Seconds())
	if err != nil {
		s.log.Warn("agent: session delete failed", "session_id", sess.ID, "err", err)
		return
	}
	s.log.Debug("agent: session ended", "session_id", sess.ID)
}

// callStatus maps a call result to the metric status attribute.
func callStatus(err error) string {
	if err == nil {
		return "ok"
	}
	if code := agentapi.StatusCode(err); code != 0 {
		return strconv.Itoa(code)
	}
	return "error"
}

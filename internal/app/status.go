package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/MrWong99/voxbridge/internal/relay"
	"github.com/MrWong99/voxbridge/internal/resilience"
)

// Status is the JSON body of GET /status.
type Status struct {
	StartedAt         time.Time                    `json:"started_at"`
	UptimeSeconds     float64                      `json:"uptime_seconds"`
	ActiveConnections int                          `json:"active_connections"`
	Connections       []relay.Info                 `json:"connections"`
	Token             TokenInfo                    `json:"token"`
	Providers         map[string]map[string]string `json:"providers,omitempty"`
}

// TokenInfo describes the cached access token without revealing it.
type TokenInfo struct {
	Present   bool       `json:"present"`
	Valid     bool       `json:"valid"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type stateReporter interface {
	States() map[string]resilience.State
}

// Status returns a snapshot of the running server.
func (a *App) Status() Status {
	conns := a.relay.Connections()
	ts := a.tokens.Status()
	st := Status{
		StartedAt:         a.started.UTC(),
		UptimeSeconds:     time.Since(a.started).Seconds(),
		ActiveConnections: len(conns),
		Connections:       conns,
		Token:             TokenInfo{Present: ts.Present, Valid: ts.Valid},
	}
	if ts.Present {
		exp := ts.ExpiresAt.UTC()
		st.Token.ExpiresAt = &exp
	}
	for kind, p := range map[string]any{"stt": a.providers.STT, "tts": a.providers.TTS} {
		sr, ok := p.(stateReporter)
		if !ok {
			continue
		}
		if st.Providers == nil {
			st.Providers = make(map[string]map[string]string)
		}
		states := make(map[string]string)
		for name, s := range sr.States() {
			states[name] = s.String()
		}
		st.Providers[kind] = states
	}
	return st
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(a.Status()); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

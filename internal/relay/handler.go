package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// readLimit bounds a single client frame. Base64 audio chunks from
// MediaRecorder regularly exceed the library's 32 KiB default.
const readLimit = 1 << 20

// ErrShuttingDown is returned for upgrade requests that arrive after
// [Handler.Shutdown] started.
var ErrShuttingDown = errors.New("relay: shutting down")

// HandlerOption configures a [Handler].
type HandlerOption func(*Handler)

// WithOriginPatterns allows cross-origin WebSocket upgrades from hosts
// matching the given patterns (see websocket.AcceptOptions).
func WithOriginPatterns(patterns ...string) HandlerOption {
	return func(h *Handler) { h.origins = patterns }
}

// WithIDFunc replaces the connection ID generator. The default is
// uuid.NewString.
func WithIDFunc(fn func() string) HandlerOption {
	return func(h *Handler) { h.newID = fn }
}

// Handler upgrades requests to WebSocket connections and runs a [Conn] for
// each one. It tracks the live connections for status reporting and
// shutdown.
type Handler struct {
	cfg     Config
	origins []string
	newID   func() string

	wg sync.WaitGroup

	mu      sync.Mutex
	closing bool
	conns   map[string]*tracked
}

type tracked struct {
	conn   *Conn
	ws     *websocket.Conn
	cancel context.CancelFunc
}

// NewHandler creates a Handler that serves every connection with cfg.
func NewHandler(cfg Config, opts ...HandlerOption) *Handler {
	h := &Handler{
		cfg:   cfg.withDefaults(),
		newID: uuid.NewString,
		conns: make(map[string]*tracked),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP accepts the WebSocket upgrade and blocks until the connection
// ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		// Accept has already written the HTTP error response.
		slog.Warn("relay: websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(readLimit)

	// Detached from the request so that only the socket and Shutdown end
	// the connection.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	c := NewConn(h.newID(), ws, h.cfg)
	if err := h.track(&tracked{conn: c, ws: ws, cancel: cancel}); err != nil {
		ws.Close(websocket.StatusTryAgainLater, "server shutting down")
		return
	}
	defer h.untrack(c.ID())

	err = c.Run(ctx)
	switch {
	case h.isClosing():
		// Shutdown already closed the socket.
	case err != nil:
		c.log.Warn("relay: connection ended with error", "err", err)
		ws.Close(websocket.StatusInternalError, "connection error")
	default:
		ws.Close(websocket.StatusNormalClosure, "")
	}
}

func (h *Handler) track(t *tracked) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return ErrShuttingDown
	}
	h.conns[t.conn.ID()] = t
	h.wg.Add(1)
	return nil
}

func (h *Handler) untrack(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
	h.wg.Done()
}

func (h *Handler) isClosing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

// Active returns the number of live connections.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Connections returns a snapshot of the live connections ordered by start
// time.
func (h *Handler) Connections() []Info {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, t := range h.conns {
		conns = append(conns, t.conn)
	}
	h.mu.Unlock()

	infos := make([]Info, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	slices.SortFunc(infos, func(a, b Info) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}

// Shutdown refuses new connections, sends a going-away close to the live
// ones, and waits until they have cleaned up. When ctx ends first the
// remaining connections are cancelled and ctx's error is returned.
// Hijacked connections are invisible to http.Server.Shutdown, so the server
// must call this explicitly.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	live := make([]*tracked, 0, len(h.conns))
	for _, t := range h.conns {
		live = append(live, t)
	}
	h.mu.Unlock()

	if len(live) > 0 {
		slog.Info("relay: closing connections", "count", len(live))
	}
	for _, t := range live {
		go t.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, t := range live {
			t.cancel()
		}
		return ctx.Err()
	}
}

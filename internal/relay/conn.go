// Package relay runs one browser voice connection end to end.
//
// A [Conn] streams the client's audio into a recognition session, echoes
// interim and final transcripts back, and on "stop" sends the accumulated
// utterance to the agent. The reply is rendered to speech and returned as an
// "audio_response" frame. [Handler] upgrades HTTP requests to WebSocket
// connections and keeps a table of the live ones.
//
// Each Conn runs three loops under one errgroup: a read loop that handles
// control frames in arrival order, a write loop that is the only writer on
// the socket, and a turn loop that runs agent turns one at a time. The
// utterance is snapshotted when "stop" is read, so the client can start the
// next recording while a turn is still outstanding.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbridge/internal/agent"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/recognition"
	"github.com/MrWong99/voxbridge/internal/transcript"
	agentapi "github.com/MrWong99/voxbridge/pkg/provider/agent"
	"github.com/MrWong99/voxbridge/pkg/provider/stt"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

const (
	defaultOutboundBuffer = 64
	defaultTurnQueue      = 8
	defaultWriteTimeout   = 10 * time.Second
)

// Socket is the message-oriented transport of a connection.
// *websocket.Conn implements it.
type Socket interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
}

// Config holds the collaborators and settings shared by every connection.
type Config struct {
	// STT opens recognition streams. Required.
	STT stt.Provider

	// TTS renders replies. Required.
	TTS tts.Provider

	// Agents is the agent platform client. Required.
	Agents agentapi.Provider

	// Tokens supplies bearer tokens for agent calls. Required.
	Tokens agent.TokenSource

	// AgentID is the agent every connection converses with.
	AgentID string

	// CallTimeout and TeardownTimeout bound agent calls; zero uses the
	// agent package defaults.
	CallTimeout     time.Duration
	TeardownTimeout time.Duration

	// Stream is the recognition stream configuration.
	Stream stt.StreamConfig

	// RestartBackoff is the pause before a faulted stream is reopened.
	RestartBackoff time.Duration

	// Voice returns the voice for the next reply. It is consulted per turn
	// so the voice can change at runtime. Nil uses the zero Voice.
	Voice func() tts.Voice

	// OutboundBuffer is the capacity of the outbound frame queue.
	// Default 64.
	OutboundBuffer int

	// WriteTimeout bounds a single socket write. Default 10s.
	WriteTimeout time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (cfg Config) withDefaults() Config {
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = defaultOutboundBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Voice == nil {
		cfg.Voice = func() tts.Voice { return tts.Voice{} }
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return cfg
}

// job is one unit of work for the turn loop.
type job struct {
	reset bool
	text  string
}

// Conn is one client connection. Create it with [NewConn] and drive it with
// [Conn.Run].
type Conn struct {
	id      string
	cfg     Config
	sock    Socket
	log     *slog.Logger
	started time.Time

	acc   transcript.Accumulator
	rec   *recognition.Controller
	agent *agent.Session

	out   chan []byte
	jobs  chan job
	turns atomic.Int64

	// done is closed once the loops have stopped; the sink stops queueing.
	done     chan struct{}
	doneOnce sync.Once
}

// NewConn wires a connection's recognition controller, accumulator, and
// agent session. Nothing runs until [Conn.Run].
func NewConn(id string, sock Socket, cfg Config) *Conn {
	cfg = cfg.withDefaults()
	log := slog.Default().With("conn_id", id)
	c := &Conn{
		id:      id,
		cfg:     cfg,
		sock:    sock,
		log:     log,
		started: time.Now(),
		out:     make(chan []byte, cfg.OutboundBuffer),
		jobs:    make(chan job, defaultTurnQueue),
		done:    make(chan struct{}),
	}
	c.rec = recognition.New(recognition.Config{
		Provider: cfg.STT,
		Stream:   cfg.Stream,
		Backoff:  cfg.RestartBackoff,
		Sink:     c.onResult,
		Metrics:  cfg.Metrics,
		Logger:   log,
	})
	c.agent = agent.New(agent.Config{
		Provider:        cfg.Agents,
		Tokens:          cfg.Tokens,
		AgentID:         cfg.AgentID,
		CallTimeout:     cfg.CallTimeout,
		TeardownTimeout: cfg.TeardownTimeout,
		Metrics:         cfg.Metrics,
		Logger:          log,
	})
	return c
}

// ID returns the connection ID.
func (c *Conn) ID() string { return c.id }

// Info is a point-in-time view of a connection.
type Info struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	Recording   bool      `json:"recording"`
	Recognition string    `json:"recognition"`
	Turns       int64     `json:"turns"`
}

// Info reports the connection's current state.
func (c *Conn) Info() Info {
	return Info{
		ID:          c.id,
		StartedAt:   c.started,
		Recording:   c.rec.Recording(),
		Recognition: c.rec.State().String(),
		Turns:       c.turns.Load(),
	}
}

// Run serves the connection until the client disconnects or ctx is
// cancelled. On return recognition is closed and the agent session has been
// ended best-effort. A normal client close yields a nil error.
func (c *Conn) Run(ctx context.Context) error {
	ctx = observe.WithConnID(ctx, c.id)
	met := c.cfg.Metrics
	met.ActiveConnections.Add(ctx, 1)
	defer met.ActiveConnections.Add(context.WithoutCancel(ctx), -1)

	c.log.Info("relay: connection opened")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.turnLoop(gctx) })
	err := g.Wait()

	c.doneOnce.Do(func() { close(c.done) })
	if cerr := c.rec.Close(); cerr != nil {
		c.log.Warn("relay: recognition close failed", "err", cerr)
	}
	// End is bounded by the agent teardown timeout and survives the
	// cancelled connection context.
	c.agent.End(ctx)

	if isNormalClose(err) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		err = nil
	}
	c.log.Info("relay: connection closed", "duration", time.Since(c.started).Round(time.Millisecond), "err", err)
	return err
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

// readLoop handles client frames in arrival order. Malformed frames are
// logged and skipped.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.sock.Read(ctx)
		if err != nil {
			return fmt.Errorf("relay: read: %w", err)
		}
		if typ == websocket.MessageBinary {
			// Raw audio without the JSON envelope.
			c.feed(data)
			continue
		}
		ftype, audio, err := parseClientFrame(data)
		if err != nil {
			c.log.Warn("relay: ignoring malformed frame", "err", err)
			continue
		}
		c.handle(ctx, ftype, audio)
	}
}

func (c *Conn) handle(ctx context.Context, ftype string, audio []byte) {
	switch ftype {
	case TypeStart:
		c.acc.Reset()
		if err := c.rec.Start(ctx); err != nil {
			c.log.Warn("relay: recognition start failed, retrying", "err", err)
		}
	case TypeAudio:
		c.feed(audio)
	case TypeStop:
		if !c.rec.Recording() {
			c.log.Debug("relay: stop while not recording")
			return
		}
		c.rec.Stop()
		text := c.acc.Resolve()
		c.acc.Reset()
		if text == "" {
			c.log.Debug("relay: stop without speech")
			return
		}
		c.enqueue(job{text: text})
	case TypeResetConversation:
		c.enqueue(job{reset: true})
	default:
		c.log.Warn("relay: ignoring unknown frame type", "type", ftype)
	}
}

func (c *Conn) feed(chunk []byte) {
	if len(chunk) == 0 || !c.rec.Recording() {
		return
	}
	c.rec.Feed(chunk)
}

// enqueue hands work to the turn loop without blocking the read loop.
func (c *Conn) enqueue(j job) {
	select {
	case c.jobs <- j:
	default:
		c.log.Warn("relay: turn queue full, dropping request", "reset", j.reset)
	}
}

// onResult is the recognition sink. It runs under the controller's lock and
// must not block: transcript frames are dropped when the outbound queue is
// full.
func (c *Conn) onResult(text string, isFinal bool) {
	c.acc.Add(text, isFinal)
	select {
	case <-c.done:
	case c.out <- transcriptMessage(text, isFinal):
	default:
		c.log.Debug("relay: outbound queue full, dropping transcript")
	}
}

// send queues a frame that must not be dropped. It blocks until the write
// loop accepts it or ctx ends.
func (c *Conn) send(ctx context.Context, frame []byte) error {
	select {
	case c.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the only writer on the socket.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			err := c.sock.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return fmt.Errorf("relay: write: %w", err)
			}
		}
	}
}

// turnLoop runs queued turns and resets one at a time.
func (c *Conn) turnLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-c.jobs:
			var err error
			if j.reset {
				err = c.resetConversation(ctx)
			} else {
				err = c.turn(ctx, j.text)
			}
			if err != nil {
				return err
			}
		}
	}
}

// turn sends one utterance to the agent and delivers the spoken reply. Any
// failure becomes the apology; if even that cannot be rendered the apology
// is sent as text with empty audio. Only a dead connection is returned as an
// error.
func (c *Conn) turn(ctx context.Context, text string) error {
	ctx, span := observe.StartSpan(ctx, "relay.turn")
	defer span.End()
	log := observe.Logger(ctx)
	start := time.Now()

	outcome := "reply"
	reply, err := c.agent.Send(ctx, text)
	if err != nil {
		span.RecordError(err)
		log.Error("relay: agent turn failed", "err", err)
		outcome, reply = "apology", ApologyText
	}

	audio, err := c.render(ctx, reply)
	if err != nil && outcome == "reply" {
		span.RecordError(err)
		log.Error("relay: reply render failed", "err", err)
		outcome, reply = "apology", ApologyText
		audio, err = c.render(ctx, reply)
	}
	if err != nil {
		log.Error("relay: apology render failed, sending text only", "err", err)
		audio = nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	c.turns.Add(1)
	c.cfg.Metrics.RecordTurn(ctx, outcome, time.Since(start).Seconds())
	log.Debug("relay: turn complete", "outcome", outcome, "audio_bytes", len(audio))
	return c.send(ctx, audioResponseMessage(audio, reply))
}

func (c *Conn) render(ctx context.Context, text string) ([]byte, error) {
	start := time.Now()
	audio, err := c.cfg.TTS.Synthesize(ctx, text, c.cfg.Voice())
	c.cfg.Metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	return audio, err
}

func (c *Conn) resetConversation(ctx context.Context) error {
	msg := ResetMessage
	if err := c.agent.Reset(ctx); err != nil {
		c.log.Warn("relay: conversation reset could not start a new session", "err", err)
		msg = ResetFailedMessage
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return c.send(ctx, conversationResetMessage(msg))
}

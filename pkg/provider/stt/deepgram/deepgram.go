// Package deepgram streams audio to Deepgram's live transcription WebSocket
// and relays interim and final results as [stt.Transcript] values.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxbridge/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000
	defaultKeepAlive  = 5 * time.Second
)

// closeStreamMsg asks Deepgram to flush buffered audio and end the stream.
// keepAliveMsg holds an idle stream open; Deepgram drops streams that see
// no data for about ten seconds.
var (
	closeStreamMsg = []byte(`{"type":"CloseStream"}`)
	keepAliveMsg   = []byte(`{"type":"KeepAlive"}`)
)

// Option customises a [Provider].
type Option func(*Provider)

// WithModel selects the recognition model. Default "nova-3".
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 tag used when a stream does not name one.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate is the rate sent for raw encodings when a stream does not
// name one.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpoint overrides the streaming endpoint. Used to point the provider at
// a self-hosted Deepgram or a test server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithKeepAlive sets how long a stream may go without audio before a
// KeepAlive message is sent. Zero disables keep-alives.
func WithKeepAlive(d time.Duration) Option {
	return func(p *Provider) {
		p.keepAlive = d
	}
}

// Provider opens Deepgram live transcription streams.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	endpoint   string
	keepAlive  time.Duration
}

// New returns a provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		endpoint:   deepgramEndpoint,
		keepAlive:  defaultKeepAlive,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram. The
// session's read and write loops stop when ctx is cancelled.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{
		conn:        conn,
		cancel:      cancel,
		transcripts: make(chan stt.Transcript, 64),
		audio:       make(chan []byte, 256),
		halfClosed:  make(chan struct{}),
		done:        make(chan struct{}),
		keepAlive:   p.keepAlive,
	}

	sess.wg.Add(2)
	go sess.readLoop(sessCtx)
	go sess.writeLoop(sessCtx)

	return sess, nil
}

// buildURL encodes the stream parameters into the listen query string.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.Encoding != "" {
		// Raw encodings need an explicit sample rate; containerised audio
		// (webm/ogg) is self-describing and Deepgram rejects the parameter.
		sr := cfg.SampleRate
		if sr == 0 {
			sr = p.sampleRate
		}
		q.Set("encoding", cfg.Encoding)
		q.Set("sample_rate", strconv.Itoa(sr))
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.SingleUtterance {
		q.Set("endpointing", "true")
	}

	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "Agentforce:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// results is the subset of a Deepgram "Results" message the relay reads.
type results struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is one open Deepgram stream.
type session struct {
	conn        *websocket.Conn
	cancel      context.CancelFunc
	transcripts chan stt.Transcript
	audio       chan []byte
	keepAlive   time.Duration

	halfClosed chan struct{}
	done       chan struct{}
	halfOnce   sync.Once
	closeOnce  sync.Once
	wg         sync.WaitGroup

	mu  sync.Mutex
	err error
}

// SendAudio queues an audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	case <-s.halfClosed:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	case <-s.halfClosed:
		return stt.ErrSessionClosed
	}
}

// Transcripts returns the ordered channel of interim and final transcripts.
func (s *session) Transcripts() <-chan stt.Transcript { return s.transcripts }

// CloseSend stops accepting audio. The write loop drains queued chunks and then
// sends CloseStream; Deepgram answers with the remaining finals and closes.
func (s *session) CloseSend() error {
	s.halfOnce.Do(func() { close(s.halfClosed) })
	return nil
}

// Err returns the provider fault that ended the session, if any.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close terminates the session immediately.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.wg.Wait()
		s.conn.CloseNow()
	})
	return nil
}

func (s *session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// expectedEnd reports whether a read/write error is the normal consequence of
// the caller ending the session rather than a provider fault.
func (s *session) expectedEnd(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return true
	}
	select {
	case <-s.halfClosed:
		return true
	default:
		return false
	}
}

// writeLoop forwards queued audio as binary frames, keeping the stream
// alive while no audio arrives.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	var idle <-chan time.Time
	if s.keepAlive > 0 {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		idle = t.C
	}
	sent := false
	write := func(typ websocket.MessageType, msg []byte) bool {
		if err := s.conn.Write(ctx, typ, msg); err != nil {
			if !s.expectedEnd(ctx, err) {
				s.fail(fmt.Errorf("deepgram: write: %w", err))
			}
			s.cancel()
			return false
		}
		return true
	}

	for {
		select {
		case chunk := <-s.audio:
			if !write(websocket.MessageBinary, chunk) {
				return
			}
			sent = true
		case <-idle:
			if !sent && !write(websocket.MessageText, keepAliveMsg) {
				return
			}
			sent = false
		case <-s.halfClosed:
			// Drain the audio channel before signalling end-of-audio.
		drain:
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					break drain
				}
			}
			_ = s.conn.Write(ctx, websocket.MessageText, closeStreamMsg)
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop receives JSON messages from Deepgram and forwards them, in order, to
// the transcripts channel.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.transcripts)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			if !s.expectedEnd(ctx, err) {
				s.fail(fmt.Errorf("deepgram: read: %w", err))
			}
			s.cancel()
			return
		}

		t, ok := parseResults(msg)
		if !ok {
			continue
		}

		select {
		case s.transcripts <- t:
		case <-ctx.Done():
			return
		}
	}
}

// parseResults converts a Results message into a transcript. Other message
// types, malformed JSON and blank alternatives report false.
func parseResults(data []byte) (stt.Transcript, bool) {
	var resp results
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false
	}
	if resp.Type != "Results" {
		return stt.Transcript{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]stt.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, stt.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}

	t := stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Words:      words,
	}
	return t, !t.Blank()
}

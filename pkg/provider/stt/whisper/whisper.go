// Package whisper provides a self-hosted STT provider backed by a whisper.cpp
// server.
//
// whisper-server exposes a batch REST API at POST /inference. The provider
// simulates streaming by buffering incoming 16-bit PCM, segmenting utterances
// with an energy-based silence detector, and submitting each segment as one
// inference request. Every segment yields an interim and a final transcript
// with the same text. CloseSend submits whatever is still buffered.
//
// Only linear16 audio is accepted; browser clients must be configured to send
// raw PCM for this provider to be useful as a fallback.
//
//	p, err := whisper.New("http://localhost:8081", whisper.WithSilenceThreshold(500*time.Millisecond))
//	h, err := p.StartStream(ctx, stt.StreamConfig{Encoding: "linear16", SampleRate: 16000})
//	h.SendAudio(pcm)
//	h.CloseSend()
//	for t := range h.Transcripts() { ... }
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/provider/stt"
)

const (
	// bitsPerSample is fixed at 16 for the signed little-endian PCM that
	// whisper.cpp expects.
	bitsPerSample = 16

	// defaultRMSThreshold is the energy (in 16-bit PCM units) below which a
	// chunk counts as silence. 300 is near-silence on a 0..32767 scale.
	defaultRMSThreshold = 300.0

	defaultSampleRate       = 16000
	defaultSilenceThreshold = 500 * time.Millisecond
	defaultMaxSegment       = 10 * time.Second
	defaultRequestTimeout   = 30 * time.Second
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// ErrUnsupportedEncoding is returned by StartStream for anything but linear16.
var ErrUnsupportedEncoding = errors.New("whisper: only linear16 audio is supported")

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model name forwarded to the server. Empty uses whichever
// model the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithSilenceThreshold sets how much trailing silence ends a segment.
func WithSilenceThreshold(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.silence = d
		}
	}
}

// WithMaxSegment bounds how much continuous speech is buffered before a
// segment is submitted regardless of silence.
func WithMaxSegment(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.maxSegment = d
		}
	}
}

// WithHTTPClient sets the client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Provider against a whisper.cpp HTTP server. Each
// session keeps its own buffer and goroutine.
type Provider struct {
	serverURL  string
	model      string
	silence    time.Duration
	maxSegment time.Duration
	httpClient *http.Client
}

// New creates a Provider for the whisper-server at serverURL
// (e.g. "http://localhost:8081").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if strings.TrimSpace(serverURL) == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		silence:    defaultSilenceThreshold,
		maxSegment: defaultMaxSegment,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a session. No request is made until the first segment is
// complete. Keywords are passed to the server as the decoding prompt.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	if cfg.Encoding != "" && cfg.Encoding != "linear16" {
		return nil, fmt.Errorf("%w: got %q", ErrUnsupportedEncoding, cfg.Encoding)
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		p:          p,
		language:   primaryLanguage(cfg.Language),
		prompt:     keywordPrompt(cfg.Keywords),
		sampleRate: sr,
		channels:   ch,
		cancel:     cancel,
		audio:      make(chan []byte, 256),
		results:    make(chan stt.Transcript, 64),
		halfClose:  make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s, nil
}

// primaryLanguage reduces a BCP-47 tag to the language subtag whisper.cpp
// expects ("en-US" → "en").
func primaryLanguage(tag string) string {
	lang, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(lang)
}

func keywordPrompt(kws []stt.KeywordBoost) string {
	words := make([]string, 0, len(kws))
	for _, k := range kws {
		if k.Keyword != "" {
			words = append(words, k.Keyword)
		}
	}
	return strings.Join(words, ", ")
}

// ---- session ----------------------------------------------------------------

// session implements stt.SessionHandle. Buffer state is confined to run.
type session struct {
	p          *Provider
	language   string
	prompt     string
	sampleRate int
	channels   int
	cancel     context.CancelFunc

	audio   chan []byte
	results chan stt.Transcript
	done    chan struct{}

	halfOnce  sync.Once
	halfClose chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu         sync.Mutex
	sendClosed bool
	err        error
}

func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	closed := s.sendClosed
	s.mu.Unlock()
	if closed {
		return stt.ErrSessionClosed
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.halfClose:
		return stt.ErrSessionClosed
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Transcripts() <-chan stt.Transcript { return s.results }

// CloseSend submits the buffered audio and ends the session once its result
// has been delivered.
func (s *session) CloseSend() error {
	s.halfOnce.Do(func() {
		s.mu.Lock()
		s.sendClosed = true
		s.mu.Unlock()
		close(s.halfClose)
	})
	return nil
}

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close discards buffered audio and ends the session immediately.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.sendClosed = true
		s.mu.Unlock()
		s.cancel()
		s.wg.Wait()
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

// run segments audio and dispatches inference for each segment.
func (s *session) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)
	defer close(s.done)

	var (
		buffer    []byte
		hadSpeech bool
		silence   time.Duration
	)
	bytesPerSec := s.sampleRate * s.channels * (bitsPerSample / 8)
	maxBytes := int(s.p.maxSegment.Seconds() * float64(bytesPerSec))

	// flush submits the buffer and reports whether the session may continue.
	flush := func() bool {
		pcm, speech := buffer, hadSpeech
		buffer, hadSpeech, silence = nil, false, 0
		if len(pcm) == 0 || !speech {
			return true
		}
		text, err := s.infer(ctx, pcm)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(err)
			}
			return false
		}
		if text == "" {
			return true
		}
		for _, t := range []stt.Transcript{{Text: text}, {Text: text, IsFinal: true}} {
			select {
			case s.results <- t:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.halfClose:
			// Drain what was queued before the half-close.
		drain:
			for {
				select {
				case chunk := <-s.audio:
					buffer = append(buffer, chunk...)
					hadSpeech = hadSpeech || computeRMS(chunk) >= defaultRMSThreshold
				default:
					break drain
				}
			}
			flush()
			return

		case chunk := <-s.audio:
			if computeRMS(chunk) < defaultRMSThreshold {
				// Leading silence is discarded.
				if !hadSpeech {
					continue
				}
				silence += chunkDuration(chunk, bytesPerSec)
				buffer = append(buffer, chunk...)
				if silence >= s.p.silence && !flush() {
					return
				}
				continue
			}
			hadSpeech = true
			silence = 0
			buffer = append(buffer, chunk...)
			if maxBytes > 0 && len(buffer) >= maxBytes && !flush() {
				return
			}
		}
	}
}

// infer wraps pcm in a WAV container and POSTs it to /inference as
// multipart/form-data.
func (s *session) infer(ctx context.Context, pcm []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(encodeWAV(pcm, s.sampleRate, s.channels)); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{
		"response_format": "json",
		"language":        s.language,
		"model":           s.p.model,
		"prompt":          s.prompt,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

// ---- helpers ----------------------------------------------------------------

// encodeWAV wraps 16-bit signed little-endian PCM in a RIFF/WAV container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

// computeRMS returns the root-mean-square energy of a 16-bit PCM buffer.
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

func chunkDuration(chunk []byte, bytesPerSec int) time.Duration {
	if bytesPerSec <= 0 {
		return 0
	}
	return time.Duration(len(chunk)) * time.Second / time.Duration(bytesPerSec)
}

// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

const (
	defaultWSBase    = "wss://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "mp3_44100_128"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "mp3_44100_128", "pcm_16000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithBaseURL overrides the WebSocket base URL (scheme and host).
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		p.wsBase = base
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	wsBase       string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		wsBase:       defaultWSBase,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded audio
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
	Error   string `json:"error,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// Synthesize opens a WebSocket to ElevenLabs, sends text as a single
// fragment followed by the flush command, and concatenates the audio chunks
// until ElevenLabs marks the stream final.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	if voice.ID == "" {
		return nil, fmt.Errorf("%w: elevenlabs: voice.ID must not be empty", tts.ErrRender)
	}
	if text == "" {
		return nil, fmt.Errorf("%w: elevenlabs: text must not be empty", tts.ErrRender)
	}

	conn, _, err := websocket.Dial(ctx, buildURLForVoice(p.wsBase, voice.ID, p.model, p.outputFormat), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: elevenlabs: dial: %v", tts.ErrRender, err)
	}
	defer conn.CloseNow()
	// Rendered replies can exceed the default 32 KiB message limit.
	conn.SetReadLimit(4 << 20)

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: voice.SpeakingRate}
	boiBytes, _ := json.Marshal(boiMessage{
		Text:          " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: vs,
		XiAPIKey:      p.apiKey,
	})
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		return nil, fmt.Errorf("%w: elevenlabs: send BOI: %v", tts.ErrRender, err)
	}

	for _, payload := range [][]byte{buildWSMessage(text + " "), buildWSMessage("")} {
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			return nil, fmt.Errorf("%w: elevenlabs: send text: %v", tts.ErrRender, err)
		}
	}

	var audio bytes.Buffer
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && audio.Len() > 0 {
				break
			}
			return nil, fmt.Errorf("%w: elevenlabs: read: %v", tts.ErrRender, err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: elevenlabs: %s: %s", tts.ErrRender, resp.Error, resp.Message)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				continue
			}
			audio.Write(chunk)
		}
		if resp.IsFinal {
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "done")

	if audio.Len() == 0 {
		return nil, fmt.Errorf("%w: elevenlabs: no audio returned", tts.ErrRender)
	}
	return audio.Bytes(), nil
}

// ---- helpers ----

// buildWSMessage constructs the JSON text payload for a single text fragment.
// An empty text is the ElevenLabs flush command.
func buildWSMessage(text string) []byte {
	data, _ := json.Marshal(textMessage{Text: text})
	return data
}

// buildURLForVoice constructs the WebSocket URL for a given voice and model.
func buildURLForVoice(base, voiceID, model, outputFormat string) string {
	q := url.Values{}
	q.Set("model_id", model)
	if outputFormat != "" {
		q.Set("output_format", outputFormat)
	}
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", base, url.PathEscape(voiceID), q.Encode())
}

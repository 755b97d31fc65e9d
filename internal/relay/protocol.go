package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Client frame types.
const (
	TypeStart             = "start"
	TypeAudio             = "audio"
	TypeStop              = "stop"
	TypeResetConversation = "reset_conversation"
)

// Server frame types.
const (
	TypeTranscript        = "transcript"
	TypeAudioResponse     = "audio_response"
	TypeConversationReset = "conversation_reset"
)

// Texts sent to the client.
const (
	// ApologyText is spoken when a turn fails anywhere between the agent and
	// the synthesizer.
	ApologyText = "I'm sorry, I encountered an error processing your request."

	// ResetMessage acknowledges a successful conversation reset.
	ResetMessage = "Conversation has been reset."

	// ResetFailedMessage acknowledges a reset whose new session could not be
	// created; the next turn retries.
	ResetFailedMessage = "Conversation was reset, but a new session could not be started yet."
)

// clientFrame is the union of every frame the browser sends.
type clientFrame struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`
}

// parseClientFrame decodes a text frame. The audio payload of an "audio"
// frame is base64-decoded; other types carry no payload.
func parseClientFrame(data []byte) (typ string, audio []byte, err error) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", nil, fmt.Errorf("relay: decode frame: %w", err)
	}
	if f.Type == "" {
		return "", nil, fmt.Errorf("relay: decode frame: missing type")
	}
	if f.Type != TypeAudio {
		return f.Type, nil, nil
	}
	audio, err = base64.StdEncoding.DecodeString(f.Audio)
	if err != nil {
		return f.Type, nil, fmt.Errorf("relay: decode audio payload: %w", err)
	}
	return f.Type, audio, nil
}

type transcriptFrame struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

type audioResponseFrame struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
	Text  string `json:"text"`
}

type conversationResetFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func transcriptMessage(text string, isFinal bool) []byte {
	data, _ := json.Marshal(transcriptFrame{Type: TypeTranscript, Text: text, IsFinal: isFinal})
	return data
}

// audioResponseMessage encodes a reply. Empty audio is sent as "".
func audioResponseMessage(audio []byte, text string) []byte {
	data, _ := json.Marshal(audioResponseFrame{
		Type:  TypeAudioResponse,
		Audio: base64.StdEncoding.EncodeToString(audio),
		Text:  text,
	})
	return data
}

func conversationResetMessage(msg string) []byte {
	data, _ := json.Marshal(conversationResetFrame{Type: TypeConversationReset, Message: msg})
	return data
}

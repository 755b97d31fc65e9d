// Package agent defines the Provider interface for session-oriented
// conversational agent platforms.
//
// A provider creates a remote conversation session for an agent, posts user
// messages into it with a caller-supplied sequence number, and ends it. Every
// call carries the bearer token explicitly so callers can refresh and retry
// on rejection.
//
// Implementations report non-2xx responses as [*StatusError] so callers can
// branch on the status code with [StatusCode].
package agent

import (
	"context"
	"errors"
	"fmt"
)

// MessageTypeInform is the message type that carries the agent's reply text.
const MessageTypeInform = "Inform"

// Session identifies a live remote conversation.
type Session struct {
	// ID is the platform-assigned session ID.
	ID string

	// MessagesURL is the endpoint user messages are posted to.
	MessagesURL string
}

// Message is one message returned by the agent in reply to a user message.
type Message struct {
	// Type is the platform message type, e.g. [MessageTypeInform].
	Type string

	// ID is the platform-assigned message ID. May be empty.
	ID string

	// Text is the message body.
	Text string
}

// Provider is the abstraction over an agent platform API.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// CreateSession opens a new conversation with agentID.
	CreateSession(ctx context.Context, token, agentID string) (Session, error)

	// SendMessage posts text as message number seq of sess and returns the
	// agent's reply messages in order.
	SendMessage(ctx context.Context, token string, sess Session, seq int, text string) ([]Message, error)

	// EndSession terminates sess on the platform.
	EndSession(ctx context.Context, token string, sess Session) error
}

// StatusError is returned when the platform answers with a non-2xx status.
type StatusError struct {
	// Op is the operation that failed: "create", "send" or "end".
	Op string

	// StatusCode is the HTTP status code.
	StatusCode int

	// Body is a truncated copy of the response body.
	Body string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("agent: %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("agent: %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// StatusCode returns the HTTP status carried by err, or 0 if err does not
// wrap a [*StatusError].
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// FirstInform returns the text of the first [MessageTypeInform] message.
func FirstInform(msgs []Message) (string, bool) {
	for _, m := range msgs {
		if m.Type == MessageTypeInform {
			return m.Text, true
		}
	}
	return "", false
}

package agent

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("boom"), 0},
		{"direct", &StatusError{Op: "send", StatusCode: http.StatusUnauthorized}, 401},
		{"wrapped", fmt.Errorf("outer: %w", &StatusError{Op: "send", StatusCode: http.StatusNotFound}), 404},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := StatusCode(tc.err); got != tc.want {
				t.Errorf("StatusCode() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestStatusError_Message(t *testing.T) {
	err := &StatusError{Op: "create", StatusCode: 500, Body: "oops"}
	if got, want := err.Error(), "agent: create: status 500: oops"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	err.Body = ""
	if got, want := err.Error(), "agent: create: status 500"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestFirstInform(t *testing.T) {
	msgs := []Message{
		{Type: "ProgressIndicator", Text: "thinking"},
		{Type: MessageTypeInform, Text: "first"},
		{Type: MessageTypeInform, Text: "second"},
	}
	if got, ok := FirstInform(msgs); !ok || got != "first" {
		t.Errorf("FirstInform() = %q, %v; want first, true", got, ok)
	}
	if _, ok := FirstInform(msgs[:1]); ok {
		t.Error("FirstInform() found a reply where none exists")
	}
}

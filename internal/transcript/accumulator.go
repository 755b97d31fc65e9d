// Package transcript accumulates streaming recognition fragments into the
// single utterance that is sent to the agent when recording stops.
//
// Recognition delivers two kinds of fragments. Interim fragments are
// revisable guesses for the words currently being spoken; each one replaces
// the previous. Final fragments are committed text and are appended in
// arrival order. When the user stops recording, [Accumulator.Resolve]
// prefers the committed text and falls back to the last interim guess so that
// a stop issued before the provider committed anything still yields words.
package transcript

import (
	"strings"
	"sync"
)

// Accumulator holds the in-progress utterance for one connection. It is safe
// for concurrent use: the recognition pump adds fragments while the
// connection's control loop resets and resolves.
type Accumulator struct {
	mu          sync.Mutex
	accumulated string
	lastInterim string
}

// Reset clears both the committed text and the pending interim fragment.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.accumulated = ""
	a.lastInterim = ""
	a.mu.Unlock()
}

// Add records one recognition fragment. A final fragment is appended to the
// committed text, separated by a single space, and discards the pending
// interim. An interim fragment overwrites the pending interim.
func (a *Accumulator) Add(text string, isFinal bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !isFinal {
		a.lastInterim = text
		return
	}
	text = strings.TrimSpace(text)
	if text != "" {
		if a.accumulated == "" {
			a.accumulated = text
		} else {
			a.accumulated += " " + text
		}
	}
	a.lastInterim = ""
}

// Resolve returns the utterance: the trimmed committed text if any, else the
// trimmed last interim fragment, else "". It does not modify state.
func (a *Accumulator) Resolve() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s := strings.TrimSpace(a.accumulated); s != "" {
		return s
	}
	return strings.TrimSpace(a.lastInterim)
}

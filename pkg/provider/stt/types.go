package stt

import (
	"strings"
	"time"
)

// Transcript is one recognition result. Interim results may be revised by
// later ones; a final result for the same audio is authoritative.
type Transcript struct {
	Text    string
	IsFinal bool

	// Confidence in [0, 1], or zero when the backend does not report it.
	Confidence float64

	// Words is nil unless the backend returns word timings.
	Words []WordDetail
}

// Blank reports whether the transcript carries no speech.
func (t Transcript) Blank() bool { return strings.TrimSpace(t.Text) == "" }

// WordDetail is the timing of one recognised word from stream start.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost biases recognition toward a domain term such as a product
// name. Boost uses the backend's own scale; zero means its default.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}

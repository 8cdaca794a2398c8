// Package fragment buffers partial speech-to-text fragments per speaker and
// decides when a run of fragments forms one complete utterance.
package fragment

import (
	"regexp"
	"strings"
	"time"
)

// UnknownSpeaker is used when a fragment arrives without a speaker id.
const UnknownSpeaker = "unknown"

// Fragment is one partial or final STT emission for a single speaker. Text
// holds only the words of this emission, never the cumulative utterance.
type Fragment struct {
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	IsComplete bool      `json:"is_complete"`
}

// Utterance is the joined text of a speaker's buffer once a trigger fired.
type Utterance struct {
	SpeakerID     string    `json:"speaker_id"`
	Text          string    `json:"text"`
	ShouldRespond bool      `json:"should_respond"`
	Fragments     int       `json:"fragments"`
	Trigger       Trigger   `json:"trigger"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
}

// Classifier decides completeness and response-worthiness of text.
type Classifier interface {
	IsComplete(text string) bool
	ContainsQuestion(text string) bool
}

var (
	terminalPunct  = regexp.MustCompile(`[.!?]$`)
	shortComplete  = regexp.MustCompile(`(?i)^(thanks|thank you|yes|no|okay|ok|sure|right|got it|yeah|yep|nope)\.?$`)
	questionLeader = regexp.MustCompile(`(?i)\b(what|why|how|when|where|who|can|could|would|should)\b`)
)

// Heuristics is the default regex Classifier.
type Heuristics struct{}

// IsComplete reports whether text ends in terminal punctuation or is one of
// the short acknowledgements that stand on their own.
func (Heuristics) IsComplete(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	return terminalPunct.MatchString(trimmed) || shortComplete.MatchString(trimmed)
}

// ContainsQuestion matches a literal '?' or an interrogative lead word
// anywhere in the text.
func (Heuristics) ContainsQuestion(text string) bool {
	if strings.Contains(text, "?") {
		return true
	}
	return questionLeader.MatchString(text)
}

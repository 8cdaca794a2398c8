// Package coalesce merges finalized transcript lines that refine or restate
// the previous line of the same speaker, so streaming revisions update one
// entry instead of stacking near-duplicates.
package coalesce

import (
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	DefaultWindow        = 12 * time.Second
	DefaultMinSimilarity = 0.7
)

// Entry is one finalized, displayed and stored transcript line.
type Entry struct {
	ID         int64     `json:"id"`
	SpeakerID  string    `json:"speaker_id"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
	IsComplete bool      `json:"is_complete"`
}

// Coalescer decides whether a new entry refines the previous one.
type Coalescer struct {
	Window        time.Duration
	MinSimilarity float64
}

// New returns a Coalescer with the default 12s window and 0.7 similarity.
func New() Coalescer {
	return Coalescer{Window: DefaultWindow, MinSimilarity: DefaultMinSimilarity}
}

// ShouldCoalesce reports whether next should be merged into prev: same
// speaker, within the window, and either a word-level prefix of one another
// or similar enough by token Jaccard.
func (c Coalescer) ShouldCoalesce(prev, next Entry) bool {
	if prev.SpeakerID != next.SpeakerID {
		return false
	}

	window := c.Window
	if window <= 0 {
		window = DefaultWindow
	}
	gap := next.Timestamp.Sub(prev.Timestamp)
	if gap < 0 {
		gap = -gap
	}
	if gap > window {
		return false
	}

	a, b := tokens(prev.Text), tokens(next.Text)
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	if isPrefix(a, b) || isPrefix(b, a) {
		return true
	}

	threshold := c.MinSimilarity
	if threshold <= 0 {
		threshold = DefaultMinSimilarity
	}
	return jaccard(a, b) >= threshold
}

// MergeInto folds next into prev in place: the longer text wins (ties go to
// next), the higher confidence is kept, and timing comes from next.
func MergeInto(prev *Entry, next Entry) *Entry {
	if len(strings.TrimSpace(next.Text)) >= len(strings.TrimSpace(prev.Text)) {
		prev.Text = next.Text
	}
	if next.Confidence > prev.Confidence {
		prev.Confidence = next.Confidence
	}
	prev.Timestamp = next.Timestamp
	prev.IsComplete = prev.IsComplete || next.IsComplete
	return prev
}

// Jaccard returns the token-set similarity of a and b over lowercase,
// punctuation-stripped words.
func Jaccard(a, b string) float64 {
	return jaccard(tokens(a), tokens(b))
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}

	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func isPrefix(short, long []string) bool {
	if len(short) > len(long) {
		return false
	}
	for i := range short {
		if short[i] != long[i] {
			return false
		}
	}
	return true
}

func tokens(text string) []string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return unicode.ToLower(r)
		case unicode.IsSpace(r):
			return ' '
		case r == '\'' || r == '’':
			return -1
		default:
			return ' '
		}
	}, text)
	return strings.Fields(cleaned)
}

// Action says how a new entry was applied to the transcript.
type Action int

const (
	ActionAppend Action = iota
	ActionUpdate
)

func (a Action) String() string {
	if a == ActionUpdate {
		return "update"
	}
	return "append"
}

// Transcript tracks the latest entry of each speaker and applies the
// coalescing rule to each new finalized line. Safe for concurrent use.
type Transcript struct {
	coalescer Coalescer

	mu     sync.Mutex
	latest map[string]*Entry
}

// NewTranscript returns an empty Transcript using c.
func NewTranscript(c Coalescer) *Transcript {
	return &Transcript{coalescer: c, latest: make(map[string]*Entry)}
}

// Add applies next and returns the resulting entry with the action taken.
// On ActionUpdate the returned entry keeps the ID of the merged entry.
func (t *Transcript) Add(next Entry) (Entry, Action) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.latest[next.SpeakerID]; ok && t.coalescer.ShouldCoalesce(*prev, next) {
		return *MergeInto(prev, next), ActionUpdate
	}

	stored := next
	t.latest[next.SpeakerID] = &stored
	return stored, ActionAppend
}

// SetID records the storage id assigned to the latest entry of speakerID.
func (t *Transcript) SetID(speakerID string, id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.latest[speakerID]; ok {
		e.ID = id
	}
}

// Reset forgets all speakers, e.g. when a session ends.
func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latest = make(map[string]*Entry)
}

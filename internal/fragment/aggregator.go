package fragment

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	DefaultMaxFragmentAge = 5 * time.Second
	DefaultPauseThreshold = 3 * time.Second
	DefaultMaxChars       = 200
	DefaultMaxFragments   = 100
)

// Kind tags an aggregation Result.
type Kind int

const (
	// KindWait means no aggregation happened and the caller should wait for
	// more input.
	KindWait Kind = iota
	// KindComplete means the speaker's buffer was joined into an utterance
	// and cleared.
	KindComplete
)

func (k Kind) String() string {
	if k == KindComplete {
		return "complete"
	}
	return "fragment"
}

// Trigger names the rule that closed an utterance.
type Trigger string

const (
	TriggerComplete Trigger = "complete"
	TriggerLength   Trigger = "length"
	TriggerPause    Trigger = "pause"
	TriggerFlush    Trigger = "flush"
	TriggerSweep    Trigger = "sweep"
)

// SpeakerState is the per-speaker aggregation state.
type SpeakerState int

const (
	StateEmpty SpeakerState = iota
	StateBuffering
)

func (s SpeakerState) String() string {
	if s == StateBuffering {
		return "buffering"
	}
	return "empty"
}

// Result is the outcome of one Aggregate call.
type Result struct {
	Kind          Kind
	SpeakerID     string
	Text          string
	ShouldRespond bool
	ShouldWait    bool
	Trigger       Trigger

	// StartedAt and EndedAt bound a complete utterance's fragments.
	StartedAt time.Time
	EndedAt   time.Time

	// Previous is set when the pause rule closed the speaker's earlier buffer
	// before this fragment was appended. It is independent of Kind.
	Previous *Utterance

	// Fault is non-nil when the call degraded to a wait because of an
	// internal fault rather than a clean decision.
	Fault error
}

// Complete reports whether the result carries a finished utterance.
func (r Result) Complete() bool { return r.Kind == KindComplete }

// Degraded reports whether the result is a fallback caused by a fault.
func (r Result) Degraded() bool { return r.Fault != nil }

// Stats is a point-in-time view of the buffers for dashboards.
type Stats struct {
	ActiveSpeakers    int            `json:"active_speakers"`
	TotalFragments    int            `json:"total_fragments"`
	SpeakerFragments  map[string]int `json:"speaker_fragments"`
	OldestFragmentAge time.Duration  `json:"oldest_fragment_age"`
}

// Config tunes an Aggregator. Zero values select the defaults.
type Config struct {
	MaxFragmentAge time.Duration
	PauseThreshold time.Duration
	MaxChars       int
	MaxFragments   int
	Classifier     Classifier
	Now            func() time.Time
}

type speakerBuffer struct {
	fragments []Fragment
	chars     int
}

func (b *speakerBuffer) append(f Fragment) {
	b.fragments = append(b.fragments, f)
	b.chars += utf8.RuneCountInString(f.Text)
}

func (b *speakerBuffer) recount() {
	b.chars = 0
	for _, f := range b.fragments {
		b.chars += utf8.RuneCountInString(f.Text)
	}
}

func (b *speakerBuffer) newest() Fragment {
	return b.fragments[len(b.fragments)-1]
}

// Aggregator owns one fragment buffer per speaker. All methods are safe for
// concurrent use; calls are serialised on a single mutex, so fragments of one
// speaker are always joined in arrival order.
type Aggregator struct {
	maxAge       time.Duration
	pause        time.Duration
	maxChars     int
	maxFragments int
	classifier   Classifier
	now          func() time.Time

	mu      sync.Mutex
	buffers map[string]*speakerBuffer
}

// NewAggregator builds an Aggregator with cfg, filling unset fields with the
// package defaults.
func NewAggregator(cfg Config) *Aggregator {
	a := &Aggregator{
		maxAge:       cfg.MaxFragmentAge,
		pause:        cfg.PauseThreshold,
		maxChars:     cfg.MaxChars,
		maxFragments: cfg.MaxFragments,
		classifier:   cfg.Classifier,
		now:          cfg.Now,
		buffers:      make(map[string]*speakerBuffer),
	}
	if a.maxAge <= 0 {
		a.maxAge = DefaultMaxFragmentAge
	}
	if a.pause <= 0 {
		a.pause = DefaultPauseThreshold
	}
	if a.maxChars <= 0 {
		a.maxChars = DefaultMaxChars
	}
	if a.maxFragments < 2 {
		a.maxFragments = DefaultMaxFragments
	}
	if a.classifier == nil {
		a.classifier = Heuristics{}
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// Classifier returns the classifier used for completeness and questions.
func (a *Aggregator) Classifier() Classifier { return a.classifier }

// Aggregate buffers text for speakerID and decides whether the buffer now
// forms a complete utterance. Blank text is a no-op wait. A blank speaker
// maps to UnknownSpeaker and a zero or pre-epoch timestamp to now. Aggregate
// never panics; internal faults degrade to a wait with Fault set.
func (a *Aggregator) Aggregate(text, speakerID string, ts time.Time) (res Result) {
	speakerID = normalizeSpeaker(speakerID)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("fragment aggregate recovered", "speaker", speakerID, "panic", fmt.Sprint(r))
			res = Result{Kind: KindWait, SpeakerID: speakerID, ShouldWait: true, Fault: fmt.Errorf("aggregate: %v", r)}
		}
	}()

	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Kind: KindWait, SpeakerID: speakerID, ShouldWait: true}
	}

	now := a.now()
	ts = normalizeTimestamp(ts, now)

	a.mu.Lock()
	defer a.mu.Unlock()

	var previous *Utterance
	if buf := a.buffers[speakerID]; buf != nil && len(buf.fragments) > 0 {
		if ts.Sub(buf.newest().Timestamp) > a.pause {
			u := a.aggregateLocked(speakerID, TriggerPause)
			previous = &u
		}
	}

	a.purgeLocked(now)

	buf := a.buffers[speakerID]
	if buf == nil {
		buf = &speakerBuffer{}
		a.buffers[speakerID] = buf
	}
	if len(buf.fragments) >= a.maxFragments {
		drop := a.maxFragments / 2
		slog.Warn("fragment buffer overflow, dropping oldest fragments",
			"speaker", speakerID, "buffered", len(buf.fragments), "dropped", drop)
		buf.fragments = append([]Fragment(nil), buf.fragments[drop:]...)
		buf.recount()
	}

	buf.append(Fragment{Text: text, Timestamp: ts, IsComplete: a.classifier.IsComplete(text)})

	if trigger := a.triggerLocked(buf, now); trigger != "" {
		u := a.aggregateLocked(speakerID, trigger)
		return Result{
			Kind:          KindComplete,
			SpeakerID:     speakerID,
			Text:          u.Text,
			ShouldRespond: u.ShouldRespond,
			Trigger:       trigger,
			StartedAt:     u.StartedAt,
			EndedAt:       u.EndedAt,
			Previous:      previous,
		}
	}

	return Result{Kind: KindWait, SpeakerID: speakerID, ShouldWait: true, Previous: previous}
}

// Flush joins whatever is buffered for speakerID and clears it. It returns
// false when nothing was buffered.
func (a *Aggregator) Flush(speakerID string) (string, bool) {
	u, ok := a.FlushUtterance(speakerID)
	if !ok {
		return "", false
	}
	return u.Text, true
}

// FlushUtterance is Flush with the full utterance metadata.
func (a *Aggregator) FlushUtterance(speakerID string) (u Utterance, ok bool) {
	speakerID = normalizeSpeaker(speakerID)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("fragment flush recovered", "speaker", speakerID, "panic", fmt.Sprint(r))
			u, ok = Utterance{}, false
		}
	}()

	a.mu.Lock()
	defer a.mu.Unlock()

	buf := a.buffers[speakerID]
	if buf == nil || len(buf.fragments) == 0 {
		delete(a.buffers, speakerID)
		return Utterance{}, false
	}
	u = a.aggregateLocked(speakerID, TriggerFlush)
	if u.Text == "" {
		return Utterance{}, false
	}
	return u, true
}

// FlushStale closes every buffer whose newest fragment is older than the
// pause threshold at now. Results are ordered by speaker id.
func (a *Aggregator) FlushStale(now time.Time) (out []Utterance) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("fragment sweep recovered", "panic", fmt.Sprint(r))
		}
	}()

	a.mu.Lock()
	defer a.mu.Unlock()

	speakers := make([]string, 0, len(a.buffers))
	for id, buf := range a.buffers {
		if buf == nil || len(buf.fragments) == 0 {
			continue
		}
		if now.Sub(buf.newest().Timestamp) > a.pause {
			speakers = append(speakers, id)
		}
	}
	sort.Strings(speakers)

	for _, id := range speakers {
		if u := a.aggregateLocked(id, TriggerSweep); u.Text != "" {
			out = append(out, u)
		}
	}
	return out
}

// State reports whether speakerID currently has buffered fragments.
func (a *Aggregator) State(speakerID string) SpeakerState {
	a.mu.Lock()
	defer a.mu.Unlock()

	if buf := a.buffers[normalizeSpeaker(speakerID)]; buf != nil && len(buf.fragments) > 0 {
		return StateBuffering
	}
	return StateEmpty
}

// Stats returns a snapshot of all buffers.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	stats := Stats{SpeakerFragments: make(map[string]int, len(a.buffers))}
	for id, buf := range a.buffers {
		if buf == nil || len(buf.fragments) == 0 {
			continue
		}
		stats.ActiveSpeakers++
		stats.TotalFragments += len(buf.fragments)
		stats.SpeakerFragments[id] = len(buf.fragments)
		if age := now.Sub(buf.fragments[0].Timestamp); age > stats.OldestFragmentAge {
			stats.OldestFragmentAge = age
		}
	}
	return stats
}

// SpeakerFragments returns a copy of the fragments buffered for speakerID.
func (a *Aggregator) SpeakerFragments(speakerID string) []Fragment {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := a.buffers[normalizeSpeaker(speakerID)]
	if buf == nil || len(buf.fragments) == 0 {
		return nil
	}
	return append([]Fragment(nil), buf.fragments...)
}

// ClearSpeaker drops the buffer of speakerID without aggregating it.
func (a *Aggregator) ClearSpeaker(speakerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buffers, normalizeSpeaker(speakerID))
}

// ClearAll drops every buffer.
func (a *Aggregator) ClearAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffers = make(map[string]*speakerBuffer)
}

// Speakers returns the ids of all speakers with buffered fragments, sorted.
func (a *Aggregator) Speakers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]string, 0, len(a.buffers))
	for id, buf := range a.buffers {
		if buf != nil && len(buf.fragments) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (a *Aggregator) triggerLocked(buf *speakerBuffer, now time.Time) Trigger {
	last := buf.newest()
	switch {
	case last.IsComplete:
		return TriggerComplete
	case buf.chars > a.maxChars:
		return TriggerLength
	case now.Sub(last.Timestamp) > a.pause:
		return TriggerPause
	default:
		return ""
	}
}

// aggregateLocked joins and removes the buffer of speakerID. The caller must
// hold a.mu and must have checked the buffer is non-empty.
func (a *Aggregator) aggregateLocked(speakerID string, trigger Trigger) Utterance {
	buf := a.buffers[speakerID]
	delete(a.buffers, speakerID)

	text := Join(buf.fragments)
	return Utterance{
		SpeakerID:     speakerID,
		Text:          text,
		ShouldRespond: text != "" && a.classifier.ContainsQuestion(text),
		Fragments:     len(buf.fragments),
		Trigger:       trigger,
		StartedAt:     buf.fragments[0].Timestamp,
		EndedAt:       buf.newest().Timestamp,
	}
}

// purgeLocked drops fragments older than maxAge from every speaker and
// deletes buffers that are empty or corrupt.
func (a *Aggregator) purgeLocked(now time.Time) {
	for id, buf := range a.buffers {
		if buf == nil || buf.chars < 0 {
			slog.Warn("fragment buffer corrupt, discarding", "speaker", id)
			delete(a.buffers, id)
			continue
		}

		kept := buf.fragments[:0]
		for _, f := range buf.fragments {
			if now.Sub(f.Timestamp) <= a.maxAge {
				kept = append(kept, f)
			}
		}
		if dropped := len(buf.fragments) - len(kept); dropped > 0 {
			slog.Warn("fragment buffer expired fragments", "speaker", id, "dropped", dropped)
		}
		buf.fragments = kept
		buf.recount()

		if len(buf.fragments) == 0 {
			delete(a.buffers, id)
		}
	}
}

func normalizeSpeaker(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return UnknownSpeaker
	}
	return id
}

func normalizeTimestamp(ts, now time.Time) time.Time {
	if ts.IsZero() || ts.UnixMilli() <= 0 {
		return now
	}
	return ts
}

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sjawhar/ghost-turns/internal/fragment"
	"github.com/sjawhar/ghost-turns/internal/observe"
)

const (
	// DefaultMinSilence is the shortest silence that closes a speaker's
	// utterance.
	DefaultMinSilence = 3500 * time.Millisecond

	// FlushConfidence is reported for utterances closed by a forced flush
	// and is the floor for aggregator completions.
	FlushConfidence = 0.85
)

// Sink receives every completed utterance. HandleUtterance is called on the
// ingestion path with the processor locked; it must not block or call back
// into the Processor.
type Sink interface {
	HandleUtterance(u Utterance)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(u Utterance)

func (f SinkFunc) HandleUtterance(u Utterance) { f(u) }

// Config wires a Processor. Aggregator is required.
type Config struct {
	Aggregator *fragment.Aggregator
	Fallback   Fallback
	Sink       Sink
	Metrics    *observe.Metrics
	MinSilence time.Duration
	Now        func() time.Time
}

// Stats is a snapshot of processor counters.
type Stats struct {
	Events              map[EventType]int64 `json:"events"`
	Utterances          int64               `json:"utterances"`
	ResponsesTriggered  int64               `json:"responses_triggered"`
	Errors              int64               `json:"errors"`
	FallbackCompletions int64               `json:"fallback_completions"`
	Aggregator          fragment.Stats      `json:"aggregator"`
}

// Processor turns conversation events into response decisions.
type Processor struct {
	agg        *fragment.Aggregator
	fallback   Fallback
	sink       Sink
	metrics    *observe.Metrics
	minSilence time.Duration
	now        func() time.Time

	// step is held for a whole event, flush or sweep so the aggregator and
	// fallback never see another caller mid-step. The sink runs under it.
	step sync.Mutex

	mu        sync.Mutex
	events    map[EventType]int64
	done      int64
	respond   int64
	errs      int64
	fallbacks int64
	buffered  int64
}

func NewProcessor(cfg Config) *Processor {
	p := &Processor{
		agg:        cfg.Aggregator,
		fallback:   cfg.Fallback,
		sink:       cfg.Sink,
		metrics:    cfg.Metrics,
		minSilence: cfg.MinSilence,
		now:        cfg.Now,
		events:     make(map[EventType]int64),
	}
	if p.agg == nil {
		p.agg = fragment.NewAggregator(fragment.Config{Now: cfg.Now})
	}
	if p.minSilence <= 0 {
		p.minSilence = DefaultMinSilence
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Aggregator returns the aggregator the processor feeds.
func (p *Processor) Aggregator() *fragment.Aggregator { return p.agg }

// Process handles one event. It never panics; malformed events and internal
// faults yield a "none" outcome and bump the error counter.
func (p *Processor) Process(ev Event) (out Outcome) {
	p.step.Lock()
	defer p.step.Unlock()

	speaker := cleanSpeaker(ev.SpeakerID)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("conversation process recovered", "type", string(ev.Type), "speaker", speaker, "panic", fmt.Sprint(r))
			p.recordError(ev.Type)
			out = none(speaker, 0)
		}
		p.syncBuffered()
	}()

	if !validType(ev.Type) {
		slog.Warn("conversation event has unknown type", "type", string(ev.Type))
		p.recordError(ev.Type)
		return none(speaker, 0)
	}
	p.recordEvent(ev.Type)

	confidence, ok := sanitizeConfidence(ev.Confidence)
	if !ok {
		p.recordError(ev.Type)
	}

	switch ev.Type {
	case EventSpeakerChange:
		return p.speakerChange(ev)
	case EventSilence:
		return p.silence(ev, speaker)
	default:
		return p.transcript(ev, speaker, confidence)
	}
}

func (p *Processor) transcript(ev Event, speaker string, confidence float64) Outcome {
	if speaker == "" {
		speaker = fragment.UnknownSpeaker
	}
	if strings.TrimSpace(ev.Text) == "" {
		p.recordError(ev.Type)
		return none(speaker, confidence)
	}

	res := p.agg.Aggregate(ev.Text, speaker, ev.Timestamp)
	if p.metrics != nil {
		p.metrics.RecordFragment(context.Background(), res.Kind.String())
	}
	if res.Degraded() {
		p.recordError(ev.Type)
		return none(speaker, confidence)
	}

	var previous *Outcome
	if res.Previous != nil {
		p.resetFallback(speaker)
		o := p.emit(fromFragment(*res.Previous, FlushConfidence, SourcePause))
		previous = &o
	}

	if res.Complete() {
		p.resetFallback(speaker)
		o := p.emit(Utterance{
			SpeakerID:     res.SpeakerID,
			Text:          res.Text,
			ShouldRespond: res.ShouldRespond,
			Confidence:    max(FlushConfidence, confidence),
			Source:        SourceAggregator,
			StartedAt:     res.StartedAt,
			EndedAt:       res.EndedAt,
		})
		o.Previous = previous
		return o
	}

	if p.fallback != nil {
		p.fallback.Observe(Event{
			Type:       ev.Type,
			Text:       ev.Text,
			SpeakerID:  res.SpeakerID,
			Timestamp:  ev.Timestamp,
			Confidence: confidence,
			Endpoint:   ev.Endpoint,
		})
		if text, ok := p.fallback.Complete(res.SpeakerID); ok {
			p.agg.ClearSpeaker(res.SpeakerID)
			p.mu.Lock()
			p.fallbacks++
			p.mu.Unlock()

			o := p.emit(Utterance{
				SpeakerID:     res.SpeakerID,
				Text:          text,
				ShouldRespond: p.agg.Classifier().ContainsQuestion(text),
				Confidence:    confidence,
				Source:        SourceFallback,
				EndedAt:       p.now(),
			})
			o.Previous = previous
			return o
		}
	}

	o := none(res.SpeakerID, confidence)
	o.Previous = previous
	return o
}

func (p *Processor) speakerChange(ev Event) Outcome {
	prev := cleanSpeaker(ev.PreviousSpeakerID)
	next := cleanSpeaker(ev.SpeakerID)
	if prev == "" || prev == next {
		return none(next, 0)
	}
	o, ok := p.flush(prev, SourceSpeakerChange, false)
	if !ok {
		return none(next, 0)
	}
	return o
}

func (p *Processor) silence(ev Event, speaker string) Outcome {
	if speaker == "" {
		p.recordError(ev.Type)
		return none(speaker, 0)
	}
	if ev.SilenceDuration < p.minSilence {
		return none(speaker, 0)
	}
	o, ok := p.flush(speaker, SourceSilence, false)
	if !ok {
		return none(speaker, 0)
	}
	return o
}

// FlushSpeaker closes speakerID's pending utterance on demand and marks it
// for a response regardless of its wording.
func (p *Processor) FlushSpeaker(speakerID string) (Outcome, bool) {
	p.step.Lock()
	defer p.step.Unlock()
	defer p.syncBuffered()
	return p.flush(speakerKey(speakerID), SourceManual, true)
}

// FlushAll closes every pending utterance, in speaker order. It is used when
// a session ends.
func (p *Processor) FlushAll() []Outcome {
	p.step.Lock()
	defer p.step.Unlock()
	defer p.syncBuffered()

	var out []Outcome
	for _, id := range p.agg.Speakers() {
		if o, ok := p.flush(id, SourceSessionEnd, false); ok {
			out = append(out, o)
		}
	}
	return out
}

// Sweep emits every utterance whose speaker has been quiet longer than the
// pause threshold.
func (p *Processor) Sweep() []Outcome {
	p.step.Lock()
	defer p.step.Unlock()
	defer p.syncBuffered()

	var out []Outcome
	for _, u := range p.agg.FlushStale(p.now()) {
		p.resetFallback(u.SpeakerID)
		out = append(out, p.emit(fromFragment(u, FlushConfidence, SourceSweep)))
	}
	return out
}

// Run sweeps idle speakers every interval until ctx is done.
func (p *Processor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Reset drops all buffered fragments without emitting them.
func (p *Processor) Reset() {
	p.step.Lock()
	defer p.step.Unlock()

	for _, id := range p.agg.Speakers() {
		p.resetFallback(id)
	}
	p.agg.ClearAll()
	p.syncBuffered()
}

func (p *Processor) Stats() Stats {
	p.mu.Lock()
	events := make(map[EventType]int64, len(p.events))
	for k, v := range p.events {
		events[k] = v
	}
	s := Stats{
		Events:              events,
		Utterances:          p.done,
		ResponsesTriggered:  p.respond,
		Errors:              p.errs,
		FallbackCompletions: p.fallbacks,
	}
	p.mu.Unlock()

	s.Aggregator = p.agg.Stats()
	return s
}

func (p *Processor) flush(speakerID string, source Source, force bool) (Outcome, bool) {
	u, ok := p.agg.FlushUtterance(speakerID)
	p.resetFallback(speakerID)
	if !ok {
		return Outcome{}, false
	}
	ut := fromFragment(u, FlushConfidence, source)
	if force {
		ut.ShouldRespond = true
	}
	return p.emit(ut), true
}

func (p *Processor) emit(u Utterance) Outcome {
	if u.EndedAt.IsZero() {
		u.EndedAt = p.now()
	}

	p.mu.Lock()
	p.done++
	if u.ShouldRespond {
		p.respond++
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordUtterance(context.Background(), string(u.Source), u.ShouldRespond)
	}
	slog.Debug("utterance complete", "speaker", u.SpeakerID, "source", string(u.Source), "respond", u.ShouldRespond)

	if p.sink != nil {
		p.sink.HandleUtterance(u)
	}
	return outcomeOf(u)
}

func (p *Processor) resetFallback(speakerID string) {
	if p.fallback != nil {
		p.fallback.Reset(speakerID)
	}
}

func (p *Processor) recordEvent(t EventType) {
	p.mu.Lock()
	p.events[t]++
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.RecordEvent(context.Background(), string(t))
	}
}

func (p *Processor) recordError(t EventType) {
	p.mu.Lock()
	p.errs++
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.RecordEventError(context.Background(), string(t))
	}
}

// syncBuffered moves the buffered-fragments gauge to the aggregator's
// current total.
func (p *Processor) syncBuffered() {
	if p.metrics == nil {
		return
	}
	total := int64(p.agg.Stats().TotalFragments)

	p.mu.Lock()
	delta := total - p.buffered
	p.buffered = total
	p.mu.Unlock()

	if delta != 0 {
		p.metrics.BufferedFragments.Add(context.Background(), delta)
	}
}

func fromFragment(u fragment.Utterance, confidence float64, source Source) Utterance {
	return Utterance{
		SpeakerID:     u.SpeakerID,
		Text:          u.Text,
		ShouldRespond: u.ShouldRespond,
		Confidence:    confidence,
		Source:        source,
		StartedAt:     u.StartedAt,
		EndedAt:       u.EndedAt,
	}
}

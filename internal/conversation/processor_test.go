package conversation

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sjawhar/ghost-turns/internal/fragment"
	"github.com/sjawhar/ghost-turns/internal/observe"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingSink struct {
	mu  sync.Mutex
	got []Utterance
}

func (s *recordingSink) HandleUtterance(u Utterance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, u)
}

func (s *recordingSink) utterances() []Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Utterance(nil), s.got...)
}

type harness struct {
	clock *fakeClock
	sink  *recordingSink
	proc  *Processor
}

func newHarness(fallback Fallback) *harness {
	clock := newFakeClock()
	sink := &recordingSink{}
	proc := NewProcessor(Config{
		Aggregator: fragment.NewAggregator(fragment.Config{Now: clock.Now}),
		Fallback:   fallback,
		Sink:       sink,
		Now:        clock.Now,
	})
	return &harness{clock: clock, sink: sink, proc: proc}
}

func (h *harness) say(speaker, text string, confidence float64) Outcome {
	return h.proc.Process(Event{
		Type:       EventTranscript,
		Text:       text,
		SpeakerID:  speaker,
		Timestamp:  h.clock.Now(),
		Confidence: confidence,
	})
}

func TestProcess_QuestionCompletes(t *testing.T) {
	h := newHarness(nil)

	out := h.say("alice", "Can you hear me?", 0.6)
	if !out.ShouldRespond || out.ResponseType != ResponseQuestion {
		t.Fatalf("expected question response, got %+v", out)
	}
	if out.Confidence != FlushConfidence {
		t.Fatalf("expected confidence floor %v, got %v", FlushConfidence, out.Confidence)
	}
	if out.ProcessedText != "Can you hear me?" || out.SpeakerID != "alice" {
		t.Fatalf("unexpected outcome %+v", out)
	}

	out = h.say("alice", "Is it recording?", 0.95)
	if out.Confidence != 0.95 {
		t.Fatalf("expected event confidence 0.95 above floor, got %v", out.Confidence)
	}

	got := h.sink.utterances()
	if len(got) != 2 || got[0].Source != SourceAggregator {
		t.Fatalf("expected two aggregator utterances in sink, got %+v", got)
	}
}

func TestProcess_StatementDoesNotRespond(t *testing.T) {
	h := newHarness(nil)

	out := h.say("alice", "We shipped it yesterday.", 0.9)
	if out.ShouldRespond || out.ResponseType != ResponseStatement {
		t.Fatalf("expected statement, got %+v", out)
	}
}

func TestProcess_FragmentWaits(t *testing.T) {
	h := newHarness(nil)

	out := h.say("alice", "so I was thinking", 0.9)
	if out.ResponseType != ResponseNone || out.ShouldRespond || out.ProcessedText != "" {
		t.Fatalf("expected none outcome, got %+v", out)
	}
	if len(h.sink.utterances()) != 0 {
		t.Fatal("expected nothing handed to the sink")
	}
	if got := h.proc.Stats().Aggregator.TotalFragments; got != 1 {
		t.Fatalf("expected 1 buffered fragment, got %d", got)
	}
}

func TestProcess_SpeakerChangeFlushesPrevious(t *testing.T) {
	h := newHarness(nil)

	h.say("alice", "what about the budget", 0.9)
	out := h.proc.Process(Event{Type: EventSpeakerChange, SpeakerID: "bob", PreviousSpeakerID: "alice"})

	if out.SpeakerID != "alice" || out.ProcessedText != "what about the budget." {
		t.Fatalf("unexpected flush outcome %+v", out)
	}
	if !out.ShouldRespond || out.Confidence != FlushConfidence || out.Source != SourceSpeakerChange {
		t.Fatalf("expected respond-worthy speaker-change flush, got %+v", out)
	}

	out = h.proc.Process(Event{Type: EventSpeakerChange, SpeakerID: "alice", PreviousSpeakerID: "bob"})
	if out.ResponseType != ResponseNone {
		t.Fatalf("expected none for empty previous speaker, got %+v", out)
	}
}

func TestProcess_SilenceThreshold(t *testing.T) {
	h := newHarness(nil)
	h.say("alice", "let me check the numbers", 0.9)

	out := h.proc.Process(Event{Type: EventSilence, SpeakerID: "alice", SilenceDuration: 2 * time.Second})
	if out.ResponseType != ResponseNone {
		t.Fatalf("expected short silence to be ignored, got %+v", out)
	}
	if h.proc.Aggregator().State("alice") != fragment.StateBuffering {
		t.Fatal("expected buffer to survive a short silence")
	}

	out = h.proc.Process(Event{Type: EventSilence, SpeakerID: "alice", SilenceDuration: 4 * time.Second})
	if out.ProcessedText != "let me check the numbers." || out.Source != SourceSilence {
		t.Fatalf("expected silence flush, got %+v", out)
	}
}

func TestProcess_InvalidEventsCountErrors(t *testing.T) {
	h := newHarness(nil)

	if out := h.proc.Process(Event{Type: "mystery"}); out.ResponseType != ResponseNone {
		t.Fatalf("expected none for unknown type, got %+v", out)
	}
	if out := h.proc.Process(Event{Type: EventTranscript, SpeakerID: "alice", Text: "   "}); out.ResponseType != ResponseNone {
		t.Fatalf("expected none for blank text, got %+v", out)
	}
	if out := h.proc.Process(Event{Type: EventSilence, SilenceDuration: time.Minute}); out.ResponseType != ResponseNone {
		t.Fatalf("expected none for silence without speaker, got %+v", out)
	}

	out := h.say("alice", "Is this thing on?", math.NaN())
	if !out.ShouldRespond || out.Confidence != FlushConfidence {
		t.Fatalf("expected NaN confidence coerced and still processed, got %+v", out)
	}

	stats := h.proc.Stats()
	if stats.Errors != 4 {
		t.Fatalf("expected 4 errors, got %d", stats.Errors)
	}
	if stats.Events[EventTranscript] != 2 || stats.Events[EventSilence] != 1 {
		t.Fatalf("unexpected event counts %+v", stats.Events)
	}
}

func TestProcess_PauseReturnsPrevious(t *testing.T) {
	h := newHarness(nil)

	h.say("alice", "first thought", 0.9)
	h.clock.Advance(4 * time.Second)
	out := h.say("alice", "second thought", 0.9)

	if out.ResponseType != ResponseNone {
		t.Fatalf("expected new fragment to wait, got %+v", out)
	}
	if out.Previous == nil || out.Previous.ProcessedText != "first thought." {
		t.Fatalf("expected previous utterance, got %+v", out.Previous)
	}
	if out.Previous.Source != SourcePause {
		t.Fatalf("expected pause source, got %q", out.Previous.Source)
	}
	frags := h.proc.Aggregator().SpeakerFragments("alice")
	if len(frags) != 1 || frags[0].Text != "second thought" {
		t.Fatalf("expected only the new fragment buffered, got %+v", frags)
	}
}

func TestProcess_EndpointFallbackCompletes(t *testing.T) {
	h := newHarness(NewEndpointFallback(0))

	out := h.say("alice", "so I was thinking", 0.9)
	if out.ResponseType != ResponseNone {
		t.Fatalf("expected wait, got %+v", out)
	}

	out = h.proc.Process(Event{
		Type:       EventTranscript,
		Text:       "we ship on friday",
		SpeakerID:  "alice",
		Timestamp:  h.clock.Now(),
		Confidence: 0.7,
		Endpoint:   true,
	})
	if out.Source != SourceFallback || out.ProcessedText != "so I was thinking, we ship on friday." {
		t.Fatalf("expected fallback completion, got %+v", out)
	}
	if out.Confidence != 0.7 {
		t.Fatalf("expected event confidence, got %v", out.Confidence)
	}
	if h.proc.Aggregator().State("alice") != fragment.StateEmpty {
		t.Fatal("expected aggregator buffer cleared after fallback completion")
	}
	if h.proc.Stats().FallbackCompletions != 1 {
		t.Fatal("expected one fallback completion")
	}
}

func TestProcess_AggregatorCompletionResetsFallback(t *testing.T) {
	h := newHarness(NewEndpointFallback(0))

	h.say("alice", "so I was", 0.9)
	out := h.say("alice", "done here.", 0.9)
	if out.Source != SourceAggregator {
		t.Fatalf("expected aggregator completion, got %+v", out)
	}

	out = h.proc.Process(Event{
		Type:      EventTranscript,
		Text:      "next thing",
		SpeakerID: "alice",
		Timestamp: h.clock.Now(),
		Endpoint:  true,
	})
	if out.ProcessedText != "next thing." {
		t.Fatalf("expected fallback to start fresh, got %q", out.ProcessedText)
	}
}

func TestSweepEmitsIdleSpeakers(t *testing.T) {
	h := newHarness(nil)

	h.say("alice", "pending idea", 0.9)
	if got := h.proc.Sweep(); len(got) != 0 {
		t.Fatalf("expected nothing stale yet, got %+v", got)
	}

	h.clock.Advance(4 * time.Second)
	got := h.proc.Sweep()
	if len(got) != 1 || got[0].ProcessedText != "pending idea." || got[0].Source != SourceSweep {
		t.Fatalf("expected swept utterance, got %+v", got)
	}
	if len(h.sink.utterances()) != 1 {
		t.Fatal("expected swept utterance handed to the sink")
	}
}

func TestFlushSpeakerForcesResponse(t *testing.T) {
	h := newHarness(nil)

	h.say("alice", "let's move on", 0.9)
	out, ok := h.proc.FlushSpeaker("alice")
	if !ok {
		t.Fatal("expected flush to find buffered text")
	}
	if !out.ShouldRespond || out.ResponseType != ResponseQuestion || out.Source != SourceManual {
		t.Fatalf("expected forced response, got %+v", out)
	}
	if _, ok := h.proc.FlushSpeaker("alice"); ok {
		t.Fatal("expected second flush to find nothing")
	}
}

func TestFlushAllAndReset(t *testing.T) {
	h := newHarness(nil)

	h.say("bob", "one more", 0.9)
	h.say("alice", "and then", 0.9)
	out := h.proc.FlushAll()
	if len(out) != 2 || out[0].SpeakerID != "alice" || out[1].SpeakerID != "bob" {
		t.Fatalf("expected both speakers flushed in order, got %+v", out)
	}

	h.say("carol", "unfinished", 0.9)
	h.proc.Reset()
	if len(h.proc.Aggregator().Speakers()) != 0 {
		t.Fatal("expected reset to clear buffers")
	}
	if got := len(h.sink.utterances()); got != 2 {
		t.Fatalf("expected reset not to emit, sink has %d", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.proc.Run(ctx, 5*time.Millisecond) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestProcessRecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	clock := newFakeClock()
	proc := NewProcessor(Config{
		Aggregator: fragment.NewAggregator(fragment.Config{Now: clock.Now}),
		Metrics:    m,
		Now:        clock.Now,
	})
	proc.Process(Event{Type: EventTranscript, SpeakerID: "alice", Text: "hold on", Timestamp: clock.Now()})
	proc.Process(Event{Type: EventTranscript, SpeakerID: "alice", Text: "Ready?", Timestamp: clock.Now()})
	proc.Process(Event{Type: "bogus"})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	want := map[string]int64{
		"ghost_turns.events":             2,
		"ghost_turns.event_errors":       1,
		"ghost_turns.utterances":         1,
		"ghost_turns.fragments":          2,
		"ghost_turns.buffered_fragments": 0,
	}
	for name, value := range want {
		if got := sum(rm, name); got != value {
			t.Errorf("%s = %d, want %d", name, got, value)
		}
	}
}

func sum(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			if s, ok := met.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// racingFallback starts a manual flush from another goroutine while the
// processor is between aggregating and consulting the fallback.
type racingFallback struct {
	*EndpointFallback
	proc    *Processor
	flushed chan struct{}
}

func (f *racingFallback) Observe(ev Event) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.proc.FlushSpeaker(ev.SpeakerID)
	}()
	select {
	case <-done:
	case <-time.After(50 * time.Millisecond):
	}
	f.flushed = done
	f.EndpointFallback.Observe(ev)
}

func TestProcess_ConcurrentFlushDoesNotDuplicate(t *testing.T) {
	fb := &racingFallback{EndpointFallback: NewEndpointFallback(0)}
	h := newHarness(fb)
	fb.proc = h.proc

	h.proc.Process(Event{
		Type:      EventTranscript,
		Text:      "ship it",
		SpeakerID: "alice",
		Timestamp: h.clock.Now(),
		Endpoint:  true,
	})
	select {
	case <-fb.flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("manual flush never finished")
	}

	var copies int
	for _, u := range h.sink.utterances() {
		if u.Text == "ship it." {
			copies++
		}
	}
	if copies != 1 {
		t.Fatalf("expected the words emitted once, got %d: %+v", copies, h.sink.utterances())
	}
}

func TestEndpointFallback_ForgetsExpiredWords(t *testing.T) {
	fb := NewEndpointFallback(5 * time.Second)
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	fb.Observe(Event{Type: EventTranscript, Text: "old words", SpeakerID: "alice", Timestamp: at})
	fb.Observe(Event{Type: EventTranscript, Text: "new speech", SpeakerID: "alice", Timestamp: at.Add(6 * time.Second), Endpoint: true})

	text, ok := fb.Complete("alice")
	if !ok || text != "new speech." {
		t.Fatalf("expected only fresh words, got %q ok=%v", text, ok)
	}
	if _, ok := fb.Complete("alice"); ok {
		t.Fatal("expected nothing pending after completion")
	}
}

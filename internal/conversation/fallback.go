package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/sjawhar/ghost-turns/internal/fragment"
)

// Fallback is a secondary completion detector consulted only when the
// aggregator answered "wait". Implementations must be safe for concurrent
// use.
type Fallback interface {
	// Observe records a transcript fragment the aggregator kept buffering.
	Observe(ev Event)
	// Complete returns a finished utterance for speakerID, if the fallback
	// considers one ready, and forgets it.
	Complete(speakerID string) (string, bool)
	// Reset forgets everything observed for speakerID.
	Reset(speakerID string)
}

// EndpointFallback completes a speaker's pending words once the STT
// provider marks the end of speech (Deepgram speech_final). Words older than
// maxAge are forgotten, matching the aggregator's purge.
type EndpointFallback struct {
	maxAge time.Duration

	mu      sync.Mutex
	pending map[string]*endpointBuffer
}

type endpointBuffer struct {
	fragments []fragment.Fragment
	endpoint  bool
}

// NewEndpointFallback returns an EndpointFallback. A non-positive maxAge
// selects fragment.DefaultMaxFragmentAge.
func NewEndpointFallback(maxAge time.Duration) *EndpointFallback {
	if maxAge <= 0 {
		maxAge = fragment.DefaultMaxFragmentAge
	}
	return &EndpointFallback{maxAge: maxAge, pending: make(map[string]*endpointBuffer)}
}

func (f *EndpointFallback) Observe(ev Event) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}
	speaker := speakerKey(ev.SpeakerID)
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	buf := f.pending[speaker]
	if buf == nil {
		buf = &endpointBuffer{}
		f.pending[speaker] = buf
	}
	kept := buf.fragments[:0]
	for _, fr := range buf.fragments {
		if ts.Sub(fr.Timestamp) <= f.maxAge {
			kept = append(kept, fr)
		}
	}
	buf.fragments = append(kept, fragment.Fragment{Text: text, Timestamp: ts})
	buf.endpoint = ev.Endpoint
}

func (f *EndpointFallback) Complete(speakerID string) (string, bool) {
	speaker := speakerKey(speakerID)

	f.mu.Lock()
	defer f.mu.Unlock()

	buf := f.pending[speaker]
	if buf == nil || !buf.endpoint || len(buf.fragments) == 0 {
		return "", false
	}
	delete(f.pending, speaker)

	text := fragment.Join(buf.fragments)
	return text, text != ""
}

func (f *EndpointFallback) Reset(speakerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, speakerKey(speakerID))
}

func speakerKey(id string) string {
	id = cleanSpeaker(id)
	if id == "" {
		return fragment.UnknownSpeaker
	}
	return id
}

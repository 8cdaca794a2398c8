// Package conversation routes transcript, speaker-change and silence events
// through a fragment aggregator and decides which completed utterances
// should elicit an AI response.
package conversation

import (
	"math"
	"strings"
	"time"
)

// EventType is the kind of a conversation event.
type EventType string

const (
	EventTranscript    EventType = "transcript"
	EventSpeakerChange EventType = "speaker_change"
	EventSilence       EventType = "silence"
)

// Event is one input to the Processor.
//
// Transcript events carry Text, SpeakerID, Timestamp and Confidence, and
// Endpoint when the STT provider flagged the end of speech. Speaker-change
// events carry the new SpeakerID and the PreviousSpeakerID that stopped
// talking. Silence events carry the SpeakerID that fell silent and
// SilenceDuration.
type Event struct {
	Type              EventType     `json:"type"`
	Text              string        `json:"text,omitempty"`
	SpeakerID         string        `json:"speaker_id,omitempty"`
	PreviousSpeakerID string        `json:"previous_speaker_id,omitempty"`
	Timestamp         time.Time     `json:"timestamp"`
	Confidence        float64       `json:"confidence,omitempty"`
	SilenceDuration   time.Duration `json:"silence_duration,omitempty"`
	Endpoint          bool          `json:"endpoint,omitempty"`
}

// ResponseType classifies an Outcome.
type ResponseType string

const (
	ResponseNone      ResponseType = "none"
	ResponseStatement ResponseType = "statement"
	ResponseQuestion  ResponseType = "question"
)

// Source names what closed an utterance.
type Source string

const (
	SourceAggregator    Source = "aggregator"
	SourcePause         Source = "pause"
	SourceFallback      Source = "fallback"
	SourceSpeakerChange Source = "speaker_change"
	SourceSilence       Source = "silence"
	SourceSweep         Source = "sweep"
	SourceManual        Source = "manual"
	SourceSessionEnd    Source = "session_end"
)

// Utterance is a completed utterance handed to the Sink.
type Utterance struct {
	SpeakerID     string    `json:"speaker_id"`
	Text          string    `json:"text"`
	ShouldRespond bool      `json:"should_respond"`
	Confidence    float64   `json:"confidence"`
	Source        Source    `json:"source"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
}

// Outcome is the synchronous answer to one event.
type Outcome struct {
	ShouldRespond bool         `json:"should_respond"`
	ProcessedText string       `json:"processed_text"`
	ResponseType  ResponseType `json:"response_type"`
	Confidence    float64      `json:"confidence"`
	SpeakerID     string       `json:"speaker_id"`
	Source        Source       `json:"source,omitempty"`

	// Previous is the utterance the pause rule closed before this event's
	// fragment was buffered, if any.
	Previous *Outcome `json:"previous,omitempty"`
}

func none(speakerID string, confidence float64) Outcome {
	return Outcome{ResponseType: ResponseNone, SpeakerID: speakerID, Confidence: confidence}
}

func outcomeOf(u Utterance) Outcome {
	rt := ResponseStatement
	if u.ShouldRespond {
		rt = ResponseQuestion
	}
	return Outcome{
		ShouldRespond: u.ShouldRespond,
		ProcessedText: u.Text,
		ResponseType:  rt,
		Confidence:    u.Confidence,
		SpeakerID:     u.SpeakerID,
		Source:        u.Source,
	}
}

// sanitizeConfidence clamps c into [0, 1]; NaN and infinities become 0.
func sanitizeConfidence(c float64) (float64, bool) {
	switch {
	case math.IsNaN(c) || math.IsInf(c, 0):
		return 0, false
	case c < 0:
		return 0, false
	case c > 1:
		return 1, false
	default:
		return c, true
	}
}

func validType(t EventType) bool {
	switch t {
	case EventTranscript, EventSpeakerChange, EventSilence:
		return true
	default:
		return false
	}
}

func cleanSpeaker(id string) string {
	return strings.TrimSpace(id)
}

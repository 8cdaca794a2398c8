package server

import (
	"time"

	"github.com/sjawhar/ghost-turns/internal/coalesce"
	"github.com/sjawhar/ghost-turns/internal/conversation"
	"github.com/sjawhar/ghost-turns/internal/storage"
)

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

// InterimEvent is unstable live text, shown faded until a final replaces it.
type InterimEvent struct {
	Event
	SpeakerID string  `json:"speaker_id"`
	Text      string  `json:"text"`
	StartTime float64 `json:"start_time"`
}

// EntryEvent carries a transcript line. Type is "entry_appended" for a new
// line and "entry_updated" when a coalesced revision replaces entry ID.
type EntryEvent struct {
	Event
	SessionID string         `json:"session_id"`
	Entry     coalesce.Entry `json:"entry"`
}

type UtteranceEvent struct {
	Event
	SessionID     string              `json:"session_id"`
	SpeakerID     string              `json:"speaker_id"`
	Text          string              `json:"text"`
	ShouldRespond bool                `json:"should_respond"`
	Confidence    float64             `json:"confidence"`
	Source        conversation.Source `json:"source"`
}

type ResponseEvent struct {
	Event
	Response storage.Response `json:"response"`
}

type SessionStartedEvent struct {
	Event
	SessionID string `json:"session_id"`
}

type SessionEndedEvent struct {
	Event
	SessionID      string  `json:"session_id"`
	Duration       float64 `json:"duration"`
	TranscriptPath string  `json:"transcript_path,omitempty"`
}

type StatusChangedEvent struct {
	Event
	Paused bool `json:"paused"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}

func entryEventType(action coalesce.Action) string {
	if action == coalesce.ActionUpdate {
		return "entry_updated"
	}
	return "entry_appended"
}

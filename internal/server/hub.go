package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sjawhar/ghost-turns/internal/coalesce"
	"github.com/sjawhar/ghost-turns/internal/conversation"
	"github.com/sjawhar/ghost-turns/internal/storage"
)

// Hub fans events out to websocket clients. Slow clients miss messages
// rather than block the broadcaster.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

// Clients returns the number of subscribed clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) BroadcastInterim(speakerID, text string, start float64) {
	h.broadcastEvent(InterimEvent{
		Event:     newEvent("interim", time.Now().UTC()),
		SpeakerID: speakerID,
		Text:      text,
		StartTime: start,
	})
}

func (h *Hub) BroadcastEntry(sessionID string, e coalesce.Entry, action coalesce.Action) {
	h.broadcastEvent(EntryEvent{
		Event:     newEvent(entryEventType(action), e.Timestamp),
		SessionID: sessionID,
		Entry:     e,
	})
}

func (h *Hub) BroadcastUtterance(sessionID string, u conversation.Utterance) {
	h.broadcastEvent(UtteranceEvent{
		Event:         newEvent("utterance", u.EndedAt),
		SessionID:     sessionID,
		SpeakerID:     u.SpeakerID,
		Text:          u.Text,
		ShouldRespond: u.ShouldRespond,
		Confidence:    u.Confidence,
		Source:        u.Source,
	})
}

func (h *Hub) BroadcastResponse(r storage.Response) {
	h.broadcastEvent(ResponseEvent{
		Event:    newEvent("response", time.Now().UTC()),
		Response: r,
	})
}

func (h *Hub) BroadcastSessionStarted(sessionID string) {
	h.broadcastEvent(SessionStartedEvent{
		Event:     newEvent("session_started", time.Now().UTC()),
		SessionID: sessionID,
	})
}

func (h *Hub) BroadcastSessionEnded(sessionID string, duration time.Duration, transcriptPath string) {
	h.broadcastEvent(SessionEndedEvent{
		Event:          newEvent("session_ended", time.Now().UTC()),
		SessionID:      sessionID,
		Duration:       duration.Seconds(),
		TranscriptPath: transcriptPath,
	})
}

func (h *Hub) BroadcastStatusChanged(paused bool) {
	h.broadcastEvent(StatusChangedEvent{
		Event:  newEvent("status_changed", time.Now().UTC()),
		Paused: paused,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("event marshal failed", "error", err)
		return
	}
	h.Broadcast(payload)
}

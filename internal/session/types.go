package session

import (
	"context"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"

	"github.com/sjawhar/ghost-turns/internal/coalesce"
	"github.com/sjawhar/ghost-turns/internal/conversation"
	"github.com/sjawhar/ghost-turns/internal/respond"
	"github.com/sjawhar/ghost-turns/internal/storage"
)

type Store interface {
	CreateSession(id string, startedAt time.Time) error
	EndSession(id string, endedAt time.Time, transcriptPath string) error
	AppendEntry(sessionID string, e coalesce.Entry) (int64, error)
	UpdateEntry(sessionID string, e coalesce.Entry) error
	GetEntries(sessionID string) ([]coalesce.Entry, error)
	AppendUtterance(sessionID string, u conversation.Utterance) error
	GetResponses(sessionID string) ([]storage.Response, error)
}

// Processor is the conversation processor the manager feeds.
type Processor interface {
	Process(ev conversation.Event) conversation.Outcome
	FlushSpeaker(speakerID string) (conversation.Outcome, bool)
	FlushAll() []conversation.Outcome
	Reset()
}

type TranscriptWriter interface {
	WriteSession(sess storage.Session, entries []coalesce.Entry, responses []storage.Response) (string, error)
}

type Uploader interface {
	Upload(ctx context.Context, path string) error
}

type Responder interface {
	Submit(req respond.Request) bool
}

type EventBroadcaster interface {
	BroadcastInterim(speakerID, text string, start float64)
	BroadcastEntry(sessionID string, e coalesce.Entry, action coalesce.Action)
	BroadcastUtterance(sessionID string, u conversation.Utterance)
	BroadcastSessionStarted(sessionID string)
	BroadcastSessionEnded(sessionID string, duration time.Duration, transcriptPath string)
}

type LifecycleManager interface {
	Message(mr *api.MessageResponse) error
	UtteranceEnd(ur *api.UtteranceEndResponse) error
	ForceEndSession(ctx context.Context) error
}

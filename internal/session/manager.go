package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"

	"github.com/sjawhar/ghost-turns/internal/coalesce"
	"github.com/sjawhar/ghost-turns/internal/conversation"
	"github.com/sjawhar/ghost-turns/internal/observe"
	"github.com/sjawhar/ghost-turns/internal/respond"
	"github.com/sjawhar/ghost-turns/internal/storage"
	"github.com/sjawhar/ghost-turns/internal/transcribe"
)

// Config wires a Manager. Store and Processor are required.
type Config struct {
	Store      Store
	Processor  Processor
	Transcript *coalesce.Transcript
	Writer     TranscriptWriter
	Uploader   Uploader
	Responder  Responder
	Hub        EventBroadcaster
	Detector   *Detector
	Metrics    *observe.Metrics
	// MinSilence is how long after the last final word a silence event is
	// reported. Zero selects conversation.DefaultMinSilence.
	MinSilence time.Duration
	Now        func() time.Time
}

type Manager struct {
	store      Store
	processor  Processor
	transcript *coalesce.Transcript
	writer     TranscriptWriter
	uploader   Uploader
	responder  Responder
	hub        EventBroadcaster
	detector   *Detector
	metrics    *observe.Metrics
	minSilence time.Duration
	recent     *ContextBuffer
	now        func() time.Time

	mu               sync.Mutex
	currentSessionID string
	currentStartedAt time.Time
	lastSpeaker      string
	lastSpeechAt     time.Time
	silenceTimer     *time.Timer
}

func NewManager(cfg Config) *Manager {
	if cfg.Detector == nil {
		cfg.Detector = NewDetector(30 * time.Second)
	}
	if cfg.Transcript == nil {
		cfg.Transcript = coalesce.NewTranscript(coalesce.New())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MinSilence <= 0 {
		cfg.MinSilence = conversation.DefaultMinSilence
	}

	m := &Manager{
		store:      cfg.Store,
		processor:  cfg.Processor,
		transcript: cfg.Transcript,
		writer:     cfg.Writer,
		uploader:   cfg.Uploader,
		responder:  cfg.Responder,
		hub:        cfg.Hub,
		detector:   cfg.Detector,
		metrics:    cfg.Metrics,
		minSilence: cfg.MinSilence,
		recent:     NewContextBuffer(DefaultContextLines),
		now:        cfg.Now,
	}

	m.detector.OnSessionEnd(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.endCurrentSession(ctx); err != nil {
			slog.Warn("session end after silence failed", "error", err)
		}
	})

	return m
}

func (m *Manager) Message(mr *api.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]

	sentence := strings.TrimSpace(alt.Transcript)
	if sentence == "" {
		return nil
	}

	words := make([]transcribe.Word, 0, len(alt.Words))
	for _, word := range alt.Words {
		words = append(words, transcribe.Word{
			Speaker:        word.Speaker,
			PunctuatedWord: word.PunctuatedWord,
			Start:          word.Start,
			End:            word.End,
			Confidence:     word.Confidence,
		})
	}

	// Interim results are cumulative revisions; they are shown but never
	// aggregated.
	if !mr.IsFinal {
		if m.hub != nil {
			speaker := transcribe.UnknownSpeaker
			start := 0.0
			if len(words) > 0 {
				if words[0].Speaker != nil {
					speaker = *words[0].Speaker
				}
				start = words[0].Start
			}
			m.hub.BroadcastInterim(transcribe.SpeakerLabel(speaker), sentence, start)
		}
		return nil
	}

	m.detector.OnSpeech()

	now := m.now().UTC()
	if err := m.ensureSessionStarted(now); err != nil {
		return err
	}
	sessionID := m.currentSession()

	segments := transcribe.GroupWordsBySpeaker(words, now)
	if len(segments) == 0 {
		segments = []transcribe.Segment{{
			Speaker:    transcribe.UnknownSpeaker,
			Text:       sentence,
			Confidence: alt.Confidence,
			Timestamp:  now,
		}}
	}

	var errs []error
	for i, seg := range segments {
		speaker := seg.SpeakerID()

		if prev := m.observeSpeaker(speaker, now); prev != "" {
			m.processor.Process(conversation.Event{
				Type:              conversation.EventSpeakerChange,
				SpeakerID:         speaker,
				PreviousSpeakerID: prev,
				Timestamp:         now,
			})
		}

		if err := m.record(sessionID, seg); err != nil {
			errs = append(errs, err)
		}

		m.processor.Process(conversation.Event{
			Type:       conversation.EventTranscript,
			Text:       seg.Text,
			SpeakerID:  speaker,
			Timestamp:  now,
			Confidence: seg.Confidence,
			Endpoint:   mr.SpeechFinal && i == len(segments)-1,
		})
	}
	return errors.Join(errs...)
}

// UtteranceEnd arms the session-end detector and a timer that reports
// silence for the last speaker once MinSilence has passed since their last
// final word. New speech cancels the timer.
func (m *Manager) UtteranceEnd(_ *api.UtteranceEndResponse) error {
	m.mu.Lock()
	speaker := m.lastSpeaker
	last := m.lastSpeechAt
	if speaker != "" {
		m.armSilenceLocked(speaker, last, m.minSilence-m.now().Sub(last))
	}
	m.mu.Unlock()

	m.detector.OnUtteranceEnd()
	return nil
}

func (m *Manager) armSilenceLocked(speaker string, last time.Time, wait time.Duration) {
	m.stopSilenceLocked()
	if wait < 0 {
		wait = 0
	}

	var timer *time.Timer
	timer = time.AfterFunc(wait, func() {
		m.mu.Lock()
		if m.silenceTimer != timer || m.lastSpeaker != speaker || !m.lastSpeechAt.Equal(last) {
			m.mu.Unlock()
			return
		}
		m.silenceTimer = nil
		m.mu.Unlock()

		now := m.now().UTC()
		m.processor.Process(conversation.Event{
			Type:            conversation.EventSilence,
			SpeakerID:       speaker,
			Timestamp:       now,
			SilenceDuration: max(now.Sub(last), m.minSilence),
		})
	})
	m.silenceTimer = timer
}

func (m *Manager) stopSilenceLocked() {
	if m.silenceTimer != nil {
		m.silenceTimer.Stop()
		m.silenceTimer = nil
	}
}

// HandleUtterance persists and broadcasts a completed utterance and hands
// question-like ones to the responder. It runs on the ingestion path.
func (m *Manager) HandleUtterance(u conversation.Utterance) {
	sessionID := m.currentSession()
	if sessionID == "" {
		slog.Warn("utterance outside a session dropped", "speaker", u.SpeakerID, "source", string(u.Source))
		return
	}

	if err := m.store.AppendUtterance(sessionID, u); err != nil {
		slog.Warn("persist utterance failed", "session", sessionID, "error", err)
	}
	if m.hub != nil {
		m.hub.BroadcastUtterance(sessionID, u)
	}

	if !u.ShouldRespond || m.responder == nil {
		return
	}
	m.responder.Submit(respond.Request{
		SessionID: sessionID,
		SpeakerID: u.SpeakerID,
		Text:      u.Text,
		EndedAt:   u.EndedAt,
		Context:   m.recent.Lines(),
		Force:     u.Source == conversation.SourceManual,
	})
}

// FlushSpeaker closes the pending utterance of speakerID and requests a
// response for it.
func (m *Manager) FlushSpeaker(speakerID string) (conversation.Outcome, error) {
	if m.currentSession() == "" {
		return conversation.Outcome{}, ErrNoActiveSession
	}
	out, ok := m.processor.FlushSpeaker(speakerID)
	if !ok {
		return conversation.Outcome{}, ErrNothingBuffered
	}
	return out, nil
}

// CurrentSession returns the active session id, or "".
func (m *Manager) CurrentSession() string {
	return m.currentSession()
}

func (m *Manager) ForceEndSession(ctx context.Context) error {
	if m.currentSession() == "" {
		return ErrNoActiveSession
	}
	m.detector.Stop()
	return m.endCurrentSession(ctx)
}

// record applies a final segment to the coalesced transcript and stores it.
func (m *Manager) record(sessionID string, seg transcribe.Segment) error {
	entry, action := m.transcript.Add(coalesce.Entry{
		SpeakerID:  seg.SpeakerID(),
		Text:       strings.TrimSpace(seg.Text),
		Timestamp:  seg.Timestamp,
		Confidence: seg.Confidence,
		IsComplete: true,
	})

	switch action {
	case coalesce.ActionUpdate:
		if err := m.store.UpdateEntry(sessionID, entry); err != nil {
			return fmt.Errorf("update entry: %w", err)
		}
	default:
		id, err := m.store.AppendEntry(sessionID, entry)
		if err != nil {
			return fmt.Errorf("append entry: %w", err)
		}
		entry.ID = id
		m.transcript.SetID(entry.SpeakerID, id)
	}

	if m.metrics != nil {
		m.metrics.RecordCoalesce(context.Background(), action.String())
	}
	m.recent.Put(entry.ID, storage.FormatEntry(entry))
	if m.hub != nil {
		m.hub.BroadcastEntry(sessionID, entry, action)
	}
	return nil
}

// observeSpeaker notes speech from speaker and returns the previous speaker
// when it changed.
func (m *Manager) observeSpeaker(speaker string, at time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopSilenceLocked()
	prev := m.lastSpeaker
	m.lastSpeaker = speaker
	m.lastSpeechAt = at
	if prev == speaker {
		return ""
	}
	return prev
}

func (m *Manager) ensureSessionStarted(now time.Time) error {
	m.mu.Lock()
	if m.currentSessionID != "" {
		m.mu.Unlock()
		return nil
	}

	sessionID := now.UTC().Format("20060102150405")
	if m.currentStartedAt.Format("20060102150405") == sessionID {
		sessionID = now.UTC().Add(time.Second).Format("20060102150405")
	}
	startedAt := now.UTC()
	m.currentSessionID = sessionID
	m.currentStartedAt = startedAt
	m.mu.Unlock()

	if err := m.store.CreateSession(sessionID, startedAt); err != nil {
		m.mu.Lock()
		m.currentSessionID = ""
		m.currentStartedAt = time.Time{}
		m.mu.Unlock()
		return fmt.Errorf("create session: %w", err)
	}

	slog.Info("session started", "session", sessionID)
	if m.hub != nil {
		m.hub.BroadcastSessionStarted(sessionID)
	}

	return nil
}

func (m *Manager) endCurrentSession(ctx context.Context) error {
	m.mu.Lock()
	sessionID := m.currentSessionID
	startedAt := m.currentStartedAt
	m.mu.Unlock()
	if sessionID == "" {
		return nil
	}

	// Pending speech is emitted while the session is still current so the
	// sink can attribute it.
	m.processor.FlushAll()

	endedAt := m.now().UTC()
	transcriptPath := m.writeTranscript(storage.Session{
		ID:        sessionID,
		StartedAt: startedAt,
		EndedAt:   &endedAt,
		Status:    "ended",
	})

	if err := m.store.EndSession(sessionID, endedAt, transcriptPath); err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	m.mu.Lock()
	m.currentSessionID = ""
	m.lastSpeaker = ""
	m.lastSpeechAt = time.Time{}
	m.stopSilenceLocked()
	m.mu.Unlock()

	m.processor.Reset()
	m.transcript.Reset()
	m.recent.Reset()

	slog.Info("session ended", "session", sessionID, "duration", endedAt.Sub(startedAt).Round(time.Second), "transcript", transcriptPath)
	if m.hub != nil {
		m.hub.BroadcastSessionEnded(sessionID, endedAt.Sub(startedAt), transcriptPath)
	}

	if m.uploader != nil && transcriptPath != "" {
		go m.upload(context.WithoutCancel(ctx), sessionID, transcriptPath)
	}
	return nil
}

func (m *Manager) writeTranscript(sess storage.Session) string {
	if m.writer == nil {
		return ""
	}

	entries, err := m.store.GetEntries(sess.ID)
	if err != nil {
		slog.Warn("load entries for transcript failed", "session", sess.ID, "error", err)
		return ""
	}
	responses, err := m.store.GetResponses(sess.ID)
	if err != nil {
		slog.Warn("load responses for transcript failed", "session", sess.ID, "error", err)
	}

	path, err := m.writer.WriteSession(sess, entries, responses)
	if err != nil {
		slog.Warn("write transcript failed", "session", sess.ID, "error", err)
		return ""
	}
	return path
}

func (m *Manager) upload(ctx context.Context, sessionID, path string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if err := m.uploader.Upload(ctx, path); err != nil {
		slog.Warn("transcript upload failed", "session", sessionID, "path", path, "error", err)
	}
}

func (m *Manager) currentSession() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentSessionID
}

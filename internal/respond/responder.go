// Package respond answers question-like utterances with an LLM off the
// ingestion path.
package respond

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sjawhar/ghost-turns/internal/llm"
	"github.com/sjawhar/ghost-turns/internal/observe"
	"github.com/sjawhar/ghost-turns/internal/storage"
)

// ErrNotConfigured is returned when no response model is set.
var ErrNotConfigured = errors.New("responder not configured")

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 32
	DefaultTimeout   = 60 * time.Second

	DefaultSystemPrompt = "You are a concise assistant listening to a live meeting. " +
		"Answer the latest question directly in two or three sentences, using the recent conversation for context."
)

const (
	statusSkipped   = "skipped"
	statusDuplicate = "duplicate"
	statusDropped   = "dropped"
)

type ClientFactory func(provider, model string) (llm.Client, error)

// NewModelFactory returns a ClientFactory that reads API keys through lookup
// and applies opts to every client.
func NewModelFactory(lookup func(string) string, opts ...llm.Option) ClientFactory {
	return func(provider, model string) (llm.Client, error) {
		return llm.NewClientForModel(provider+"/"+model, lookup, opts...)
	}
}

type Store interface {
	ClaimResponseRequest(sessionID, requestHash string) (bool, error)
	ReleaseResponseRequest(sessionID, requestHash string) error
	CreateResponse(r storage.Response) (int64, error)
	FinishResponse(id int64, answer, status, errMsg string, completedAt time.Time) error
}

type Broadcaster interface {
	BroadcastResponse(r storage.Response)
}

// Request is one utterance that may deserve an answer.
type Request struct {
	SessionID string
	SpeakerID string
	Text      string
	// EndedAt is when the utterance closed. It tells apart a genuine repeat
	// of the same words from a redelivery.
	EndedAt time.Time
	// Context holds recent transcript lines, oldest first.
	Context []string
	// Force skips the gate, for explicit "respond now" requests.
	Force bool
}

type Config struct {
	Model        string
	SystemPrompt string
	Factory      ClientFactory
	Gate         *Gate
	Store        Store
	Hub          Broadcaster
	Metrics      *observe.Metrics
	Workers      int
	QueueSize    int
	Timeout      time.Duration
}

type Responder struct {
	cfg   Config
	queue chan Request
	sleep func(time.Duration)
	now   func() time.Time
}

func New(cfg Config) *Responder {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Responder{
		cfg:   cfg,
		queue: make(chan Request, cfg.QueueSize),
		sleep: time.Sleep,
		now:   time.Now,
	}
}

// Enabled reports whether a response model is configured.
func (r *Responder) Enabled() bool {
	return r != nil && r.cfg.Factory != nil && strings.TrimSpace(r.cfg.Model) != ""
}

// Submit queues req without blocking. It returns false when the responder is
// disabled, the text is blank or the queue is full.
func (r *Responder) Submit(req Request) bool {
	if !r.Enabled() || strings.TrimSpace(req.Text) == "" {
		return false
	}
	select {
	case r.queue <- req:
		return true
	default:
		slog.Warn("responder queue full, dropping request", "session", req.SessionID, "speaker", req.SpeakerID)
		r.record(context.Background(), statusDropped, 0)
		return false
	}
}

// Start runs the workers until ctx is done.
func (r *Responder) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case req := <-r.queue:
					r.handle(ctx, req)
				}
			}
		})
	}
	return g.Wait()
}

func (r *Responder) handle(ctx context.Context, req Request) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if _, err := r.Respond(ctx, req); err != nil && !errors.Is(err, errSkipped) {
		slog.Warn("response failed", "session", req.SessionID, "speaker", req.SpeakerID, "error", err)
	}
}

var errSkipped = errors.New("response skipped")

// RequestHash identifies a request for idempotency claims.
func RequestHash(sessionID, speakerID, text string, endedAt time.Time) string {
	key := sessionID + "|" + speakerID + "|" + strings.TrimSpace(text)
	if !endedAt.IsZero() {
		key += "|" + endedAt.UTC().Format(time.RFC3339Nano)
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Respond runs one request synchronously: claim, gate, complete with
// retries, persist and broadcast.
func (r *Responder) Respond(ctx context.Context, req Request) (storage.Response, error) {
	if !r.Enabled() {
		return storage.Response{}, ErrNotConfigured
	}

	hash := RequestHash(req.SessionID, req.SpeakerID, req.Text, req.EndedAt)
	if r.cfg.Store != nil {
		claimed, err := r.cfg.Store.ClaimResponseRequest(req.SessionID, hash)
		if err != nil {
			return storage.Response{}, fmt.Errorf("claim response request: %w", err)
		}
		if !claimed {
			r.record(ctx, statusDuplicate, 0)
			return storage.Response{}, errSkipped
		}
	}

	if !req.Force && !r.cfg.Gate.Addressed(ctx, req) {
		r.record(ctx, statusSkipped, 0)
		return storage.Response{}, errSkipped
	}

	resp := storage.Response{
		SessionID: req.SessionID,
		SpeakerID: req.SpeakerID,
		Prompt:    req.Text,
		Status:    storage.ResponsePending,
		Model:     r.cfg.Model,
		CreatedAt: r.now().UTC(),
	}
	if r.cfg.Store != nil {
		id, err := r.cfg.Store.CreateResponse(resp)
		if err != nil {
			return storage.Response{}, fmt.Errorf("create response: %w", err)
		}
		resp.ID = id
	}

	started := r.now()
	answer, err := r.complete(ctx, req)
	completedAt := r.now().UTC()
	resp.CompletedAt = &completedAt
	if err != nil {
		resp.Status = storage.ResponseFailed
		resp.Error = err.Error()
		if r.cfg.Store != nil {
			if rerr := r.cfg.Store.ReleaseResponseRequest(req.SessionID, hash); rerr != nil {
				slog.Warn("release response claim failed", "session", req.SessionID, "error", rerr)
			}
		}
	} else {
		resp.Status = storage.ResponseCompleted
		resp.Answer = answer
	}
	r.record(ctx, resp.Status, completedAt.Sub(started).Seconds())

	if r.cfg.Store != nil && resp.ID != 0 {
		if ferr := r.cfg.Store.FinishResponse(resp.ID, resp.Answer, resp.Status, resp.Error, completedAt); ferr != nil {
			slog.Warn("persist response failed", "id", resp.ID, "error", ferr)
		}
	}
	if r.cfg.Hub != nil {
		r.cfg.Hub.BroadcastResponse(resp)
	}

	return resp, err
}

func (r *Responder) complete(ctx context.Context, req Request) (string, error) {
	provider, model, err := llm.ParseModel(r.cfg.Model)
	if err != nil {
		return "", err
	}

	client, err := r.cfg.Factory(provider, model)
	if err != nil {
		return "", fmt.Errorf("create llm client: %w", err)
	}

	var user strings.Builder
	if len(req.Context) > 0 {
		user.WriteString("Recent conversation:\n")
		user.WriteString(TailWords(strings.Join(req.Context, "\n"), 400))
		user.WriteString("\n\n")
	}
	fmt.Fprintf(&user, "Question from %s:\n%s", speakerName(req.SpeakerID), req.Text)

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: r.cfg.SystemPrompt},
		{Role: llm.RoleUser, Content: user.String()},
	}

	backoff := []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}
	var lastErr error
	for attempt := range backoff {
		result, err := client.Complete(ctx, messages)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < len(backoff)-1 {
			r.sleep(backoff[attempt])
		}
	}
	return "", fmt.Errorf("response failed after retries: %w", lastErr)
}

func (r *Responder) record(ctx context.Context, status string, seconds float64) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordResponse(ctx, status, seconds)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"golang.org/x/sync/errgroup"

	"github.com/sjawhar/ghost-turns/internal/audio"
	"github.com/sjawhar/ghost-turns/internal/coalesce"
	"github.com/sjawhar/ghost-turns/internal/config"
	"github.com/sjawhar/ghost-turns/internal/conversation"
	"github.com/sjawhar/ghost-turns/internal/fragment"
	"github.com/sjawhar/ghost-turns/internal/gdrive"
	"github.com/sjawhar/ghost-turns/internal/llm"
	"github.com/sjawhar/ghost-turns/internal/observe"
	"github.com/sjawhar/ghost-turns/internal/respond"
	"github.com/sjawhar/ghost-turns/internal/server"
	"github.com/sjawhar/ghost-turns/internal/session"
	"github.com/sjawhar/ghost-turns/internal/storage"
)

var version = "dev"

type recorderState struct {
	mic    *audio.Mic
	mu     sync.RWMutex
	paused bool
}

func (r *recorderState) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
	if r.mic != nil {
		r.mic.Mute()
	}
}

func (r *recorderState) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
	if r.mic != nil {
		r.mic.Unmute()
	}
}

func (r *recorderState) IsPaused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused
}

func (r *recorderState) SetMic(mic *audio.Mic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mic = mic
	if mic != nil && r.paused {
		mic.Mute()
	}
}

type transcriptCallback struct {
	manager session.LifecycleManager
}

func (c transcriptCallback) Message(mr *api.MessageResponse) error {
	if c.manager == nil {
		return nil
	}
	return c.manager.Message(mr)
}

func (c transcriptCallback) Open(*api.OpenResponse) error {
	slog.Info("connected to Deepgram")
	return nil
}

func (c transcriptCallback) Metadata(*api.MetadataResponse) error { return nil }

func (c transcriptCallback) SpeechStarted(*api.SpeechStartedResponse) error { return nil }

func (c transcriptCallback) UtteranceEnd(ur *api.UtteranceEndResponse) error {
	if c.manager == nil {
		return nil
	}
	return c.manager.UtteranceEnd(ur)
}

func (c transcriptCallback) Close(*api.CloseResponse) error {
	slog.Info("disconnected from Deepgram")
	return nil
}

func (c transcriptCallback) Error(er *api.ErrorResponse) error {
	slog.Error("deepgram error", "code", er.ErrCode, "description", er.Description)
	return nil
}

func (c transcriptCallback) UnhandledEvent([]byte) error { return nil }

func main() {
	if err := run(); err != nil {
		slog.Error("ghost-turns exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv(config.EnvPrefix + "CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, warnings, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.Info("ghost-turns: starting", "version", version)
	for _, w := range warnings {
		slog.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()
	metrics := observe.DefaultMetrics()

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	defer func() { _ = store.Close() }()

	hub := server.NewHub()

	factory := respond.NewModelFactory(cfg.Secret, llm.WithMaxTokens(cfg.Response.MaxTokens))
	var gate *respond.Gate
	if cfg.Response.GateModel != "" {
		gate = respond.NewGate(cfg.Response.GateModel, respond.NewModelFactory(cfg.Secret, respond.GateOptions()...))
	}
	responder := respond.New(respond.Config{
		Model:        cfg.Response.Model,
		SystemPrompt: cfg.Response.SystemPrompt,
		Factory:      factory,
		Gate:         gate,
		Store:        store,
		Hub:          hub,
		Metrics:      metrics,
		Workers:      cfg.Response.Workers,
		QueueSize:    cfg.Response.QueueSize,
		Timeout:      cfg.ParsedResponseTimeout(),
	})

	var uploader session.Uploader
	if cfg.GDriveFolderID != "" {
		syncer, syncErr := gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if syncErr != nil {
			slog.Warn("gdrive export disabled", "error", syncErr)
		} else {
			uploader = syncer
		}
	}

	aggregator := fragment.NewAggregator(fragment.Config{
		MaxFragmentAge: cfg.ParsedMaxFragmentAge(),
		PauseThreshold: cfg.ParsedPauseThreshold(),
		MaxChars:       cfg.Aggregation.MaxChars,
		MaxFragments:   cfg.Aggregation.MaxFragments,
	})
	var fallback conversation.Fallback
	if cfg.Conversation.EndpointFallback {
		fallback = conversation.NewEndpointFallback(cfg.ParsedMaxFragmentAge())
	}

	var manager *session.Manager
	processor := conversation.NewProcessor(conversation.Config{
		Aggregator: aggregator,
		Fallback:   fallback,
		Sink:       conversation.SinkFunc(func(u conversation.Utterance) { manager.HandleUtterance(u) }),
		Metrics:    metrics,
		MinSilence: cfg.ParsedMinSilence(),
	})
	manager = session.NewManager(session.Config{
		Store:     store,
		Processor: processor,
		Transcript: coalesce.NewTranscript(coalesce.Coalescer{
			Window:        cfg.ParsedCoalesceWindow(),
			MinSimilarity: cfg.Coalesce.MinSimilarity,
		}),
		Writer:     storage.NewWriter(cfg.TranscriptDir),
		Uploader:   uploader,
		Responder:  responder,
		Hub:        hub,
		Detector:   session.NewDetector(cfg.ParsedSessionTimeout()),
		Metrics:    metrics,
		MinSilence: cfg.ParsedMinSilence(),
	})

	recState := &recorderState{}

	handler, err := server.Handler(nil, hub, store, server.ControlHooks{
		Pause:    recState.Pause,
		Resume:   recState.Resume,
		IsPaused: recState.IsPaused,
		OnStatusChanged: func(paused bool) {
			hub.BroadcastStatusChanged(paused)
		},
		Warnings:   func() []string { return warnings },
		Flush:      manager.FlushSpeaker,
		EndSession: manager.ForceEndSession,
		Stats:      processor.Stats,
	})
	if err != nil {
		return fmt.Errorf("build http handler: %w", err)
	}
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return processor.Run(gctx, cfg.ParsedSweepInterval()) })
	if responder.Enabled() {
		g.Go(func() error { return responder.Start(gctx) })
	}

	if cfg.DeepgramAPIKey != "" {
		g.Go(func() error {
			transcribeMic(gctx, cfg, manager, recState)
			return nil
		})
	}

	err = g.Wait()
	slog.Info("ghost-turns: shutting down")

	endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if endErr := manager.ForceEndSession(endCtx); endErr != nil && !errors.Is(endErr, session.ErrNoActiveSession) {
		slog.Warn("force end session failed", "error", endErr)
	}
	return err
}

// transcribeMic streams the microphone to Deepgram until ctx is done. It
// degrades to API/UI-only mode when either side is unavailable.
func transcribeMic(ctx context.Context, cfg config.Config, manager *session.Manager, recState *recorderState) {
	if err := audio.Initialize(); err != nil {
		slog.Warn("audio init failed, running API/UI only", "error", err)
		return
	}
	defer func() { _ = audio.Terminate() }()

	mic, err := audio.OpenFirst(cfg.SampleRateCandidates(), audio.DefaultFramesPerBuffer)
	if err != nil {
		slog.Warn("microphone unavailable, running API/UI only", "error", err)
		return
	}
	defer func() { _ = mic.Close() }()

	if err := mic.Start(); err != nil {
		slog.Warn("microphone start failed, running API/UI only", "sample_rate", mic.SampleRate(), "error", err)
		return
	}
	defer func() { _ = mic.Stop() }()
	recState.SetMic(mic)
	defer recState.SetMic(nil)
	slog.Info("microphone started", "sample_rate", mic.SampleRate())

	client.Init(client.InitLib{LogLevel: client.LogLevelDefault})

	cOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          cfg.Deepgram.Model,
		Language:       cfg.Deepgram.Language,
		Diarize:        true,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: strconv.Itoa(cfg.Deepgram.UtteranceEndMs),
		Endpointing:    strconv.Itoa(cfg.Deepgram.Endpointing),
		VadEvents:      true,
		Encoding:       "linear16",
		SampleRate:     mic.SampleRate(),
		Channels:       1,
	}

	dgClient, err := client.NewWSUsingCallback(ctx, cfg.DeepgramAPIKey, cOptions, tOptions, transcriptCallback{manager: manager})
	if err != nil {
		slog.Warn("deepgram client unavailable, running API/UI only", "error", err)
		return
	}
	if ok := dgClient.Connect(); !ok {
		slog.Warn("deepgram connect failed, running API/UI only")
		return
	}
	defer dgClient.Stop()

	if err := audio.StreamWithRetry(ctx, mic, io.Writer(dgClient), time.Sleep); err != nil {
		slog.Error("microphone streaming stopped", "error", err)
	}
}

package server

import (
	"context"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sjawhar/ghost-turns/internal/conversation"
)

// ControlHooks connects the HTTP API to the running pipeline. Nil hooks
// disable the matching endpoints.
type ControlHooks struct {
	Pause           func()
	Resume          func()
	IsPaused        func() bool
	OnStatusChanged func(paused bool)
	Warnings        func() []string

	// Flush closes a speaker's pending utterance and requests a response.
	Flush      func(speakerID string) (conversation.Outcome, error)
	EndSession func(ctx context.Context) error
	Stats      func() conversation.Stats
}

// Handler builds the HTTP API. staticFS may be nil when no web UI is bundled.
func Handler(staticFS fs.FS, hub *Hub, store SessionStore, controls ControlHooks) (http.Handler, error) {
	mux := http.NewServeMux()

	registerWSRoute(mux, hub)
	registerAPIRoutes(mux, store, controls)
	mux.Handle("GET /metrics", promhttp.Handler())

	if staticFS != nil {
		fileServer := http.FileServer(http.FS(staticFS))
		mux.HandleFunc("/", serveSPA(fileServer))
	}

	return mux, nil
}

func serveSPA(fileServer http.Handler) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/ws" {
			http.NotFound(w, r)
			return
		}

		cleanPath := path.Clean(strings.TrimPrefix(r.URL.Path, "/"))
		if cleanPath == "." || cleanPath == "" {
			r.URL.Path = "/"
		} else if !strings.Contains(cleanPath, ".") {
			r.URL.Path = "/index.html"
		} else {
			r.URL.Path = "/" + cleanPath
		}

		fileServer.ServeHTTP(w, r)
	}
}

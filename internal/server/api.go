package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sjawhar/ghost-turns/internal/coalesce"
	"github.com/sjawhar/ghost-turns/internal/conversation"
	"github.com/sjawhar/ghost-turns/internal/session"
	"github.com/sjawhar/ghost-turns/internal/storage"
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type SessionStore interface {
	GetSessionsByDate(date string) ([]storage.Session, error)
	GetSession(id string) (storage.Session, error)
	GetEntries(sessionID string) ([]coalesce.Entry, error)
	GetUtterances(sessionID string) ([]conversation.Utterance, error)
	GetResponses(sessionID string) ([]storage.Response, error)
	GetDates() ([]string, error)
}

type flushRequest struct {
	SpeakerID string `json:"speaker_id"`
}

func registerAPIRoutes(mux *http.ServeMux, store SessionStore, controls ControlHooks) {
	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}
		if _, err := time.Parse("2006-01-02", date); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid date, expected YYYY-MM-DD")
			return
		}

		sessions, err := store.GetSessionsByDate(date)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list sessions: %v", err))
			return
		}
		if sessions == nil {
			sessions = []storage.Session{}
		}

		writeJSON(w, http.StatusOK, sessions)
	})

	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if !validSessionID(sessionID) {
			writeJSONError(w, http.StatusForbidden, "invalid session id")
			return
		}

		sessionData, err := store.GetSession(sessionID)
		if err != nil {
			writeJSONError(w, lookupStatus(err), fmt.Sprintf("get session: %v", err))
			return
		}

		entries, err := store.GetEntries(sessionID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get session entries: %v", err))
			return
		}
		utterances, err := store.GetUtterances(sessionID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get session utterances: %v", err))
			return
		}
		responses, err := store.GetResponses(sessionID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get session responses: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"session":    sessionData,
			"entries":    orEmpty(entries),
			"utterances": orEmpty(utterances),
			"responses":  orEmpty(responses),
		})
	})

	mux.HandleFunc("GET /api/sessions/{id}/transcript", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if !validSessionID(sessionID) {
			writeJSONError(w, http.StatusForbidden, "invalid session id")
			return
		}

		sessionData, err := store.GetSession(sessionID)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}

		if sessionData.TranscriptPath == "" {
			writeJSONError(w, http.StatusNotFound, "transcript not available")
			return
		}

		cleanPath := filepath.Clean(sessionData.TranscriptPath)
		if cleanPath == "." || filepath.IsAbs(cleanPath) || strings.Contains(cleanPath, "..") {
			writeJSONError(w, http.StatusForbidden, "invalid transcript path")
			return
		}

		f, err := os.Open(cleanPath)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "transcript file not found")
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stat transcript: %v", err))
			return
		}

		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		http.ServeContent(w, r, filepath.Base(cleanPath), info.ModTime(), f)
	})

	mux.HandleFunc("GET /api/dates", func(w http.ResponseWriter, r *http.Request) {
		dates, err := store.GetDates()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get dates: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, orEmpty(dates))
	})

	mux.HandleFunc("GET /api/stats", func(w http.ResponseWriter, r *http.Request) {
		if controls.Stats == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "stats not available")
			return
		}
		writeJSON(w, http.StatusOK, controls.Stats())
	})

	mux.HandleFunc("POST /api/flush", func(w http.ResponseWriter, r *http.Request) {
		if controls.Flush == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "flush not available")
			return
		}

		var req flushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.SpeakerID) == "" {
			writeJSONError(w, http.StatusBadRequest, "speaker_id is required")
			return
		}

		out, err := controls.Flush(req.SpeakerID)
		switch {
		case errors.Is(err, session.ErrNoActiveSession):
			writeJSONError(w, http.StatusConflict, err.Error())
		case errors.Is(err, session.ErrNothingBuffered):
			writeJSONError(w, http.StatusNotFound, err.Error())
		case err != nil:
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("flush: %v", err))
		default:
			writeJSON(w, http.StatusOK, out)
		}
	})

	mux.HandleFunc("POST /api/session/end", func(w http.ResponseWriter, r *http.Request) {
		if controls.EndSession == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "session control not available")
			return
		}

		err := controls.EndSession(r.Context())
		switch {
		case errors.Is(err, session.ErrNoActiveSession):
			writeJSONError(w, http.StatusConflict, err.Error())
		case err != nil:
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("end session: %v", err))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	mux.HandleFunc("POST /api/pause", func(w http.ResponseWriter, r *http.Request) {
		if controls.Pause != nil {
			controls.Pause()
		}
		if controls.OnStatusChanged != nil {
			controls.OnStatusChanged(true)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/resume", func(w http.ResponseWriter, r *http.Request) {
		if controls.Resume != nil {
			controls.Resume()
		}
		if controls.OnStatusChanged != nil {
			controls.OnStatusChanged(false)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		paused := false
		if controls.IsPaused != nil {
			paused = controls.IsPaused()
		}
		var warnings []string
		if controls.Warnings != nil {
			warnings = controls.Warnings()
		}
		writeJSON(w, http.StatusOK, map[string]any{"paused": paused, "warnings": orEmpty(warnings)})
	})
}

func validSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func lookupStatus(err error) int {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func orEmpty[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

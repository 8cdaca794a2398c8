package server

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sjawhar/ghost-turns/internal/coalesce"
	"github.com/sjawhar/ghost-turns/internal/conversation"
	"github.com/sjawhar/ghost-turns/internal/session"
	"github.com/sjawhar/ghost-turns/internal/storage"
)

type apiStoreStub struct {
	sessionsByDate map[string][]storage.Session
	sessions       map[string]storage.Session
	entries        map[string][]coalesce.Entry
	utterances     map[string][]conversation.Utterance
	responses      map[string][]storage.Response
	dates          []string
}

func (s apiStoreStub) GetSessionsByDate(date string) ([]storage.Session, error) {
	return s.sessionsByDate[date], nil
}

func (s apiStoreStub) GetSession(id string) (storage.Session, error) {
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	return storage.Session{}, os.ErrNotExist
}

func (s apiStoreStub) GetEntries(sessionID string) ([]coalesce.Entry, error) {
	return s.entries[sessionID], nil
}

func (s apiStoreStub) GetUtterances(sessionID string) ([]conversation.Utterance, error) {
	return s.utterances[sessionID], nil
}

func (s apiStoreStub) GetResponses(sessionID string) ([]storage.Response, error) {
	return s.responses[sessionID], nil
}

func (s apiStoreStub) GetDates() ([]string, error) {
	return s.dates, nil
}

func testStaticFS(t *testing.T) fs.FS {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>ok</html>"), 0o644); err != nil {
		t.Fatalf("write index.html failed: %v", err)
	}
	return os.DirFS(dir)
}

func serve(t *testing.T, store SessionStore, controls ControlHooks, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	h, err := Handler(testStaticFS(t), NewHub(), store, controls)
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAPISessionsList(t *testing.T) {
	started := time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC)
	store := apiStoreStub{
		sessionsByDate: map[string][]storage.Session{
			"2026-02-26": {{ID: "s1", StartedAt: started, Status: "active"}},
		},
	}

	rr := serve(t, store, ControlHooks{}, httptest.NewRequest(http.MethodGet, "/api/sessions?date=2026-02-26", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); !strings.Contains(got, "application/json") {
		t.Fatalf("expected application/json content-type, got %q", got)
	}
	if !strings.Contains(rr.Body.String(), "s1") {
		t.Fatalf("expected body to contain session id, got %s", rr.Body.String())
	}
}

func TestAPISessionsListRejectsBadDate(t *testing.T) {
	rr := serve(t, apiStoreStub{}, ControlHooks{}, httptest.NewRequest(http.MethodGet, "/api/sessions?date=yesterday", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestAPISessionDetail(t *testing.T) {
	started := time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC)
	store := apiStoreStub{
		sessions: map[string]storage.Session{
			"s1": {ID: "s1", StartedAt: started, Status: "active"},
		},
		entries: map[string][]coalesce.Entry{
			"s1": {{ID: 1, SpeakerID: "0", Text: "What day is it?", Timestamp: started}},
		},
		utterances: map[string][]conversation.Utterance{
			"s1": {{SpeakerID: "0", Text: "What day is it?", ShouldRespond: true, Source: conversation.SourceAggregator}},
		},
		responses: map[string][]storage.Response{
			"s1": {{ID: 1, SessionID: "s1", Prompt: "What day is it?", Answer: "Thursday.", Status: storage.ResponseCompleted}},
		},
	}

	rr := serve(t, store, ControlHooks{}, httptest.NewRequest(http.MethodGet, "/api/sessions/s1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var payload struct {
		Session    storage.Session          `json:"session"`
		Entries    []coalesce.Entry         `json:"entries"`
		Utterances []conversation.Utterance `json:"utterances"`
		Responses  []storage.Response       `json:"responses"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload.Session.ID != "s1" || len(payload.Entries) != 1 || len(payload.Utterances) != 1 || len(payload.Responses) != 1 {
		t.Fatalf("unexpected detail payload %+v", payload)
	}
	if payload.Responses[0].Answer != "Thursday." {
		t.Fatalf("unexpected response %+v", payload.Responses[0])
	}
}

func TestAPISessionDetailNotFound(t *testing.T) {
	rr := serve(t, apiStoreStub{}, ControlHooks{}, httptest.NewRequest(http.MethodGet, "/api/sessions/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestAPIEmptyListsAreArrays(t *testing.T) {
	store := apiStoreStub{sessions: map[string]storage.Session{"s1": {ID: "s1"}}}

	rr := serve(t, store, ControlHooks{}, httptest.NewRequest(http.MethodGet, "/api/sessions/s1", nil))
	body := rr.Body.String()
	for _, field := range []string{`"entries":[]`, `"utterances":[]`, `"responses":[]`} {
		if !strings.Contains(body, field) {
			t.Fatalf("expected %s in %s", field, body)
		}
	}

	rr = serve(t, store, ControlHooks{}, httptest.NewRequest(http.MethodGet, "/api/dates", nil))
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("expected empty dates array, got %s", rr.Body.String())
	}
}

func TestAPITranscript(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "transcripts"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "transcripts", "s1.md"), []byte("# Session s1\n"), 0o644); err != nil {
		t.Fatalf("write transcript failed: %v", err)
	}
	t.Chdir(root)

	store := apiStoreStub{sessions: map[string]storage.Session{
		"s1": {ID: "s1", TranscriptPath: "transcripts/s1.md"},
		"s2": {ID: "s2"},
	}}

	rr := serve(t, store, ControlHooks{}, httptest.NewRequest(http.MethodGet, "/api/sessions/s1/transcript", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/markdown") {
		t.Fatalf("expected markdown content type, got %q", got)
	}
	if !strings.Contains(rr.Body.String(), "# Session s1") {
		t.Fatalf("unexpected transcript body %q", rr.Body.String())
	}

	rr = serve(t, store, ControlHooks{}, httptest.NewRequest(http.MethodGet, "/api/sessions/s2/transcript", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without transcript, got %d", rr.Code)
	}
}

func TestAPITranscriptPathTraversalBlocked(t *testing.T) {
	cases := map[string]string{
		"relative": "../../etc/passwd",
		"absolute": "/etc/passwd",
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			store := apiStoreStub{sessions: map[string]storage.Session{
				"evil": {ID: "evil", TranscriptPath: path},
			}}
			rr := serve(t, store, ControlHooks{}, httptest.NewRequest(http.MethodGet, "/api/sessions/evil/transcript", nil))
			if rr.Code != http.StatusForbidden {
				t.Fatalf("expected status 403, got %d", rr.Code)
			}
		})
	}
}

func TestAPIInvalidSessionID(t *testing.T) {
	rr := serve(t, apiStoreStub{}, ControlHooks{}, httptest.NewRequest(http.MethodGet, "/api/sessions/bad.id", nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestAPIDates(t *testing.T) {
	store := apiStoreStub{dates: []string{"2026-02-26", "2026-02-25"}}

	rr := serve(t, store, ControlHooks{}, httptest.NewRequest(http.MethodGet, "/api/dates", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "2026-02-25") {
		t.Fatalf("expected dates in body, got %s", rr.Body.String())
	}
}

func TestAPIStats(t *testing.T) {
	rr := serve(t, apiStoreStub{}, ControlHooks{}, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without stats hook, got %d", rr.Code)
	}

	controls := ControlHooks{Stats: func() conversation.Stats {
		return conversation.Stats{
			Events:     map[conversation.EventType]int64{conversation.EventTranscript: 3},
			Utterances: 2,
		}
	}}
	rr = serve(t, apiStoreStub{}, controls, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `"transcript":3`) || !strings.Contains(body, `"utterances":2`) {
		t.Fatalf("unexpected stats body %s", body)
	}
}

func TestAPIFlush(t *testing.T) {
	var got string
	controls := ControlHooks{Flush: func(speakerID string) (conversation.Outcome, error) {
		got = speakerID
		switch speakerID {
		case "idle":
			return conversation.Outcome{}, session.ErrNothingBuffered
		case "late":
			return conversation.Outcome{}, session.ErrNoActiveSession
		}
		return conversation.Outcome{SpeakerID: speakerID, ProcessedText: "summarise that.", ShouldRespond: true}, nil
	}}

	cases := []struct {
		body string
		want int
	}{
		{`{"speaker_id":"0"}`, http.StatusOK},
		{`{"speaker_id":"idle"}`, http.StatusNotFound},
		{`{"speaker_id":"late"}`, http.StatusConflict},
		{`{"speaker_id":"  "}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/flush", strings.NewReader(tc.body))
		req.Header.Set("Content-Type", "application/json")
		rr := serve(t, apiStoreStub{}, controls, req)
		if rr.Code != tc.want {
			t.Fatalf("body %s: expected status %d, got %d", tc.body, tc.want, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/flush", strings.NewReader(`{"speaker_id":"0"}`))
	rr := serve(t, apiStoreStub{}, controls, req)
	if got != "0" || !strings.Contains(rr.Body.String(), `"should_respond":true`) {
		t.Fatalf("unexpected flush result %q %s", got, rr.Body.String())
	}
}

func TestAPIFlushNotConfigured(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/flush", strings.NewReader(`{"speaker_id":"0"}`))
	rr := serve(t, apiStoreStub{}, ControlHooks{}, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestAPIEndSession(t *testing.T) {
	calls := 0
	controls := ControlHooks{EndSession: func(context.Context) error {
		calls++
		if calls > 1 {
			return session.ErrNoActiveSession
		}
		return nil
	}}

	rr := serve(t, apiStoreStub{}, controls, httptest.NewRequest(http.MethodPost, "/api/session/end", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	rr = serve(t, apiStoreStub{}, controls, httptest.NewRequest(http.MethodPost, "/api/session/end", nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestAPIPauseResume(t *testing.T) {
	paused := false
	var statuses []bool
	controls := ControlHooks{
		Pause:           func() { paused = true },
		Resume:          func() { paused = false },
		IsPaused:        func() bool { return paused },
		OnStatusChanged: func(p bool) { statuses = append(statuses, p) },
	}

	rr := serve(t, apiStoreStub{}, controls, httptest.NewRequest(http.MethodPost, "/api/pause", nil))
	if rr.Code != http.StatusNoContent || !paused {
		t.Fatalf("expected pause, got %d paused=%v", rr.Code, paused)
	}
	rr = serve(t, apiStoreStub{}, controls, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if !strings.Contains(rr.Body.String(), `"paused":true`) {
		t.Fatalf("expected paused status, got %s", rr.Body.String())
	}
	rr = serve(t, apiStoreStub{}, controls, httptest.NewRequest(http.MethodPost, "/api/resume", nil))
	if rr.Code != http.StatusNoContent || paused {
		t.Fatalf("expected resume, got %d paused=%v", rr.Code, paused)
	}
	if len(statuses) != 2 || !statuses[0] || statuses[1] {
		t.Fatalf("unexpected status callbacks %v", statuses)
	}
}

func TestAPIStatusWithWarnings(t *testing.T) {
	controls := ControlHooks{
		IsPaused: func() bool { return false },
		Warnings: func() []string {
			return []string{"Deepgram API key not configured"}
		},
	}

	rr := serve(t, apiStoreStub{}, controls, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `"paused":false`) {
		t.Fatalf("expected paused:false in response, got %s", body)
	}
	if !strings.Contains(body, "Deepgram API key not configured") {
		t.Fatalf("expected warning message in response, got %s", body)
	}
}

func TestAPIStatusNoWarnings(t *testing.T) {
	rr := serve(t, apiStoreStub{}, ControlHooks{}, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if !strings.Contains(rr.Body.String(), `"warnings":[]`) {
		t.Fatalf("expected empty warnings array, got %s", rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rr := serve(t, apiStoreStub{}, ControlHooks{}, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestSPARoutes(t *testing.T) {
	rr := serve(t, apiStoreStub{}, ControlHooks{}, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "ok") {
		t.Fatalf("expected index.html, got %d %s", rr.Code, rr.Body.String())
	}

	rr = serve(t, apiStoreStub{}, ControlHooks{}, httptest.NewRequest(http.MethodGet, "/api/unknown", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown api route, got %d", rr.Code)
	}
}

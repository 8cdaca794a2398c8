package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sjawhar/ghost-turns/internal/coalesce"
	"github.com/sjawhar/ghost-turns/internal/conversation"
)

const (
	ResponsePending   = "pending"
	ResponseCompleted = "completed"
	ResponseFailed    = "failed"
	ResponseSkipped   = "skipped"
)

type Session struct {
	ID             string     `json:"id"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Status         string     `json:"status"`
	TranscriptPath string     `json:"transcript_path"`
}

// Response is one AI answer to a question-like utterance.
type Response struct {
	ID          int64      `json:"id"`
	SessionID   string     `json:"session_id"`
	SpeakerID   string     `json:"speaker_id"`
	Prompt      string     `json:"prompt"`
	Answer      string     `json:"answer"`
	Status      string     `json:"status"`
	Model       string     `json:"model"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "ghost-turns.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

var schema = []struct {
	name string
	sql  string
}{
	{"sessions table", `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			status TEXT NOT NULL,
			transcript_path TEXT NOT NULL DEFAULT ''
		);`},
	{"entries table", `
		CREATE TABLE IF NOT EXISTS entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			is_complete INTEGER NOT NULL DEFAULT 0,
			revisions INTEGER NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`},
	{"utterances table", `
		CREATE TABLE IF NOT EXISTS utterances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			should_respond INTEGER NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			source TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`},
	{"responses table", `
		CREATE TABLE IF NOT EXISTS responses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			prompt TEXT NOT NULL,
			answer TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			completed_at TEXT
		);`},
	{"response_requests table", `
		CREATE TABLE IF NOT EXISTS response_requests (
			session_id TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(session_id, request_hash)
		);`},
	{"sessions index", "CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)"},
	{"entries index", "CREATE INDEX IF NOT EXISTS idx_entries_session_id ON entries(session_id, id)"},
	{"utterances index", "CREATE INDEX IF NOT EXISTS idx_utterances_session_id ON utterances(session_id, id)"},
	{"responses index", "CREATE INDEX IF NOT EXISTS idx_responses_session_id ON responses(session_id, id)"},
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt.sql); err != nil {
			return fmt.Errorf("create %s: %w", stmt.name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateSession(id string, startedAt time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("session id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions(id, started_at, status) VALUES(?, ?, 'active')`,
		id,
		formatTime(startedAt),
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) EndSession(id string, endedAt time.Time, transcriptPath string) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET ended_at = ?, status = 'ended', transcript_path = ? WHERE id = ?`,
		formatTime(endedAt),
		transcriptPath,
		id,
	)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	return requireRow(res, "end session")
}

// AppendEntry stores a new transcript entry and returns its id.
func (s *SQLiteStore) AppendEntry(sessionID string, e coalesce.Entry) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO entries(session_id, speaker, text, confidence, is_complete, timestamp) VALUES(?, ?, ?, ?, ?, ?)`,
		sessionID,
		e.SpeakerID,
		strings.TrimSpace(e.Text),
		e.Confidence,
		e.IsComplete,
		formatTime(e.Timestamp),
	)
	if err != nil {
		return 0, fmt.Errorf("append entry for session %s: %w", sessionID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append entry last insert id: %w", err)
	}
	return id, nil
}

// UpdateEntry rewrites an entry in place after it absorbed a revision.
func (s *SQLiteStore) UpdateEntry(sessionID string, e coalesce.Entry) error {
	res, err := s.db.Exec(
		`UPDATE entries SET text = ?, confidence = ?, is_complete = ?, timestamp = ?, revisions = revisions + 1
		 WHERE id = ? AND session_id = ?`,
		strings.TrimSpace(e.Text),
		e.Confidence,
		e.IsComplete,
		formatTime(e.Timestamp),
		e.ID,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("update entry %d for session %s: %w", e.ID, sessionID, err)
	}
	return requireRow(res, "update entry")
}

func (s *SQLiteStore) GetEntries(sessionID string) ([]coalesce.Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, speaker, text, confidence, is_complete, timestamp
		 FROM entries
		 WHERE session_id = ?
		 ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query entries for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]coalesce.Entry, 0, 32)
	for rows.Next() {
		var e coalesce.Entry
		var ts string
		if err := rows.Scan(&e.ID, &e.SpeakerID, &e.Text, &e.Confidence, &e.IsComplete, &ts); err != nil {
			return nil, fmt.Errorf("scan entry for session %s: %w", sessionID, err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parse entry timestamp for session %s: %w", sessionID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry rows for session %s: %w", sessionID, err)
	}

	return entries, nil
}

func (s *SQLiteStore) AppendUtterance(sessionID string, u conversation.Utterance) error {
	var startedAt sql.NullString
	if !u.StartedAt.IsZero() {
		startedAt = sql.NullString{String: formatTime(u.StartedAt), Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO utterances(session_id, speaker, text, should_respond, confidence, source, started_at, ended_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID,
		u.SpeakerID,
		u.Text,
		u.ShouldRespond,
		u.Confidence,
		string(u.Source),
		startedAt,
		formatTime(u.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("append utterance for session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) GetUtterances(sessionID string) ([]conversation.Utterance, error) {
	rows, err := s.db.Query(
		`SELECT speaker, text, should_respond, confidence, source, started_at, ended_at
		 FROM utterances
		 WHERE session_id = ?
		 ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query utterances for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []conversation.Utterance
	for rows.Next() {
		var u conversation.Utterance
		var source, endedAt string
		var startedAt sql.NullString
		if err := rows.Scan(&u.SpeakerID, &u.Text, &u.ShouldRespond, &u.Confidence, &source, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan utterance for session %s: %w", sessionID, err)
		}
		u.Source = conversation.Source(source)
		if u.EndedAt, err = parseTime(endedAt); err != nil {
			return nil, fmt.Errorf("parse utterance ended_at: %w", err)
		}
		if startedAt.Valid {
			if u.StartedAt, err = parseTime(startedAt.String); err != nil {
				return nil, fmt.Errorf("parse utterance started_at: %w", err)
			}
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate utterance rows for session %s: %w", sessionID, err)
	}
	return out, nil
}

// CreateResponse records a pending response and returns its id.
func (s *SQLiteStore) CreateResponse(r Response) (int64, error) {
	if r.Status == "" {
		r.Status = ResponsePending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO responses(session_id, speaker, prompt, status, model, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		r.SessionID,
		r.SpeakerID,
		r.Prompt,
		r.Status,
		r.Model,
		formatTime(r.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("create response for session %s: %w", r.SessionID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create response last insert id: %w", err)
	}
	return id, nil
}

// FinishResponse sets the final answer and status of a response.
func (s *SQLiteStore) FinishResponse(id int64, answer, status, errMsg string, completedAt time.Time) error {
	res, err := s.db.Exec(
		`UPDATE responses SET answer = ?, status = ?, error = ?, completed_at = ? WHERE id = ?`,
		answer,
		status,
		errMsg,
		formatTime(completedAt),
		id,
	)
	if err != nil {
		return fmt.Errorf("finish response %d: %w", id, err)
	}
	return requireRow(res, "finish response")
}

func (s *SQLiteStore) GetResponses(sessionID string) ([]Response, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, speaker, prompt, answer, status, model, error, created_at, completed_at
		 FROM responses
		 WHERE session_id = ?
		 ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query responses for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Response
	for rows.Next() {
		var r Response
		var createdAt string
		var completedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.SessionID, &r.SpeakerID, &r.Prompt, &r.Answer, &r.Status, &r.Model, &r.Error, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan response for session %s: %w", sessionID, err)
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse response created_at: %w", err)
		}
		if completedAt.Valid {
			t, err := parseTime(completedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse response completed_at: %w", err)
			}
			r.CompletedAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate response rows for session %s: %w", sessionID, err)
	}
	return out, nil
}

// ClaimResponseRequest reports whether this is the first claim of hash in
// the session. Later claims of the same hash return false.
func (s *SQLiteStore) ClaimResponseRequest(sessionID, requestHash string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO response_requests(session_id, request_hash) VALUES(?, ?)`,
		sessionID,
		requestHash,
	)
	if err != nil {
		return false, fmt.Errorf("claim response request for session %s: %w", sessionID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim response rows affected: %w", err)
	}

	return rows > 0, nil
}

// ReleaseResponseRequest drops a claim so the request can be retried.
func (s *SQLiteStore) ReleaseResponseRequest(sessionID, requestHash string) error {
	if _, err := s.db.Exec(
		`DELETE FROM response_requests WHERE session_id = ? AND request_hash = ?`,
		sessionID,
		requestHash,
	); err != nil {
		return fmt.Errorf("release response request for session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSessionsByDate(date string) ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT id, started_at, ended_at, status, transcript_path
		 FROM sessions
		 WHERE substr(started_at, 1, 10) = ?
		 ORDER BY started_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]Session, 0, 16)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions rows: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) GetDates() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT substr(started_at, 1, 10) AS date FROM sessions ORDER BY date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}

	return dates, nil
}

func (s *SQLiteStore) GetSession(id string) (Session, error) {
	row := s.db.QueryRow(
		`SELECT id, started_at, ended_at, status, transcript_path FROM sessions WHERE id = ?`,
		id,
	)
	sess, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("query session %s: %w", id, err)
	}
	return sess, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var sess Session
	var startedAt string
	var endedAt sql.NullString
	if err := row.Scan(&sess.ID, &startedAt, &endedAt, &sess.Status, &sess.TranscriptPath); err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}

	parsedStart, err := parseTime(startedAt)
	if err != nil {
		return Session{}, fmt.Errorf("parse started_at: %w", err)
	}
	sess.StartedAt = parsedStart

	if endedAt.Valid {
		parsedEnd, err := parseTime(endedAt.String)
		if err != nil {
			return Session{}, fmt.Errorf("parse ended_at: %w", err)
		}
		sess.EndedAt = &parsedEnd
	}
	return sess, nil
}

func requireRow(res sql.Result, op string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sjawhar/ghost-turns/internal/coalesce"
)

// Writer renders session transcripts as markdown files grouped by day.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) *Writer {
	if dir == "" {
		dir = filepath.Join("data", "transcripts")
	}
	return &Writer{dir: dir}
}

// Path is where the transcript of sessionID is written.
func (w *Writer) Path(sessionID string, startedAt time.Time) string {
	return filepath.Join(w.dir, startedAt.Format("2006-01-02"), sessionID+".md")
}

// WriteSession replaces the session's markdown file with the coalesced
// entries and any answered responses, returning the file path.
func (w *Writer) WriteSession(sess Session, entries []coalesce.Entry, responses []Response) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := w.Path(sess.ID, sess.StartedAt)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}

	content := RenderMarkdown(sess, entries, responses)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename %s: %w", path, err)
	}

	return path, nil
}

func RenderMarkdown(sess Session, entries []coalesce.Entry, responses []Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n\n", sess.ID)
	fmt.Fprintf(&b, "Started: %s\n", sess.StartedAt.Local().Format(time.RFC1123))
	if sess.EndedAt != nil {
		fmt.Fprintf(&b, "Ended: %s\n", sess.EndedAt.Local().Format(time.RFC1123))
	}

	b.WriteString("\n## Transcript\n\n")
	for _, e := range entries {
		if strings.TrimSpace(e.Text) == "" {
			continue
		}
		b.WriteString(FormatEntry(e))
		b.WriteString("\n\n")
	}

	answered := false
	for _, r := range responses {
		if r.Status != ResponseCompleted || strings.TrimSpace(r.Answer) == "" {
			continue
		}
		if !answered {
			b.WriteString("## Responses\n\n")
			answered = true
		}
		fmt.Fprintf(&b, "> **%s asked:** %s\n>\n> %s\n\n", speakerName(r.SpeakerID), strings.TrimSpace(r.Prompt), strings.TrimSpace(r.Answer))
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

// FormatEntry renders one transcript line.
func FormatEntry(e coalesce.Entry) string {
	ts := e.Timestamp.Local().Format("15:04:05")
	return fmt.Sprintf("**[%s] %s:** %s", ts, speakerName(e.SpeakerID), strings.TrimSpace(e.Text))
}

func speakerName(id string) string {
	if id == "" || id == "unknown" {
		return "Unknown speaker"
	}
	return "Speaker " + id
}

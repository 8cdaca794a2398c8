package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sjawhar/ghost-turns/internal/coalesce"
)

func TestWriterWritesSessionFile(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	started := time.Date(2026, 2, 26, 10, 30, 0, 0, time.Local)
	sess := Session{ID: "20260226103000", StartedAt: started}
	entries := []coalesce.Entry{
		{SpeakerID: "0", Text: "What is today's date?", Timestamp: started},
		{SpeakerID: "1", Text: "  ", Timestamp: started},
		{SpeakerID: "unknown", Text: "Thursday.", Timestamp: started.Add(time.Second)},
	}
	responses := []Response{
		{SpeakerID: "0", Prompt: "What is today's date?", Answer: "It is February 26.", Status: ResponseCompleted},
		{SpeakerID: "0", Prompt: "Ignored?", Status: ResponseFailed},
	}

	path, err := w.WriteSession(sess, entries, responses)
	if err != nil {
		t.Fatalf("WriteSession failed: %v", err)
	}
	if want := filepath.Join(dir, "2026-02-26", "20260226103000.md"); path != want {
		t.Fatalf("expected path %q, got %q", want, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	content := string(data)

	for _, want := range []string{
		"**[10:30:00] Speaker 0:** What is today's date?",
		"**[10:30:01] Unknown speaker:** Thursday.",
		"> **Speaker 0 asked:** What is today's date?",
		"It is February 26.",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("expected %q in content, got:\n%s", want, content)
		}
	}
	if strings.Contains(content, "Ignored?") {
		t.Error("failed responses should not be rendered")
	}
}

func TestWriterRewritesInPlace(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	started := time.Date(2026, 2, 26, 10, 30, 0, 0, time.Local)
	sess := Session{ID: "s1", StartedAt: started}

	_, _ = w.WriteSession(sess, []coalesce.Entry{{SpeakerID: "0", Text: "what is", Timestamp: started}}, nil)
	path, err := w.WriteSession(sess, []coalesce.Entry{{SpeakerID: "0", Text: "what is today's date", Timestamp: started}}, nil)
	if err != nil {
		t.Fatalf("WriteSession failed: %v", err)
	}

	data, _ := os.ReadFile(path)
	if strings.Count(string(data), "Speaker 0") != 1 {
		t.Fatalf("expected a single rewritten entry, got:\n%s", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("expected temp file to be renamed away")
	}
}

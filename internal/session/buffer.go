package session

import "sync"

// DefaultContextLines is how many transcript lines a ContextBuffer keeps.
const DefaultContextLines = 20

type contextLine struct {
	id   int64
	text string
}

// ContextBuffer keeps the most recent transcript lines of a session so a
// response request can carry the conversation leading up to a question.
// A line re-put under the same entry id replaces the earlier text, which
// keeps coalesced revisions from showing up twice.
type ContextBuffer struct {
	mu    sync.Mutex
	size  int
	lines []contextLine
}

// NewContextBuffer creates an empty buffer holding up to size lines.
func NewContextBuffer(size int) *ContextBuffer {
	if size <= 0 {
		size = DefaultContextLines
	}
	return &ContextBuffer{size: size}
}

// Put records text for entry id. Zero ids are always appended.
func (b *ContextBuffer) Put(id int64, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id != 0 {
		for i := len(b.lines) - 1; i >= 0; i-- {
			if b.lines[i].id == id {
				b.lines[i].text = text
				return
			}
		}
	}

	b.lines = append(b.lines, contextLine{id: id, text: text})
	if over := len(b.lines) - b.size; over > 0 {
		b.lines = append([]contextLine(nil), b.lines[over:]...)
	}
}

// Lines returns the buffered lines, oldest first.
func (b *ContextBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) == 0 {
		return nil
	}
	out := make([]string, len(b.lines))
	for i, l := range b.lines {
		out[i] = l.text
	}
	return out
}

// Reset drops every line.
func (b *ContextBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = nil
}

// Len returns the number of lines currently in the buffer.
func (b *ContextBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

package fragment

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Join concatenates fragments in order into one readable utterance. A comma
// is inserted where the STT provider split a clause mid-sentence (previous
// fragment ends in a word character, next starts lowercase), a single space
// separates fragments unless one is already at the boundary, and a period is
// appended when the result lacks terminal punctuation. Blank fragments are
// dropped. Join never panics; on an internal fault it falls back to a plain
// space join.
func Join(fragments []Fragment) (text string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("fragment join recovered", "panic", fmt.Sprint(r))
			text = naiveJoin(fragments)
		}
	}()

	var b strings.Builder
	var last rune
	for _, f := range fragments {
		if strings.TrimSpace(f.Text) == "" {
			continue
		}
		if b.Len() == 0 {
			b.WriteString(f.Text)
			last, _ = utf8.DecodeLastRuneInString(f.Text)
			continue
		}

		first, _ := utf8.DecodeRuneInString(f.Text)
		if isWordRune(last) && unicode.IsLower(first) {
			b.WriteByte(',')
			last = ','
		}
		if !unicode.IsSpace(last) && !unicode.IsSpace(first) {
			b.WriteByte(' ')
		}
		b.WriteString(f.Text)
		last, _ = utf8.DecodeLastRuneInString(f.Text)
	}

	return ensureTerminal(collapseSpaces(b.String()))
}

func naiveJoin(fragments []Fragment) string {
	parts := make([]string, 0, len(fragments))
	for _, f := range fragments {
		if t := strings.TrimSpace(f.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return ensureTerminal(strings.Join(parts, " "))
}

func ensureTerminal(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if terminalPunct.MatchString(text) {
		return text
	}
	return text + "."
}

func collapseSpaces(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

package engine

import (
	"strings"
	"unicode"
)

// Transcript accumulates transcript fragments into one running text.
//
// Upstream delivery is at-least-once and may overlap, so a fragment the
// buffer already ends with is dropped. Some backends re-send the whole
// cumulative transcript; a fragment that starts with the full buffer
// followed by whitespace replaces it instead of being appended.
type Transcript struct {
	text string
}

// Append merges fragment into the buffer and returns the current text
func (t *Transcript) Append(fragment string) string {
	f := strings.TrimSpace(fragment)
	if f == "" {
		return t.text
	}
	if t.text == "" {
		t.text = f
		return t.text
	}
	if strings.HasSuffix(t.text, f) {
		return t.text
	}
	if len(f) > len(t.text) && strings.HasPrefix(f, t.text) {
		next := rune(f[len(t.text)])
		if unicode.IsSpace(next) {
			t.text = f
			return t.text
		}
	}
	t.text += " " + f
	return t.text
}

// Text returns the concatenated transcript
func (t *Transcript) Text() string {
	return t.text
}

// Len returns the transcript length in bytes
func (t *Transcript) Len() int {
	return len(t.text)
}

// Reset empties the buffer for a new session
func (t *Transcript) Reset() {
	t.text = ""
}

// Package serial turns decoded sketch output into what a terminal viewer
// would actually show: logical output lines with faithful control-character
// semantics, and character emission paced to the configured baud rate.
package serial

import (
	"regexp"
	"strings"
	"sync"
)

const (
	clearScreen = "\x1b[2J"
	cursorHome  = "\x1b[H"

	// bellGlyph replaces \a so the event is visible instead of silently lost.
	bellGlyph = "␇"

	tabWidth = 4
)

// ansiEscape matches CSI color/cursor sequences left over after the
// clear-screen and cursor-home handling. Stripped, never rendered.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

// Line is one logical line of terminal output.
type Line struct {
	Text string `json:"text"`
	Done bool   `json:"done"` // Terminated by newline.
}

// Terminal folds serial text into Lines. Feed must be called in write-
// timestamp order; the session sorts batched events before folding so the
// result is identical to processing them one at a time.
type Terminal struct {
	mu           sync.Mutex
	lines        []Line
	clearPending bool
}

// NewTerminal creates an empty terminal.
func NewTerminal() *Terminal {
	return &Terminal{}
}

// Lines returns a copy of the accumulated lines.
func (t *Terminal) Lines() []Line {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Line, len(t.lines))
	copy(out, t.lines)
	return out
}

// CurrentLine returns the trailing incomplete line, if any.
func (t *Terminal) CurrentLine() (Line, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.lines); n > 0 && !t.lines[n-1].Done {
		return t.lines[n-1], true
	}
	return Line{}, false
}

// Feed folds one chunk of decoded serial text into the terminal.
//
// Handling order: clear-screen discard, cursor-home, chunk-leading
// backspaces (which may erase characters written by a previous chunk),
// then per-segment carriage-return overwrite, escape stripping, and
// tab/bell/form-feed normalization.
func (t *Terminal) Feed(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Clear screen: everything accumulated before the last clear is gone.
	if idx := strings.LastIndex(text, clearScreen); idx >= 0 {
		t.lines = nil
		t.clearPending = true
		text = text[idx+len(clearScreen):]
	}

	// Cursor home finalizes a pending clear; otherwise it is a no-op and
	// falls through to the generic escape strip below.
	if t.clearPending && strings.Contains(text, cursorHome) {
		t.clearPending = false
	}

	// Chunk-leading backspaces erase trailing characters of the previous
	// incomplete line, even across chunk boundaries. Clamped at zero.
	lead := 0
	for lead < len(text) && text[lead] == '\b' {
		lead++
	}
	if lead > 0 {
		text = text[lead:]
		if n := len(t.lines); n > 0 && !t.lines[n-1].Done {
			cur := []rune(t.lines[n-1].Text)
			if lead > len(cur) {
				lead = len(cur)
			}
			t.lines[n-1].Text = string(cur[:len(cur)-lead])
		}
	}
	if text == "" {
		return
	}

	text = normalize(text)

	segments := strings.Split(text, "\n")
	for i, seg := range segments {
		t.applySegment(seg)
		if i < len(segments)-1 {
			t.finalizeCurrent()
		}
	}
}

// applySegment folds one newline-free segment into the current line.
// Mid-chunk backspaces are resolved locally: they only erase characters
// written earlier within the same segment, never prior-chunk content.
func (t *Terminal) applySegment(seg string) {
	if seg == "" {
		return
	}

	// Carriage return: the cursor snaps to column zero and the rest of the
	// segment overwrites the line, so only the tail after the last CR is kept.
	if idx := strings.LastIndex(seg, "\r"); idx >= 0 {
		seg = seg[idx+1:]
		t.setCurrent(resolveBackspaces("", seg))
		return
	}

	cur := t.currentText()
	t.setCurrent(cur + resolveBackspaces("", seg))
}

// resolveBackspaces applies \b erasure within locally-written text only.
func resolveBackspaces(base, seg string) string {
	added := make([]rune, 0, len(seg))
	for _, r := range seg {
		if r == '\b' {
			if len(added) > 0 {
				added = added[:len(added)-1]
			}
			continue
		}
		added = append(added, r)
	}
	return base + string(added)
}

// normalize strips remaining escapes and rewrites control characters that
// have a visible representation.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\f", "\n")
	text = strings.ReplaceAll(text, "\v", "\n")
	text = ansiEscape.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\t", strings.Repeat(" ", tabWidth))
	text = strings.ReplaceAll(text, "\a", bellGlyph)
	return text
}

func (t *Terminal) currentText() string {
	if n := len(t.lines); n > 0 && !t.lines[n-1].Done {
		return t.lines[n-1].Text
	}
	return ""
}

func (t *Terminal) setCurrent(text string) {
	if n := len(t.lines); n > 0 && !t.lines[n-1].Done {
		t.lines[n-1].Text = text
		return
	}
	t.lines = append(t.lines, Line{Text: text})
}

func (t *Terminal) finalizeCurrent() {
	if n := len(t.lines); n > 0 && !t.lines[n-1].Done {
		t.lines[n-1].Done = true
		return
	}
	// A bare newline completes an empty line.
	t.lines = append(t.lines, Line{Done: true})
}

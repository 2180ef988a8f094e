package hostv8

import (
	"strings"

	"github.com/cryguy/hostv8/internal/v8engine"
)

type messageRecord struct {
	text        string
	resource    string
	line        int // 1-based, 0 if unknown
	startColumn int // 0-based, -1 if unknown
	endColumn   int
	sourceLine  string
	hasSource   bool
	stack       string
}

func newMessageRecord(iso *Isolate, exception, location, stack string) *messageRecord {
	m := &messageRecord{
		text:        "Uncaught " + exception,
		startColumn: -1,
		endColumn:   -1,
		stack:       stack,
	}
	if location == "" {
		return m
	}
	loc := v8engine.ParseLocation(location)
	m.resource, m.line = loc.Resource, loc.Line
	if src, ok := iso.sources[loc.Resource]; ok && loc.Line > 0 {
		lines := strings.Split(src, "\n")
		if loc.Line <= len(lines) {
			m.sourceLine = strings.TrimSuffix(lines[loc.Line-1], "\r")
			m.hasSource = true
		}
	}
	if loc.Column >= 0 {
		m.startColumn = loc.Column
		m.endColumn = loc.Column + tokenLength(m.sourceLine, loc.Column)
	}
	return m
}

// tokenLength measures the identifier-like token starting at col, with a
// minimum of one column.
func tokenLength(line string, col int) int {
	n := 0
	for i := col; i < len(line); i++ {
		c := line[i]
		if c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
			n++
			continue
		}
		break
	}
	return max(n, 1)
}

func (m *messageRecord) orEmpty() *messageRecord {
	if m == nil {
		return &messageRecord{startColumn: -1, endColumn: -1}
	}
	return m
}

// Get returns the message text, such as "Uncaught TypeError: x is not a
// function".
func (m *Message) Get(s Scope) Local[String] {
	l, ok := NewString(s, m.raw().text)
	if !ok {
		panic("hostv8: allocating message text")
	}
	return l
}

// Text is the message text as a Go string.
func (m *Message) Text() string { return m.raw().text }

// ScriptResourceName is the origin of the script that threw, if known.
func (m *Message) ScriptResourceName() string { return m.raw().resource }

// LineNumber is 1-based.
func (m *Message) LineNumber() (int, bool) {
	r := m.raw()
	return r.line, r.line > 0
}

// StartColumn is 0-based, or -1 when unknown.
func (m *Message) StartColumn() int { return m.raw().startColumn }

// EndColumn is one past the last column of the offending token.
func (m *Message) EndColumn() int { return m.raw().endColumn }

// SourceLine returns the text of the line that threw.
func (m *Message) SourceLine(s Scope) (Local[String], bool) {
	r := m.raw()
	if !r.hasSource {
		return Local[String]{}, false
	}
	return NewString(s, r.sourceLine)
}

// StackTrace is the stack recorded when the exception was thrown.
func (m *Message) StackTrace() string { return m.raw().stack }

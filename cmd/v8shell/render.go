package main

import (
	"fmt"
	"strings"

	"github.com/cryguy/hostv8"
)

// reportException renders the exception caught by tc:
//
//	file.js:3: Uncaught ReferenceError: x is not defined
//	let y = x + 1;
//	        ^
//	ReferenceError: x is not defined
//	    at file.js:3:9
func reportException[C hostv8.ContextState](sh *Shell, tc *hostv8.TryCatch[C]) {
	var b strings.Builder
	st := sh.styles

	exc, ok := tc.Exception()
	excText := "<no exception>"
	if ok {
		excText = exc.Deref().ToGoString(tc)
	}

	msg, ok := tc.Message()
	if !ok {
		b.WriteString(st.err.Render(excText))
		b.WriteByte('\n')
		fmt.Fprint(sh.errOut, b.String())
		return
	}
	m := msg.Deref()
	name := m.ScriptResourceName()
	if name == "" {
		name = "<unknown>"
	}
	if line, ok := m.LineNumber(); ok {
		b.WriteString(st.location.Render(fmt.Sprintf("%s:%d:", name, line)))
	} else {
		b.WriteString(st.location.Render(name + ":"))
	}
	b.WriteByte(' ')
	b.WriteString(st.err.Render(m.Text()))
	b.WriteByte('\n')

	if src, ok := m.SourceLine(tc); ok {
		line := src.Deref().String()
		b.WriteString(line)
		b.WriteByte('\n')
		if start := m.StartColumn(); start >= 0 {
			end := m.EndColumn()
			if end <= start {
				end = start + 1
			}
			b.WriteString(strings.Repeat(" ", start))
			b.WriteString(st.caret.Render(strings.Repeat("^", end-start)))
			b.WriteByte('\n')
		}
	}

	if stack, ok := tc.StackTrace(); ok {
		if text := stack.Deref().ToGoString(tc); text != "" && text != "undefined" {
			b.WriteString(st.stack.Render(text))
			b.WriteByte('\n')
		}
	}
	fmt.Fprint(sh.errOut, b.String())
}

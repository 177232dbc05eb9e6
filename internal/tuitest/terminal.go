package tuitest

import (
	"bytes"
	"io"
)

// terminalQuery is a control sequence the program may emit while querying the
// terminal, paired with the reply a real emulator would send.
type terminalQuery struct {
	name  string
	query []byte
	reply []byte
}

// glamour's auto style and lipgloss both ask for the background colour and
// then send a device attributes request to tell whether the answer will come.
var terminalQueries = []terminalQuery{
	{"cursor position", []byte("\x1b[6n"), []byte("\x1b[1;1R")},
	{"foreground (BEL)", []byte("\x1b]10;?\x07"), []byte("\x1b]10;rgb:cccc/cccc/cccc\x07")},
	{"foreground (ST)", []byte("\x1b]10;?\x1b\\"), []byte("\x1b]10;rgb:cccc/cccc/cccc\x1b\\")},
	{"background (BEL)", []byte("\x1b]11;?\x07"), []byte("\x1b]11;rgb:0000/0000/0000\x07")},
	{"background (ST)", []byte("\x1b]11;?\x1b\\"), []byte("\x1b]11;rgb:0000/0000/0000\x1b\\")},
	{"device attributes", []byte("\x1b[c"), []byte("\x1b[?62;22c")},
}

// Longest sequence that can straddle two reads.
const responderTail = 16

type terminalResponder struct {
	w       io.Writer
	buf     []byte
	answers map[string]int
}

func newTerminalResponder(w io.Writer) *terminalResponder {
	return &terminalResponder{w: w, buf: make([]byte, 0, 128), answers: map[string]int{}}
}

// Process feeds program output to the responder and answers every complete
// query it contains, in the order they appear.
func (tr *terminalResponder) Process(chunk []byte) {
	tr.buf = append(tr.buf, chunk...)
	for tr.answerNext() {
	}
	if len(tr.buf) > responderTail {
		tr.buf = append(tr.buf[:0], tr.buf[len(tr.buf)-responderTail:]...)
	}
}

func (tr *terminalResponder) answerNext() bool {
	first, at := -1, -1
	for i, q := range terminalQueries {
		idx := bytes.Index(tr.buf, q.query)
		if idx >= 0 && (at < 0 || idx < at) {
			first, at = i, idx
		}
	}
	if first < 0 {
		return false
	}
	q := terminalQueries[first]
	tr.buf = tr.buf[at+len(q.query):]
	tr.answers[q.name]++
	_, _ = tr.w.Write(q.reply)
	return true
}

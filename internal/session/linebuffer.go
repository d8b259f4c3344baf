package session

import (
	"bytes"
	"strings"
)

// LineBuffer accumulates stream input that may arrive split across
// reads and yields complete lines in arrival order. Bytes after the
// last newline stay buffered until more input arrives, or until the
// owner drains them as raw payload (the start of an upload body that
// rode in with the command line).
type LineBuffer struct {
	buf bytes.Buffer
}

// Feed appends raw input to the buffer.
func (l *LineBuffer) Feed(data []byte) {
	l.buf.Write(data)
}

// Next pops the oldest complete line, without its terminator. A
// trailing carriage return is stripped.
func (l *LineBuffer) Next() (string, bool) {
	data := l.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return "", false
	}
	line := string(data[:idx])
	l.buf.Next(idx + 1)
	return strings.TrimSuffix(line, "\r"), true
}

// DrainRaw removes and returns everything currently buffered,
// including incomplete line fragments.
func (l *LineBuffer) DrainRaw() []byte {
	if l.buf.Len() == 0 {
		return nil
	}
	out := make([]byte, l.buf.Len())
	copy(out, l.buf.Bytes())
	l.buf.Reset()
	return out
}

// Len reports the number of buffered bytes.
func (l *LineBuffer) Len() int { return l.buf.Len() }

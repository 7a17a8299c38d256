package main

import (
	"bytes"
	"io"
)

// lineEndingWriter converts line endings of everything written through it. A CR at the end of a
// write is held back until the next write shows whether a LF follows.
type lineEndingWriter struct {
	w         io.Writer
	toUnix    bool
	pendingCR bool
	buf       bytes.Buffer
}

func newLineEndingWriter(w io.Writer, toUnix bool) *lineEndingWriter {
	return &lineEndingWriter{w: w, toUnix: toUnix}
}

func (l *lineEndingWriter) Write(p []byte) (int, error) {
	l.buf.Reset()
	for _, b := range p {
		if l.toUnix {
			l.dos2unix(b)
		} else {
			l.unix2dos(b)
		}
	}
	if _, err := l.w.Write(l.buf.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (l *lineEndingWriter) dos2unix(b byte) {
	if l.pendingCR {
		l.pendingCR = false
		if b != '\n' {
			l.buf.WriteByte('\r')
		}
	}
	if b == '\r' {
		l.pendingCR = true
		return
	}
	l.buf.WriteByte(b)
}

func (l *lineEndingWriter) unix2dos(b byte) {
	if b == '\n' && !l.pendingCR {
		l.buf.WriteByte('\r')
	}
	l.pendingCR = b == '\r'
	l.buf.WriteByte(b)
}

// Flush writes a CR still held back.
func (l *lineEndingWriter) Flush() error {
	if !l.toUnix || !l.pendingCR {
		return nil
	}
	l.pendingCR = false
	_, err := l.w.Write([]byte{'\r'})
	return err
}

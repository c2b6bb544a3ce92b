package handbrake

import (
	"bytes"
	"io"
	"log"
	"strings"
)

// maxLineLength bounds an unterminated line; longer garbage is discarded.
const maxLineLength = 4096

// lineReader splits a timeout-bounded byte stream into newline-terminated lines.
// Bytes of an incomplete line are kept until the terminator arrives.
type lineReader struct {
	r     io.Reader
	buf   []byte
	chunk []byte
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{
		r:     r,
		chunk: make([]byte, 256),
	}
}

// ReadLine returns the next complete line with surrounding whitespace removed.
// It performs at most one read; ok is false when that read timed out before
// a terminator arrived. A line that is not valid UTF-8 is consumed and
// reported as a *DecodeError.
func (lr *lineReader) ReadLine() (line string, ok bool, err error) {
	if b, found := lr.next(); found {
		return decodeLine(b)
	}

	n, err := lr.r.Read(lr.chunk)
	if n > 0 {
		lr.buf = append(lr.buf, lr.chunk[:n]...)
	}
	if err != nil {
		return "", false, err
	}

	if b, found := lr.next(); found {
		return decodeLine(b)
	}

	if len(lr.buf) > maxLineLength {
		log.Printf("Discarding %d bytes without line terminator", len(lr.buf))
		lr.buf = lr.buf[:0]
	}
	return "", false, nil
}

// next removes and returns the first complete line from the buffer.
func (lr *lineReader) next() ([]byte, bool) {
	idx := bytes.IndexByte(lr.buf, '\n')
	if idx < 0 {
		return nil, false
	}

	line := make([]byte, idx)
	copy(line, lr.buf[:idx])
	lr.buf = append(lr.buf[:0], lr.buf[idx+1:]...)
	return line, true
}

func decodeLine(b []byte) (string, bool, error) {
	if err := CheckUTF8(b); err != nil {
		return "", false, err
	}
	return strings.TrimSpace(string(b)), true, nil
}

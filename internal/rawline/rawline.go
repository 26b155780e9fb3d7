// Package rawline buffers bytes across incremental Feed calls and extracts
// newline-terminated lines, the shared primitive behind both the chunked
// decoder's framing lines and the message parser's start-line/header lines.
package rawline

import (
	"bytes"
	"errors"
)

// ErrMissingCR is returned by Next when requireCR is true and a line ends in
// a bare LF with no preceding CR.
var ErrMissingCR = errors.New("rawline: line terminated by bare LF, CRLF required")

// Scanner accumulates fed bytes and yields one line at a time as enough
// bytes have arrived. It never blocks: callers poll Next/TakeN/TakeUpTo
// after each Feed and stop once none of them report progress.
type Scanner struct {
	buf []byte
}

// New creates an empty Scanner.
func New() *Scanner {
	return &Scanner{}
}

// Feed appends p to the pending buffer.
func (s *Scanner) Feed(p []byte) {
	s.buf = append(s.buf, p...)
}

// Next pops the next complete line, if one is buffered. raw is the line
// including its terminator, suitable for verbatim re-emission; text is raw
// with the terminator stripped (and any trailing CR stripped along with
// it). When requireCR is true, a line terminated by a bare LF (no
// preceding CR) is reported as ErrMissingCR rather than treated as valid.
func (s *Scanner) Next(requireCR bool) (text, raw []byte, ok bool, err error) {
	idx := bytes.IndexByte(s.buf, '\n')
	if idx < 0 {
		return nil, nil, false, nil
	}

	hasCR := idx > 0 && s.buf[idx-1] == '\r'
	if requireCR && !hasCR {
		return nil, nil, false, ErrMissingCR
	}

	end := idx + 1
	raw = cloneBytes(s.buf[:end])
	text = raw[:len(raw)-1]
	if hasCR {
		text = text[:len(text)-1]
	}

	s.advance(end)
	return text, raw, true, nil
}

// TakeN consumes exactly n buffered bytes, if that many are available.
func (s *Scanner) TakeN(n int) (data []byte, ok bool) {
	if len(s.buf) < n {
		return nil, false
	}
	data = cloneBytes(s.buf[:n])
	s.advance(n)
	return data, true
}

// TakeUpTo consumes up to n buffered bytes, returning fewer (or none) if
// that's all that's currently available. Used for fixed-length body reads
// where partial progress is fine.
func (s *Scanner) TakeUpTo(n int) []byte {
	if n <= 0 {
		return nil
	}
	take := n
	if take > len(s.buf) {
		take = len(s.buf)
	}
	if take == 0 {
		return nil
	}
	data := cloneBytes(s.buf[:take])
	s.advance(take)
	return data
}

// Pending returns the bytes buffered but not yet consumed.
func (s *Scanner) Pending() []byte {
	return cloneBytes(s.buf)
}

// Len reports how many bytes are currently buffered.
func (s *Scanner) Len() int {
	return len(s.buf)
}

func (s *Scanner) advance(n int) {
	s.buf = cloneBytes(s.buf[n:])
}

func cloneBytes(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

package buffer

import "bytes"

// BoundedBuffer captures up to a fixed number of bytes and sets Truncated once
// the cap is reached, rather than spilling to disk. It backs the WARC
// RecordSink's body capture, which needs a hard ceiling and a truncation
// marker, not unbounded buffering.
type BoundedBuffer struct {
	buf       bytes.Buffer
	limit     int
	total     int64
	truncated bool
}

// NewBounded creates a BoundedBuffer that retains at most limit bytes.
func NewBounded(limit int) *BoundedBuffer {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &BoundedBuffer{limit: limit}
}

// Write appends p, retaining bytes only up to the configured limit. It never
// returns an error: once the cap is hit, further bytes are counted but
// dropped and Truncated becomes true.
func (b *BoundedBuffer) Write(p []byte) (int, error) {
	b.total += int64(len(p))

	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}

	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}

	b.buf.Write(p)
	return len(p), nil
}

// Bytes returns the captured (possibly truncated) payload.
func (b *BoundedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}

// Truncated reports whether any bytes were dropped to respect the cap.
func (b *BoundedBuffer) Truncated() bool {
	return b.truncated
}

// Total returns the number of bytes ever written, including dropped ones.
func (b *BoundedBuffer) Total() int64 {
	return b.total
}

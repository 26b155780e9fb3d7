package chunked

import (
	"bytes"
	"testing"
)

type capture struct {
	raw      bytes.Buffer
	payload  bytes.Buffer
	finished bool
	tail     []byte
}

func (c *capture) callbacks() Callbacks {
	return Callbacks{
		OnRaw:     func(p []byte) { c.raw.Write(p) },
		OnPayload: func(p []byte) { c.payload.Write(p) },
		OnFinished: func(tail []byte) {
			c.finished = true
			c.tail = append([]byte(nil), tail...)
		},
	}
}

func TestDecodeSimpleChunkedBody(t *testing.T) {
	input := "3\r\nabc\r\n2\r\nde\r\n0\r\n\r\n"

	c := &capture{}
	d := New(c.callbacks())
	if err := d.Feed([]byte(input)); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	if !c.finished {
		t.Fatalf("expected OnFinished to fire")
	}
	if c.raw.String() != input {
		t.Fatalf("raw = %q, want %q (byte-identical passthrough)", c.raw.String(), input)
	}
	if c.payload.String() != "abcde" {
		t.Fatalf("payload = %q, want logical body abcde", c.payload.String())
	}
	if len(c.tail) != 0 {
		t.Fatalf("tail = %q, want empty", c.tail)
	}
}

func TestDecodeByteAtATime(t *testing.T) {
	input := "3\r\nabc\r\n0\r\n\r\n"

	c := &capture{}
	d := New(c.callbacks())
	for i := 0; i < len(input); i++ {
		if err := d.Feed([]byte{input[i]}); err != nil {
			t.Fatalf("Feed at byte %d: %v", i, err)
		}
	}

	if !c.finished {
		t.Fatalf("expected OnFinished to fire")
	}
	if c.raw.String() != input {
		t.Fatalf("raw = %q, want %q", c.raw.String(), input)
	}
	if c.payload.String() != "abc" {
		t.Fatalf("payload = %q", c.payload.String())
	}
}

func TestDecodeWithTrailingDataForNextMessage(t *testing.T) {
	input := "3\r\nabc\r\n0\r\n\r\nGET / HTTP/1.1\r\n"

	c := &capture{}
	d := New(c.callbacks())
	if err := d.Feed([]byte(input)); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	if string(c.tail) != "GET / HTTP/1.1\r\n" {
		t.Fatalf("tail = %q, want the next message's bytes", c.tail)
	}
}

func TestDecodeRejectsMalformedHexLength(t *testing.T) {
	c := &capture{}
	d := New(c.callbacks())
	if err := d.Feed([]byte("zz\r\nabc\r\n")); err == nil {
		t.Fatalf("expected an error for a malformed chunk size")
	}
}

func TestDecodeRejectsMissingCRLFAfterBody(t *testing.T) {
	c := &capture{}
	d := New(c.callbacks())
	if err := d.Feed([]byte("3\r\nabcXX")); err == nil {
		t.Fatalf("expected an error for a missing CRLF after chunk body")
	}
}

func TestDecodeRejectsDataAfterFinished(t *testing.T) {
	c := &capture{}
	d := New(c.callbacks())
	if err := d.Feed([]byte("0\r\n\r\n")); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := d.Feed([]byte("more")); err == nil {
		t.Fatalf("expected an error feeding data after the terminator")
	}
}

func TestDecodeIgnoresChunkExtensions(t *testing.T) {
	c := &capture{}
	d := New(c.callbacks())
	if err := d.Feed([]byte("3;foo=bar\r\nabc\r\n0\r\n\r\n")); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if c.payload.String() != "abc" {
		t.Fatalf("payload = %q", c.payload.String())
	}
}

func TestTruncatedReportsUnfinishedBody(t *testing.T) {
	c := &capture{}
	d := New(c.callbacks())
	if err := d.Feed([]byte("5\r\nab")); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !d.Truncated() {
		t.Fatalf("expected Truncated() to report true mid-body")
	}
}

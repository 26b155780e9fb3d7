package rawline

import (
	"bytes"
	"testing"
)

func TestNextAcrossFeedCalls(t *testing.T) {
	s := New()
	s.Feed([]byte("GET / HTTP"))
	if _, _, ok, _ := s.Next(false); ok {
		t.Fatalf("expected no complete line yet")
	}
	s.Feed([]byte("/1.1\r\n"))

	text, raw, ok, err := s.Next(false)
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if string(text) != "GET / HTTP/1.1" {
		t.Fatalf("text = %q", text)
	}
	if string(raw) != "GET / HTTP/1.1\r\n" {
		t.Fatalf("raw = %q", raw)
	}
}

func TestNextStripsTrailingCR(t *testing.T) {
	s := New()
	s.Feed([]byte("Host: example.test\r\n"))
	text, _, ok, err := s.Next(false)
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if string(text) != "Host: example.test" {
		t.Fatalf("text = %q, want no trailing CR", text)
	}
}

func TestNextToleratesBareLFWhenNotRequired(t *testing.T) {
	s := New()
	s.Feed([]byte("Host: example.test\n"))
	text, _, ok, err := s.Next(false)
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if string(text) != "Host: example.test" {
		t.Fatalf("text = %q", text)
	}
}

func TestNextRejectsBareLFWhenRequired(t *testing.T) {
	s := New()
	s.Feed([]byte("3\n"))
	_, _, ok, err := s.Next(true)
	if ok {
		t.Fatalf("expected rejection of bare LF")
	}
	if err != ErrMissingCR {
		t.Fatalf("err = %v, want ErrMissingCR", err)
	}
}

func TestTakeNPartialReturnsFalse(t *testing.T) {
	s := New()
	s.Feed([]byte("ab"))
	if _, ok := s.TakeN(3); ok {
		t.Fatalf("expected TakeN to report insufficient data")
	}
	data, ok := s.TakeN(2)
	if !ok || string(data) != "ab" {
		t.Fatalf("TakeN(2) = %q, %v", data, ok)
	}
}

func TestTakeUpToReturnsWhateverIsAvailable(t *testing.T) {
	s := New()
	s.Feed([]byte("abc"))
	data := s.TakeUpTo(10)
	if !bytes.Equal(data, []byte("abc")) {
		t.Fatalf("TakeUpTo(10) = %q", data)
	}
	if s.Len() != 0 {
		t.Fatalf("expected buffer drained, len=%d", s.Len())
	}
}

func TestPendingReturnsUnconsumedTail(t *testing.T) {
	s := New()
	s.Feed([]byte("line1\nrest-of-buffer"))
	if _, _, ok, _ := s.Next(false); !ok {
		t.Fatalf("expected a line")
	}
	if string(s.Pending()) != "rest-of-buffer" {
		t.Fatalf("Pending() = %q", s.Pending())
	}
}

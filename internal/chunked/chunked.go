// Package chunked implements C1, the raw chunked-transfer-encoding decoder:
// it tracks chunk boundaries while mirroring every framing byte verbatim, so
// a forwarding proxy can pass the exact wire bytes through while still
// observing the logical (de-chunked) payload.
package chunked

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tacnode/warcmitm/internal/rawline"
)

type state int

const (
	stateLength state = iota
	stateBody
	stateCRLF
	stateTrailer
	stateFinished
)

// Callbacks receives the raw (framing-inclusive) bytes and the logical
// (de-chunked) payload bytes as the body decodes, plus a one-shot
// completion notice carrying the tail that belongs to the next message.
type Callbacks struct {
	// OnRaw fires for every byte consumed, in order: chunk-size lines,
	// CRLFs, chunk payloads, and the trailer.
	OnRaw func(p []byte)

	// OnPayload fires only for chunk body bytes, with framing stripped.
	OnPayload func(p []byte)

	// OnFinished fires exactly once, when the zero-length chunk and its
	// trailer have been fully consumed. tail holds bytes already fed that
	// belong to whatever comes after this body.
	OnFinished func(tail []byte)
}

// Decoder decodes one chunked body, starting at the first chunk-size line.
type Decoder struct {
	cb Callbacks
	sc *rawline.Scanner

	state     state
	remaining int
	finished  bool
	err       error
}

// New creates a Decoder positioned at the first chunk-size line.
func New(cb Callbacks) *Decoder {
	return &Decoder{cb: cb, sc: rawline.New()}
}

// Feed pushes more wire bytes into the decoder. Calling Feed again after
// OnFinished has fired (other than with an empty slice) or after an error
// has been returned is itself an error.
func (d *Decoder) Feed(p []byte) error {
	if d.err != nil {
		return d.err
	}
	if d.finished {
		if len(p) == 0 {
			return nil
		}
		d.err = fmt.Errorf("chunked: data fed after terminator")
		return d.err
	}

	d.sc.Feed(p)
	for {
		progressed, err := d.step()
		if err != nil {
			d.err = err
			return err
		}
		if d.finished || !progressed {
			return nil
		}
	}
}

// step advances the state machine by at most one transition, reporting
// whether it made progress (false means: need more bytes).
func (d *Decoder) step() (bool, error) {
	switch d.state {
	case stateLength:
		return d.stepLength()
	case stateBody:
		return d.stepBody()
	case stateCRLF:
		return d.stepCRLF()
	case stateTrailer:
		return d.stepTrailer()
	default:
		return false, nil
	}
}

func (d *Decoder) stepLength() (bool, error) {
	text, raw, ok, err := d.sc.Next(true)
	if err != nil {
		return false, fmt.Errorf("chunked: malformed chunk size line: %w", err)
	}
	if !ok {
		return false, nil
	}

	n, err := parseChunkSize(text)
	if err != nil {
		return false, err
	}

	d.cb.OnRaw(raw)
	if n == 0 {
		d.state = stateTrailer
	} else {
		d.remaining = n
		d.state = stateBody
	}
	return true, nil
}

func (d *Decoder) stepBody() (bool, error) {
	chunk := d.sc.TakeUpTo(d.remaining)
	if len(chunk) == 0 {
		return false, nil
	}

	d.cb.OnRaw(chunk)
	d.cb.OnPayload(chunk)
	d.remaining -= len(chunk)
	if d.remaining == 0 {
		d.state = stateCRLF
	}
	return true, nil
}

func (d *Decoder) stepCRLF() (bool, error) {
	raw, ok := d.sc.TakeN(2)
	if !ok {
		return false, nil
	}
	if raw[0] != '\r' || raw[1] != '\n' {
		return false, fmt.Errorf("chunked: expected CRLF after chunk body, got %q", raw)
	}
	d.cb.OnRaw(raw)
	d.state = stateLength
	return true, nil
}

func (d *Decoder) stepTrailer() (bool, error) {
	text, raw, ok, err := d.sc.Next(true)
	if err != nil {
		return false, fmt.Errorf("chunked: malformed trailer line: %w", err)
	}
	if !ok {
		return false, nil
	}

	d.cb.OnRaw(raw)
	if len(text) == 0 {
		d.state = stateFinished
		d.finished = true
		tail := d.sc.Pending()
		d.cb.OnFinished(tail)
	}
	return true, nil
}

func parseChunkSize(text []byte) (int, error) {
	s := string(text)
	if idx := strings.IndexByte(s, ';'); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("chunked: empty chunk size line")
	}

	n, err := strconv.ParseInt(s, 16, 63)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("chunked: invalid chunk size %q", text)
	}
	return int(n), nil
}

// Truncated reports whether the decoder is sitting mid-body or mid-trailer
// with no more input expected (the caller's connection hit EOF). Callers
// should check this when a read loop ends without OnFinished having fired.
func (d *Decoder) Truncated() bool {
	return !d.finished && d.err == nil
}

// Package message implements C2, the single-message resumable HTTP/1.1
// parser: one instance per request or response, fed byte slices as they
// arrive, emitting both parsed structure and a verbatim (CRLF-normalized)
// mirror of every byte consumed.
package message

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/tacnode/warcmitm/internal/chunked"
	"github.com/tacnode/warcmitm/internal/rawline"
	"github.com/tacnode/warcmitm/pkg/proxyconf"
)

type state int

const (
	stateStartLine state = iota
	stateHeaders
	stateBodyFixedLength
	stateBodyChunked
	stateBodyUntilClose
	stateDone
)

// Callbacks are the parser's output hooks. Every one is optional except
// none are required to be set, but OnHeadersComplete and OnMessageComplete
// are where callers typically act.
type Callbacks struct {
	// OnStartLine fires once, with the request/status line text (CRLF
	// stripped), after the first line is fully received.
	OnStartLine func(line []byte)

	// OnHeaderLine fires for every header line, as received (CR stripped,
	// before the CRLF-normalized mirror is computed).
	OnHeaderLine func(raw []byte)

	// OnHeadersComplete fires once, with the parsed message; by this point
	// the full header block has already been mirrored via OnRawBytes.
	OnHeadersComplete func(msg *Message)

	// OnRawBytes fires continuously for every byte consumed, in order,
	// regardless of mode. This is the hook a proxy uses to mirror bytes to
	// the opposite peer.
	OnRawBytes func(p []byte)

	// OnBodyPayload fires only for logical body bytes, with any chunk
	// framing stripped. Unlike OnRawBytes this is purely an observation
	// hook: forwarding must use OnRawBytes, which is byte-exact.
	OnBodyPayload func(p []byte)

	// OnMessageComplete fires exactly once, with tail holding bytes already
	// fed that belong to the next message on the connection.
	OnMessageComplete func(tail []byte)
}

// Prefilled lets a parser begin directly in body mode with headers already
// known, rather than reading a start line and header block from the wire.
type Prefilled struct {
	StartLine StartLine
	Headers   Headers
}

// Parser is a single-message HTTP/1.1 parser (C2). Construct one per
// message; parser state never carries across message boundaries.
type Parser struct {
	cb Callbacks
	sc *rawline.Scanner

	isRequest bool
	method    string // for a response parser: the method of the paired request

	msg Message

	state       state
	headerBytes int // cumulative start-line + header-line bytes seen so far
	remaining   int64
	chunkDec    *chunked.Decoder

	finished bool
	err      error
}

// NewRequestParser creates a parser expecting a request line next.
func NewRequestParser(cb Callbacks) *Parser {
	return &Parser{cb: cb, sc: rawline.New(), isRequest: true}
}

// NewResponseParser creates a parser expecting a status line next. method
// is the request method this response answers, required to interpret
// framing (HEAD responses and 1xx/204/304 are always bodyless).
func NewResponseParser(method string, cb Callbacks) *Parser {
	return &Parser{cb: cb, sc: rawline.New(), isRequest: false, method: method}
}

// NewResponseParserPrefilled creates a parser that already knows its status
// line and headers (mirrored by the caller) and goes straight to the body
// framing decision and body mode.
func NewResponseParserPrefilled(method string, pre Prefilled, cb Callbacks) (*Parser, error) {
	p := &Parser{cb: cb, sc: rawline.New(), isRequest: false, method: method}
	p.msg.StartLine = pre.StartLine
	p.msg.Headers = pre.Headers
	if err := p.applyFraming(); err != nil {
		p.err = err
		return nil, err
	}
	return p, nil
}

// Feed pushes more wire bytes into the parser.
func (p *Parser) Feed(data []byte) error {
	if p.err != nil {
		return p.err
	}
	if p.finished {
		if len(data) == 0 {
			return nil
		}
		p.err = fmt.Errorf("message: data fed after message complete")
		return p.err
	}

	switch p.state {
	case stateBodyChunked:
		if err := p.chunkDec.Feed(data); err != nil {
			p.err = fmt.Errorf("message: chunked body: %w", err)
			return p.err
		}
		return nil
	case stateBodyUntilClose:
		if len(data) == 0 {
			return nil
		}
		p.emitRaw(data)
		p.emitPayload(data)
		return nil
	default:
		p.sc.Feed(data)
		if (p.state == stateStartLine || p.state == stateHeaders) && p.sc.Len() > proxyconf.MaxHeaderBytes {
			p.err = fmt.Errorf("message: header line exceeds %d bytes with no terminator", proxyconf.MaxHeaderBytes)
			return p.err
		}
		return p.drain()
	}
}

// CloseNotify tells the parser the underlying connection reached EOF. A
// BodyUntilClose message completes normally; anything else mid-message is
// truncation.
func (p *Parser) CloseNotify() error {
	if p.finished || p.err != nil {
		return nil
	}
	if p.state == stateBodyUntilClose {
		p.finish(nil)
		return nil
	}
	p.err = fmt.Errorf("message: connection closed mid-message")
	return p.err
}

func (p *Parser) drain() error {
	for {
		progressed, err := p.step()
		if err != nil {
			p.err = err
			return err
		}
		if p.finished || !progressed {
			return nil
		}
	}
}

func (p *Parser) step() (bool, error) {
	switch p.state {
	case stateStartLine:
		return p.stepStartLine()
	case stateHeaders:
		return p.stepHeaderLine()
	case stateBodyFixedLength:
		return p.stepBodyFixedLength()
	default:
		return false, nil
	}
}

func (p *Parser) stepStartLine() (bool, error) {
	text, raw, ok, _ := p.sc.Next(false)
	if !ok {
		return false, nil
	}
	if err := p.accountHeaderBytes(len(raw)); err != nil {
		return false, err
	}

	p.emitRaw(normalizeLine(text))
	if p.cb.OnStartLine != nil {
		p.cb.OnStartLine(text)
	}

	if err := p.parseStartLine(text); err != nil {
		return false, err
	}

	p.state = stateHeaders
	return true, nil
}

func (p *Parser) stepHeaderLine() (bool, error) {
	text, raw, ok, _ := p.sc.Next(false)
	if !ok {
		return false, nil
	}
	if err := p.accountHeaderBytes(len(raw)); err != nil {
		return false, err
	}

	p.emitRaw(normalizeLine(text))

	if len(text) == 0 {
		return true, p.applyFraming()
	}

	if p.cb.OnHeaderLine != nil {
		p.cb.OnHeaderLine(text)
	}

	name, value, err := splitHeaderLine(text)
	if err != nil {
		return false, err
	}
	p.msg.Headers.Add(name, value)
	return true, nil
}

// accountHeaderBytes adds n to the running start-line + header-line total
// and rejects a message whose header block, summed across however many
// lines it takes, exceeds proxyconf.MaxHeaderBytes — guarding against a
// header block built from many small lines rather than one giant one.
func (p *Parser) accountHeaderBytes(n int) error {
	p.headerBytes += n
	if p.headerBytes > proxyconf.MaxHeaderBytes {
		return fmt.Errorf("message: header block exceeds %d bytes", proxyconf.MaxHeaderBytes)
	}
	return nil
}

func (p *Parser) stepBodyFixedLength() (bool, error) {
	chunk := p.sc.TakeUpTo(int(p.remaining))
	if len(chunk) == 0 {
		return false, nil
	}
	p.emitRaw(chunk)
	p.emitPayload(chunk)
	p.remaining -= int64(len(chunk))
	if p.remaining == 0 {
		p.finish(p.sc.Pending())
	}
	return true, nil
}

func (p *Parser) applyFraming() error {
	framing, err := decideFraming(p.isRequest, p.method, p.msg.StartLine, &p.msg.Headers)
	if err != nil {
		return err
	}
	p.msg.Framing = framing

	if p.cb.OnHeadersComplete != nil {
		p.cb.OnHeadersComplete(&p.msg)
	}

	switch framing.Kind {
	case BodyNone:
		p.finish(p.sc.Pending())

	case BodyFixedLength:
		if framing.Length == 0 {
			p.finish(p.sc.Pending())
			return nil
		}
		p.remaining = framing.Length
		p.state = stateBodyFixedLength

	case BodyChunkedEncoding:
		leftover := p.sc.Pending()
		p.chunkDec = chunked.New(chunked.Callbacks{
			OnRaw:      p.emitRaw,
			OnPayload:  p.emitPayload,
			OnFinished: p.finish,
		})
		p.state = stateBodyChunked
		if len(leftover) > 0 {
			if err := p.chunkDec.Feed(leftover); err != nil {
				return fmt.Errorf("message: chunked body: %w", err)
			}
		}

	case BodyUntilClose:
		p.state = stateBodyUntilClose
		if leftover := p.sc.Pending(); len(leftover) > 0 {
			p.emitRaw(leftover)
			p.emitPayload(leftover)
		}
	}

	return nil
}

func (p *Parser) finish(tail []byte) {
	if p.finished {
		return
	}
	p.state = stateDone
	p.finished = true
	if p.cb.OnMessageComplete != nil {
		p.cb.OnMessageComplete(tail)
	}
}

func (p *Parser) emitRaw(b []byte) {
	if len(b) > 0 && p.cb.OnRawBytes != nil {
		p.cb.OnRawBytes(b)
	}
}

func (p *Parser) emitPayload(b []byte) {
	if len(b) > 0 && p.cb.OnBodyPayload != nil {
		p.cb.OnBodyPayload(b)
	}
}

// normalizeLine re-terminates a CR/LF-stripped line with CRLF, regardless of
// whether the sender used a bare LF or CRLF.
func normalizeLine(text []byte) []byte {
	out := make([]byte, 0, len(text)+2)
	out = append(out, text...)
	out = append(out, '\r', '\n')
	return out
}

func (p *Parser) parseStartLine(text []byte) error {
	line := string(text)
	if p.isRequest {
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			return fmt.Errorf("message: malformed request line %q", line)
		}
		method, target, version := parts[0], parts[1], parts[2]
		if !isToken(method) {
			return fmt.Errorf("message: invalid method %q", method)
		}
		if !strings.HasPrefix(version, "HTTP/") {
			return fmt.Errorf("message: invalid version %q", version)
		}
		p.msg.StartLine = StartLine{IsRequest: true, Method: method, Target: target, Version: version}
		return nil
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return fmt.Errorf("message: malformed status line %q", line)
	}
	version := parts[0]
	if !strings.HasPrefix(version, "HTTP/") {
		return fmt.Errorf("message: invalid version %q", version)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 599 {
		return fmt.Errorf("message: invalid status code %q", parts[1])
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	p.msg.StartLine = StartLine{IsRequest: false, StatusCode: code, Reason: reason, Version: version}
	return nil
}

func splitHeaderLine(text []byte) (name, value string, err error) {
	line := string(text)
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return "", "", fmt.Errorf("message: malformed header line %q", line)
	}
	name = line[:idx]
	value = strings.TrimSpace(line[idx+1:])
	if !httpguts.ValidHeaderFieldName(name) {
		return "", "", fmt.Errorf("message: invalid header field name %q", name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return "", "", fmt.Errorf("message: invalid header field value for %q", name)
	}
	return name, value, nil
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !httpguts.IsTokenRune(rune(s[i])) {
			return false
		}
	}
	return true
}

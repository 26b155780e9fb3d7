// Package upstream implements C4, the origin-facing session: one HTTP/1.1
// response parser per request, enforcing a pipeline depth of exactly one in
// flight at a time.
package upstream

import (
	"fmt"

	"github.com/tacnode/warcmitm/internal/message"
	"github.com/tacnode/warcmitm/pkg/perr"
)

// Hooks are the side effects the session asks its owner to perform.
type Hooks struct {
	// WriteUpstream sends raw bytes to the origin connection, verbatim.
	WriteUpstream func(p []byte) error

	// ForwardResponse hands bytes destined for the client: the response
	// head once headers are known, then body bytes as they arrive.
	ForwardResponse func(p []byte)

	// OnResponseRecorded fires once a response's headers are known,
	// handing the mirrored head bytes to the observer.
	OnResponseRecorded func(headBytes []byte)

	// OnResponseBodyChunk fires for each logical (de-chunked) body byte
	// range, for bounded capture into the sink.
	OnResponseBodyChunk func(p []byte)

	// OnResponseComplete fires once a response finishes, with whether the
	// body was truncated by connection close mid-stream.
	OnResponseComplete func(truncated bool)

	// Close tears the pair down with reason (nil for a clean close).
	Close func(reason error)
}

// Session is the origin-facing state machine (C4). One Session serves an
// entire persistent connection to the origin; SubmitRequest starts a new
// response parser for each request in turn, refusing to start a second one
// while a response is still in flight (pipeline depth 1).
type Session struct {
	hooks Hooks

	inFlight bool
	method   string
	parser   *message.Parser
	headDone bool
	headBuf  []byte
	truncErr bool
}

// New creates a session with no request in flight.
func New(hooks Hooks) *Session {
	return &Session{hooks: hooks}
}

// SubmitRequest is called by the owner just before it writes a request's
// bytes upstream itself. It arms a fresh response parser for method. Returns an error if a response is
// already in flight — the owner must wait for OnResponseComplete first.
func (s *Session) SubmitRequest(method string) error {
	if s.inFlight {
		return fmt.Errorf("upstream: request submitted while a response is still in flight")
	}
	s.inFlight = true
	s.method = method
	s.headDone = false
	s.headBuf = nil
	s.truncErr = false
	s.parser = message.NewResponseParser(method, message.Callbacks{
		OnRawBytes:        s.onRaw,
		OnBodyPayload:     s.onBodyPayload,
		OnHeadersComplete: s.onHeadersComplete,
		OnMessageComplete: s.onMessageComplete,
	})
	return nil
}

// FeedBytes delivers bytes read from the origin connection.
func (s *Session) FeedBytes(p []byte) error {
	if !s.inFlight {
		if len(p) == 0 {
			return nil
		}
		return perr.NewUpstreamProtocolError("upstream", "data received with no request in flight", nil)
	}
	if err := s.parser.Feed(p); err != nil {
		wrapped := perr.NewUpstreamProtocolError("upstream", "malformed response", err)
		s.fail(wrapped)
		return wrapped
	}
	return nil
}

// CloseNotify tells the session the origin connection reached EOF. A
// BodyUntilClose response completes normally (truncated=false); anything
// else in flight completes with truncated=true and then closes the pair
// with a BodyTruncation error.
func (s *Session) CloseNotify() {
	if !s.inFlight {
		return
	}
	if err := s.parser.CloseNotify(); err != nil {
		s.truncErr = true
		s.onMessageComplete(nil)
		s.fail(perr.NewBodyTruncationError("upstream: origin closed mid-response"))
	}
}

func (s *Session) onRaw(p []byte) {
	if !s.headDone {
		s.headBuf = append(s.headBuf, p...)
		return
	}
	s.hooks.ForwardResponse(p)
}

func (s *Session) onBodyPayload(p []byte) {
	if s.hooks.OnResponseBodyChunk != nil {
		s.hooks.OnResponseBodyChunk(p)
	}
}

func (s *Session) onHeadersComplete(msg *message.Message) {
	_ = msg
	s.headDone = true
	if s.hooks.OnResponseRecorded != nil {
		s.hooks.OnResponseRecorded(s.headBuf)
	}
	s.hooks.ForwardResponse(s.headBuf)
	s.headBuf = nil
}

func (s *Session) onMessageComplete(tail []byte) {
	truncated := s.truncErr
	if s.hooks.OnResponseComplete != nil {
		s.hooks.OnResponseComplete(truncated)
	}
	s.inFlight = false
	if len(tail) > 0 {
		s.fail(perr.NewUpstreamProtocolError("upstream", "unexpected trailing bytes after response", nil))
	}
}

func (s *Session) fail(err error) {
	if s.hooks.Close != nil {
		s.hooks.Close(err)
	}
}

package downstream

import (
	"fmt"
	"io"

	"github.com/tacnode/warcmitm/internal/message"
	"github.com/tacnode/warcmitm/pkg/buffer"
	"github.com/tacnode/warcmitm/pkg/perr"
	"github.com/tacnode/warcmitm/pkg/proxyconf"
)

// State is one of the client-facing session's states.
type State int

const (
	StateReadingFirstRequest State = iota
	StateAwaitingUpstream
	StateTunnelingTLS
	StateForwardingHTTP
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReadingFirstRequest:
		return "ReadingFirstRequest"
	case StateAwaitingUpstream:
		return "AwaitingUpstream"
	case StateTunnelingTLS:
		return "TunnelingTls"
	case StateForwardingHTTP:
		return "ForwardingHttp"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Hooks are the side effects the session asks its owner to perform. The
// owner (the pair coordinator, C5) supplies a real implementation backed by
// net.Conn and the upstream session; tests supply a recording fake.
type Hooks struct {
	// WriteDownstream sends raw bytes to the client, verbatim.
	WriteDownstream func(p []byte) error

	// ConnectUpstream is called exactly once, after the first request's
	// target is resolved, asking the owner to dial the origin. useTLS
	// distinguishes a CONNECT tunnel from a plain-HTTP forward.
	ConnectUpstream func(host string, port int, useTLS bool) error

	// ForwardRequestHead hands a rewritten request head to the owner, which
	// submits method to the upstream session before writing head upstream.
	ForwardRequestHead func(method string, head []byte)

	// ForwardRequestBody hands subsequent request body bytes, verbatim, to
	// be written upstream once the head has been submitted.
	ForwardRequestBody func(p []byte)

	// OnRequestRecorded fires once a request's headers are known, handing
	// the reconstructed target URL and mirrored header bytes to the
	// observer for WARC capture.
	OnRequestRecorded func(targetURL string, headerBytes []byte)

	// Close tears down both legs of the pair with reason (nil for a
	// clean, voluntary close).
	Close func(reason error)
}

// Session is the client-facing state machine (C3): it owns the first
// request's parsing and target resolution, then either starts a TLS
// handshake (CONNECT) or forwards subsequent pipelined requests to the
// upstream session (plain HTTP).
type Session struct {
	hooks Hooks
	state State

	target Target

	firstParser     *message.Parser
	firstHeadersOK  bool
	firstMethod     string
	firstPersistent bool
	pendingFirstReq []byte // rewritten head, sent once the upstream connects

	// pendingBody holds body bytes that arrive while the first request is
	// still waiting on ConnectUpstream (DNS + TCP + TLS to the origin). A
	// slow or stalled dial paired with a client streaming a large body
	// would otherwise grow an unbounded []byte; this spills to disk past
	// proxyconf.DefaultSpillMemLimit instead.
	pendingBody *buffer.Buffer

	reqParser      *message.Parser
	reqHeadersDone bool
}

// New creates a session ready to read the first request.
func New(hooks Hooks) *Session {
	s := &Session{hooks: hooks, state: StateReadingFirstRequest}
	s.pendingBody = buffer.New(proxyconf.DefaultSpillMemLimit)
	s.firstParser = message.NewRequestParser(message.Callbacks{
		OnRawBytes: func(p []byte) {
			if s.firstHeadersOK {
				_, _ = s.pendingBody.Write(p)
			}
		},
		OnHeadersComplete: func(msg *message.Message) {
			s.onFirstRequestHeaders(msg)
		},
	})
	return s
}

func (s *Session) State() State { return s.state }

// FeedBytes delivers bytes read from the client connection.
func (s *Session) FeedBytes(p []byte) error {
	switch s.state {
	case StateReadingFirstRequest:
		return s.firstParser.Feed(p)
	case StateAwaitingUpstream:
		if len(p) == 0 {
			return nil
		}
		if !s.target.UseTLS {
			// The first request's parser keeps copying its remaining body
			// bytes into pendingBody until UpstreamReady flushes them.
			if err := s.firstParser.Feed(p); err == nil {
				return nil
			}
		}
		err := perr.NewClientProtocolError("downstream", "unexpected data while awaiting upstream connect", nil)
		s.fail(err)
		return err
	case StateTunnelingTLS:
		// The owner performs the TLS handshake directly against the raw
		// connection and calls BeginTunnelForwarding once it completes;
		// no bytes reach the session through this path.
		return nil
	case StateForwardingHTTP:
		return s.feedNextRequest(p)
	default:
		return nil
	}
}

func (s *Session) onFirstRequestHeaders(msg *message.Message) {
	target, err := ResolveTarget(msg.StartLine.Method, msg.StartLine.Target)
	if err != nil {
		s.fail(perr.NewClientProtocolError("downstream", err.Error(), err))
		return
	}
	s.target = target
	s.firstHeadersOK = true
	s.firstMethod = msg.StartLine.Method
	s.state = StateAwaitingUpstream

	if !target.UseTLS {
		s.firstPersistent = Persistent(msg.Headers, msg.Framing)
		stripped := StripHopByHop(msg.Headers)
		rewritten := reconstructRequest(msg.StartLine.Method, target.RewrittenPath, msg.StartLine.Version, stripped)
		s.pendingFirstReq = rewritten

		recordURL := RecordURL(target, target.RewrittenPath)
		if s.hooks.OnRequestRecorded != nil {
			s.hooks.OnRequestRecorded(recordURL, rewritten)
		}
	}

	if err := s.hooks.ConnectUpstream(target.Host, target.Port, target.UseTLS); err != nil {
		s.fail(perr.NewUpstreamConnectError(fmt.Sprintf("%s:%d", target.Host, target.Port), err))
	}
}

// UpstreamReady is called by the owner once the origin connection is
// established. For a CONNECT target, the 200 response is written and the
// session begins tunneling; for a plain target, the rewritten first request
// (plus any body bytes buffered while the connect was in flight) is
// forwarded and the session begins the ForwardingHttp loop.
func (s *Session) UpstreamReady() error {
	if s.state != StateAwaitingUpstream {
		return fmt.Errorf("downstream: UpstreamReady in state %s", s.state)
	}

	if s.target.UseTLS {
		if err := s.hooks.WriteDownstream([]byte("HTTP/1.0 200 Connection established\r\n\r\n")); err != nil {
			return err
		}
		s.state = StateTunnelingTLS
		return nil
	}

	s.hooks.ForwardRequestHead(s.firstMethod, s.pendingFirstReq)
	if body, err := drainPendingBody(s.pendingBody); err != nil {
		s.fail(perr.NewClientProtocolError("downstream", "reading buffered request body", err))
		return nil
	} else if len(body) > 0 {
		s.hooks.ForwardRequestBody(body)
	}
	s.pendingFirstReq = nil

	if !s.firstPersistent {
		s.state = StateDraining
		return nil
	}
	s.state = StateForwardingHTTP
	s.beginNextRequest()
	return nil
}

// UpstreamFailed is called by the owner if the origin dial fails.
func (s *Session) UpstreamFailed(err error) {
	s.fail(perr.NewUpstreamConnectError(fmt.Sprintf("%s:%d", s.target.Host, s.target.Port), err))
}

// BeginTunnelForwarding is called by the owner once the server-side TLS
// handshake for a CONNECT tunnel completes. It starts a fresh request
// parser over the now-decrypted tunnel traffic, exactly like the
// ForwardingHttp loop used for plain-HTTP pipelining: a CONNECT tunnel
// never injects the original CONNECT's headers into the tunneled traffic.
func (s *Session) BeginTunnelForwarding() error {
	if s.state != StateTunnelingTLS {
		return fmt.Errorf("downstream: BeginTunnelForwarding in state %s", s.state)
	}
	s.state = StateForwardingHTTP
	s.beginNextRequest()
	return nil
}

func (s *Session) beginNextRequest() {
	s.reqHeadersDone = false
	s.reqParser = message.NewRequestParser(message.Callbacks{
		OnRawBytes: func(p []byte) {
			if s.reqHeadersDone {
				s.hooks.ForwardRequestBody(p)
			}
		},
		OnHeadersComplete: func(msg *message.Message) {
			s.onPipelinedRequestHeaders(msg)
		},
		OnMessageComplete: func(tail []byte) {
			if s.state == StateDraining {
				return
			}
			s.beginNextRequest()
			if len(tail) > 0 {
				_ = s.feedNextRequest(tail)
			}
		},
	})
}

func (s *Session) onPipelinedRequestHeaders(msg *message.Message) {
	stripped := StripHopByHop(msg.Headers)
	rewritten := reconstructRequest(msg.StartLine.Method, msg.StartLine.Target, msg.StartLine.Version, stripped)
	s.reqHeadersDone = true
	s.hooks.ForwardRequestHead(msg.StartLine.Method, rewritten)

	recordURL := RecordURL(s.target, msg.StartLine.Target)
	if s.hooks.OnRequestRecorded != nil {
		s.hooks.OnRequestRecorded(recordURL, rewritten)
	}

	if !Persistent(msg.Headers, msg.Framing) {
		s.state = StateDraining
	}
}

func (s *Session) feedNextRequest(p []byte) error {
	if s.reqParser == nil {
		s.beginNextRequest()
	}
	if err := s.reqParser.Feed(p); err != nil {
		wrapped := perr.NewClientProtocolError("downstream", "malformed pipelined request", err)
		s.fail(wrapped)
		return wrapped
	}
	return nil
}

func (s *Session) fail(err error) {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	if s.hooks.Close != nil {
		s.hooks.Close(err)
	}
}

// Close tears the session down cleanly, e.g. after the response to a
// non-persistent request has been forwarded.
func (s *Session) Close() {
	s.fail(nil)
}

// drainPendingBody reads back everything buffered while the first request
// awaited a connect, closing and releasing the buffer (and any spilled temp
// file) once read.
func drainPendingBody(b *buffer.Buffer) ([]byte, error) {
	defer b.Close()
	r, err := b.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func reconstructRequest(method, target, version string, headers message.Headers) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, method...)
	buf = append(buf, ' ')
	buf = append(buf, target...)
	buf = append(buf, ' ')
	buf = append(buf, version...)
	buf = append(buf, '\r', '\n')
	for _, f := range headers.All() {
		buf = append(buf, f.Name...)
		buf = append(buf, ':', ' ')
		buf = append(buf, f.Value...)
		buf = append(buf, '\r', '\n')
	}
	buf = append(buf, '\r', '\n')
	return buf
}

package downstream

import (
	"errors"
	"testing"
)

type fakeHooks struct {
	writes        [][]byte
	connectHost   string
	connectPort   int
	connectTLS    bool
	connectErr    error
	forwardedHead [][]byte
	forwardedBody [][]byte
	methods       []string
	recordedURLs  []string
	recordedHead  [][]byte
	closedWith    error
	closed        bool
}

func (f *fakeHooks) hooks() Hooks {
	return Hooks{
		WriteDownstream: func(p []byte) error {
			f.writes = append(f.writes, append([]byte(nil), p...))
			return nil
		},
		ConnectUpstream: func(host string, port int, useTLS bool) error {
			f.connectHost, f.connectPort, f.connectTLS = host, port, useTLS
			return f.connectErr
		},
		ForwardRequestHead: func(method string, p []byte) {
			f.methods = append(f.methods, method)
			f.forwardedHead = append(f.forwardedHead, append([]byte(nil), p...))
		},
		ForwardRequestBody: func(p []byte) {
			f.forwardedBody = append(f.forwardedBody, append([]byte(nil), p...))
		},
		OnRequestRecorded: func(url string, head []byte) {
			f.recordedURLs = append(f.recordedURLs, url)
			f.recordedHead = append(f.recordedHead, append([]byte(nil), head...))
		},
		Close: func(reason error) {
			f.closed = true
			f.closedWith = reason
		},
	}
}

// S1 — Plain GET: Proxy-Connection is stripped and the rewritten
// origin-form request reaches the upstream hook once the connect resolves.
func TestSessionPlainGETForwardsRewrittenRequest(t *testing.T) {
	f := &fakeHooks{}
	s := New(f.hooks())

	input := "GET http://example.test/a?b HTTP/1.1\r\nHost: example.test\r\nProxy-Connection: close\r\n\r\n"
	if err := s.FeedBytes([]byte(input)); err != nil {
		t.Fatalf("FeedBytes: %v", err)
	}

	if f.connectHost != "example.test" || f.connectPort != 80 || f.connectTLS {
		t.Fatalf("connect = %s:%d tls=%v", f.connectHost, f.connectPort, f.connectTLS)
	}
	if s.State() != StateAwaitingUpstream {
		t.Fatalf("state = %v", s.State())
	}

	if err := s.UpstreamReady(); err != nil {
		t.Fatalf("UpstreamReady: %v", err)
	}

	if len(f.forwardedHead) != 1 {
		t.Fatalf("forwarded = %d writes, want 1", len(f.forwardedHead))
	}
	want := "GET /a?b HTTP/1.1\r\nHost: example.test\r\n\r\n"
	if string(f.forwardedHead[0]) != want {
		t.Fatalf("forwarded = %q, want %q", f.forwardedHead[0], want)
	}
	if f.methods[0] != "GET" {
		t.Fatalf("method = %q", f.methods[0])
	}
	if len(f.recordedURLs) != 1 || f.recordedURLs[0] != "http://example.test/a?b" {
		t.Fatalf("recorded URLs = %v", f.recordedURLs)
	}
}

// S2 — CONNECT: the session writes the literal 200 line and switches to
// tunneling without ever forwarding a rewritten head, then resumes request
// parsing once the owner reports the TLS handshake is done.
func TestSessionConnectWritesEstablishedAndTunnels(t *testing.T) {
	f := &fakeHooks{}
	s := New(f.hooks())

	input := "CONNECT example.test:443 HTTP/1.1\r\nHost: example.test:443\r\n\r\n"
	if err := s.FeedBytes([]byte(input)); err != nil {
		t.Fatalf("FeedBytes: %v", err)
	}
	if !f.connectTLS || f.connectPort != 443 {
		t.Fatalf("connect = %s:%d tls=%v", f.connectHost, f.connectPort, f.connectTLS)
	}

	if err := s.UpstreamReady(); err != nil {
		t.Fatalf("UpstreamReady: %v", err)
	}
	if len(f.writes) != 1 || string(f.writes[0]) != "HTTP/1.0 200 Connection established\r\n\r\n" {
		t.Fatalf("writes = %q", f.writes)
	}
	if s.State() != StateTunnelingTLS {
		t.Fatalf("state = %v", s.State())
	}

	if err := s.BeginTunnelForwarding(); err != nil {
		t.Fatalf("BeginTunnelForwarding: %v", err)
	}
	if err := s.FeedBytes([]byte("GET /x HTTP/1.1\r\nHost: example.test\r\n\r\n")); err != nil {
		t.Fatalf("FeedBytes tunnel: %v", err)
	}
	if len(f.forwardedHead) != 1 || string(f.forwardedHead[0]) != "GET /x HTTP/1.1\r\nHost: example.test\r\n\r\n" {
		t.Fatalf("forwarded = %q", f.forwardedHead)
	}
	if len(f.recordedURLs) != 1 || f.recordedURLs[0] != "https://example.test/x" {
		t.Fatalf("recorded URLs = %v", f.recordedURLs)
	}
}

// S4 — Pipelined requests: both requests reach the upstream hook in order
// and the connection is left open (ForwardingHttp, not Draining).
func TestSessionPipelinedRequestsForwardInOrder(t *testing.T) {
	f := &fakeHooks{}
	s := New(f.hooks())

	first := "GET http://example.test/a HTTP/1.1\r\nHost: example.test\r\n\r\n"
	if err := s.FeedBytes([]byte(first)); err != nil {
		t.Fatalf("FeedBytes: %v", err)
	}
	if err := s.UpstreamReady(); err != nil {
		t.Fatalf("UpstreamReady: %v", err)
	}
	if s.State() != StateForwardingHTTP {
		t.Fatalf("state = %v, want ForwardingHttp", s.State())
	}

	second := "GET /b HTTP/1.1\r\nHost: example.test\r\n\r\n"
	if err := s.FeedBytes([]byte(second)); err != nil {
		t.Fatalf("FeedBytes second: %v", err)
	}

	if len(f.forwardedHead) != 2 {
		t.Fatalf("forwarded = %d requests, want 2", len(f.forwardedHead))
	}
	if string(f.forwardedHead[1]) != second {
		t.Fatalf("second forwarded = %q", f.forwardedHead[1])
	}
	if s.State() != StateForwardingHTTP {
		t.Fatalf("state after second request = %v", s.State())
	}
}

// S5 — Malformed request line: no upstream connect, no sink record, the
// session closes immediately.
func TestSessionMalformedRequestLineClosesImmediately(t *testing.T) {
	f := &fakeHooks{}
	s := New(f.hooks())

	err := s.FeedBytes([]byte("NOTAMETHOD\r\n\r\n"))
	if err == nil {
		t.Fatalf("expected a parse error for a malformed request line")
	}
	if f.connectHost != "" {
		t.Fatalf("expected no upstream connect attempt, got %q", f.connectHost)
	}
	if len(f.recordedURLs) != 0 {
		t.Fatalf("expected no sink record, got %v", f.recordedURLs)
	}
}

// S6 — Upstream connect failure surfaces as a close with no 200 line ever
// written to the client.
func TestSessionUpstreamConnectFailureClosesWithoutEstablished(t *testing.T) {
	f := &fakeHooks{connectErr: errors.New("connection refused")}
	s := New(f.hooks())

	if err := s.FeedBytes([]byte("CONNECT example.test:443 HTTP/1.1\r\nHost: example.test:443\r\n\r\n")); err != nil {
		t.Fatalf("FeedBytes: %v", err)
	}
	if !f.closed {
		t.Fatalf("expected session to close on connect failure")
	}
	if len(f.writes) != 0 {
		t.Fatalf("expected no bytes written to the client, got %q", f.writes)
	}
}

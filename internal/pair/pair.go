// Package pair implements C5, the coordinator that owns one client
// connection, its paired origin connection, the CA used for TLS
// interception, and the WARC sink that records each exchange. One Pair runs
// per accepted client connection; its client-read and origin-read pump
// goroutines are supervised by golang.org/x/sync/errgroup so either side's
// failure tears down both and unblocks the other.
package pair

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tacnode/warcmitm/internal/downstream"
	"github.com/tacnode/warcmitm/internal/upstream"
	"github.com/tacnode/warcmitm/pkg/buffer"
	"github.com/tacnode/warcmitm/pkg/perr"
	"github.com/tacnode/warcmitm/pkg/proxyconf"
	"github.com/tacnode/warcmitm/pkg/timing"
	"github.com/tacnode/warcmitm/pkg/tlsconfig"
	"github.com/tacnode/warcmitm/pkg/tlsid"
	"github.com/tacnode/warcmitm/pkg/transport"
)

// Sink is the subset of pkg/warc.RecordSink a pair needs, so tests can
// substitute a recording fake.
type Sink interface {
	Write(targetURL string, requestHead, responseHead, body []byte, truncated bool) error
}

// Config holds the dependencies shared by every pair served by one listener.
type Config struct {
	Authority      *tlsid.Authority
	Sink           Sink
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	BodyCaptureCap int
	Logger         *logrus.Entry

	// InsecureSkipVerifyOrigin disables origin certificate verification on
	// the upstream TLS dial. Exposed for test fixtures that stand up a
	// self-signed origin; production listeners always verify.
	InsecureSkipVerifyOrigin bool
}

func (c *Config) setDefaults() {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = proxyconf.DefaultIdleTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = proxyconf.DefaultConnectTimeout
	}
	if c.BodyCaptureCap == 0 {
		c.BodyCaptureCap = proxyconf.DefaultBodyCaptureLimit
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}

// exchange tracks one in-flight request/response pair being recorded.
type exchange struct {
	targetURL    string
	requestHead  []byte
	responseHead []byte
	body         *buffer.BoundedBuffer
}

// Pair drives one client connection end to end: first-request routing,
// optional TLS interception, request/response forwarding, and WARC capture.
type Pair struct {
	cfg    Config
	client net.Conn // reassigned to a *tls.Conn after a CONNECT handshake
	log    *logrus.Entry

	down *downstream.Session
	up   *upstream.Session

	upstreamConn net.Conn
	timer        *timing.Timer
	group        *errgroup.Group

	mu      sync.Mutex // guards pending; client-read and origin-read goroutines both touch it
	pending []*exchange
}

// Run drives the pair to completion, closing the client connection and any
// origin connection before returning. Failures are logged; callers don't
// need to act on the return.
func Run(ctx context.Context, client net.Conn, cfg Config) {
	cfg.setDefaults()
	log := cfg.Logger.WithField("remote", client.RemoteAddr().String())

	p := &Pair{cfg: cfg, client: client, log: log, timer: timing.NewTimer()}
	p.down = downstream.New(p.downstreamHooks())

	g, gctx := errgroup.WithContext(ctx)

	// The origin read loop only starts once connectUpstream dials
	// successfully; it registers itself with the group via startOriginPump.
	p.group = g
	g.Go(func() error {
		p.clientReadLoop(gctx)
		p.closeAll()
		return nil
	})

	_ = g.Wait()
	p.closeAll()
}

// group is set once, before any goroutine can read it, by the Run call
// above; connectUpstream (invoked synchronously from the client-read
// goroutine while parsing the first request) uses it to register the
// origin pump with the same supervising errgroup.
func (p *Pair) startOriginPump() {
	p.group.Go(func() error {
		p.originReadLoop()
		p.closeAll()
		return nil
	})
}

func (p *Pair) clientReadLoop(ctx context.Context) {
	buf := make([]byte, 32*1024)
	for {
		conn := p.client
		_ = conn.SetReadDeadline(time.Now().Add(p.cfg.IdleTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			if feedErr := p.down.FeedBytes(buf[:n]); feedErr != nil {
				p.log.WithError(feedErr).Debug("downstream session ended")
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				if p.up != nil {
					p.up.CloseNotify()
				}
			} else {
				p.log.WithError(err).Debug("client read error")
			}
			return
		}
		if p.down.State() == downstream.StateClosed {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// downstreamHooks wires the C3 session's side effects to this pair.
func (p *Pair) downstreamHooks() downstream.Hooks {
	return downstream.Hooks{
		WriteDownstream: func(b []byte) error {
			_, err := p.client.Write(b)
			return err
		},
		ConnectUpstream: p.connectUpstream,
		ForwardRequestHead: func(method string, head []byte) {
			if p.up == nil {
				return
			}
			if err := p.up.SubmitRequest(method); err != nil {
				p.log.WithError(err).Warn("rejecting pipelined request past depth 1")
				return
			}
			if _, err := p.upstreamConn.Write(head); err != nil {
				p.log.WithError(err).Debug("writing request head upstream")
			}
		},
		ForwardRequestBody: func(b []byte) {
			if _, err := p.upstreamConn.Write(b); err != nil {
				p.log.WithError(err).Debug("writing request body upstream")
			}
		},
		OnRequestRecorded: func(targetURL string, head []byte) {
			p.mu.Lock()
			p.pending = append(p.pending, &exchange{
				targetURL:   targetURL,
				requestHead: append([]byte(nil), head...),
				body:        buffer.NewBounded(p.cfg.BodyCaptureCap),
			})
			p.mu.Unlock()
		},
		Close: func(reason error) {
			if reason != nil {
				p.log.WithError(reason).Debug("closing pair")
			}
		},
	}
}

// connectUpstream dials the origin (plain TCP, or TLS for an https target
// or CONNECT tunnel), wires the C4 session, and — for a CONNECT target —
// performs the server-side TLS handshake with the client before letting the
// downstream session resume parsing tunneled requests.
func (p *Pair) connectUpstream(host string, port int, useTLS bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := transport.Dial(ctx, transport.Config{
		Host:               host,
		Port:               port,
		UseTLS:             useTLS,
		ConnectTimeout:     p.cfg.ConnectTimeout,
		InsecureSkipVerify: p.cfg.InsecureSkipVerifyOrigin,
	}, p.timer)
	if err != nil {
		p.down.UpstreamFailed(err)
		return err
	}
	p.upstreamConn = conn
	p.up = upstream.New(p.upstreamHooks())

	if err := p.down.UpstreamReady(); err != nil {
		return err
	}

	if useTLS {
		leaf, err := p.cfg.Authority.MintFor(host)
		if err != nil {
			return fmt.Errorf("pair: minting leaf for %s: %w", host, err)
		}
		tlsConn := tls.Server(p.client, &tls.Config{
			Certificates: []tls.Certificate{*leaf},
			MinVersion:   tlsconfig.MinVersion,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("pair: TLS handshake with client for %s: %w", host, err)
		}
		p.client = tlsConn
		if err := p.down.BeginTunnelForwarding(); err != nil {
			return err
		}
	}

	p.startOriginPump()
	return nil
}

func (p *Pair) originReadLoop() {
	buf := make([]byte, 32*1024)
	for {
		_ = p.upstreamConn.SetReadDeadline(time.Now().Add(p.cfg.IdleTimeout))
		n, err := p.upstreamConn.Read(buf)
		if n > 0 {
			if feedErr := p.up.FeedBytes(buf[:n]); feedErr != nil {
				p.log.WithError(feedErr).Debug("upstream session ended")
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				p.up.CloseNotify()
			} else {
				p.log.WithError(err).Debug("origin read error")
			}
			return
		}
		if p.down.State() == downstream.StateClosed {
			return
		}
	}
}

// upstreamHooks wires the C4 session's side effects to this pair.
func (p *Pair) upstreamHooks() upstream.Hooks {
	return upstream.Hooks{
		ForwardResponse: func(b []byte) {
			if _, err := p.client.Write(b); err != nil {
				p.log.WithError(err).Debug("writing response to client")
			}
		},
		OnResponseRecorded: func(head []byte) {
			p.mu.Lock()
			defer p.mu.Unlock()
			if len(p.pending) == 0 {
				return
			}
			p.pending[0].responseHead = append([]byte(nil), head...)
		},
		OnResponseBodyChunk: func(b []byte) {
			p.mu.Lock()
			defer p.mu.Unlock()
			if len(p.pending) == 0 {
				return
			}
			p.pending[0].body.Write(b)
		},
		OnResponseComplete: func(truncated bool) {
			p.mu.Lock()
			var ex *exchange
			if len(p.pending) > 0 {
				ex = p.pending[0]
				p.pending = p.pending[1:]
			}
			p.mu.Unlock()

			if ex != nil && p.cfg.Sink != nil {
				allTruncated := truncated || ex.body.Truncated()
				if err := p.cfg.Sink.Write(ex.targetURL, ex.requestHead, ex.responseHead, ex.body.Bytes(), allTruncated); err != nil {
					p.log.WithError(perr.NewSinkError("warc-write", err)).Warn("recording exchange")
				}
			}
			if p.down.State() == downstream.StateDraining {
				p.down.Close()
				_ = p.client.Close()
				_ = p.upstreamConn.Close()
			}
		},
		Close: func(reason error) {
			if reason != nil {
				p.log.WithError(reason).Debug("closing pair")
			}
			p.down.Close()
		},
	}
}

func (p *Pair) closeAll() {
	_ = p.client.Close()
	if p.upstreamConn != nil {
		_ = p.upstreamConn.Close()
	}
}

// Package warcmitm is an HTTP/1.1 intercepting forward proxy: it terminates
// CONNECT tunnels with a locally-minted leaf certificate, re-originates each
// request to the real origin, and journals every request/response exchange
// it sees as a WARC/1.1 file.
package warcmitm

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tacnode/warcmitm/internal/pair"
	"github.com/tacnode/warcmitm/pkg/perr"
	"github.com/tacnode/warcmitm/pkg/proxyconf"
	"github.com/tacnode/warcmitm/pkg/tlsid"
	"github.com/tacnode/warcmitm/pkg/warc"
)

// Version is the current version of warcmitm.
const Version = "0.1.0"

// GetVersion returns the current version of the library.
func GetVersion() string {
	return Version
}

// Re-export the types callers need to wire up an Engine, so most programs
// never import internal/pair or pkg/tlsid directly.
type (
	// Sink is the recorder an Engine hands every captured exchange to.
	Sink = pair.Sink

	// Authority mints per-host TLS leaves for CONNECT interception.
	Authority = tlsid.Authority

	// RecordSink is the WARC/1.1 journal writer.
	RecordSink = warc.RecordSink
)

// Options configures an Engine.
type Options struct {
	// Authority mints the leaf certificates used for CONNECT interception.
	// Required.
	Authority *Authority

	// Sink receives every captured request/response exchange. Required.
	Sink Sink

	// IdleTimeout bounds how long a pair may sit with no bytes in either
	// direction before it is torn down. Defaults to proxyconf.DefaultIdleTimeout.
	IdleTimeout time.Duration

	// ConnectTimeout bounds dialing the origin. Defaults to
	// proxyconf.DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// BodyCaptureCap bounds how many logical response body bytes are
	// captured per exchange. Defaults to proxyconf.DefaultBodyCaptureLimit.
	BodyCaptureCap int

	// Logger receives structured per-connection logging. Defaults to
	// logrus.StandardLogger().
	Logger *logrus.Logger

	// MaxConcurrentPairs bounds how many pairs may run at once; Serve
	// refuses additional accepts (closing the connection immediately)
	// once the ceiling is hit rather than letting goroutines pile up
	// unbounded. Defaults to proxyconf.DefaultMaxPairs.
	MaxConcurrentPairs int
}

// Engine accepts client connections and drives one pair.Pair per connection
// until the listener is closed or its context is cancelled.
type Engine struct {
	opts   Options
	log    *logrus.Entry
	tokens chan struct{}
}

// New returns an Engine ready to Serve. It does not dial or listen.
func New(opts Options) (*Engine, error) {
	if opts.Authority == nil {
		return nil, fmt.Errorf("warcmitm: Options.Authority is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("warcmitm: Options.Sink is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	maxPairs := opts.MaxConcurrentPairs
	if maxPairs <= 0 {
		maxPairs = proxyconf.DefaultMaxPairs
	}
	return &Engine{
		opts:   opts,
		log:    logrus.NewEntry(logger),
		tokens: make(chan struct{}, maxPairs),
	}, nil
}

// CABundle returns the PEM-encoded CA certificate clients must trust to see
// through interception without warnings.
func (e *Engine) CABundle() []byte {
	return e.opts.Authority.CABundle()
}

// ListenAndServe listens on addr and serves until ctx is cancelled or Serve
// returns an error. addr defaults to ":<proxyconf.DefaultPort>" when empty.
func (e *Engine) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = fmt.Sprintf(":%d", proxyconf.DefaultPort)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("warcmitm: listen on %s: %w", addr, err)
	}
	return e.Serve(ctx, ln)
}

// Serve accepts connections from ln and runs one pair per connection until
// ctx is cancelled, at which point ln is closed and Serve returns once every
// in-flight pair has finished.
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	e.log.WithField("addr", ln.Addr().String()).Info("warcmitm: listening")

	var pairs sync.WaitGroup
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		close(done)
	}()

	cfg := pair.Config{
		Authority:      e.opts.Authority,
		Sink:           e.opts.Sink,
		IdleTimeout:    e.opts.IdleTimeout,
		ConnectTimeout: e.opts.ConnectTimeout,
		BodyCaptureCap: e.opts.BodyCaptureCap,
		Logger:         e.log,
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				<-done
				pairs.Wait()
				return nil
			default:
				return fmt.Errorf("warcmitm: accept: %w", err)
			}
		}

		select {
		case e.tokens <- struct{}{}:
		default:
			e.log.WithError(perr.NewResourceExhaustionError("max concurrent pairs reached")).
				Warn("refusing accept")
			_ = conn.Close()
			continue
		}

		pairs.Add(1)
		go func() {
			defer pairs.Done()
			defer func() { <-e.tokens }()
			pair.Run(ctx, conn, cfg)
		}()
	}
}

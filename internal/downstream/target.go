// Package downstream implements C3, the client-facing session: parsing the
// first request to choose between plain-HTTP forwarding and CONNECT-tunnel
// TLS interception, then pumping subsequent requests to the upstream
// session once it is ready.
package downstream

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/tacnode/warcmitm/internal/message"
)

// Target is the resolved origin of the first request: either a CONNECT
// authority or an absolute-form request.
type Target struct {
	Host   string
	Port   int
	UseTLS bool

	// RewrittenPath is the origin-form request target (path + optional
	// query) to forward upstream. Empty for CONNECT, where the tunnelled
	// request is parsed afresh.
	RewrittenPath string
}

// ResolveTarget implements the first request's routing decision: CONNECT
// selects TLS tunneling to an authority-form host:port; anything else must
// be an absolute-form request, rewritten to origin-form for forwarding.
func ResolveTarget(method, target string) (Target, error) {
	if strings.EqualFold(method, "CONNECT") {
		host, port, err := splitAuthority(target, 443)
		if err != nil {
			return Target{}, fmt.Errorf("downstream: bad CONNECT target %q: %w", target, err)
		}
		return Target{Host: host, Port: port, UseTLS: true}, nil
	}

	u, err := url.ParseRequestURI(target)
	if err != nil || u.Host == "" || u.Scheme == "" {
		return Target{}, fmt.Errorf("downstream: request target %q is not absolute-form", target)
	}

	useTLS := strings.EqualFold(u.Scheme, "https")
	defaultPort := 80
	if useTLS {
		defaultPort = 443
	}

	host, port, err := splitAuthority(u.Host, defaultPort)
	if err != nil {
		return Target{}, fmt.Errorf("downstream: bad absolute-form host %q: %w", u.Host, err)
	}

	rewritten := u.Path
	if rewritten == "" {
		rewritten = "/"
	}
	if u.RawQuery != "" {
		rewritten += "?" + u.RawQuery
	}

	return Target{Host: host, Port: port, UseTLS: useTLS, RewrittenPath: rewritten}, nil
}

func splitAuthority(authority string, defaultPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		// No port present; treat the whole string as the host.
		return authority, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// RecordURL reconstructs the URL handed to the RecordSink: scheme from the
// tunnel/plain decision, authority from the CONNECT target or the
// absolute-form host, path+query from the rewritten origin-form request
// target, with the scheme's default port omitted.
func RecordURL(t Target, pathAndQuery string) string {
	scheme := "http"
	defaultPort := 80
	if t.UseTLS {
		scheme = "https"
		defaultPort = 443
	}

	authority := t.Host
	if t.Port != defaultPort {
		authority = net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	}

	if pathAndQuery == "" {
		pathAndQuery = "/"
	}

	return scheme + "://" + authority + pathAndQuery
}

// hopByHop lists the headers stripped before forwarding in either
// direction. Transfer-Encoding is deliberately NOT in this list: it is
// needed for framing and must be preserved.
var hopByHop = map[string]bool{
	"proxy-connection":    true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"connection":          true,
	"keep-alive":          true,
	"te":                  true,
	"trailer":             true,
	"upgrade":             true,
}

// StripHopByHop returns a copy of headers with hop-by-hop headers removed,
// including any header named in a Connection header's value.
func StripHopByHop(headers message.Headers) message.Headers {
	named := map[string]bool{}
	for _, v := range headers.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			named[strings.ToLower(strings.TrimSpace(tok))] = true
		}
	}

	var out message.Headers
	for _, f := range headers.All() {
		lower := strings.ToLower(f.Name)
		if hopByHop[lower] || named[lower] {
			continue
		}
		out.Add(f.Name, f.Value)
	}
	return out
}

// Persistent computes the connection-persistence flag: false if any
// Connection/Proxy-Connection header contains "close", or if the request
// carries a body and this implementation does not yet stream request
// bodies independently of persistence (see DESIGN.md Open Questions);
// true otherwise.
func Persistent(headers message.Headers, framing message.BodyFraming) bool {
	if headers.HasToken("Connection", "close") || headers.HasToken("Proxy-Connection", "close") {
		return false
	}
	if framing.Kind != message.BodyNone {
		return false
	}
	return true
}

// Package tlsconfig builds the client-side tls.Config the proxy uses to dial
// an origin, and provides name lookups for logging the TLS version/cipher
// suite a handshake actually negotiated.
package tlsconfig

import "crypto/tls"

// MinVersion is the floor for both legs of interception: the client-facing
// handshake after a CONNECT, and the origin-facing dial. The proxy has no
// deployment mode that needs TLS 1.0/1.1 compatibility, so there is no
// profile selection here, unlike a general-purpose client.
const MinVersion = tls.VersionTLS12

// OriginConfig builds the tls.Config used to dial serverName. Verification
// always goes against the system trust store (RootCAs left nil); the proxy
// has no pinning or SNI-override knobs, so ServerName is always the
// resolved origin host. insecureSkipVerify exists only for test fixtures
// that dial a self-signed listener; production dials always verify.
func OriginConfig(serverName string, insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		MinVersion:         MinVersion,
		InsecureSkipVerify: insecureSkipVerify,
		NextProtos:         []string{"http/1.1"},
	}
}

// GetVersionName returns a human-readable name for a negotiated TLS version,
// for connect-metadata logging.
func GetVersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return "Unknown"
	}
}

// GetCipherSuiteName returns a human-readable name for a negotiated cipher
// suite, for connect-metadata logging. The proxy never curates its own
// cipher suite list (crypto/tls's default ordering is already secure); this
// only names whatever was negotiated.
func GetCipherSuiteName(suite uint16) string {
	for _, cs := range tls.CipherSuites() {
		if cs.ID == suite {
			return cs.Name
		}
	}
	for _, cs := range tls.InsecureCipherSuites() {
		if cs.ID == suite {
			return cs.Name
		}
	}
	return "Unknown"
}

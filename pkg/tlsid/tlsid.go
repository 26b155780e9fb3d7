// Package tlsid mints per-hostname leaf certificates signed by a locally
// trusted CA, so the proxy can terminate a CONNECT tunnel's TLS handshake in
// the client's place. There is no CA-minting library anywhere in the
// example pack (see DESIGN.md), so this is built on stdlib crypto/x509 and
// crypto/ecdsa, grounded on the cert.CA shape referenced by the
// denisvmedia/go-mitmproxy manifest.
package tlsid

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

// Authority is a self-signed root CA used to mint short-lived leaf
// certificates on demand, one per intercepted hostname. Leaves are cached
// for the process lifetime so repeat connections to the same host reuse the
// same keypair.
type Authority struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey

	certPEM []byte

	mu     sync.Mutex
	leaves map[string]*tls.Certificate
}

// NewAuthority generates a fresh in-memory root CA. The CA is not persisted
// across restarts; clients must re-import the bundle returned by
// Authority.CABundle after each restart.
func NewAuthority(commonName string) (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tlsid: generating CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, fmt.Errorf("tlsid: generating CA serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"warcmitm"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("tlsid: self-signing CA: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("tlsid: parsing self-signed CA: %w", err)
	}

	return &Authority{
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		leaves:  make(map[string]*tls.Certificate),
	}, nil
}

// CABundle returns the PEM-encoded CA certificate, suitable for a client to
// import as a trusted root.
func (a *Authority) CABundle() []byte {
	return a.certPEM
}

// MintFor returns a leaf certificate for hostname, signed by the CA,
// generating and caching one on first use. Safe for concurrent calls: two
// goroutines racing to mint the same hostname both get the same cached
// result, never two different leaves.
func (a *Authority) MintFor(hostname string) (*tls.Certificate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if leaf, ok := a.leaves[hostname]; ok {
		return leaf, nil
	}

	leaf, err := a.mint(hostname)
	if err != nil {
		return nil, err
	}
	a.leaves[hostname] = leaf
	return leaf, nil
}

func (a *Authority) mint(hostname string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tlsid: generating leaf key for %s: %w", hostname, err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, fmt.Errorf("tlsid: generating leaf serial for %s: %w", hostname, err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{hostname}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("tlsid: signing leaf for %s: %w", hostname, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, a.cert.Raw},
		PrivateKey:  key,
	}, nil
}

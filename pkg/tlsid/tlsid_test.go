package tlsid

import (
	"crypto/x509"
	"testing"
)

func TestMintForCachesLeaf(t *testing.T) {
	ca, err := NewAuthority("warcmitm test CA")
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}

	first, err := ca.MintFor("example.com")
	if err != nil {
		t.Fatalf("MintFor: %v", err)
	}
	second, err := ca.MintFor("example.com")
	if err != nil {
		t.Fatalf("MintFor (second call): %v", err)
	}

	if first.PrivateKey != second.PrivateKey {
		t.Fatalf("MintFor returned a different key for a repeat call on the same hostname")
	}
}

func TestMintForSignsWithCA(t *testing.T) {
	ca, err := NewAuthority("warcmitm test CA")
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}

	leaf, err := ca.MintFor("example.org")
	if err != nil {
		t.Fatalf("MintFor: %v", err)
	}

	leafCert, err := x509.ParseCertificate(leaf.Certificate[0])
	if err != nil {
		t.Fatalf("parsing minted leaf: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)

	if _, err := leafCert.Verify(x509.VerifyOptions{
		DNSName: "example.org",
		Roots:   pool,
	}); err != nil {
		t.Fatalf("minted leaf does not verify against its CA: %v", err)
	}
}

func TestMintForDifferentHostnamesDifferentLeaves(t *testing.T) {
	ca, err := NewAuthority("warcmitm test CA")
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}

	a, err := ca.MintFor("a.example.com")
	if err != nil {
		t.Fatalf("MintFor a: %v", err)
	}
	b, err := ca.MintFor("b.example.com")
	if err != nil {
		t.Fatalf("MintFor b: %v", err)
	}

	if a.PrivateKey == b.PrivateKey {
		t.Fatalf("distinct hostnames must not share a minted key")
	}
}

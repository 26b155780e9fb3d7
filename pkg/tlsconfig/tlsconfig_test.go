package tlsconfig

import (
	"crypto/tls"
	"testing"
)

func TestOriginConfigSetsServerNameAndFloor(t *testing.T) {
	cfg := OriginConfig("example.com", false)

	if cfg.ServerName != "example.com" {
		t.Fatalf("ServerName = %q, want %q", cfg.ServerName, "example.com")
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
	}
	if cfg.InsecureSkipVerify {
		t.Fatal("InsecureSkipVerify should be false by default")
	}
	if cfg.RootCAs != nil {
		t.Fatal("RootCAs should be nil so verification falls back to the system trust store")
	}
}

func TestOriginConfigInsecureSkipVerifyIsTestOnlyEscape(t *testing.T) {
	cfg := OriginConfig("self-signed.test", true)
	if !cfg.InsecureSkipVerify {
		t.Fatal("expected InsecureSkipVerify to propagate through")
	}
}

func TestGetVersionName(t *testing.T) {
	cases := map[uint16]string{
		tls.VersionTLS10: "TLS 1.0",
		tls.VersionTLS11: "TLS 1.1",
		tls.VersionTLS12: "TLS 1.2",
		tls.VersionTLS13: "TLS 1.3",
		0x0000:           "Unknown",
	}
	for version, want := range cases {
		if got := GetVersionName(version); got != want {
			t.Errorf("GetVersionName(%x) = %q, want %q", version, got, want)
		}
	}
}

func TestGetCipherSuiteName(t *testing.T) {
	if got := GetCipherSuiteName(tls.TLS_AES_128_GCM_SHA256); got == "Unknown" {
		t.Fatalf("expected a known name for TLS_AES_128_GCM_SHA256, got %q", got)
	}
	if got := GetCipherSuiteName(0xffff); got != "Unknown" {
		t.Fatalf("GetCipherSuiteName(0xffff) = %q, want Unknown", got)
	}
}

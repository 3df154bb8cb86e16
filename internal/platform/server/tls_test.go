package server

import (
	"strings"
	"testing"
)

func TestBuildTLSConfigDisabled(t *testing.T) {
	cfg, err := BuildTLSConfig(TLSConfig{Enabled: false})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if cfg != nil {
		t.Fatal("disabled tls must yield a nil config")
	}
}

func TestBuildTLSConfigRequiresCertAndKey(t *testing.T) {
	_, err := BuildTLSConfig(TLSConfig{Enabled: true})
	if err == nil {
		t.Fatal("expected error without cert/key")
	}
	if !strings.Contains(err.Error(), "LEDGER_TLS_CERT_FILE") {
		t.Fatalf("error %q should name the missing configuration", err)
	}
}

func TestBuildTLSConfigRejectsMissingKeypairFiles(t *testing.T) {
	_, err := BuildTLSConfig(TLSConfig{
		Enabled:  true,
		CertFile: "/nonexistent/cert.pem",
		KeyFile:  "/nonexistent/key.pem",
	})
	if err == nil {
		t.Fatal("expected error for unreadable keypair")
	}
}

package tls

import (
	"crypto/tls"
	"testing"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = 0x%x, want TLS 1.2", cfg.MinVersion)
	}
	if cfg.MaxVersion != tls.VersionTLS13 {
		t.Errorf("MaxVersion = 0x%x, want TLS 1.3", cfg.MaxVersion)
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != "http/1.1" {
		t.Errorf("NextProtos = %v, want [http/1.1]", cfg.NextProtos)
	}
}

func TestConfigBuilder(t *testing.T) {
	cfg := NewConfig().
		WithServerName("upstream.example.com").
		WithMinTLSVersion(tls.VersionTLS13)

	built := cfg.Build()

	if built.ServerName != "upstream.example.com" {
		t.Errorf("ServerName = %q, want upstream.example.com", built.ServerName)
	}
	if built.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = 0x%x, want TLS 1.3", built.MinVersion)
	}
}

func TestDefaultCipherSuitesArePFS(t *testing.T) {
	for _, suite := range defaultCipherSuites {
		switch suite {
		case tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305:
		default:
			t.Errorf("cipher suite 0x%x does not support PFS", suite)
		}
	}
}

func TestSecureDefaults(t *testing.T) {
	cfg := SecureDefaults()
	if cfg.MinVersion < tls.VersionTLS12 {
		t.Error("SecureDefaults should require TLS 1.2+")
	}
}

package tls

import (
	"crypto/tls"
	"crypto/x509"
)

// TLS configuration builder for dialing upstream HTTPS targets.

// Config represents the TLS options applied when a connection factory
// dials a https:// target.
type Config struct {
	ServerName         string
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
	Certificates       []tls.Certificate
	MinVersion         uint16
	MaxVersion         uint16
	CipherSuites       []uint16
	NextProtos         []string
}

// Default cipher suites (strong, modern ciphers only). Ignored under
// TLS 1.3, where the suite is negotiated automatically, but still
// applied as a floor for TLS 1.2 handshakes.
var defaultCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// NewConfig creates a dial-side TLS configuration with sensible
// defaults: TLS 1.2 floor, TLS 1.3 ceiling, HTTP/1.1 only (no h2/h3 ALPN
// offer, since this pool speaks HTTP/1.1 exclusively).
func NewConfig() *Config {
	return &Config{
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS13,
		CipherSuites: defaultCipherSuites,
		NextProtos:   []string{"http/1.1"},
	}
}

// WithServerName sets the SNI/verification name sent during the
// handshake. Required when dialing by IP rather than hostname.
func (c *Config) WithServerName(name string) *Config {
	c.ServerName = name
	return c
}

// WithRootCAs overrides the trust store used to verify the peer
// certificate. Nil leaves the system pool in effect.
func (c *Config) WithRootCAs(pool *x509.CertPool) *Config {
	c.RootCAs = pool
	return c
}

// WithClientCertificate attaches a certificate presented for mutual
// TLS, when the upstream requires client authentication.
func (c *Config) WithClientCertificate(cert tls.Certificate) *Config {
	c.Certificates = append(c.Certificates, cert)
	return c
}

// WithMinTLSVersion sets the minimum TLS version.
func (c *Config) WithMinTLSVersion(version uint16) *Config {
	c.MinVersion = version
	return c
}

// WithMaxTLSVersion sets the maximum TLS version.
func (c *Config) WithMaxTLSVersion(version uint16) *Config {
	c.MaxVersion = version
	return c
}

// WithCipherSuites sets custom cipher suites.
func (c *Config) WithCipherSuites(suites []uint16) *Config {
	c.CipherSuites = suites
	return c
}

// WithInsecureSkipVerify disables peer certificate verification.
// Exists for talking to test fixtures with self-signed certificates;
// never set this when dialing a real upstream.
func (c *Config) WithInsecureSkipVerify() *Config {
	c.InsecureSkipVerify = true
	return c
}

// Build produces the *tls.Config a connection factory hands to
// tls.Client/tls.Dial for one upstream host.
func (c *Config) Build() *tls.Config {
	return &tls.Config{
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
		RootCAs:            c.RootCAs,
		Certificates:       c.Certificates,
		MinVersion:         c.MinVersion,
		MaxVersion:         c.MaxVersion,
		CipherSuites:       c.CipherSuites,
		NextProtos:         c.NextProtos,
	}
}

// SecureDefaults returns a Config requiring TLS 1.2+, strong ciphers
// only, with perfect forward secrecy.
func SecureDefaults() *Config {
	return NewConfig()
}

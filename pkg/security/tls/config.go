package tls

import (
	"crypto/tls"
	"fmt"
	"sort"

	"carapaceproxy/carapace/pkg/config"
)

// ServerConfig returns the tls.Config of one listener. Certificates are
// resolved per handshake from store, so a reload applies to new
// connections while established ones keep the certificate they got.
func ServerConfig(store *Store, listener config.ListenerConfig) (*tls.Config, error) {
	minVersion, err := ParseVersion(listener.MinTLSVersion)
	if err != nil {
		return nil, err
	}
	suites, err := ParseCipherSuites(listener.CipherSuites)
	if err != nil {
		return nil, err
	}

	// #nosec G402 - MinVersion is validated; TLS 1.0/1.1 are rejected
	return &tls.Config{
		MinVersion:     minVersion,
		CipherSuites:   suites,
		NextProtos:     []string{"http/1.1"},
		GetCertificate: store.GetCertificateFunc(listener.DefaultCertificate),
	}, nil
}

// ParseVersion converts "1.2" or "1.3" to a tls version constant. Empty
// means TLS 1.2.
func ParseVersion(v string) (uint16, error) {
	switch v {
	case "1.2", "":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q (want 1.2 or 1.3)", v)
	}
}

// ParseCipherSuites converts cipher suite names to IDs. No names means Go's
// defaults.
func ParseCipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	suites := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := cipherSuiteMap[name]
		if !ok {
			return nil, fmt.Errorf("unknown or insecure cipher suite %q", name)
		}
		suites = append(suites, id)
	}
	return suites, nil
}

// CipherSuiteNames lists the accepted cipher suite names.
func CipherSuiteNames() []string {
	names := make([]string, 0, len(cipherSuiteMap))
	for name := range cipherSuiteMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// cipherSuiteMap maps cipher suite names to their tls package constants.
// Only secure cipher suites are included. TLS 1.3 suites are not
// configurable in Go and are therefore absent.
var cipherSuiteMap = map[string]uint16{
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384": tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305":    tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305":  tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

package tls

import (
	"crypto/tls"
	"testing"

	"carapaceproxy/carapace/pkg/config"
)

func BenchmarkGetCertificateFunc(b *testing.B) {
	dir := b.TempDir()
	var defs []config.CertificateConfig
	for _, host := range []string{"www.example.com", "*.example.com", "*"} {
		certFile, keyFile := writeValidCert(b, dir, "c"+string(rune('a'+len(defs))), "bench")
		defs = append(defs, config.CertificateConfig{Hostname: host, CertFile: certFile, KeyFile: keyFile})
	}
	store, err := NewStore(config.CertificatesConfig{Entries: defs})
	if err != nil {
		b.Fatal(err)
	}
	get := store.GetCertificateFunc("*")

	hellos := []*tls.ClientHelloInfo{
		{ServerName: "www.example.com"},
		{ServerName: "api.example.com"},
		{ServerName: "other.org"},
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := get(hellos[i%len(hellos)]); err != nil {
			b.Fatal(err)
		}
	}
}

package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// expiryWarningWindow is how close to expiry a loaded certificate is logged
// as a warning.
const expiryWarningWindow = 30 * 24 * time.Hour

// leaf parses the first certificate of the chain and checks its validity
// period against now.
func leaf(cert *tls.Certificate, now time.Time) (*x509.Certificate, error) {
	if cert == nil {
		return nil, errors.New("certificate is nil")
	}
	if len(cert.Certificate) == 0 {
		return nil, errors.New("certificate chain is empty")
	}

	x509Cert := cert.Leaf
	if x509Cert == nil {
		var err error
		x509Cert, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
	}

	if now.Before(x509Cert.NotBefore) {
		return nil, fmt.Errorf("certificate is not yet valid (valid from %s)", x509Cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(x509Cert.NotAfter) {
		return nil, fmt.Errorf("certificate expired on %s", x509Cert.NotAfter.Format(time.RFC3339))
	}
	return x509Cert, nil
}

// CertificateInfo describes a loaded certificate for status output.
type CertificateInfo struct {
	Hostname     string    `json:"hostname"`
	CertFile     string    `json:"cert_file"`
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serial_number"`
	DNSNames     []string  `json:"dns_names,omitempty"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	LoadedAt     time.Time `json:"loaded_at"`
	// ExpiresInDays is negative once the certificate has expired.
	ExpiresInDays int    `json:"expires_in_days"`
	Error         string `json:"error,omitempty"`
}

func describe(hostname, certFile string, cert *x509.Certificate, loadedAt, now time.Time) CertificateInfo {
	return CertificateInfo{
		Hostname:      hostname,
		CertFile:      certFile,
		Subject:       cert.Subject.String(),
		Issuer:        cert.Issuer.String(),
		SerialNumber:  fmt.Sprintf("%x", cert.SerialNumber),
		DNSNames:      cert.DNSNames,
		NotBefore:     cert.NotBefore,
		NotAfter:      cert.NotAfter,
		LoadedAt:      loadedAt,
		ExpiresInDays: int(cert.NotAfter.Sub(now).Hours() / 24),
	}
}

package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"carapaceproxy/carapace/pkg/config"
)

// DefaultHostname is the entry served when no other entry matches.
const DefaultHostname = "*"

// ErrNoCertificate is returned when no entry matches a hostname and no
// default entry is configured.
var ErrNoCertificate = errors.New("no certificate for hostname")

// entry is one loaded hostname certificate.
type entry struct {
	hostname string
	certFile string
	keyFile  string
	cert     *tls.Certificate
	info     CertificateInfo
	certTime time.Time
	keyTime  time.Time
}

// Store holds per-hostname certificates and swaps them without touching
// established connections: a handshake reads the snapshot current at that
// moment.
type Store struct {
	entries atomic.Pointer[map[string]*entry]

	// mu serializes reloads and updates.
	mu       sync.Mutex
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewStore loads every configured certificate. Any load failure is
// returned and no store is built.
func NewStore(cfg config.CertificatesConfig) (*Store, error) {
	s := &Store{
		interval: cfg.ReloadInterval,
		now:      time.Now,
		logger:   slog.Default().With("component", "tls.store"),
	}
	if err := s.Update(cfg.Entries); err != nil {
		return nil, err
	}
	return s, nil
}

// Update replaces the certificate set. Entries whose files did not change
// keep their loaded certificate. On error the current set stays in place.
func (s *Store) Update(defs []config.CertificateConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.snapshot()
	next := make(map[string]*entry, len(defs))
	for _, def := range defs {
		host := normalizeHostname(def.Hostname)
		if old, ok := current[host]; ok && old.certFile == def.CertFile && old.keyFile == def.KeyFile && !s.changed(old) {
			next[host] = old
			continue
		}
		e, err := s.load(host, def.CertFile, def.KeyFile)
		if err != nil {
			return err
		}
		next[host] = e
	}
	s.entries.Store(&next)
	return nil
}

// GetCertificateFor returns the certificate for hostname: the exact entry,
// then the "*.parent" wildcard entry, then the "*" default entry.
func (s *Store) GetCertificateFor(hostname string) (*tls.Certificate, error) {
	entries := s.snapshot()
	if e := lookup(entries, hostname); e != nil {
		return e.cert, nil
	}
	if e, ok := entries[DefaultHostname]; ok {
		return e.cert, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoCertificate, hostname)
}

// GetCertificateFunc returns a tls.Config.GetCertificate callback. A
// handshake without SNI, or whose name matches nothing, is served the
// fallback entry, then the "*" entry.
func (s *Store) GetCertificateFunc(fallback string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		entries := s.snapshot()
		if hello.ServerName != "" {
			if e := lookup(entries, hello.ServerName); e != nil {
				return e.cert, nil
			}
		}
		if fallback != "" {
			if e, ok := entries[normalizeHostname(fallback)]; ok {
				return e.cert, nil
			}
		}
		if e, ok := entries[DefaultHostname]; ok {
			return e.cert, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrNoCertificate, hello.ServerName)
	}
}

// Certificates describes every loaded certificate, ordered by hostname.
func (s *Store) Certificates() []CertificateInfo {
	entries := s.snapshot()
	out := make([]CertificateInfo, 0, len(entries))
	now := s.now()
	for _, e := range entries {
		info := e.info
		info.ExpiresInDays = int(info.NotAfter.Sub(now).Hours() / 24)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

// Start checks the certificate files every reload interval until ctx ends,
// reloading the entries whose files changed.
func (s *Store) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	go s.reloadLoop(ctx)
}

func (s *Store) reloadLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Reload()
		case <-ctx.Done():
			return
		}
	}
}

// Reload reloads the entries whose certificate or key file changed since
// they were loaded and returns how many were swapped. An entry that fails
// to load keeps its previous certificate.
func (s *Store) Reload() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.snapshot()
	next := make(map[string]*entry, len(current))
	reloaded := 0
	for host, old := range current {
		next[host] = old
		if !s.changed(old) {
			continue
		}
		e, err := s.load(host, old.certFile, old.keyFile)
		if err != nil {
			s.logger.Error("failed to reload certificate",
				"hostname", host,
				"cert_file", old.certFile,
				"error", err,
			)
			continue
		}
		next[host] = e
		reloaded++
		s.logger.Info("certificate reloaded", "hostname", host, "cert_file", old.certFile)
	}
	if reloaded > 0 {
		s.entries.Store(&next)
	}
	return reloaded
}

func (s *Store) snapshot() map[string]*entry {
	if p := s.entries.Load(); p != nil {
		return *p
	}
	return nil
}

// changed reports whether the files of e were modified after it was loaded.
// A file that cannot be read does not count as changed.
func (s *Store) changed(e *entry) bool {
	certInfo, err := os.Stat(e.certFile)
	if err != nil {
		return false
	}
	keyInfo, err := os.Stat(e.keyFile)
	if err != nil {
		return false
	}
	return certInfo.ModTime().After(e.certTime) || keyInfo.ModTime().After(e.keyTime)
}

func (s *Store) load(hostname, certFile, keyFile string) (*entry, error) {
	certInfo, err := os.Stat(certFile)
	if err != nil {
		return nil, fmt.Errorf("certificate %s: %w", hostname, err)
	}
	keyInfo, err := os.Stat(keyFile)
	if err != nil {
		return nil, fmt.Errorf("certificate %s: %w", hostname, err)
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("certificate %s: %w", hostname, err)
	}
	now := s.now()
	x509Cert, err := leaf(&cert, now)
	if err != nil {
		return nil, fmt.Errorf("certificate %s: %w", hostname, err)
	}
	cert.Leaf = x509Cert

	info := describe(hostname, certFile, x509Cert, now, now)
	if x509Cert.NotAfter.Sub(now) < expiryWarningWindow {
		s.logger.Warn("certificate expires soon",
			"hostname", hostname,
			"not_after", x509Cert.NotAfter,
			"days_remaining", info.ExpiresInDays,
		)
	} else {
		s.logger.Debug("certificate loaded",
			"hostname", hostname,
			"subject", info.Subject,
			"not_after", x509Cert.NotAfter,
		)
	}

	return &entry{
		hostname: hostname,
		certFile: certFile,
		keyFile:  keyFile,
		cert:     &cert,
		info:     info,
		certTime: certInfo.ModTime(),
		keyTime:  keyInfo.ModTime(),
	}, nil
}

// lookup finds the exact or wildcard entry of name. The wildcard covers a
// single label: "*.example.com" matches "a.example.com", not
// "a.b.example.com".
func lookup(entries map[string]*entry, name string) *entry {
	host := normalizeHostname(name)
	if host == "" {
		return nil
	}
	if e, ok := entries[host]; ok {
		return e
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		if e, ok := entries["*"+host[i:]]; ok {
			return e
		}
	}
	return nil
}

func normalizeHostname(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

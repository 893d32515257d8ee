package logging

import (
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
)

const redacted = "***"

// defaultSensitiveHeaders are masked in every header dump.
var defaultSensitiveHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"Cookie",
	"Set-Cookie",
	"X-Api-Key",
}

// sensitiveKeys are log attribute key fragments whose values are masked.
var sensitiveKeys = []string{
	"password", "passwd", "secret", "token", "authorization", "cookie", "api_key", "private_key",
}

var (
	bearerPattern   = regexp.MustCompile(`(?i)(bearer|basic)\s+[a-zA-Z0-9\-._~+/]+=*`)
	userinfoPattern = regexp.MustCompile(`(://)[^/@\s]+@`)
)

// Redactor masks credentials in headers and log attributes.
type Redactor struct {
	headers map[string]bool
}

// NewRedactor returns a redactor masking the default sensitive headers plus
// extra.
func NewRedactor(extra []string) *Redactor {
	r := &Redactor{headers: make(map[string]bool)}
	for _, h := range defaultSensitiveHeaders {
		r.headers[http.CanonicalHeaderKey(h)] = true
	}
	for _, h := range extra {
		r.headers[http.CanonicalHeaderKey(h)] = true
	}
	return r
}

var defaultRedactor atomic.Pointer[Redactor]

func init() {
	defaultRedactor.Store(NewRedactor(nil))
}

// SetDefaultRedactor replaces the redactor used by RedactHeaders.
func SetDefaultRedactor(r *Redactor) {
	if r != nil {
		defaultRedactor.Store(r)
	}
}

// RedactHeaders flattens h for logging with the default redactor.
func RedactHeaders(h http.Header) map[string]string {
	return defaultRedactor.Load().Headers(h)
}

// Headers flattens h into a map suitable for a log attribute, joining
// repeated values with ", " and masking sensitive headers.
func (r *Redactor) Headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		key := http.CanonicalHeaderKey(name)
		if r.headers[key] {
			out[key] = redacted
			continue
		}
		out[key] = r.String(strings.Join(values, ", "))
	}
	return out
}

// SensitiveHeaders lists the masked header names in canonical form.
func (r *Redactor) SensitiveHeaders() []string {
	names := make([]string, 0, len(r.headers))
	for name := range r.headers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String masks credentials embedded in s: authorization schemes and URL
// userinfo.
func (r *Redactor) String(s string) string {
	if s == "" {
		return s
	}
	s = bearerPattern.ReplaceAllString(s, "$1 "+redacted)
	return userinfoPattern.ReplaceAllString(s, "${1}"+redacted+"@")
}

// RedactAttr masks a whole attribute when its key is sensitive and
// credentials inside string values otherwise. Groups are walked.
func (r *Redactor) RedactAttr(a slog.Attr) slog.Attr {
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	switch a.Value.Kind() {
	case slog.KindString:
		if s := a.Value.String(); s != "" {
			if masked := r.String(s); masked != s {
				return slog.String(a.Key, masked)
			}
		}
	case slog.KindGroup:
		group := a.Value.Group()
		out := make([]slog.Attr, len(group))
		for i, ga := range group {
			out[i] = r.RedactAttr(ga)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}
	return a
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

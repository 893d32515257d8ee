package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	wrapped := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		header     string
		wantHeader string
		wantUUID   bool
	}{
		{name: "generates uuid when absent", wantUUID: true},
		{name: "keeps client id", header: "custom-request-id-12345", wantHeader: "custom-request-id-12345"},
		{name: "replaces oversized id", header: strings.Repeat("x", maxRequestIDLength+1), wantUUID: true},
		{name: "replaces id with spaces", header: "two words", wantUUID: true},
		{name: "replaces non-ascii id", header: "id-\u00e9", wantUUID: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set(RequestIDHeader, tt.header)
			}
			w := httptest.NewRecorder()

			wrapped.ServeHTTP(w, req)

			got := w.Header().Get(RequestIDHeader)
			if got != seen {
				t.Errorf("response header %q differs from context id %q", got, seen)
			}
			if tt.wantUUID {
				if _, err := uuid.Parse(got); err != nil {
					t.Errorf("request id %q is not a uuid: %v", got, err)
				}
			} else if got != tt.wantHeader {
				t.Errorf("request id = %q, want %q", got, tt.wantHeader)
			}
		})
	}

	t.Run("ids are unique", func(t *testing.T) {
		ids := make(map[string]bool)
		for i := 0; i < 100; i++ {
			w := httptest.NewRecorder()
			wrapped.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
			id := w.Header().Get(RequestIDHeader)
			if ids[id] {
				t.Fatalf("duplicate request id %s", id)
			}
			ids[id] = true
		}
	})
}

func TestGetRequestID_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if id := GetRequestID(req.Context()); id != "" {
		t.Errorf("GetRequestID() = %q, want empty", id)
	}
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"carapaceproxy/carapace/pkg/cli"
)

const validConfig = `
backends:
  - id: a
    host: 127.0.0.1
    port: 8080
directors:
  - id: api
    backends: [a]
routes:
  - id: api
    path: /api/*
    director: api
  - id: fallback
    path: /
    action: static
    static_status: 404
`

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runValidate(t *testing.T, path string, print bool) (string, error) {
	t.Helper()
	origFile, origPrint := cfgFile, validateFlags.print
	t.Cleanup(func() { cfgFile, validateFlags.print = origFile, origPrint })
	cfgFile, validateFlags.print = path, print

	var out bytes.Buffer
	validateCmd.SetOut(&out)
	t.Cleanup(func() { validateCmd.SetOut(nil) })
	err := validateConfig(validateCmd, nil)
	return out.String(), err
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		missing  bool
		print    bool
		wantCode int
		want     []string
	}{
		{
			name:     "valid",
			doc:      validConfig,
			wantCode: cli.ExitOK,
			want:     []string{"✓ Configuration valid", "backends: 1", "routes: 2", "strategy: round-robin"},
		},
		{
			name:     "print effective config",
			doc:      validConfig,
			print:    true,
			wantCode: cli.ExitOK,
			want:     []string{"strategy: round-robin", "director: api"},
		},
		{
			name:     "unknown director",
			doc:      strings.Replace(validConfig, "director: api", "director: missing", 1),
			wantCode: cli.ExitConfig,
			want:     []string{`✗ routes[0].director: unknown director "missing"`},
		},
		{
			name:     "missing file",
			missing:  true,
			wantCode: cli.ExitConfig,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "absent.yaml")
			if !tt.missing {
				path = writeConfig(t, tt.doc)
			}
			out, err := runValidate(t, path, tt.print)
			if got := cli.ExitCode(err); got != tt.wantCode {
				t.Fatalf("exit code = %d, want %d (err = %v)", got, tt.wantCode, err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
		})
	}
}

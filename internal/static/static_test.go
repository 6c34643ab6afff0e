package static

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"risk-gateway/internal/config"
	"risk-gateway/internal/metrics"
)

const entryHTML = "<!doctype html><div id=root></div>"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildDir lays out a minimal production build.
func buildDir(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"index.html":              entryHTML,
		"favicon.ico":             "icon",
		"static/js/main.abc.js":   "console.log(1)",
		"static/css/main.abc.css": "body{}",
	}
	for name, data := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func newServer(t *testing.T, root string, m *metrics.Metrics) *Server {
	t.Helper()
	cfg := &config.Config{Static: config.StaticConfig{
		Root:         root,
		Entry:        "index.html",
		CacheControl: "public, max-age=31536000",
	}}
	s, err := New(cfg, discardLogger(), m)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestNew_Validation(t *testing.T) {
	root := buildDir(t)
	file := filepath.Join(root, "favicon.ico")

	tests := []struct {
		name  string
		root  string
		entry string
	}{
		{"missing root", filepath.Join(root, "nope"), "index.html"},
		{"root is file", file, "index.html"},
		{"missing entry", root, "app.html"},
		{"entry is directory", root, "static"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Static: config.StaticConfig{Root: tt.root, Entry: tt.entry}}
			if _, err := New(cfg, discardLogger(), nil); err == nil {
				t.Error("New() expected error, got nil")
			}
		})
	}
}

func TestServeHTTP(t *testing.T) {
	m := metrics.New()
	s := newServer(t, buildDir(t), m)

	tests := []struct {
		name        string
		path        string
		wantStatus  int
		wantBody    string
		wantType    string
		wantCache   string
		wantOutcome string
	}{
		{"existing asset", "/static/js/main.abc.js", 200, "console.log(1)", "", "public, max-age=31536000", OutcomeFile},
		{"css asset", "/static/css/main.abc.css", 200, "body{}", "text/css", "public, max-age=31536000", OutcomeFile},
		{"root serves entry", "/", 200, entryHTML, "text/html", "no-cache", OutcomeEntry},
		{"client route serves entry", "/dashboard", 200, entryHTML, "text/html", "no-cache", OutcomeEntry},
		{"nested client route", "/reports/2024/q1", 200, entryHTML, "text/html", "no-cache", OutcomeEntry},
		{"directory serves entry", "/static", 200, entryHTML, "text/html", "no-cache", OutcomeEntry},
		{"missing asset is 404", "/static/js/missing.js", 404, "", "", "", OutcomeNotFound},
		{"missing robots is 404", "/robots.txt", 404, "", "", "", OutcomeNotFound},
		{"entry by name is not cached", "/index.html", 200, entryHTML, "text/html", "no-cache", OutcomeFile},
		{"favicon", "/favicon.ico", 200, "icon", "", "public, max-age=31536000", OutcomeFile},
		{"traversal stays in root", "/../../etc/passwd", 200, entryHTML, "text/html", "no-cache", OutcomeEntry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(m.StaticServed.WithLabelValues(tt.wantOutcome))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.URL.Path = tt.path
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if tt.wantType != "" && !strings.HasPrefix(rec.Header().Get("Content-Type"), tt.wantType) {
				t.Errorf("Content-Type = %q, want prefix %q", rec.Header().Get("Content-Type"), tt.wantType)
			}
			if rec.Header().Get("Cache-Control") != tt.wantCache {
				t.Errorf("Cache-Control = %q, want %q", rec.Header().Get("Cache-Control"), tt.wantCache)
			}

			after := testutil.ToFloat64(m.StaticServed.WithLabelValues(tt.wantOutcome))
			if after != before+1 {
				t.Errorf("outcome %q count = %v, want %v", tt.wantOutcome, after, before+1)
			}
		})
	}
}

func TestServeHTTP_Head(t *testing.T) {
	s := newServer(t, buildDir(t), nil)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/settings", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD body length = %d, want 0", rec.Body.Len())
	}
}

func TestServeHTTP_ConditionalGet(t *testing.T) {
	s := newServer(t, buildDir(t), nil)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/css/main.abc.css", nil))
	lastModified := rec.Header().Get("Last-Modified")
	if lastModified == "" {
		t.Fatal("Last-Modified not set")
	}

	req := httptest.NewRequest(http.MethodGet, "/static/css/main.abc.css", nil)
	req.Header.Set("If-Modified-Since", lastModified)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotModified {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotModified)
	}
}

func TestServeHTTP_UnreadableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("file permissions are not enforced for root")
	}
	root := buildDir(t)
	for _, name := range []string{"secret.js", "locked"} {
		p := filepath.Join(root, name)
		if err := os.WriteFile(p, []byte("x"), 0o000); err != nil {
			t.Fatal(err)
		}
	}
	s := newServer(t, root, nil)

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/secret.js", http.StatusNotFound, ""},
		{"/locked", http.StatusOK, entryHTML},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

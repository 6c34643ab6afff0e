// Package static serves the single-page application build directory. Paths
// that name an existing file are served as-is; other extension-less paths get
// the entry document so the client-side router can resolve them.
package static

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"risk-gateway/internal/config"
	"risk-gateway/internal/metrics"
)

// Outcomes recorded for each served request.
const (
	OutcomeFile     = "file"
	OutcomeEntry    = "entry"
	OutcomeNotFound = "not_found"
)

// Server serves files under a root directory with an SPA entry fallback.
type Server struct {
	root         string
	entry        string
	cacheControl string
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// New creates a Server. The root must be an existing directory containing the
// entry document. m may be nil.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Server, error) {
	root, err := filepath.Abs(cfg.Static.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve static root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("static root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("static root %q is not a directory", root)
	}

	entry := filepath.Join(root, cfg.Static.Entry)
	info, err = os.Stat(entry)
	if err != nil {
		return nil, fmt.Errorf("static entry %q: %w", entry, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("static entry %q is not a regular file", entry)
	}

	return &Server{
		root:         root,
		entry:        entry,
		cacheControl: cfg.Static.CacheControl,
		metrics:      m,
		logger:       logger.With("component", "static"),
	}, nil
}

// ServeHTTP serves the file named by the request path, or the entry document
// when the path has no extension and names no file.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	urlPath := r.URL.Path
	if !strings.HasPrefix(urlPath, "/") {
		urlPath = "/" + urlPath
	}
	// Cleaning a rooted path removes every ".." so the join stays under root.
	clean := path.Clean(urlPath)
	full := filepath.Join(s.root, filepath.FromSlash(clean))

	if info, err := os.Stat(full); err == nil && info.Mode().IsRegular() {
		cacheControl := s.cacheControl
		if full == s.entry {
			cacheControl = "no-cache"
		}
		if s.serveFile(w, r, full, cacheControl) {
			s.record(OutcomeFile)
			return
		}
	}

	if path.Ext(clean) != "" {
		s.record(OutcomeNotFound)
		http.NotFound(w, r)
		return
	}

	if !s.serveFile(w, r, s.entry, "no-cache") {
		s.logger.Error("entry document unreadable", "path", s.entry)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.record(OutcomeEntry)
}

// serveFile writes the file at name and reports whether it could be opened.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, name, cacheControl string) bool {
	f, err := os.Open(name)
	if err != nil {
		s.logger.Warn("open static file", "path", name, "error", err)
		return false
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		s.logger.Warn("stat static file", "path", name, "error", err)
		return false
	}

	if cacheControl != "" {
		w.Header().Set("Cache-Control", cacheControl)
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return true
}

func (s *Server) record(outcome string) {
	if s.metrics != nil {
		s.metrics.StaticServed.WithLabelValues(outcome).Inc()
	}
}

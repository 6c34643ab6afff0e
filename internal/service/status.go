package service

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"risk-gateway/internal/config"
)

// Probe states reported by /proxy/status.
const (
	StateOnline  = "online"
	StateWarning = "warning"
	StateOffline = "offline"
)

// Probe is the result of checking one endpoint.
type Probe struct {
	Name           string `json:"name"`
	URL            string `json:"url"`
	State          string `json:"status"`
	StatusCode     int    `json:"status_code,omitempty"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}

type target struct {
	name string
	url  string
}

// StatusService checks the upstream health endpoint and any additional
// configured services.
type StatusService struct {
	targets    []target
	httpClient *http.Client
	logger     *slog.Logger
}

// NewStatusService creates a StatusService from the [status] section.
func NewStatusService(cfg *config.Config, logger *slog.Logger) *StatusService {
	health := cfg.Upstream.BaseURL()
	health.Path = cfg.Status.HealthPath

	targets := []target{{name: "upstream", url: health.String()}}
	for _, svc := range cfg.Status.Services {
		targets = append(targets, target{name: svc.Name, url: svc.URL})
	}

	return &StatusService{
		targets: targets,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Status.TimeoutSeconds) * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger.With("component", "status_service"),
	}
}

// Check probes every target concurrently and returns results in
// configuration order. A failing probe never fails the whole check.
func (s *StatusService) Check(ctx context.Context) []Probe {
	results := make([]Probe, len(s.targets))

	var g errgroup.Group
	for i, t := range s.targets {
		g.Go(func() error {
			results[i] = s.probe(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (s *StatusService) probe(ctx context.Context, t target) Probe {
	p := Probe{Name: t.name, URL: t.url}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.url, http.NoBody)
	if err != nil {
		p.State = StateOffline
		p.Error = err.Error()
		return p
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	p.ResponseTimeMS = time.Since(start).Milliseconds()
	if err != nil {
		s.logger.Debug("probe failed", "name", t.name, "url", t.url, "error", err)
		p.State = StateOffline
		p.Error = err.Error()
		return p
	}
	_ = resp.Body.Close()

	p.StatusCode = resp.StatusCode
	if resp.StatusCode < 400 {
		p.State = StateOnline
	} else {
		p.State = StateWarning
	}
	return p
}

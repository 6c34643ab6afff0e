// Package service implements the core forwarding logic.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"risk-gateway/internal/client"
	"risk-gateway/internal/config"
	"risk-gateway/internal/headers"
	"risk-gateway/internal/model"
	"risk-gateway/internal/rewrite"
)

// ErrBodyTooLarge is returned when a request body exceeds server.body_max_bytes.
var ErrBodyTooLarge = errors.New("request body too large")

// ProxyService turns a matched inbound request into exactly one upstream
// dispatch.
type ProxyService struct {
	client    *client.UpstreamClient
	rule      rewrite.Rule
	maxBody   int64
	observers []Observer
	logger    *slog.Logger
}

// NewProxyService creates a ProxyService. Observers are notified in order.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, observers []Observer) *ProxyService {
	return &ProxyService{
		client:    c,
		rule:      cfg.Proxy.Rule(),
		maxBody:   cfg.Server.BodyMaxBytes,
		observers: observers,
		logger:    logger.With("component", "proxy_service"),
	}
}

// Forward rewrites and sanitizes pr, dispatches it upstream once and returns
// the response as soon as its headers are available. The caller is
// responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	body, length, err := s.requestBody(pr)
	if err != nil {
		return nil, err
	}

	out := &model.OutboundRequest{
		Method:        pr.Method,
		InboundPath:   pr.Path,
		Path:          s.rule.Rewrite(pr.Path),
		RawPath:       s.rewriteRaw(pr.RawPath),
		RawQuery:      pr.RawQuery,
		Header:        headers.Sanitize(pr.Header),
		Body:          body,
		ContentLength: length,
		Started:       time.Now(),
	}

	for _, o := range s.observers {
		o.BeforeDispatch(out)
	}

	resp, err := s.client.Dispatch(pr.Ctx, out)
	if err != nil {
		for _, o := range s.observers {
			o.OnError(out, err)
		}
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = headers.Response(resp.Header)
	for _, o := range s.observers {
		o.AfterResponseHeaders(out, resp)
	}
	return resp, nil
}

// rewriteRaw applies the rule to the encoded path so escapes such as %2F
// reach the upstream unchanged. The URL encoder falls back to Path when the
// result no longer matches it.
func (s *ProxyService) rewriteRaw(rawPath string) string {
	if rawPath == "" {
		return ""
	}
	return s.rule.Rewrite(rawPath)
}

// requestBody returns the body to send upstream and its exact length.
// A body of known length is streamed as is; an unknown length is buffered up
// to the configured maximum so the upstream always sees Content-Length.
func (s *ProxyService) requestBody(pr *model.ProxyRequest) (io.Reader, int64, error) {
	if pr.Body == nil || pr.Body == http.NoBody || pr.ContentLength == 0 {
		return nil, 0, nil
	}

	if pr.ContentLength > 0 {
		if s.maxBody > 0 && pr.ContentLength > s.maxBody {
			return nil, 0, ErrBodyTooLarge
		}
		return pr.Body, pr.ContentLength, nil
	}

	r := io.Reader(pr.Body)
	if s.maxBody > 0 {
		r = io.LimitReader(pr.Body, s.maxBody+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("read request body: %w", err)
	}
	if s.maxBody > 0 && int64(len(data)) > s.maxBody {
		return nil, 0, ErrBodyTooLarge
	}
	s.logger.Debug("buffered request body", "path", pr.Path, "bytes", len(data))
	return bytes.NewReader(data), int64(len(data)), nil
}

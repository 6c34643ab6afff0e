// Package client provides the HTTP client that dispatches forwarded requests
// to the upstream service.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"risk-gateway/internal/config"
	"risk-gateway/internal/model"
)

// ErrIdleTimeout is returned from a response body Read when the upstream sent
// nothing for longer than the configured idle timeout.
var ErrIdleTimeout = errors.New("upstream idle timeout")

// Kind classifies why a dispatch failed.
type Kind int

const (
	KindFailed Kind = iota
	KindUnreachable
	KindRefused
	KindTimeout
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindRefused:
		return "refused"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "failed"
	}
}

// DispatchError is returned when the upstream could not produce a response.
type DispatchError struct {
	Kind Kind
	Err  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Timeout reports whether the upstream failed to answer in time.
func (e *DispatchError) Timeout() bool { return e.Kind == KindTimeout }

// UpstreamClient sends outbound requests to the configured upstream origin.
type UpstreamClient struct {
	cfg         *config.UpstreamConfig
	httpClient  *http.Client
	idleTimeout time.Duration
	logger      *slog.Logger
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and
// timeouts. There is no overall request deadline: a response body may stream
// for as long as the upstream keeps sending data.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger) *UpstreamClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.ResponseHeaderTimeoutSeconds) * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   time.Duration(cfg.Upstream.ConnectTimeoutSeconds) * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		cfg: &cfg.Upstream,
		httpClient: &http.Client{
			Transport: transport,
			// Redirects are relayed to the caller untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		idleTimeout: time.Duration(cfg.Upstream.IdleTimeoutSeconds) * time.Second,
		logger:      logger.With("component", "upstream_client"),
	}
}

// Dispatch sends out to the upstream and returns the response once headers
// arrive. The caller must close the response body. ctx bounds the whole
// exchange, including the body stream: canceling it aborts the upstream
// request.
func (c *UpstreamClient) Dispatch(ctx context.Context, out *model.OutboundRequest) (*model.ProxyResponse, error) {
	target := c.cfg.BaseURL()
	target.Path = out.Path
	target.RawPath = out.RawPath
	target.RawQuery = out.RawQuery

	ctx, cancel := context.WithCancelCause(ctx)

	body := out.Body
	if out.ContentLength == 0 {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, out.Method, target.String(), body)
	if err != nil {
		cancel(nil)
		return nil, &DispatchError{Kind: KindFailed, Err: fmt.Errorf("build upstream request: %w", err)}
	}
	req.Header = out.Header
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.ContentLength = out.ContentLength

	c.logger.Debug("upstream request",
		"method", out.Method,
		"url", target.String(),
		"content_length", out.ContentLength,
	)

	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	if err != nil {
		cancel(nil)
		return nil, classify(err)
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       newIdleReader(ctx, resp.Body, c.idleTimeout, cancel),
	}, nil
}

func classify(err error) *DispatchError {
	var (
		dnsErr *net.DNSError
		netErr net.Error
	)
	switch {
	case errors.Is(err, context.Canceled):
		return &DispatchError{Kind: KindCanceled, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &DispatchError{Kind: KindTimeout, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &DispatchError{Kind: KindTimeout, Err: err}
	case errors.As(err, &dnsErr):
		return &DispatchError{Kind: KindUnreachable, Err: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &DispatchError{Kind: KindRefused, Err: err}
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return &DispatchError{Kind: KindUnreachable, Err: err}
	default:
		return &DispatchError{Kind: KindFailed, Err: err}
	}
}

// idleReader cancels the upstream request when a single Read waits longer
// than the idle timeout. The timer runs only while a Read is in flight, so a
// slow caller holding up the relay between reads does not count as upstream
// idleness.
type idleReader struct {
	ctx     context.Context
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelCauseFunc
	once    sync.Once
}

func newIdleReader(ctx context.Context, rc io.ReadCloser, timeout time.Duration, cancel context.CancelCauseFunc) *idleReader {
	r := &idleReader{ctx: ctx, rc: rc, timeout: timeout, cancel: cancel}
	if timeout > 0 {
		r.timer = time.AfterFunc(timeout, func() { cancel(ErrIdleTimeout) })
		r.timer.Stop()
	}
	return r
}

func (r *idleReader) Read(p []byte) (int, error) {
	if r.timer != nil {
		r.timer.Reset(r.timeout)
	}
	n, err := r.rc.Read(p)
	if r.timer != nil {
		r.timer.Stop()
	}
	if err != nil && err != io.EOF && errors.Is(context.Cause(r.ctx), ErrIdleTimeout) {
		return n, ErrIdleTimeout
	}
	return n, err
}

func (r *idleReader) Close() error {
	err := r.rc.Close()
	r.once.Do(func() {
		if r.timer != nil {
			r.timer.Stop()
		}
		r.cancel(nil)
	})
	return err
}

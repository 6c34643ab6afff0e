package service

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"risk-gateway/internal/client"
	"risk-gateway/internal/metrics"
	"risk-gateway/internal/model"
)

// Observer is notified at the stages of a forwarded request. Calls happen on
// the request goroutine; implementations must not block.
type Observer interface {
	BeforeDispatch(out *model.OutboundRequest)
	AfterResponseHeaders(out *model.OutboundRequest, resp *model.ProxyResponse)
	OnError(out *model.OutboundRequest, err error)
}

// LogObserver logs proxy events at debug level.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a LogObserver.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger.With("component", "proxy")}
}

func (o *LogObserver) BeforeDispatch(out *model.OutboundRequest) {
	o.logger.Debug("proxy request",
		"method", out.Method,
		"path", out.InboundPath,
		"upstream_path", out.Path,
	)
}

func (o *LogObserver) AfterResponseHeaders(out *model.OutboundRequest, resp *model.ProxyResponse) {
	o.logger.Debug("proxy response",
		"method", out.Method,
		"path", out.InboundPath,
		"status", resp.StatusCode,
		"duration_ms", time.Since(out.Started).Milliseconds(),
	)
}

func (o *LogObserver) OnError(out *model.OutboundRequest, err error) {
	o.logger.Debug("proxy error",
		"method", out.Method,
		"path", out.InboundPath,
		"error", err,
	)
}

// MetricsObserver records upstream latency, responses and failures.
type MetricsObserver struct {
	m *metrics.Metrics
}

// NewMetricsObserver creates a MetricsObserver.
func NewMetricsObserver(m *metrics.Metrics) *MetricsObserver {
	return &MetricsObserver{m: m}
}

func (o *MetricsObserver) BeforeDispatch(*model.OutboundRequest) {}

func (o *MetricsObserver) AfterResponseHeaders(out *model.OutboundRequest, resp *model.ProxyResponse) {
	method := metrics.NormalizeMethod(out.Method)
	o.m.UpstreamDuration.WithLabelValues(method).Observe(time.Since(out.Started).Seconds())
	o.m.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
}

func (o *MetricsObserver) OnError(out *model.OutboundRequest, err error) {
	method := metrics.NormalizeMethod(out.Method)
	kind := client.KindFailed
	var de *client.DispatchError
	if errors.As(err, &de) {
		kind = de.Kind
	}
	o.m.UpstreamDuration.WithLabelValues(method).Observe(time.Since(out.Started).Seconds())
	o.m.UpstreamErrors.WithLabelValues(method, kind.String()).Inc()
}

package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"risk-gateway/internal/client"
	"risk-gateway/internal/model"
	"risk-gateway/internal/service"
)

// relayChunkSize is the most the relay reads from the upstream before writing
// and flushing to the caller.
const relayChunkSize = 32 * 1024

// ProxyHandler forwards requests under the proxy prefix to the upstream.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request and streams the upstream response back.
// Nothing is written to the caller until upstream headers have arrived.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.RawPath,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	h.relay(c, resp)
	return nil
}

// relay copies status, headers and body to the caller, flushing after every
// chunk so the caller's read rate throttles the upstream read. If the upstream
// fails after the status line went out, the caller's connection is aborted so
// the truncation is visible instead of looking like a complete response.
func (h *ProxyHandler) relay(c echo.Context, resp *model.ProxyResponse) {
	req := c.Request()
	res := c.Response()

	// Upstream values replace any the middleware chain already set.
	for key, vals := range resp.Header {
		res.Header().Del(key)
		for _, v := range vals {
			res.Header().Add(key, v)
		}
	}
	res.WriteHeader(resp.StatusCode)

	flusher, _ := res.Writer.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, relayChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := res.Write(buf[:n]); err != nil {
				h.logger.Info("client disconnected during relay",
					"method", req.Method,
					"path", req.URL.Path,
					"bytes_out", res.Size,
					"err", err,
				)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			return
		}
		if req.Context().Err() != nil {
			h.logger.Info("client disconnected during relay",
				"method", req.Method,
				"path", req.URL.Path,
				"bytes_out", res.Size,
			)
			return
		}

		h.logger.Error("upstream failed mid-stream",
			"method", req.Method,
			"path", req.URL.Path,
			"bytes_out", res.Size,
			"err", readErr,
		)
		panic(http.ErrAbortHandler)
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	req := c.Request()

	var he *echo.HTTPError
	if errors.Is(err, service.ErrBodyTooLarge) || (errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge) {
		h.logger.Warn("request body too large", "method", req.Method, "path", req.URL.Path)
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{
			"error": "request body too large",
		})
	}
	if he != nil {
		return he
	}

	var de *client.DispatchError
	if !errors.As(err, &de) {
		h.logger.Error("internal error",
			"method", req.Method,
			"path", req.URL.Path,
			"err", err,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "internal error",
		})
	}

	level := slog.LevelError
	if de.Kind == client.KindCanceled {
		level = slog.LevelInfo
	}
	h.logger.Log(req.Context(), level, "proxy error",
		"method", req.Method,
		"path", req.URL.Path,
		"kind", de.Kind.String(),
		"err", err,
	)

	status := http.StatusBadGateway
	if de.Timeout() {
		status = http.StatusGatewayTimeout
	}
	return c.JSON(status, map[string]string{
		"error": "Proxy error: " + describe(de.Kind),
	})
}

func describe(k client.Kind) string {
	switch k {
	case client.KindUnreachable:
		return "upstream host unreachable"
	case client.KindRefused:
		return "upstream connection refused"
	case client.KindTimeout:
		return "upstream request timed out"
	case client.KindCanceled:
		return "request canceled"
	default:
		return "upstream request failed"
	}
}

package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"risk-gateway/internal/client"
	"risk-gateway/internal/config"
	"risk-gateway/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a config whose upstream is rawURL.
func testConfig(t *testing.T, rawURL, mode string) *config.Config {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse %q: %v", rawURL, err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split %q: %v", u.Host, err)
	}
	port, _ := strconv.Atoi(portStr)
	return &config.Config{
		Server: config.ServerConfig{BodyMaxBytes: 1024},
		Upstream: config.UpstreamConfig{
			Scheme:                       "http",
			Host:                         host,
			Port:                         port,
			ConnectTimeoutSeconds:        2,
			ResponseHeaderTimeoutSeconds: 10,
			IdleTimeoutSeconds:           10,
			IdleConnections:              10,
		},
		Proxy: config.ProxyConfig{
			Prefix:        "/api",
			RewriteMode:   mode,
			RewritePrefix: "/api",
		},
	}
}

func newTestService(t *testing.T, rawURL, mode string, observers ...Observer) *ProxyService {
	t.Helper()
	cfg := testConfig(t, rawURL, mode)
	logger := discardLogger()
	return NewProxyService(client.NewUpstreamClient(cfg, logger), cfg, logger, observers)
}

type recordingObserver struct {
	events []string
	err    error
}

func (o *recordingObserver) BeforeDispatch(out *model.OutboundRequest) {
	o.events = append(o.events, "before "+out.Path)
}

func (o *recordingObserver) AfterResponseHeaders(_ *model.OutboundRequest, resp *model.ProxyResponse) {
	o.events = append(o.events, "after "+strconv.Itoa(resp.StatusCode))
}

func (o *recordingObserver) OnError(_ *model.OutboundRequest, err error) {
	o.events = append(o.events, "error")
	o.err = err
}

func TestForward_RewriteModes(t *testing.T) {
	tests := []struct {
		mode string
		path string
		want string
	}{
		{"keep", "/api/risk/score", "/api/risk/score"},
		{"strip", "/api/risk/score", "/risk/score"},
		{"strip", "/api", "/"},
		{"readd", "/api/risk/score", "/api/risk/score"},
	}

	for _, tt := range tests {
		t.Run(tt.mode+" "+tt.path, func(t *testing.T) {
			var gotPath string
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				w.WriteHeader(http.StatusNoContent)
			}))
			defer upstream.Close()

			svc := newTestService(t, upstream.URL, tt.mode)
			resp, err := svc.Forward(&model.ProxyRequest{
				Ctx:    context.Background(),
				Method: http.MethodGet,
				Path:   tt.path,
				Header: http.Header{},
			})
			if err != nil {
				t.Fatalf("Forward() error = %v", err)
			}
			_ = resp.Body.Close()

			if gotPath != tt.want {
				t.Errorf("upstream path = %q, want %q", gotPath, tt.want)
			}
		})
	}
}

func TestForward_HappyPath(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.RawQuery != "q=cve-2024-1234" {
			t.Errorf("query = %q, want %q", r.URL.RawQuery, "q=cve-2024-1234")
		}
		if r.Header.Get("Connection") == "upgrade-me" {
			t.Error("Connection header was forwarded")
		}
		if r.Header.Get("X-Trace") != "abc" {
			t.Errorf("X-Trace = %q, want %q", r.Header.Get("X-Trace"), "abc")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, "keep")
	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   http.MethodGet,
		Path:     "/api/search",
		RawQuery: "q=cve-2024-1234",
		Header: http.Header{
			"Connection": {"upgrade-me"},
			"Host":       {"gateway.local"},
			"X-Trace":    {"abc"},
		},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"result":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"result":"ok"}`)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("upstream hits = %d, want exactly 1", n)
	}
}

func TestForward_UpstreamErrorStatusIsNotAnError(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, "keep")
	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx: context.Background(), Method: http.MethodPost, Path: "/api/x", Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("upstream hits = %d, want exactly 1 (no retries)", n)
	}
}

func TestForward_KnownLengthBody(t *testing.T) {
	var gotBody string
	var gotLength int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody, gotLength = string(b), r.ContentLength
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	payload := `{"username":"analyst"}`
	svc := newTestService(t, upstream.URL, "keep")
	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:           context.Background(),
		Method:        http.MethodPost,
		Path:          "/api/auth/login",
		Header:        http.Header{"Content-Length": {"999"}},
		Body:          io.NopCloser(strings.NewReader(payload)),
		ContentLength: int64(len(payload)),
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if gotBody != payload {
		t.Errorf("upstream body = %q, want %q", gotBody, payload)
	}
	if gotLength != int64(len(payload)) {
		t.Errorf("upstream Content-Length = %d, want %d", gotLength, len(payload))
	}
}

func TestForward_UnknownLengthBodyIsMeasured(t *testing.T) {
	var gotLength int64
	var gotTE []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		gotLength, gotTE = r.ContentLength, r.TransferEncoding
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	payload := strings.Repeat("x", 600)
	svc := newTestService(t, upstream.URL, "keep")
	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:           context.Background(),
		Method:        http.MethodPut,
		Path:          "/api/upload",
		Header:        http.Header{"Transfer-Encoding": {"chunked"}},
		Body:          io.NopCloser(strings.NewReader(payload)),
		ContentLength: -1,
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if gotLength != int64(len(payload)) {
		t.Errorf("upstream Content-Length = %d, want %d", gotLength, len(payload))
	}
	if len(gotTE) != 0 {
		t.Errorf("upstream Transfer-Encoding = %v, want none", gotTE)
	}
}

func TestForward_BodyTooLarge(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, "keep")

	tests := []struct {
		name   string
		length int64
	}{
		{"declared length", 2048},
		{"unknown length", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Forward(&model.ProxyRequest{
				Ctx:           context.Background(),
				Method:        http.MethodPost,
				Path:          "/api/upload",
				Header:        http.Header{},
				Body:          io.NopCloser(strings.NewReader(strings.Repeat("y", 2048))),
				ContentLength: tt.length,
			})
			if !errors.Is(err, ErrBodyTooLarge) {
				t.Errorf("Forward() error = %v, want ErrBodyTooLarge", err)
			}
		})
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("upstream hits = %d, want 0", n)
	}
}

func TestForward_ObserverOrder(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer upstream.Close()

	obs := &recordingObserver{}
	svc := newTestService(t, upstream.URL, "strip", obs)
	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx: context.Background(), Method: http.MethodGet, Path: "/api/users", Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	want := []string{"before /users", "after 202"}
	if strings.Join(obs.events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", obs.events, want)
	}
}

func TestForward_UnreachableUpstream(t *testing.T) {
	obs := &recordingObserver{}
	svc := newTestService(t, "http://127.0.0.1:1", "keep", obs)

	_, err := svc.Forward(&model.ProxyRequest{
		Ctx: context.Background(), Method: http.MethodGet, Path: "/api/users", Header: http.Header{},
	})
	var de *client.DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("Forward() error = %v, want *client.DispatchError", err)
	}

	want := []string{"before /api/users", "error"}
	if strings.Join(obs.events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", obs.events, want)
	}
	if !errors.As(obs.err, &de) {
		t.Errorf("observer error = %v, want *client.DispatchError", obs.err)
	}
}

func TestForward_StripsResponseTransferEncoding(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Set-Cookie", "session=abc")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("a"))
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte("b"))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, "keep")
	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx: context.Background(), Method: http.MethodGet, Path: "/api/x", Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.Header.Get("Transfer-Encoding") != "" {
		t.Errorf("Transfer-Encoding = %q, want empty", resp.Header.Get("Transfer-Encoding"))
	}
	if resp.Header.Get("Set-Cookie") != "session=abc" {
		t.Errorf("Set-Cookie = %q, want relayed", resp.Header.Get("Set-Cookie"))
	}
}

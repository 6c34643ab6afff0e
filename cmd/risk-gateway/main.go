package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"gopkg.in/natefinch/lumberjack.v2"

	"risk-gateway/internal/client"
	"risk-gateway/internal/config"
	"risk-gateway/internal/handler"
	"risk-gateway/internal/metrics"
	"risk-gateway/internal/middleware"
	"risk-gateway/internal/service"
	"risk-gateway/internal/static"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("risk-gateway"),
		kong.Description("Forwards API requests to the risk backend and serves the dashboard build."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newEcho,
			client.NewUpstreamClient,
			fx.Annotate(
				service.NewProxyService,
				fx.ParamTags(``, ``, ``, `group:"observers"`),
			),
			service.NewStatusService,
			static.New,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			asObserver(service.NewLogObserver),
			asObserver(service.NewMetricsObserver),
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

// asObserver registers a constructor's result in the observers group.
func asObserver(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(service.Observer)),
		fx.ResultTags(`group:"observers"`),
	)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var w io.Writer = os.Stdout
	if cfg.Log.File != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress == nil || *cfg.Log.Compress,
		}
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		h = slog.NewJSONHandler(w, opts)
	}

	return slog.New(h)
}

func newMetrics(cfg *config.Config) *metrics.Metrics {
	return metrics.New(cfg.Proxy.Prefix, "/healthz", "/proxy/status", cfg.Metrics.Path)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) so long streamed responses are not cut off.
	// Stalled upstreams are bounded by the upstream idle timeout instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.CORS.Enabled {
		e.Use(middleware.CORS(cfg.Server.CORS))
		logger.Info("CORS enabled", "origins", cfg.Server.CORS.AllowOrigins)
	}

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"upstream", cfg.Upstream.BaseURL().String(),
				"prefix", cfg.Proxy.Prefix,
				"rewrite", cfg.Proxy.Rule().String(),
				"static_root", cfg.Static.Root,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}

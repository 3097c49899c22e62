package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"imagery-gateway/internal/client"
	"imagery-gateway/internal/config"
	"imagery-gateway/internal/cors"
	"imagery-gateway/internal/handler"
	"imagery-gateway/internal/metrics"
	"imagery-gateway/internal/middleware"
	"imagery-gateway/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Values from .env never override the real environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("imagery-gateway"),
		kong.Description("CORS-enabled gateway for an imagery API with binary scene search."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newCORSPolicy,
			client.NewUpstreamClient,
			fx.Annotate(service.NewSearchService, fx.As(new(handler.Searcher))),
			service.NewProxyService,
			handler.NewSceneHandler,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			handler.NewDispatcher,
			fx.Annotate(newEcho, fx.ResultTags(`name:"gateway"`)),
			fx.Annotate(newAdminEcho, fx.ResultTags(`name:"admin"`)),
		),
		fx.Invoke(
			fx.Annotate(handler.RegisterRoutes, fx.ParamTags(`name:"gateway"`)),
			fx.Annotate(handler.RegisterAdminRoutes, fx.ParamTags(`name:"admin"`)),
			warnConfigPermissions,
			startServers,
		),
	).Run()
}

func newCORSPolicy(cfg *config.Config) *cors.Policy {
	return cors.New(cfg.CORS.MaxAgeSeconds)
}

// configureServer applies inbound timeouts to mitigate slow-client attacks.
func configureServer(e *echo.Echo) {
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) so long streamed passthrough responses are
	// not cut off. ReadTimeout, IdleTimeout and the upstream header timeout
	// bound the rest.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, policy *cors.Policy) *echo.Echo {
	e := echo.New()
	configureServer(e)

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger, handler.RouteLabel))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, handler.RouteLabel))
	}
	// Registered ahead of the limits so rejections still carry the CORS set.
	e.Use(policy.Middleware())
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit, logger))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newAdminEcho(logger *slog.Logger) *echo.Echo {
	e := echo.New()
	configureServer(e)

	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger.With("listener", "admin"), nil))

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

type servers struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Logger    *slog.Logger
	Upstream  *client.UpstreamClient
	Gateway   *echo.Echo `name:"gateway"`
	Admin     *echo.Echo `name:"admin"`
}

func startServers(s servers) {
	s.Lifecycle.Append(serveHook(s.Gateway, s.Config.Server.Addr(), s.Logger.With("listener", "gateway")))

	if s.Config.Admin.IsEnabled() {
		s.Lifecycle.Append(serveHook(s.Admin, s.Config.Admin.Addr(), s.Logger.With("listener", "admin")))
	}

	s.Lifecycle.Append(fx.StopHook(s.Upstream.CloseIdleConnections))

	s.Logger.Info("gateway configured",
		"upstream", s.Config.Upstream.BaseURL,
		"timeout_seconds", s.Config.Upstream.TimeoutSeconds,
		"max_page_size", s.Config.Upstream.MaxPageSize,
		"config_file", s.Config.FilePath(),
	)
}

func serveHook(e *echo.Echo, addr string, logger *slog.Logger) fx.Hook {
	return fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	}
}

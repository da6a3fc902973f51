// Package proxy provides the local Runtime API endpoint the application talks
// to: passthrough routes and the validating next-invocation poller.
package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/agentapiary/runtime-api-proxy/internal/metrics"
	"github.com/agentapiary/runtime-api-proxy/internal/observability"
	"github.com/agentapiary/runtime-api-proxy/internal/sandbox"
	"github.com/agentapiary/runtime-api-proxy/pkg/runtimeapi"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// Route names used as metric labels.
const (
	RouteRoot      = "/"
	RouteNext      = "/:apiver/runtime/invocation/next"
	RouteResponse  = "/:apiver/runtime/invocation/:id/response"
	RouteError     = "/:apiver/runtime/invocation/:id/error"
	RouteUnmatched = "unmatched"
)

// Server is the proxy's HTTP surface.
type Server struct {
	echo       *echo.Echo
	client     *sandbox.Client
	validator  runtimeapi.Validator
	retryDelay time.Duration
	metrics    *metrics.Collector
	timeline   *metrics.Timeline
	logger     *zap.Logger
	fatal      chan error
}

// Config holds server configuration.
type Config struct {
	Client *sandbox.Client
	// Validator inspects every fetched invocation. Defaults to
	// runtimeapi.AcceptAll.
	Validator runtimeapi.Validator
	// RetryDelay is the fixed wait between failed next-invocation fetches.
	RetryDelay    time.Duration
	Metrics       *metrics.Collector
	Timeline      *metrics.Timeline
	Observability *observability.Observability
	Logger        *zap.Logger
}

// NewServer creates the proxy server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Client == nil {
		return nil, errors.New("runtime API client is required")
	}
	if cfg.Validator == nil {
		cfg.Validator = runtimeapi.AcceptAll
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Timeline == nil {
		cfg.Timeline = metrics.NewTimeline(cfg.Metrics, cfg.Logger)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if cfg.Observability != nil && cfg.Observability.Enabled() {
		e.Use(tracingMiddleware(cfg.Observability))
	}
	e.Use(loggingMiddleware(cfg.Logger))

	s := &Server{
		echo:       e,
		client:     cfg.Client,
		validator:  cfg.Validator,
		retryDelay: cfg.RetryDelay,
		metrics:    cfg.Metrics,
		timeline:   cfg.Timeline,
		logger:     cfg.Logger,
		fatal:      make(chan error, 1),
	}
	e.HTTPErrorHandler = s.handleError

	s.setupRoutes()

	return s, nil
}

// setupRoutes configures the Runtime API route table.
func (s *Server) setupRoutes() {
	s.echo.GET(RouteRoot, s.passthrough)
	s.echo.GET(RouteNext, s.nextInvocation)
	s.echo.POST(RouteResponse, s.passthrough)
	s.echo.POST(RouteError, s.passthrough)
	s.echo.Any("/*", s.loggingPassthrough)
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.echo.Listener = ln
	return s.Start("")
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP lets the server be mounted on any listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Fatal delivers the first contract violation seen by a handler. The process
// must stop once it fires.
func (s *Server) Fatal() <-chan error {
	return s.fatal
}

// handleError routes contract violations to the fatal channel and sends
// anything echo could not route through the logging passthrough.
func (s *Server) handleError(err error, c echo.Context) {
	if runtimeapi.IsFatal(err) {
		select {
		case s.fatal <- err:
		default:
		}
		if !c.Response().Committed {
			_ = c.NoContent(http.StatusInternalServerError)
		}
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) && !c.Response().Committed &&
		(he.Code == http.StatusNotFound || he.Code == http.StatusMethodNotAllowed) {
		err = s.loggingPassthrough(c)
		if err == nil {
			return
		}
	}

	s.echo.DefaultHTTPErrorHandler(err, c)
}

// loggingMiddleware feeds echo's request logger into zap.
func loggingMiddleware(logger *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogError:   true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			fields = append(fields, observability.LogFields(c.Request().Context())...)
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			logger.Debug("Request", fields...)
			return nil
		},
	})
}

// routeLabel names the matched route for metrics.
func routeLabel(c echo.Context) string {
	switch p := c.Path(); p {
	case RouteRoot, RouteNext, RouteResponse, RouteError:
		return p
	default:
		return RouteUnmatched
	}
}

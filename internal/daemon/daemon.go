// Package daemon runs the proxy: the local listener and the lifecycle
// registration task, supervised together.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/agentapiary/runtime-api-proxy/internal/audit"
	"github.com/agentapiary/runtime-api-proxy/internal/config"
	"github.com/agentapiary/runtime-api-proxy/internal/extension"
	"github.com/agentapiary/runtime-api-proxy/internal/inspect"
	"github.com/agentapiary/runtime-api-proxy/internal/metrics"
	"github.com/agentapiary/runtime-api-proxy/internal/observability"
	"github.com/agentapiary/runtime-api-proxy/internal/proxy"
	"github.com/agentapiary/runtime-api-proxy/internal/sandbox"
	"github.com/agentapiary/runtime-api-proxy/pkg/runtimeapi"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// ErrListenerStopped is returned when the listener exits on its own.
var ErrListenerStopped = errors.New("listener stopped unexpectedly")

// Daemon owns every long-lived component of the proxy.
type Daemon struct {
	cfg       *config.Config
	logger    *zap.Logger
	metrics   *metrics.Collector
	timeline  *metrics.Timeline
	obs       *observability.Observability
	server    *proxy.Server
	extension *extension.Client
	listener  net.Listener
}

// New wires the components described by cfg.
func New(cfg *config.Config, logger *zap.Logger) (*Daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	collector := metrics.NewCollector(logger.Named("metrics"))
	timeline := metrics.NewTimeline(collector, logger.Named("timeline"))

	obs, err := observability.New(observability.Config{
		ServiceName: cfg.ExtensionName,
		Enabled:     cfg.Trace,
		Logger:      logger.Named("observability"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	client := sandbox.NewClient(sandbox.Config{
		Endpoint: cfg.RuntimeAPI,
		Logger:   logger.Named("sandbox"),
	})

	validator, err := newValidator(cfg, client, collector, logger)
	if err != nil {
		return nil, err
	}

	server, err := proxy.NewServer(proxy.Config{
		Client:        client,
		Validator:     validator,
		RetryDelay:    cfg.RetryDelay,
		Metrics:       collector,
		Timeline:      timeline,
		Observability: obs,
		Logger:        logger.Named("proxy"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy server: %w", err)
	}

	ext := extension.NewClient(extension.Config{
		Endpoint:   cfg.RuntimeAPI,
		Name:       cfg.ExtensionName,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger.Named("extension"),
		OnPoll:     collector.RecordLifecyclePoll,
	})

	return &Daemon{
		cfg:       cfg,
		logger:    logger,
		metrics:   collector,
		timeline:  timeline,
		obs:       obs,
		server:    server,
		extension: ext,
	}, nil
}

// newValidator picks the schema validator when an event schema is configured
// and the identity validator otherwise.
func newValidator(cfg *config.Config, client *sandbox.Client, collector *metrics.Collector, logger *zap.Logger) (runtimeapi.Validator, error) {
	if cfg.EventSchema == "" {
		return runtimeapi.AcceptAll, nil
	}

	schema, err := inspect.LoadSchemaFile(cfg.EventSchema)
	if err != nil {
		return nil, err
	}
	validator, err := inspect.NewSchemaValidator(inspect.Config{
		Schema:    schema,
		Limit:     cfg.PayloadLimit,
		Requester: client,
		Audit:     audit.NewLogger(logger.Named("audit")),
		Metrics:   collector,
		Logger:    logger.Named("inspect"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create event validator: %w", err)
	}
	logger.Info("Validating invocation events",
		zap.String("schema", cfg.EventSchema),
		zap.Int("payload_limit", cfg.PayloadLimit),
	)
	return validator, nil
}

// Listen binds the listen address. Run calls it when it has not been called.
func (d *Daemon) Listen() (net.Addr, error) {
	if d.listener != nil {
		return d.listener.Addr(), nil
	}
	ln, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", d.cfg.ListenAddr, err)
	}
	d.listener = ln
	return ln.Addr(), nil
}

// Run starts the listener and the lifecycle task and blocks until ctx is
// done, the listener exits, or a contract violation is reported. The
// lifecycle task ending for any other reason is only logged.
func (d *Daemon) Run(ctx context.Context) error {
	addr, err := d.Listen()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		d.logger.Info("Listening", zap.String("addr", addr.String()))
		serverErr <- d.server.Serve(d.listener)
	}()

	lifecycleErr := make(chan error, 1)
	go func() {
		lifecycleErr <- d.extension.Run(ctx, d.timeline.AppStart)
	}()

	if d.cfg.MetricsAddr != "" {
		go func() {
			if err := d.metrics.Serve(ctx, d.cfg.MetricsAddr); err != nil {
				d.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	lifecycle := lifecycleErr
	for {
		select {
		case err := <-serverErr:
			if err == nil {
				err = ErrListenerStopped
			}
			d.shutdown()
			return err
		case err := <-d.server.Fatal():
			d.shutdown()
			return err
		case err := <-lifecycle:
			lifecycle = nil
			if runtimeapi.IsFatal(err) {
				d.shutdown()
				return err
			}
			d.logger.Info("Lifecycle task exited", zap.Error(err))
		case <-ctx.Done():
			d.logger.Info("Shutting down")
			d.shutdown()
			return nil
		}
	}
}

func (d *Daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Error("Error shutting down listener", zap.Error(err))
	}
	if err := d.obs.Shutdown(ctx); err != nil {
		d.logger.Error("Error shutting down tracing", zap.Error(err))
	}
}

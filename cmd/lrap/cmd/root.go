package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentapiary/runtime-api-proxy/internal/config"
	"github.com/agentapiary/runtime-api-proxy/internal/daemon"
	"github.com/agentapiary/runtime-api-proxy/pkg/runtimeapi"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is the proxy version, overridable at link time.
var Version = "0.1.0"

// fatal terminates the process on a contract violation.
var fatal = func(logger *zap.Logger, err error) {
	logger.Fatal("Runtime API contract violated", zap.Error(err))
}

// Execute runs the root command. This is called by main.main().
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the lrap command with its own viper instance.
func NewRootCommand() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "lrap",
		Short: "Lambda Runtime API proxy extension",
		Long: `lrap sits between the Lambda Runtime API and the function runtime.

It forwards every Runtime API call unchanged except "next invocation", which
it fetches itself so the event can be inspected before the runtime sees it.
It also registers as a Lambda extension so the sandbox keeps it alive.

Point the runtime at the proxy:
  AWS_LAMBDA_RUNTIME_API=127.0.0.1:9009`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := rootCmd.Flags()
	flags.String(config.KeyRuntimeAPI, "", "Runtime API host:port (or set LRAP_RUNTIME_API_ENDPOINT / AWS_LAMBDA_RUNTIME_API)")
	flags.Int(config.KeyListenerPort, config.DefaultListenerPort, "loopback port the proxy listens on")
	flags.String(config.KeyExtensionName, config.DefaultExtensionName, "extension name sent at registration")
	flags.Duration(config.KeyRetryDelay, config.DefaultRetryDelay, "delay between failed next-invocation fetches")
	flags.Int(config.KeyPayloadLimit, config.DefaultPayloadLimit, "maximum payload size captured for inspection")
	flags.String(config.KeyEventSchema, "", "JSON or YAML schema file invocation events must satisfy")
	flags.String(config.KeyMetricsAddr, "", "address for the prometheus /metrics listener (disabled when empty)")
	flags.Bool(config.KeyTrace, false, "export spans to stderr")
	flags.String(config.KeyLogLevel, "info", "log level (debug, info, warn, error)")
	flags.String(config.KeyLogFormat, "json", "log format (json, console)")

	config.Bind(v)
	flags.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
	})

	return rootCmd
}

func run(ctx context.Context, v *viper.Viper) error {
	logger, err := newLogger(v.GetString(config.KeyLogLevel), v.GetString(config.KeyLogFormat))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting",
		zap.String("path", os.Args[0]),
		zap.Strings("args", os.Args[1:]),
		zap.String("version", Version),
	)

	cfg, err := config.Load(v)
	if err != nil {
		return exit(logger, err)
	}
	logger.Info("Configuration resolved",
		zap.String("runtime_api", cfg.RuntimeAPI),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("extension_name", cfg.ExtensionName),
	)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return exit(logger, err)
	}
	return exit(logger, d.Run(ctx))
}

// exit logs err and hands contract violations to fatal.
func exit(logger *zap.Logger, err error) error {
	if err == nil {
		return nil
	}
	if runtimeapi.IsFatal(err) {
		fatal(logger, err)
		return err
	}
	logger.Error("Proxy stopped", zap.Error(err))
	return err
}

// newLogger builds the process logger. Both formats write to stderr.
func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
	case "json", "":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

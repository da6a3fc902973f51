// Package config resolves the proxy's endpoints and tunables from flags,
// environment variables and defaults.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/agentapiary/runtime-api-proxy/pkg/runtimeapi"
	"github.com/spf13/viper"
)

// Configuration keys.
const (
	KeyRuntimeAPI    = "runtime-api"
	KeyListenerPort  = "listener-port"
	KeyExtensionName = "extension-name"
	KeyRetryDelay    = "retry-delay"
	KeyPayloadLimit  = "payload-limit"
	KeyEventSchema   = "event-schema"
	KeyMetricsAddr   = "metrics-addr"
	KeyTrace         = "trace"
	KeyLogLevel      = "log-level"
	KeyLogFormat     = "log-format"
)

// Defaults.
const (
	DefaultListenerPort  = 9009
	DefaultExtensionName = "lrap"
	DefaultRetryDelay    = 100 * time.Millisecond
	// DefaultPayloadLimit matches the synchronous invocation payload limit.
	DefaultPayloadLimit = 6 * 1024 * 1024

	listenHost = "127.0.0.1"
)

// Config is resolved once at startup and read-only afterwards.
type Config struct {
	// RuntimeAPI is the host:port of the sandbox's Runtime API.
	RuntimeAPI string
	// ListenAddr is the loopback host:port the proxy binds to.
	ListenAddr string

	ExtensionName string
	RetryDelay    time.Duration
	PayloadLimit  int
	EventSchema   string
	MetricsAddr   string
	Trace         bool
	LogLevel      string
	LogFormat     string
}

// Bind registers defaults and environment variable names on v.
func Bind(v *viper.Viper) {
	v.SetDefault(KeyListenerPort, DefaultListenerPort)
	v.SetDefault(KeyExtensionName, DefaultExtensionName)
	v.SetDefault(KeyRetryDelay, DefaultRetryDelay)
	v.SetDefault(KeyPayloadLimit, DefaultPayloadLimit)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "json")

	// The first variable wins when both are set.
	_ = v.BindEnv(KeyRuntimeAPI, "LRAP_RUNTIME_API_ENDPOINT", "AWS_LAMBDA_RUNTIME_API")
	_ = v.BindEnv(KeyListenerPort, "LRAP_LISTENER_PORT")
	_ = v.BindEnv(KeyExtensionName, "LRAP_EXTENSION_NAME")
	_ = v.BindEnv(KeyRetryDelay, "LRAP_RETRY_DELAY")
	_ = v.BindEnv(KeyPayloadLimit, "LRAP_PAYLOAD_LIMIT")
	_ = v.BindEnv(KeyEventSchema, "LRAP_EVENT_SCHEMA")
	_ = v.BindEnv(KeyMetricsAddr, "LRAP_METRICS_ADDR")
	_ = v.BindEnv(KeyTrace, "LRAP_TRACE")
	_ = v.BindEnv(KeyLogLevel, "LRAP_LOG_LEVEL")
	_ = v.BindEnv(KeyLogFormat, "LRAP_LOG_FORMAT")
}

// Load resolves a Config from v. A missing runtime API endpoint is a
// contract violation.
func Load(v *viper.Viper) (*Config, error) {
	runtimeAPI := strings.TrimSpace(v.GetString(KeyRuntimeAPI))
	if runtimeAPI == "" {
		return nil, runtimeapi.Fatal("config", runtimeapi.ErrMissingRuntimeAPI)
	}

	cfg := &Config{
		RuntimeAPI:    runtimeAPI,
		ListenAddr:    net.JoinHostPort(listenHost, strconv.Itoa(listenerPort(v))),
		ExtensionName: v.GetString(KeyExtensionName),
		RetryDelay:    v.GetDuration(KeyRetryDelay),
		PayloadLimit:  v.GetInt(KeyPayloadLimit),
		EventSchema:   v.GetString(KeyEventSchema),
		MetricsAddr:   v.GetString(KeyMetricsAddr),
		Trace:         v.GetBool(KeyTrace),
		LogLevel:      v.GetString(KeyLogLevel),
		LogFormat:     v.GetString(KeyLogFormat),
	}

	if cfg.ExtensionName == "" {
		cfg.ExtensionName = DefaultExtensionName
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.PayloadLimit <= 0 {
		return nil, fmt.Errorf("invalid %s: %d", KeyPayloadLimit, cfg.PayloadLimit)
	}

	return cfg, nil
}

// listenerPort falls back to the default for anything that is not a valid
// non-zero port.
func listenerPort(v *viper.Viper) int {
	port, err := strconv.ParseUint(strings.TrimSpace(v.GetString(KeyListenerPort)), 10, 16)
	if err != nil || port == 0 {
		return DefaultListenerPort
	}
	return int(port)
}

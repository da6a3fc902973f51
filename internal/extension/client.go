// Package extension implements the Lambda Extensions API lifecycle: a one-shot
// registration followed by an endless next-event poll.
package extension

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/agentapiary/runtime-api-proxy/pkg/runtimeapi"
	"go.uber.org/zap"
)

// RegisterResponse is the body of the response for /register.
type RegisterResponse struct {
	FunctionName    string `json:"functionName"`
	FunctionVersion string `json:"functionVersion"`
	Handler         string `json:"handler"`
}

// NextEventResponse is the body of the response for /event/next.
type NextEventResponse struct {
	EventType          runtimeapi.EventType `json:"eventType"`
	DeadlineMs         int64                `json:"deadlineMs"`
	RequestID          string               `json:"requestId"`
	InvokedFunctionArn string               `json:"invokedFunctionArn"`
	ShutdownReason     string               `json:"shutdownReason,omitempty"`
}

// Client is a client for the Lambda Extensions API.
type Client struct {
	endpoint   string
	name       string
	httpClient *http.Client
	retryDelay time.Duration
	logger     *zap.Logger
	onPoll     func(error)

	// identifier is set exactly once by Register.
	identifier atomic.Pointer[string]
}

// Config holds client configuration.
type Config struct {
	// Endpoint is the Extensions API host:port (same as the Runtime API).
	Endpoint string
	// Name is sent as the extension name; it must match the executable name
	// in the extensions directory.
	Name string
	// RetryDelay is the pause after a failed lifecycle poll.
	RetryDelay time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
	// OnPoll, if set, observes the outcome of every lifecycle poll.
	OnPoll func(error)
}

// NewClient returns an Extensions API client.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		name:       cfg.Name,
		httpClient: httpClient,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
		onPoll:     cfg.OnPoll,
	}
}

// Identifier returns the identity issued at registration, or "" before it.
func (c *Client) Identifier() string {
	if id := c.identifier.Load(); id != nil {
		return *id
	}
	return ""
}

// Registered reports whether Register has succeeded.
func (c *Client) Registered() bool {
	return c.identifier.Load() != nil
}

func (c *Client) url(path string) string {
	return "http://" + c.endpoint + path
}

// Register announces the extension for INVOKE events and stores the issued
// identifier. A response without an identifier, or a second registration,
// is a contract violation. Transport failures are returned as-is.
func (c *Client) Register(ctx context.Context) (*RegisterResponse, error) {
	const op = "POST " + runtimeapi.RegisterPath

	if c.Registered() {
		return nil, runtimeapi.Fatal(op, runtimeapi.ErrAlreadyRegistered)
	}

	body, err := json.Marshal(map[string][]runtimeapi.EventType{
		"events": {runtimeapi.Invoke},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(runtimeapi.RegisterPath), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create register request: %w", err)
	}
	req.Header.Set(runtimeapi.HeaderExtensionName, c.name)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send register request: %w", err)
	}
	defer resp.Body.Close()

	id := resp.Header.Get(runtimeapi.HeaderExtensionIdentifier)
	if id == "" {
		return nil, runtimeapi.Fatal(op, fmt.Errorf("%w (status %s)", runtimeapi.ErrMissingIdentifier, resp.Status))
	}
	if !c.identifier.CompareAndSwap(nil, &id) {
		return nil, runtimeapi.Fatal(op, runtimeapi.ErrAlreadyRegistered)
	}

	var res RegisterResponse
	if raw, err := io.ReadAll(resp.Body); err == nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			c.logger.Debug("Unparsable register response body", zap.Error(err))
		}
	}

	c.logger.Info("Extension registered",
		zap.String("extension", c.name),
		zap.String("function", res.FunctionName),
		zap.String("version", res.FunctionVersion),
	)
	return &res, nil
}

// NextEvent long-polls the next lifecycle event. Calling it before Register
// is a contract violation.
func (c *Client) NextEvent(ctx context.Context) (*NextEventResponse, error) {
	id := c.identifier.Load()
	if id == nil {
		return nil, runtimeapi.Fatal("GET "+runtimeapi.EventNextPath, runtimeapi.ErrNotRegistered)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(runtimeapi.EventNextPath), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create next event request: %w", err)
	}
	req.Header.Set(runtimeapi.HeaderExtensionIdentifier, *id)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get next event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("next event failed with status %s", resp.Status)
	}

	var event NextEventResponse
	if err := json.NewDecoder(resp.Body).Decode(&event); err != nil {
		return nil, fmt.Errorf("failed to decode next event: %w", err)
	}
	return &event, nil
}

// Run registers the extension, calls registered, then polls lifecycle events
// until ctx is done. Poll results are discarded; the invocation payload
// reaches the application through the proxy instead. Run only returns on a
// registration failure, which is always fatal, or when ctx ends.
func (c *Client) Run(ctx context.Context, registered func()) error {
	if _, err := c.Register(ctx); err != nil {
		if runtimeapi.IsFatal(err) || ctx.Err() != nil {
			return err
		}
		return runtimeapi.Fatal("register", err)
	}
	if registered != nil {
		registered()
	}

	for {
		event, err := c.NextEvent(ctx)
		if c.onPoll != nil {
			c.onPoll(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if runtimeapi.IsFatal(err) {
				return err
			}
			c.logger.Debug("Lifecycle poll failed", zap.Error(err))
			if !sleep(ctx, c.retryDelay) {
				return ctx.Err()
			}
			continue
		}
		c.logger.Debug("Lifecycle event",
			zap.String("event_type", string(event.EventType)),
			zap.String("request_id", event.RequestID),
		)
	}
}

// sleep waits for d or until ctx is done, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

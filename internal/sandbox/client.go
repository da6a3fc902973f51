// Package sandbox provides a client for the sandbox's Lambda Runtime API: the
// next-work fetch, corrective requests, and the passthrough transport.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/agentapiary/runtime-api-proxy/pkg/runtimeapi"
	"go.uber.org/zap"
)

// Client talks to the Runtime API at a fixed host:port.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// Config holds client configuration.
type Config struct {
	// Endpoint is the Runtime API host:port.
	Endpoint string
	// HTTPClient overrides the outbound client. Defaults to a client that
	// neither times out nor follows redirects.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewClient creates a Runtime API client.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Endpoint returns the Runtime API host:port.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// URL returns the absolute Runtime API URL for a path (with optional query).
func (c *Client) URL(pathAndQuery string) string {
	return "http://" + c.endpoint + pathAndQuery
}

// Do sends req with the client's transport.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

// Next fetches the next invocation from the Runtime API, forwarding the
// caller's headers. A transport failure is returned as a plain error; a
// response without a request id is a contract violation.
func (c *Client) Next(ctx context.Context, header http.Header, pathAndQuery string) (*runtimeapi.Invocation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(pathAndQuery), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build next request: %w", err)
	}
	if header != nil {
		req.Header = header.Clone()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get next invocation: %w", err)
	}

	requestID := resp.Header.Get(runtimeapi.HeaderRequestID)
	if requestID == "" {
		resp.Body.Close()
		return nil, runtimeapi.Fatal("GET "+pathAndQuery, runtimeapi.ErrMissingRequestID)
	}

	return &runtimeapi.Invocation{RequestID: requestID, Response: resp}, nil
}

// Forward rebuilds r against the Runtime API, keeping method, path, query,
// headers and body, and sends it.
func (c *Client) Forward(r *http.Request) (*http.Response, error) {
	req, err := c.ForwardRequest(r)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

// ForwardRequest builds the upstream copy of r without sending it.
func (c *Client) ForwardRequest(r *http.Request) (*http.Request, error) {
	body := r.Body
	if body == nil || r.ContentLength == 0 {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, c.URL(r.URL.RequestURI()), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header = r.Header.Clone()
	req.ContentLength = r.ContentLength
	if body == http.NoBody {
		req.ContentLength = 0
	}
	return req, nil
}

// InvocationResponseRequest builds a request that posts body as the result
// of requestID, bypassing the application.
func (c *Client) InvocationResponseRequest(ctx context.Context, requestID string, body io.Reader) (*http.Request, error) {
	path := runtimeapi.InvocationResponsePath(runtimeapi.RuntimeAPIVersion, requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(path), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build invocation response request: %w", err)
	}
	return req, nil
}

// InvocationError is the body accepted by the invocation error endpoint.
type InvocationError struct {
	ErrorMessage string   `json:"errorMessage"`
	ErrorType    string   `json:"errorType"`
	StackTrace   []string `json:"stackTrace,omitempty"`
}

// InvocationErrorRequest builds a request that fails requestID immediately.
func (c *Client) InvocationErrorRequest(ctx context.Context, requestID, errorType, message string) (*http.Request, error) {
	body, err := json.Marshal(InvocationError{ErrorMessage: message, ErrorType: errorType})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invocation error: %w", err)
	}

	path := runtimeapi.InvocationErrorPath(runtimeapi.RuntimeAPIVersion, requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(path), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build invocation error request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(runtimeapi.HeaderFunctionErrorType, errorType)
	return req, nil
}

// Send delivers a corrective request and discards the response.
func (c *Client) Send(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Corrective request failed",
			zap.String("method", req.Method),
			zap.String("uri", req.URL.String()),
			zap.Error(err),
		)
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

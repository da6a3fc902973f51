package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/agentapiary/runtime-api-proxy/internal/audit"
	"github.com/agentapiary/runtime-api-proxy/internal/buffer"
	"github.com/agentapiary/runtime-api-proxy/internal/metrics"
	"github.com/agentapiary/runtime-api-proxy/pkg/runtimeapi"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

// Error types reported to the Runtime API for rejected invocations.
const (
	ErrorTypeTooLarge     = "LRAP.PayloadTooLarge"
	ErrorTypeUnreadable   = "LRAP.PayloadUnreadable"
	ErrorTypeMalformed    = "LRAP.MalformedEvent"
	ErrorTypeInvalidEvent = "LRAP.InvalidEvent"
)

// ErrorRequester builds the corrective request sent for a rejected invocation.
type ErrorRequester interface {
	InvocationErrorRequest(ctx context.Context, requestID, errorType, message string) (*http.Request, error)
}

// SchemaValidator captures each invocation payload into a bounded buffer,
// checks it against a JSON schema, and either re-serves the captured bytes to
// the application or fails the invocation through the Runtime API.
type SchemaValidator struct {
	schema    *jsonschema.Schema
	limit     int
	requester ErrorRequester
	audit     *audit.Logger
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// Config holds validator configuration.
type Config struct {
	// Schema is the compiled event schema; nil only checks that the payload
	// is well-formed JSON within Limit.
	Schema *jsonschema.Schema
	// Limit is the maximum payload size captured for inspection.
	Limit     int
	Requester ErrorRequester
	Audit     *audit.Logger
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// NewSchemaValidator creates a validator.
func NewSchemaValidator(cfg Config) (*SchemaValidator, error) {
	if cfg.Requester == nil {
		return nil, fmt.Errorf("error requester is required")
	}
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("payload limit must be positive, got %d", cfg.Limit)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchemaValidator{
		schema:    cfg.Schema,
		limit:     cfg.Limit,
		requester: cfg.Requester,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		logger:    logger,
	}, nil
}

// Validate implements runtimeapi.Validator.
func (v *SchemaValidator) Validate(ctx context.Context, inv *runtimeapi.Invocation) runtimeapi.Verdict {
	resp := inv.Response
	buf, err := buffer.Capture(resp.Body, v.limit)
	resp.Body.Close()
	if err != nil {
		return v.reject(ctx, inv, buf, ErrorTypeUnreadable, fmt.Sprintf("failed to read payload: %v", err))
	}
	if buf.Truncated() {
		return v.reject(ctx, inv, buf, ErrorTypeTooLarge, fmt.Sprintf("payload exceeds %d bytes", v.limit))
	}

	var doc interface{}
	dec := json.NewDecoder(buffer.NewReader(buf))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return v.reject(ctx, inv, buf, ErrorTypeMalformed, fmt.Sprintf("payload is not valid JSON: %v", err))
	}

	if v.schema != nil {
		if err := v.schema.Validate(doc); err != nil {
			return v.reject(ctx, inv, buf, ErrorTypeInvalidEvent, err.Error())
		}
	}

	v.audit.LogAccepted(inv.RequestID, buf.Len())

	// Serve the captured bytes through a fresh cursor.
	resp.Body = buffer.NewReader(buf)
	resp.ContentLength = int64(buf.Len())
	resp.Header.Set("Content-Length", strconv.Itoa(buf.Len()))
	resp.Header.Del("Transfer-Encoding")
	resp.TransferEncoding = nil
	return runtimeapi.Accept(resp)
}

func (v *SchemaValidator) reject(ctx context.Context, inv *runtimeapi.Invocation, buf *buffer.LimitedBuffer, errorType, reason string) runtimeapi.Verdict {
	v.logger.Warn("Rejecting invocation",
		zap.String("request_id", inv.RequestID),
		zap.String("error_type", errorType),
		zap.String("reason", reason),
	)
	v.audit.LogRejected(inv.RequestID, errorType, reason, buf.Len(), buf.Truncated())
	v.metrics.RecordRejected(errorType)

	req, err := v.requester.InvocationErrorRequest(ctx, inv.RequestID, errorType, reason)
	if err != nil {
		// No way to fail the invocation upstream; hand over what was captured.
		v.logger.Error("Failed to build invocation error request", zap.Error(err))
		inv.Response.Body = buffer.NewReader(buf)
		return runtimeapi.Accept(inv.Response)
	}
	return runtimeapi.Reject(req)
}

// Package audit provides structured audit logging for invocations the proxy
// intercepted.
//
// Audit Log Format:
//
// All audit events are logged as structured JSON using the zap logger with the
// following fields:
//   - audit_type: The type of event (invocation_rejected, invocation_accepted)
//   - audit_timestamp: ISO 8601 timestamp of when the event occurred
//   - audit_requestID: The Runtime API request id of the invocation
//   - audit_errorType: The error type reported back for a rejected invocation
//   - audit_reason: Human readable reason for the decision (optional)
//   - audit_payloadSize: Bytes of payload captured for inspection
//   - audit_truncated: Whether the payload exceeded the capture limit
//
// Example audit log entry:
//
//	{
//	  "level": "info",
//	  "ts": 1234567890.123,
//	  "msg": "Audit event",
//	  "audit_type": "invocation_rejected",
//	  "audit_timestamp": "2026-01-14T10:44:43.400-0500",
//	  "audit_requestID": "8476a536-e9f4-11e8-9739-2dfe598c3fcd",
//	  "audit_errorType": "LRAP.InvalidEvent",
//	  "audit_reason": "missing properties: 'orderId'",
//	  "audit_payloadSize": 112,
//	  "audit_truncated": false
//	}
package audit

import (
	"time"

	"go.uber.org/zap"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeInvocationRejected is an invocation dropped before the application saw it.
	EventTypeInvocationRejected EventType = "invocation_rejected"
	// EventTypeInvocationAccepted is an invocation that passed inspection.
	EventTypeInvocationAccepted EventType = "invocation_accepted"
)

// Event represents a structured audit log event.
type Event struct {
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"requestID"`
	ErrorType   string    `json:"errorType,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	PayloadSize int       `json:"payloadSize"`
	Truncated   bool      `json:"truncated"`
}

// Logger provides structured audit logging.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a new audit logger.
func NewLogger(baseLogger *zap.Logger) *Logger {
	if baseLogger == nil {
		baseLogger = zap.NewNop()
	}
	return &Logger{
		logger: baseLogger,
	}
}

// LogEvent logs an audit event as structured JSON.
func (l *Logger) LogEvent(event *Event) {
	if l == nil || event == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	fields := []zap.Field{
		zap.String("audit_type", string(event.Type)),
		zap.Time("audit_timestamp", event.Timestamp),
		zap.String("audit_requestID", event.RequestID),
		zap.Int("audit_payloadSize", event.PayloadSize),
		zap.Bool("audit_truncated", event.Truncated),
	}
	if event.ErrorType != "" {
		fields = append(fields, zap.String("audit_errorType", event.ErrorType))
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("audit_reason", event.Reason))
	}

	// Audit logs are always Info or above
	l.logger.Info("Audit event", fields...)
}

// LogRejected logs an invocation dropped by validation.
func (l *Logger) LogRejected(requestID, errorType, reason string, payloadSize int, truncated bool) {
	l.LogEvent(&Event{
		Type:        EventTypeInvocationRejected,
		RequestID:   requestID,
		ErrorType:   errorType,
		Reason:      reason,
		PayloadSize: payloadSize,
		Truncated:   truncated,
	})
}

// LogAccepted logs an invocation that passed validation.
func (l *Logger) LogAccepted(requestID string, payloadSize int) {
	l.LogEvent(&Event{
		Type:        EventTypeInvocationAccepted,
		RequestID:   requestID,
		PayloadSize: payloadSize,
	})
}

package runtimeapi

import (
	"context"
	"net/http"
)

// Invocation pairs a request id with the next-work response that carried it.
type Invocation struct {
	RequestID string
	Response  *http.Response
}

// Verdict is the outcome of validating an Invocation.
// Exactly one of Response or Corrective is set.
type Verdict struct {
	// Response is delivered to the application.
	Response *http.Response
	// Corrective is sent to the Runtime API instead; the event is dropped.
	Corrective *http.Request
}

// Accept delivers resp to the application.
func Accept(resp *http.Response) Verdict {
	return Verdict{Response: resp}
}

// Reject drops the event and sends req to the Runtime API.
func Reject(req *http.Request) Verdict {
	return Verdict{Corrective: req}
}

// Rejected reports whether the verdict drops the event.
func (v Verdict) Rejected() bool {
	return v.Corrective != nil
}

// Validator inspects an invocation before it reaches the application.
type Validator interface {
	Validate(ctx context.Context, inv *Invocation) Verdict
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, inv *Invocation) Verdict

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, inv *Invocation) Verdict {
	return f(ctx, inv)
}

// AcceptAll passes every invocation through unchanged.
var AcceptAll Validator = ValidatorFunc(func(_ context.Context, inv *Invocation) Verdict {
	return Accept(inv.Response)
})

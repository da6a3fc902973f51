package proxy

import (
	"context"
	"time"

	"github.com/agentapiary/runtime-api-proxy/pkg/runtimeapi"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// nextInvocation fetches work for the application. Each fetched invocation is
// validated; rejected ones are answered upstream with the validator's
// corrective request and the fetch starts over, so the application only ever
// sees accepted invocations.
func (s *Server) nextInvocation(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()
	logger := s.logger.With(zap.String("cycle_id", uuid.NewString()))

	s.timeline.NextEvent()

	for {
		inv, err := s.client.Next(ctx, req.Header, req.URL.RequestURI())
		if err != nil {
			if runtimeapi.IsFatal(err) {
				return err
			}
			if ctx.Err() != nil {
				logger.Debug("Caller went away while fetching next invocation", zap.Error(err))
				return nil
			}
			logger.Error("Failed to fetch next invocation, retrying",
				zap.Duration("retry_delay", s.retryDelay),
				zap.Error(err),
			)
			s.metrics.RecordNextRetry()
			if !sleep(ctx, s.retryDelay) {
				return nil
			}
			continue
		}

		logger.Debug("Fetched invocation", zap.String("request_id", inv.RequestID))

		verdict := s.validator.Validate(ctx, inv)
		if verdict.Rejected() {
			logger.Info("Invocation rejected",
				zap.String("request_id", inv.RequestID),
				zap.String("uri", verdict.Corrective.URL.String()),
			)
			// The corrective call's outcome does not change what happens next.
			_ = s.client.Send(verdict.Corrective)
			continue
		}

		s.timeline.EventStart()
		resp := verdict.Response
		defer resp.Body.Close()
		s.writeResponse(c, RouteNext, resp)
		return nil
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

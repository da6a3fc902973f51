package proxy

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// BadGatewayBody is returned when the Runtime API cannot be reached.
const BadGatewayBody = "502 - Bad Gateway: Lambda Runtime API did not process request"

// passthrough forwards the request to the Runtime API unchanged apart from
// the target authority. Upstream failures become a 502 and are not retried.
func (s *Server) passthrough(c echo.Context) error {
	req := c.Request()
	route := routeLabel(c)

	resp, err := s.client.Forward(req)
	if err != nil {
		s.logger.Error("Failed to reach Runtime API",
			zap.String("method", req.Method),
			zap.String("uri", s.client.URL(req.URL.RequestURI())),
			zap.Error(err),
		)
		s.metrics.RecordUpstreamFailure(route)
		s.metrics.RecordProxied(route, req.Method, http.StatusBadGateway)
		return c.String(http.StatusBadGateway, BadGatewayBody)
	}
	defer resp.Body.Close()

	s.writeResponse(c, route, resp)
	return nil
}

// loggingPassthrough handles requests outside the route table.
func (s *Server) loggingPassthrough(c echo.Context) error {
	req := c.Request()
	s.logger.Info("Route not found",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
	)
	return s.passthrough(c)
}

// writeResponse copies an upstream response to the caller as-is.
func (s *Server) writeResponse(c echo.Context, route string, resp *http.Response) {
	w := c.Response()
	header := w.Header()
	for key, values := range resp.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	s.metrics.RecordProxied(route, c.Request().Method, resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Warn("Failed to copy Runtime API response",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Error(err),
		)
	}
}

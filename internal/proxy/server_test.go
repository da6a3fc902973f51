package proxy

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/agentapiary/runtime-api-proxy/internal/metrics"
	"github.com/agentapiary/runtime-api-proxy/internal/observability"
	"github.com/agentapiary/runtime-api-proxy/internal/sandbox"
	"github.com/agentapiary/runtime-api-proxy/pkg/runtimeapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRuntimeAPI records every request it receives.
type fakeRuntimeAPI struct {
	mu       sync.Mutex
	requests []string
}

func (f *fakeRuntimeAPI) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.RequestURI())
}

func (f *fakeRuntimeAPI) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// echoUpstream answers every request with its own method and URI.
func (f *fakeRuntimeAPI) echoUpstream(w http.ResponseWriter, r *http.Request) {
	f.record(r)
	body, _ := io.ReadAll(r.Body)
	if strings.HasSuffix(r.URL.Path, "/invocation/next") {
		w.Header().Set(runtimeapi.HeaderRequestID, "req-1")
	}
	w.Header().Set("X-Upstream", "yes")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(r.Method + " " + r.URL.RequestURI() + " " + string(body)))
}

func newTestServer(t *testing.T, endpoint string, cfg Config) *Server {
	t.Helper()
	cfg.Client = sandbox.NewClient(sandbox.Config{Endpoint: endpoint, Logger: zap.NewNop()})
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	server, err := NewServer(cfg)
	require.NoError(t, err)
	return server
}

func startUpstream(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.Listener.Addr().String()
}

// deadEndpoint returns an address nothing is listening on.
func deadEndpoint(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func serve(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(method, target, reader))
	return rec
}

func TestNewServer_RequiresClient(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestServer_RouteTable(t *testing.T) {
	upstream := &fakeRuntimeAPI{}
	server := newTestServer(t, startUpstream(t, upstream.echoUpstream), Config{})

	tests := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{name: "root", method: http.MethodGet, target: "/"},
		{name: "next", method: http.MethodGet, target: "/2018-06-01/runtime/invocation/next"},
		{name: "response", method: http.MethodPost, target: "/2018-06-01/runtime/invocation/req-1/response", body: `{"ok":true}`},
		{name: "error", method: http.MethodPost, target: "/2018-06-01/runtime/invocation/req-1/error", body: `{"errorType":"x"}`},
		{name: "init error", method: http.MethodPost, target: "/2018-06-01/runtime/init/error", body: `{}`},
		{name: "query preserved", method: http.MethodGet, target: "/unknown/path?a=1&b=2"},
		{name: "method mismatch on root", method: http.MethodPut, target: "/", body: "x"},
		{name: "method mismatch on next", method: http.MethodPost, target: "/2018-06-01/runtime/invocation/next", body: "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(server, tt.method, tt.target, tt.body)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.method+" "+tt.target+" "+tt.body, rec.Body.String())
			assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
		})
	}

	assert.Len(t, upstream.seen(), len(tests))
}

func TestServer_PassthroughUnmodified(t *testing.T) {
	endpoint := startUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.test")
		w.Header().Add("X-Multi", "a")
		w.Header().Add("X-Multi", "b")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	})
	server := newTestServer(t, endpoint, Config{})

	rec := serve(server, http.MethodGet, "/", "")

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "short and stout", rec.Body.String())
	assert.Equal(t, "application/vnd.test", rec.Header().Get("Content-Type"))
	assert.Equal(t, []string{"a", "b"}, rec.Header().Values("X-Multi"))
}

func TestServer_PassthroughForwardsRequestHeaders(t *testing.T) {
	endpoint := startUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Unhandled", r.Header.Get(runtimeapi.HeaderFunctionErrorType))
		w.WriteHeader(http.StatusAccepted)
	})
	server := newTestServer(t, endpoint, Config{})

	req := httptest.NewRequest(http.MethodPost, "/2018-06-01/runtime/invocation/req-1/error", strings.NewReader(`{}`))
	req.Header.Set(runtimeapi.HeaderFunctionErrorType, "Unhandled")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServer_BadGateway(t *testing.T) {
	collector := metrics.NewCollector(zap.NewNop())
	server := newTestServer(t, deadEndpoint(t), Config{Metrics: collector})

	rec := serve(server, http.MethodPost, "/2018-06-01/runtime/invocation/req-1/response", `{"ok":true}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, BadGatewayBody, rec.Body.String())

	// The server keeps answering.
	rec = serve(server, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	select {
	case err := <-server.Fatal():
		t.Fatalf("unexpected fatal error: %v", err)
	default:
	}

	text := scrape(t, collector)
	assert.Contains(t, text, `lrap_upstream_failures_total{route="/:apiver/runtime/invocation/:id/response"} 1`)
	assert.Contains(t, text, `lrap_upstream_failures_total{route="/"} 1`)
}

func TestServer_RecordsProxiedRequests(t *testing.T) {
	upstream := &fakeRuntimeAPI{}
	collector := metrics.NewCollector(zap.NewNop())
	server := newTestServer(t, startUpstream(t, upstream.echoUpstream), Config{Metrics: collector})

	serve(server, http.MethodGet, "/", "")
	serve(server, http.MethodGet, "/nowhere", "")

	text := scrape(t, collector)
	assert.Contains(t, text, `lrap_proxied_requests_total{code="200",method="GET",route="/"} 1`)
	assert.Contains(t, text, `lrap_proxied_requests_total{code="200",method="GET",route="unmatched"} 1`)
}

func TestServer_Tracing(t *testing.T) {
	var spans bytes.Buffer
	obs, err := observability.New(observability.Config{Enabled: true, Writer: &spans})
	require.NoError(t, err)

	upstream := &fakeRuntimeAPI{}
	server := newTestServer(t, startUpstream(t, upstream.echoUpstream), Config{Observability: obs})

	rec := serve(server, http.MethodPost, "/2018-06-01/runtime/invocation/req-9/response", "done")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Contains(t, spans.String(), "POST /:apiver/runtime/invocation/:id/response")
	assert.Contains(t, spans.String(), "req-9")
}

func scrape(t *testing.T, c *metrics.Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

package daemon

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentapiary/runtime-api-proxy/internal/config"
	"github.com/agentapiary/runtime-api-proxy/pkg/runtimeapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const nextPath = "/2018-06-01/runtime/invocation/next"

// fakeSandbox serves both the Runtime API and the Extensions API.
type fakeSandbox struct {
	omitIdentifier bool
	omitRequestID  bool
	payloads       chan string

	registered atomic.Int32
	polls      atomic.Int32

	mu     sync.Mutex
	errors []string
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{payloads: make(chan string, 4)}
}

func (f *fakeSandbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == runtimeapi.RegisterPath:
		f.registered.Add(1)
		if !f.omitIdentifier {
			w.Header().Set(runtimeapi.HeaderExtensionIdentifier, "ext-1")
		}
		w.Write([]byte(`{"functionName":"fn","functionVersion":"$LATEST","handler":"main"}`))
	case r.URL.Path == runtimeapi.EventNextPath:
		f.polls.Add(1)
		select {
		case <-r.Context().Done():
			return
		case <-time.After(20 * time.Millisecond):
		}
		w.Write([]byte(`{"eventType":"INVOKE","requestId":"req-1"}`))
	case r.URL.Path == nextPath:
		payload := <-f.payloads
		if !f.omitRequestID {
			w.Header().Set(runtimeapi.HeaderRequestID, "req-1")
		}
		w.Write([]byte(payload))
	case r.Method == http.MethodPost:
		f.mu.Lock()
		f.errors = append(f.errors, r.URL.Path)
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeSandbox) errorPosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.errors...)
}

func testConfig(t *testing.T, sandbox http.Handler) *config.Config {
	t.Helper()
	srv := httptest.NewServer(sandbox)
	t.Cleanup(srv.Close)
	return &config.Config{
		RuntimeAPI:    srv.Listener.Addr().String(),
		ListenAddr:    "127.0.0.1:0",
		ExtensionName: "lrap",
		RetryDelay:    10 * time.Millisecond,
		PayloadLimit:  1024,
	}
}

type runResult struct {
	err error
}

func start(t *testing.T, d *Daemon) (string, context.CancelFunc, <-chan runResult) {
	t.Helper()
	addr, err := d.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan runResult, 1)
	go func() {
		done <- runResult{err: d.Run(ctx)}
	}()
	return "http://" + addr.String(), cancel, done
}

func wait(t *testing.T, done <-chan runResult) error {
	t.Helper()
	select {
	case res := <-done:
		return res.err
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
		return nil
	}
}

func TestDaemon_RegistersAndProxies(t *testing.T) {
	sandbox := newFakeSandbox()
	d, err := New(testConfig(t, sandbox), zap.NewNop())
	require.NoError(t, err)

	base, cancel, done := start(t, d)

	assert.Eventually(t, func() bool {
		return sandbox.polls.Load() > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), sandbox.registered.Load())
	assert.Equal(t, "ext-1", d.extension.Identifier())

	sandbox.payloads <- `{"n":1}`
	resp, err := http.Get(base + nextPath)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-1", resp.Header.Get(runtimeapi.HeaderRequestID))
	assert.JSONEq(t, `{"n":1}`, string(body))

	cancel()
	assert.NoError(t, wait(t, done))
}

func TestDaemon_MissingIdentifierIsFatal(t *testing.T) {
	sandbox := newFakeSandbox()
	sandbox.omitIdentifier = true
	d, err := New(testConfig(t, sandbox), zap.NewNop())
	require.NoError(t, err)

	_, _, done := start(t, d)

	err = wait(t, done)
	require.Error(t, err)
	assert.True(t, runtimeapi.IsFatal(err))
	assert.True(t, errors.Is(err, runtimeapi.ErrMissingIdentifier))
	assert.Zero(t, sandbox.polls.Load())
}

func TestDaemon_MissingRequestIDIsFatal(t *testing.T) {
	sandbox := newFakeSandbox()
	sandbox.omitRequestID = true
	d, err := New(testConfig(t, sandbox), zap.NewNop())
	require.NoError(t, err)

	base, _, done := start(t, d)

	sandbox.payloads <- `{}`
	resp, err := http.Get(base + nextPath)
	if err == nil {
		resp.Body.Close()
	}

	err = wait(t, done)
	require.Error(t, err)
	assert.True(t, runtimeapi.IsFatal(err))
	assert.True(t, errors.Is(err, runtimeapi.ErrMissingRequestID))
}

func TestDaemon_SchemaValidation(t *testing.T) {
	schemaPath := filepath.Join(t.TempDir(), "event.yaml")
	require.NoError(t, os.WriteFile(schemaPath, []byte(`
type: object
required: [n]
properties:
  n:
    type: integer
`), 0o600))

	sandbox := newFakeSandbox()
	cfg := testConfig(t, sandbox)
	cfg.EventSchema = schemaPath
	d, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	base, cancel, done := start(t, d)

	sandbox.payloads <- `{"n":"not a number"}`
	sandbox.payloads <- `{"n":2}`
	resp, err := http.Get(base + nextPath)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.JSONEq(t, `{"n":2}`, string(body))
	assert.Equal(t, []string{"/2018-06-01/runtime/invocation/req-1/error"}, sandbox.errorPosts())

	cancel()
	assert.NoError(t, wait(t, done))
}

func TestNew_BadSchema(t *testing.T) {
	cfg := testConfig(t, newFakeSandbox())
	cfg.EventSchema = filepath.Join(t.TempDir(), "missing.json")

	_, err := New(cfg, zap.NewNop())
	assert.Error(t, err)
}

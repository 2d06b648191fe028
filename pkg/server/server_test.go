package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adaptiv/gh-broker/pkg/config"
	"github.com/adaptiv/gh-broker/pkg/constants"
	"github.com/adaptiv/gh-broker/pkg/ghclient"
	"github.com/adaptiv/gh-broker/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingArgs struct {
	Message string `json:"message,omitempty"`
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{DebugTruncateChars: 500}
	}

	r := registry.New(registry.NewWriteGate(false))
	r.Register(&registry.Tool{
		Name:        "ping",
		Description: "Echo a message back.",
		Visibility:  constants.VisibilityPublic,
		SideEffect:  constants.ReadOnly,
		InputSchema: registry.SchemaFor[pingArgs](),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			info := registry.RequestInfoFrom(ctx)
			return map[string]any{"message": args["message"], "request_id": info.RequestID}, nil
		},
	})
	r.Register(&registry.Tool{
		Name:        "hang",
		Description: "Block until cancelled.",
		Visibility:  constants.VisibilityPublic,
		SideEffect:  constants.ReadOnly,
		InputSchema: registry.SchemaFor[pingArgs](),
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	r.Freeze()

	return New(cfg, r, ghclient.NewPool(&config.Config{
		GitHubAPIBaseURL: constants.DefaultGitHubAPIBaseURL,
		HTTPTimeout:      time.Second,
		GitHubTimeout:    time.Second,
		MaxConcurrency:   2,
	}))
}

func TestHealthzShape(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, []any{"ok", "warning"}, body["status"])
	assert.Contains(t, body, "github_token_present")
	assert.Contains(t, body, "uptime_seconds")
	assert.Contains(t, body, "metrics")
}

func TestHealthzOneshot(t *testing.T) {
	srv := newTestServer(t, &config.Config{HealthzOneshot: true, DebugTruncateChars: 500})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	first, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	first.Body.Close()
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	second.Body.Close()
	assert.Equal(t, http.StatusNoContent, second.StatusCode)

	verbose, err := http.Get(ts.URL + "/healthz?verbose=1")
	require.NoError(t, err)
	verbose.Body.Close()
	assert.Equal(t, http.StatusOK, verbose.StatusCode)
}

func TestRequestIDAndAnchorHeaders(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/session/ping")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, srv.Anchor(), resp.Header.Get("X-Server-Anchor"))
	generated := resp.Header.Get("X-Request-Id")
	assert.Len(t, generated, 32)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/session/ping", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "client-supplied-id")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, "client-supplied-id", resp2.Header.Get("X-Request-Id"))
}

func TestSessionAssert(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	match, err := http.Get(ts.URL + "/session/assert?anchor=" + srv.Anchor())
	require.NoError(t, err)
	match.Body.Close()
	assert.Equal(t, http.StatusOK, match.StatusCode)

	mismatch, err := http.Get(ts.URL + "/session/assert?anchor=stale")
	require.NoError(t, err)
	mismatch.Body.Close()
	assert.Equal(t, http.StatusConflict, mismatch.StatusCode)
}

func TestCacheControlPolicy(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestTrustedHostRejection(t *testing.T) {
	srv := newTestServer(t, &config.Config{
		AllowedHosts:       []string{"broker.example.com"},
		DebugTruncateChars: 500,
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/session/ping", nil)
	require.NoError(t, err)
	req.Host = "evil.example.net"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req2, err := http.NewRequest(http.MethodGet, ts.URL+"/session/ping", nil)
	require.NoError(t, err)
	req2.Host = "broker.example.com"
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestToolCatalogEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tools")
	require.NoError(t, err)
	defer resp.Body.Close()
	var catalog struct {
		Tools []registry.ToolSummary `json:"tools"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&catalog))
	names := make([]string, 0, len(catalog.Tools))
	for _, tool := range catalog.Tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "ping")

	one, err := http.Get(ts.URL + "/tools/ping")
	require.NoError(t, err)
	one.Body.Close()
	assert.Equal(t, http.StatusOK, one.StatusCode)

	missing, err := http.Get(ts.URL + "/tools/nope")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestResourcesForwardedPrefix(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resourceURIs := func(prefix string) []string {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/resources", nil)
		require.NoError(t, err)
		if prefix != "" {
			req.Header.Set("X-Forwarded-Prefix", prefix)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Resources []struct {
				URI string `json:"uri"`
			} `json:"resources"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		uris := make([]string, 0, len(body.Resources))
		for _, res := range body.Resources {
			uris = append(uris, res.URI)
		}
		return uris
	}

	assert.Contains(t, resourceURIs(""), "tools/ping")
	assert.Contains(t, resourceURIs("/app"), "/app/tools/ping")
	assert.Contains(t, resourceURIs("/app/"), "/app/tools/ping")
}

func TestInvocationLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/tool_invocations", "application/json",
		strings.NewReader(`{"tool": "ping", "args": {"message": "hi"}}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created invocation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.NotEmpty(t, created.ID)

	final := pollInvocation(t, ts.URL, created.ID, invocationCompleted)
	result, ok := final.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", result["message"])
}

func TestInvocationCancel(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/tool_invocations", "application/json",
		strings.NewReader(`{"tool": "hang", "args": {}}`))
	require.NoError(t, err)
	var created invocation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	cancelResp, err := http.Post(ts.URL+"/tool_invocations/"+created.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	cancelResp.Body.Close()
	assert.Equal(t, http.StatusAccepted, cancelResp.StatusCode)

	pollInvocation(t, ts.URL, created.ID, invocationCancelled)
}

func pollInvocation(t *testing.T, baseURL, id string, want invocationState) invocation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/tool_invocations/" + id)
		require.NoError(t, err)
		var job invocation
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
		resp.Body.Close()
		if job.State == want {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("invocation %s never reached state %s", id, want)
	return invocation{}
}

func TestIdempotencyKeyPrecedence(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?idempotency_key=fromquery&dedupe_key=fallback", nil)
	assert.Equal(t, "fromquery", idempotencyKey(req))

	req.Header.Set("X-Idempotency-Key", "fromxheader")
	assert.Equal(t, "fromxheader", idempotencyKey(req))

	req.Header.Set("Idempotency-Key", "fromheader")
	assert.Equal(t, "fromheader", idempotencyKey(req))
}

func TestSanitizeForLog(t *testing.T) {
	assert.Equal(t, "pathinjected", sanitizeForLog("path\ninjected"))
	assert.Equal(t, "clean", sanitizeForLog("clean"))
}

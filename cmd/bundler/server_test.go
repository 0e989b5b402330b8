package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/bundlecdn/pkg/api"
	"github.com/vyvo/bundlecdn/pkg/bundle"
	"github.com/vyvo/bundlecdn/pkg/cache"
	"github.com/vyvo/bundlecdn/pkg/client"
	"github.com/vyvo/bundlecdn/pkg/compiler"
	"github.com/vyvo/bundlecdn/pkg/history"
	"github.com/vyvo/bundlecdn/pkg/normalize"
	"github.com/vyvo/bundlecdn/pkg/registry"
	"github.com/vyvo/bundlecdn/pkg/service"
)

type testEnv struct {
	public http.Handler
	admin  http.Handler
	calls  *atomic.Int32
}

func newTestEnv(t *testing.T, fn compiler.Func, waitTimeout time.Duration) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := cache.New(cache.Config{Budget: 1 << 20, Logger: logger})
	require.NoError(t, err)
	hist, err := history.NewMemStore(100)
	require.NoError(t, err)

	calls := &atomic.Int32{}
	counted := compiler.Func(func(ctx context.Context, spec bundle.BuildSpec) (bundle.Artifact, error) {
		calls.Add(1)
		if fn != nil {
			return fn(ctx, spec)
		}
		return bundle.NewArtifact(spec.Key(), []byte("window.bundle = 1;"), "", time.Now()), nil
	})

	svc, err := service.New(service.Config{
		Normalizer:  normalize.New(normalize.Defaults{}),
		Cache:       store,
		Registry:    registry.New(registry.Config{MaxDuration: 5 * time.Second, Logger: logger}),
		Compiler:    counted,
		History:     hist,
		MaxDuration: 5 * time.Second,
		Logger:      logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	srv := newServer(svc, logger, waitTimeout)
	return &testEnv{public: srv.routes(), admin: srv.adminRoutes(), calls: calls}
}

func do(h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStandalone_BuildsOnceThenServesFromCache(t *testing.T) {
	env := newTestEnv(t, nil, time.Second)

	first := do(env.public, http.MethodGet, "/standalone/lodash@%5E4.0.0", "", nil)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.Equal(t, "window.bundle = 1;", first.Body.String())
	assert.Equal(t, bundle.DefaultContentType, first.Header().Get("Content-Type"))
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
	assert.True(t, strings.HasPrefix(first.Header().Get("X-Bundle-Key"), "lodash@"))

	second := do(env.public, http.MethodGet, "/standalone/LoDash@^4.0.0", "", nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, first.Header().Get("ETag"), second.Header().Get("ETag"))
	assert.EqualValues(t, 1, env.calls.Load())
}

func TestStandalone_IfNoneMatch(t *testing.T) {
	env := newTestEnv(t, nil, time.Second)

	first := do(env.public, http.MethodGet, "/standalone/react@18.2.0", "", nil)
	require.Equal(t, http.StatusOK, first.Code)
	etag := first.Header().Get("ETag")
	assert.Regexp(t, `^"[0-9a-f]{32}"$`, etag)
	assert.Equal(t, `"`+bundle.ContentHash(first.Body.Bytes())[:32]+`"`, etag)

	cached := do(env.public, http.MethodGet, "/standalone/react@18.2.0", "", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, cached.Code)
	assert.Empty(t, cached.Body.String())

	weak := do(env.public, http.MethodGet, "/standalone/react@18.2.0", "", map[string]string{"If-None-Match": `"other", W/` + etag})
	assert.Equal(t, http.StatusNotModified, weak.Code)

	stale := do(env.public, http.MethodGet, "/standalone/react@18.2.0", "", map[string]string{"If-None-Match": `"other"`})
	assert.Equal(t, http.StatusOK, stale.Code)
}

func TestStandalone_ScopedPackagesAndDebug(t *testing.T) {
	env := newTestEnv(t, nil, time.Second)

	plain := do(env.public, http.MethodGet, "/standalone/@babel/core@7", "", nil)
	require.Equal(t, http.StatusOK, plain.Code, plain.Body.String())
	assert.Contains(t, plain.Header().Get("X-Bundle-Key"), "@babel/core@")
	assert.Contains(t, plain.Header().Get("X-Bundle-Key"), "debug=false")

	debug := do(env.public, http.MethodGet, "/debug-standalone/@babel/core@7", "", nil)
	require.Equal(t, http.StatusOK, debug.Code)
	assert.Contains(t, debug.Header().Get("X-Bundle-Key"), "debug=true")
	assert.EqualValues(t, 2, env.calls.Load())
}

func TestStandalone_InvalidRequest(t *testing.T) {
	env := newTestEnv(t, nil, time.Second)

	rec := do(env.public, http.MethodGet, "/standalone/not%20a%20package", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, bundle.KindInvalidRequest, body.Kind)

	rec = do(env.public, http.MethodGet, "/standalone/lodash?format=amd", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, env.calls.Load())
}

func TestStandalone_CompileErrorIsNotCached(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, spec bundle.BuildSpec) (bundle.Artifact, error) {
		return bundle.Artifact{}, bundle.CompileFailed("package not found", "nonexistent-pkg")
	}, time.Second)

	for i := 0; i < 2; i++ {
		rec := do(env.public, http.MethodGet, "/standalone/nonexistent-pkg", "", nil)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		body := decode[api.ErrorResponse](t, rec)
		assert.Equal(t, bundle.KindCompile, body.Kind)
		assert.Equal(t, "package not found", body.Error)
		assert.Equal(t, "nonexistent-pkg", body.Package)
	}
	assert.EqualValues(t, 2, env.calls.Load())

	status := do(env.public, http.MethodGet, "/status/nonexistent-pkg", "", nil)
	require.Equal(t, http.StatusOK, status.Code)
	state := decode[bundle.BuildState](t, status)
	assert.Equal(t, bundle.StatusFailed, state.Status)
	require.NotNil(t, state.Error)
	assert.Equal(t, "nonexistent-pkg", state.Error.Package)
}

func TestMulti_MatchesReorderedStandalone(t *testing.T) {
	env := newTestEnv(t, nil, time.Second)

	multi := do(env.public, http.MethodPost, "/multi",
		`{"dependencies":{"b":"2.0.0","a":"1.0.0"},"options":{"minify":true}}`, nil)
	require.Equal(t, http.StatusOK, multi.Code, multi.Body.String())

	standalone := do(env.public, http.MethodGet, "/standalone/b@2.0.0,a@1.0.0?minify=1", "", nil)
	require.Equal(t, http.StatusOK, standalone.Code)
	assert.Equal(t, multi.Header().Get("X-Bundle-Key"), standalone.Header().Get("X-Bundle-Key"))
	assert.Equal(t, "HIT", standalone.Header().Get("X-Cache"))
	assert.EqualValues(t, 1, env.calls.Load())
}

func TestMulti_BadBody(t *testing.T) {
	env := newTestEnv(t, nil, time.Second)

	assert.Equal(t, http.StatusBadRequest, do(env.public, http.MethodPost, "/multi", `{`, nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(env.public, http.MethodPost, "/multi", `{"dependencies":{"a":"1"},"options":{"minify":3}}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(env.public, http.MethodPost, "/multi", `{"dependencies":{}}`, nil).Code)
}

func TestDeferredRequestReportsProgress(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(ctx context.Context, spec bundle.BuildSpec) (bundle.Artifact, error) {
		<-release
		return bundle.NewArtifact(spec.Key(), []byte("slow"), "", time.Now()), nil
	}, time.Second)

	rec := do(env.public, http.MethodGet, "/standalone/slow-pkg@1.0.0?wait=false", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	state := decode[bundle.BuildState](t, rec)
	assert.Contains(t, []bundle.Status{bundle.StatusQueued, bundle.StatusBuilding}, state.Status)
	location := rec.Header().Get("Location")
	require.True(t, strings.HasPrefix(location, "/status?key="))

	close(release)
	require.Eventually(t, func() bool {
		poll := do(env.public, http.MethodGet, location, "", nil)
		return poll.Code == http.StatusOK && decode[bundle.BuildState](t, poll).Status == bundle.StatusReady
	}, 2*time.Second, 10*time.Millisecond)

	ready := do(env.public, http.MethodGet, "/standalone/slow-pkg@1.0.0?wait=false", "", nil)
	assert.Equal(t, http.StatusOK, ready.Code)
	assert.Equal(t, "slow", ready.Body.String())
	assert.EqualValues(t, 1, env.calls.Load())
}

func TestWaitTimeoutAnswersWithStatus(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(ctx context.Context, spec bundle.BuildSpec) (bundle.Artifact, error) {
		<-release
		return bundle.NewArtifact(spec.Key(), []byte("late"), "", time.Now()), nil
	}, 50*time.Millisecond)
	defer close(release)

	rec := do(env.public, http.MethodGet, "/standalone/late-pkg", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	state := decode[bundle.BuildState](t, rec)
	assert.Equal(t, bundle.StatusBuilding, state.Status)
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, nil, time.Second)

	unknown := do(env.public, http.MethodGet, "/status/left-pad@1.3.0", "", nil)
	require.Equal(t, http.StatusOK, unknown.Code)
	assert.Equal(t, bundle.StatusUnknown, decode[bundle.BuildState](t, unknown).Status)

	require.Equal(t, http.StatusOK, do(env.public, http.MethodGet, "/standalone/left-pad@1.3.0", "", nil).Code)

	ready := do(env.public, http.MethodGet, "/status/left-pad@1.3.0", "", nil)
	assert.Equal(t, bundle.StatusReady, decode[bundle.BuildState](t, ready).Status)

	assert.Equal(t, http.StatusBadRequest, do(env.public, http.MethodGet, "/status", "", nil).Code)
}

func TestAdmin_PurgeCacheAndBuilds(t *testing.T) {
	env := newTestEnv(t, nil, time.Second)
	require.Equal(t, http.StatusOK, do(env.public, http.MethodGet, "/standalone/one@1.0.0", "", nil).Code)
	require.Equal(t, http.StatusOK, do(env.public, http.MethodGet, "/standalone/two@1.0.0", "", nil).Code)

	listing := do(env.admin, http.MethodGet, "/admin/cache", "", nil)
	require.Equal(t, http.StatusOK, listing.Code)
	entries := decode[api.CacheResponse](t, listing)
	assert.Len(t, entries.Entries, 2)
	assert.Equal(t, 2, entries.Stats.Entries)

	builds := do(env.admin, http.MethodGet, "/admin/builds?limit=10", "", nil)
	require.Equal(t, http.StatusOK, builds.Code)
	assert.Len(t, decode[api.BuildsResponse](t, builds).History, 2)

	purge := do(env.admin, http.MethodPost, "/admin/purge?pattern=one@*", "", nil)
	require.Equal(t, http.StatusOK, purge.Code)
	assert.Equal(t, 1, decode[api.PurgeResponse](t, purge).Removed)

	assert.Equal(t, http.StatusBadRequest, do(env.admin, http.MethodPost, "/admin/purge", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(env.admin, http.MethodGet, "/admin/builds?limit=x", "", nil).Code)

	again := do(env.public, http.MethodGet, "/standalone/one@1.0.0", "", nil)
	assert.Equal(t, "MISS", again.Header().Get("X-Cache"))
	assert.EqualValues(t, 3, env.calls.Load())
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil, time.Second)
	assert.Equal(t, http.StatusOK, do(env.public, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(env.admin, http.MethodGet, "/healthz", "", nil).Code)
}

func TestEtagMatches(t *testing.T) {
	assert.True(t, etagMatches(`"a", "b"`, `"b"`))
	assert.True(t, etagMatches(`W/"b"`, `"b"`))
	assert.True(t, etagMatches(`*`, `"b"`))
	assert.False(t, etagMatches(``, `"b"`))
	assert.False(t, etagMatches(`"c"`, `"b"`))
}

func TestEvents_StreamsUntilTerminal(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(ctx context.Context, spec bundle.BuildSpec) (bundle.Artifact, error) {
		<-release
		return bundle.NewArtifact(spec.Key(), []byte("streamed"), "", time.Now()), nil
	}, time.Second)

	pending := do(env.public, http.MethodGet, "/standalone/stream-pkg@1.0.0?wait=false", "", nil)
	require.Equal(t, http.StatusAccepted, pending.Code)
	key := decode[bundle.BuildState](t, pending).Key

	time.AfterFunc(100*time.Millisecond, func() { close(release) })
	rec := do(env.public, http.MethodGet, "/events?key="+url.QueryEscape(string(key)), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var statuses []bundle.Status
	require.NoError(t, client.ReadEvents(rec.Body, func(payload json.RawMessage) error {
		var state bundle.BuildState
		if err := json.Unmarshal(payload, &state); err != nil {
			return err
		}
		statuses = append(statuses, state.Status)
		return nil
	}))
	require.NotEmpty(t, statuses)
	assert.Equal(t, bundle.StatusReady, statuses[len(statuses)-1])
	assert.Contains(t, []bundle.Status{bundle.StatusQueued, bundle.StatusBuilding}, statuses[0])

	unknown := do(env.public, http.MethodGet, "/events?key=never-built", "", nil)
	require.Equal(t, http.StatusOK, unknown.Code)
	assert.Equal(t, 1, strings.Count(unknown.Body.String(), "data: "))
	assert.Contains(t, unknown.Body.String(), `"status":"unknown"`)

	assert.Equal(t, http.StatusBadRequest, do(env.public, http.MethodGet, "/events", "", nil).Code)
}

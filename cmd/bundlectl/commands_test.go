package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/vyvo/bundlecdn/pkg/api"
	"github.com/vyvo/bundlecdn/pkg/bundle"
	"github.com/vyvo/bundlecdn/pkg/cache"
	"github.com/vyvo/bundlecdn/pkg/history"
)

func fakeBundler(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(api.PathStatus, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, bundle.BuildState{Key: bundle.Key(r.URL.Query().Get("key")), Status: bundle.StatusReady})
	})
	mux.HandleFunc(api.PathStatus+"/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, bundle.BuildState{
			Key:    bundle.Key(r.URL.Path[len(api.PathStatus)+1:] + "?format=" + r.URL.Query().Get("format") + "&minify=" + r.URL.Query().Get("minify")),
			Status: bundle.StatusFailed,
			Error:  &bundle.Error{Kind: bundle.KindCompile, Message: "package not found", Package: "nonexistent-pkg"},
		})
	})
	mux.HandleFunc(api.PathEvents, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, status := range []bundle.Status{bundle.StatusBuilding, bundle.StatusReady} {
			payload, _ := json.Marshal(bundle.BuildState{Key: bundle.Key(r.URL.Query().Get("key")), Status: status})
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
	})
	mux.HandleFunc(api.PathPurge, func(w http.ResponseWriter, r *http.Request) {
		pattern := r.URL.Query().Get("pattern")
		if pattern == "[" {
			writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "invalid purge pattern", Kind: bundle.KindInvalidRequest})
			return
		}
		writeJSON(w, http.StatusOK, api.PurgeResponse{Pattern: pattern, Removed: 2})
	})
	mux.HandleFunc(api.PathCache, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.CacheResponse{
			Stats: cache.Stats{Entries: 1, Bytes: 2048, Budget: 1 << 20, Hits: 7, Misses: 1},
			Entries: []cache.EntrySummary{{
				Key: "lodash@>=4.0.0 <5.0.0-0?debug=false&format=umd&global=lodash&minify=false", Size: 2048,
				Tier: cache.TierMemory, BuiltAt: time.Now().Add(-time.Hour),
			}},
		})
	})
	mux.HandleFunc(api.PathBuilds, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.BuildsResponse{
			InFlight: []bundle.BuildState{{Key: "react@18.x", Status: bundle.StatusBuilding, Waiters: 3}},
			History: []history.Record{{
				ID: "b1", Key: "boom@1.0.0", Status: bundle.StatusFailed, Duration: 1500 * time.Millisecond,
				ErrorKind: bundle.KindTimeout, ErrorMessage: "build exceeded 1s",
			}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", srv.URL, "--admin", srv.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	srv := fakeBundler(t)

	out, err := run(t, srv, "status", "--key", "lodash@4.x")
	require.NoError(t, err)
	assert.Contains(t, out, "lodash@4.x")
	assert.Contains(t, out, "ready")

	out, err = run(t, srv, "status", "nonexistent-pkg", "--format", "esm", "--minify")
	require.NoError(t, err)
	assert.Contains(t, out, "nonexistent-pkg?format=esm&minify=true")
	assert.Contains(t, out, "COMPILE_ERROR: package not found (nonexistent-pkg)")

	_, err = run(t, srv, "status")
	assert.Error(t, err)
}

func TestStatusCommand_Watch(t *testing.T) {
	srv := fakeBundler(t)

	out, err := run(t, srv, "-o", "json", "status", "--key", "react@18.x", "--watch")
	require.NoError(t, err)

	dec := json.NewDecoder(bytes.NewBufferString(out))
	var statuses []bundle.Status
	for dec.More() {
		var state bundle.BuildState
		require.NoError(t, dec.Decode(&state))
		statuses = append(statuses, state.Status)
	}
	assert.Equal(t, []bundle.Status{bundle.StatusBuilding, bundle.StatusReady}, statuses)
}

func TestPurgeCommand(t *testing.T) {
	srv := fakeBundler(t)

	out, err := run(t, srv, "purge", "lodash@*")
	require.NoError(t, err)
	assert.Contains(t, out, `removed 2 entries matching "lodash@*"`)

	out, err = run(t, srv, "-o", "yaml", "purge", "lodash@*")
	require.NoError(t, err)
	var res api.PurgeResponse
	require.NoError(t, yaml.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.Removed)

	_, err = run(t, srv, "purge", "[")
	require.Error(t, err)
	assert.Equal(t, bundle.KindInvalidRequest, bundle.KindOf(err))

	_, err = run(t, srv, "purge")
	assert.Error(t, err)
}

func TestCacheCommand(t *testing.T) {
	srv := fakeBundler(t)

	out, err := run(t, srv, "cache")
	require.NoError(t, err)
	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, "2.0 KiB")
	assert.Contains(t, out, "1 hour ago")
	assert.Contains(t, out, "1 entry, 2.0 KiB of 1.0 MiB in memory; 7 hits, 1 misses, 0 evictions")
}

func TestBuildsCommand(t *testing.T) {
	srv := fakeBundler(t)

	out, err := run(t, srv, "builds")
	require.NoError(t, err)
	assert.Contains(t, out, "react@18.x")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "TIMEOUT: build exceeded 1s")

	_, err = run(t, srv, "builds", "--limit", "0")
	assert.Error(t, err)
}

func TestUnknownOutputFormat(t *testing.T) {
	srv := fakeBundler(t)
	_, err := run(t, srv, "-o", "xml", "cache")
	assert.Error(t, err)
}

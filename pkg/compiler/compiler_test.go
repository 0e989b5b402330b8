package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/bundlecdn/pkg/bundle"
)

func testSpec(names ...string) bundle.BuildSpec {
	spec := bundle.BuildSpec{Options: bundle.Options{Format: bundle.FormatUMD}}
	for _, n := range names {
		spec.Packages = append(spec.Packages, bundle.Package{Name: n, Range: "^1.0.0"})
	}
	return spec
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseFailure(t *testing.T) {
	spec := testSpec("lodash", "nonexistent-pkg")

	err := ParseFailure("npm notice\nnpm ERR! 404 Not Found - GET https://registry.npmjs.org/nonexistent-pkg\nnpm ERR! done\n", spec)
	assert.Equal(t, bundle.KindCompile, err.Kind)
	assert.Equal(t, "nonexistent-pkg", err.Package)
	assert.Contains(t, err.Message, "404 Not Found")

	err = ParseFailure("Cannot find module 'lodash'", spec)
	assert.Equal(t, "lodash", err.Package)
	assert.Equal(t, "Cannot find module 'lodash'", err.Message)

	err = ParseFailure("", spec)
	assert.Empty(t, err.Package)
	assert.NotEmpty(t, err.Message)
}

func TestManifestEnv(t *testing.T) {
	spec := testSpec("a", "b")
	spec.Options.Minify = true
	spec.Options.GlobalName = "ab"

	env := NewManifest(spec).Env()
	assert.Contains(t, env, "BUNDLE_PACKAGES=a@^1.0.0\nb@^1.0.0")
	assert.Contains(t, env, "BUNDLE_FORMAT=umd")
	assert.Contains(t, env, "BUNDLE_MINIFY=true")
	assert.Contains(t, env, "BUNDLE_GLOBAL_NAME=ab")
}

func TestFunc(t *testing.T) {
	var c Compiler = Func(func(_ context.Context, spec bundle.BuildSpec) (bundle.Artifact, error) {
		return bundle.NewArtifact(spec.Key(), []byte("ok"), "", time.Now()), nil
	})
	art, err := c.Compile(context.Background(), testSpec("a"))
	require.NoError(t, err)
	assert.Equal(t, testSpec("a").Key(), art.Key)
}

func TestExecCompiler_WritesOutputFile(t *testing.T) {
	c := NewExec(`printf '/* %s */' "$BUNDLE_PACKAGES" > "$BUNDLE_OUTPUT"`, t.TempDir(), nil, quietLogger())

	art, err := c.Compile(context.Background(), testSpec("lodash"))
	require.NoError(t, err)
	assert.Equal(t, "/* lodash@^1.0.0 */", string(art.Body))
	assert.Equal(t, testSpec("lodash").Key(), art.Key)
	require.NoError(t, art.Verify())
}

func TestExecCompiler_FallsBackToStdout(t *testing.T) {
	c := NewExec(`cat "$BUNDLE_MANIFEST"`, t.TempDir(), nil, quietLogger())

	art, err := c.Compile(context.Background(), testSpec("react"))
	require.NoError(t, err)

	var m Manifest
	require.NoError(t, json.Unmarshal(art.Body, &m))
	assert.Equal(t, "react", m.Packages[0].Name)
}

func TestExecCompiler_Failure(t *testing.T) {
	c := NewExec(`echo "npm ERR! 404 Not Found - GET https://registry.npmjs.org/nonexistent-pkg" >&2; exit 1`, t.TempDir(), nil, quietLogger())

	_, err := c.Compile(context.Background(), testSpec("nonexistent-pkg"))
	require.Error(t, err)
	assert.ErrorIs(t, err, bundle.ErrCompile)
	assert.Equal(t, "nonexistent-pkg", bundle.AsError(err).Package)
}

func TestExecCompiler_ContextCancel(t *testing.T) {
	c := NewExec(`sleep 5`, t.TempDir(), nil, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Compile(ctx, testSpec("a"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecCompiler_EmptyOutput(t *testing.T) {
	c := NewExec(`true`, t.TempDir(), nil, quietLogger())
	_, err := c.Compile(context.Background(), testSpec("a"))
	assert.ErrorIs(t, err, bundle.ErrCompile)
}

func TestRemoteCompiler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/builds", r.URL.Path)
		var m Manifest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		if m.Packages[0].Name == "missing" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(map[string]string{"reason": "package not found", "package": "missing"})
			return
		}
		if m.Packages[0].Name == "broken" {
			http.Error(w, "worker crashed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/javascript")
		_, _ = w.Write([]byte("window.x=1"))
	}))
	defer srv.Close()

	c := NewRemote(srv.URL+"/", time.Second)

	art, err := c.Compile(context.Background(), testSpec("ok"))
	require.NoError(t, err)
	assert.Equal(t, "window.x=1", string(art.Body))
	assert.Equal(t, "text/javascript", art.ContentType)

	_, err = c.Compile(context.Background(), testSpec("missing"))
	require.Error(t, err)
	assert.Equal(t, bundle.KindCompile, bundle.KindOf(err))
	assert.Equal(t, "missing", bundle.AsError(err).Package)

	_, err = c.Compile(context.Background(), testSpec("broken"))
	require.Error(t, err)
	assert.Equal(t, bundle.KindInternal, bundle.KindOf(err))
	assert.Contains(t, err.Error(), "worker crashed")
}

func TestSSHConfigValidation(t *testing.T) {
	_, err := NewSSH(SSHConfig{Command: "make"}, quietLogger())
	assert.Error(t, err)

	_, err = NewSSH(SSHConfig{Host: "builder", Command: "make", PrivateKey: "not a key"}, quietLogger())
	assert.ErrorContains(t, err, "parse ssh private key")

	c, err := NewSSH(SSHConfig{Host: "builder", User: "ci", Password: "secret", Command: "make"}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 22, c.cfg.Port)
	assert.Equal(t, "/tmp/bundlecdn", c.cfg.RemoteDir)
}

func TestSSHWarnsWithoutKnownHosts(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	_, err := NewSSH(SSHConfig{Host: "builder", Password: "secret", Command: "make"}, logger)
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "host keys are not verified")
	assert.Contains(t, logs.String(), "host=builder")

	hosts := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(hosts, nil, 0o600))
	logs.Reset()
	_, err = NewSSH(SSHConfig{Host: "builder", Password: "secret", Command: "make", KnownHostsFile: hosts}, logger)
	require.NoError(t, err)
	assert.Empty(t, logs.String())
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'a b'`, shellQuote("a b"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

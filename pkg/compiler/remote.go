package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vyvo/bundlecdn/pkg/bundle"
)

// maxRemoteBundle caps the response body accepted from a build worker.
const maxRemoteBundle = 64 << 20

// RemoteCompiler delegates builds to an HTTP build worker. The worker
// accepts a JSON Manifest on POST /v1/builds and answers 200 with the
// bundle body, or 422 with a JSON {"reason", "package"} compile failure.
type RemoteCompiler struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemote creates a client for the worker at baseURL. timeout bounds a
// single HTTP exchange; the caller's context still applies.
func NewRemote(baseURL string, timeout time.Duration) *RemoteCompiler {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &RemoteCompiler{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type remoteFailure struct {
	Reason  string `json:"reason"`
	Package string `json:"package"`
}

func (c *RemoteCompiler) Compile(ctx context.Context, spec bundle.BuildSpec) (bundle.Artifact, error) {
	manifest := NewManifest(spec)
	body, err := json.Marshal(manifest)
	if err != nil {
		return bundle.Artifact{}, fmt.Errorf("marshal build request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/builds", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return bundle.Artifact{}, fmt.Errorf("create build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return bundle.Artifact{}, ctxErr
		}
		return bundle.Artifact{}, fmt.Errorf("submit build: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnprocessableEntity:
		var failure remoteFailure
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&failure); err != nil {
			return bundle.Artifact{}, fmt.Errorf("decode build failure: %w", err)
		}
		if failure.Reason == "" {
			failure.Reason = "build worker rejected the build"
		}
		return bundle.Artifact{}, bundle.CompileFailed(failure.Reason, failure.Package)
	default:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return bundle.Artifact{}, fmt.Errorf("build worker returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBundle+1))
	if err != nil {
		return bundle.Artifact{}, fmt.Errorf("read bundle: %w", err)
	}
	if len(data) > maxRemoteBundle {
		return bundle.Artifact{}, bundle.CompileFailed("bundle exceeds the maximum accepted size", "")
	}
	if len(data) == 0 {
		return bundle.Artifact{}, bundle.CompileFailed("build worker returned an empty bundle", "")
	}
	return bundle.NewArtifact(manifest.Key, data, resp.Header.Get("Content-Type"), time.Now()), nil
}

// Package client talks to a running bundler over HTTP.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vyvo/bundlecdn/pkg/api"
	"github.com/vyvo/bundlecdn/pkg/bundle"
)

// Client calls the public and admin APIs of a bundler.
type Client struct {
	publicURL  string
	adminURL   string
	httpClient *http.Client
}

// New creates a client. publicURL serves bundles and status; adminURL serves
// the /admin routes.
func New(publicURL, adminURL string) *Client {
	return &Client{
		publicURL: strings.TrimSuffix(publicURL, "/"),
		adminURL:  strings.TrimSuffix(adminURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Status reports the state of a cache key.
func (c *Client) Status(ctx context.Context, key bundle.Key) (bundle.BuildState, error) {
	endpoint := c.publicURL + api.PathStatus + "?key=" + url.QueryEscape(string(key))
	var state bundle.BuildState
	if err := c.getJSON(ctx, endpoint, &state); err != nil {
		return bundle.BuildState{}, fmt.Errorf("get status: %w", err)
	}
	return state, nil
}

// StatusFor reports the state of the bundle for modules ("name@range"
// entries) built with opts.
func (c *Client) StatusFor(ctx context.Context, modules []string, opts map[string]string) (bundle.BuildState, error) {
	if len(modules) == 0 {
		return bundle.BuildState{}, errors.New("at least one module is required")
	}
	endpoint := c.publicURL + api.PathStatus + "/" + url.PathEscape(strings.Join(modules, ","))
	if q := encodeOptions(opts); q != "" {
		endpoint += "?" + q
	}
	var state bundle.BuildState
	if err := c.getJSON(ctx, endpoint, &state); err != nil {
		return bundle.BuildState{}, fmt.Errorf("get status: %w", err)
	}
	return state, nil
}

// Purge removes cached bundles whose key matches the glob pattern.
func (c *Client) Purge(ctx context.Context, pattern string) (api.PurgeResponse, error) {
	endpoint := c.adminURL + api.PathPurge + "?pattern=" + url.QueryEscape(pattern)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return api.PurgeResponse{}, fmt.Errorf("create purge request: %w", err)
	}

	var out api.PurgeResponse
	if err := c.do(httpReq, &out); err != nil {
		return api.PurgeResponse{}, fmt.Errorf("purge: %w", err)
	}
	return out, nil
}

// Cache lists the cached bundles.
func (c *Client) Cache(ctx context.Context) (api.CacheResponse, error) {
	var out api.CacheResponse
	if err := c.getJSON(ctx, c.adminURL+api.PathCache, &out); err != nil {
		return api.CacheResponse{}, fmt.Errorf("list cache: %w", err)
	}
	return out, nil
}

// Builds lists running builds and up to limit recent outcomes.
func (c *Client) Builds(ctx context.Context, limit int) (api.BuildsResponse, error) {
	endpoint := c.adminURL + api.PathBuilds
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var out api.BuildsResponse
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return api.BuildsResponse{}, fmt.Errorf("list builds: %w", err)
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(httpReq, out)
}

func (c *Client) do(httpReq *http.Request, out any) error {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// responseError turns a non-200 response into a *bundle.Error when the
// server sent a structured body.
func responseError(resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var body api.ErrorResponse
	if err := json.Unmarshal(payload, &body); err == nil && body.Error != "" {
		if body.Kind != "" {
			return &bundle.Error{Kind: body.Kind, Message: body.Error, Package: body.Package}
		}
		return fmt.Errorf("%s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(payload)))
}

func encodeOptions(opts map[string]string) string {
	q := url.Values{}
	for k, v := range opts {
		if v != "" {
			q.Set(k, v)
		}
	}
	return q.Encode()
}

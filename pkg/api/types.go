// Package api holds the JSON shapes shared by the bundler HTTP server and
// its clients.
package api

import (
	"github.com/vyvo/bundlecdn/pkg/bundle"
	"github.com/vyvo/bundlecdn/pkg/cache"
	"github.com/vyvo/bundlecdn/pkg/history"
)

// Paths served by the bundler.
const (
	PathStandalone      = "/standalone/"
	PathDebugStandalone = "/debug-standalone/"
	PathMulti           = "/multi"
	PathStatus          = "/status"
	PathEvents          = "/events"
	PathPurge           = "/admin/purge"
	PathCache           = "/admin/cache"
	PathBuilds          = "/admin/builds"
)

// Response headers set on bundle responses.
const (
	HeaderBundleKey = "X-Bundle-Key"
	// HeaderCache is HIT, MISS or JOINED.
	HeaderCache = "X-Cache"
)

// MultiRequest is the body of POST /multi. Options values are strings or
// booleans.
type MultiRequest struct {
	Dependencies map[string]string `json:"dependencies"`
	Options      map[string]any    `json:"options,omitempty"`
}

// ErrorResponse is the body of every JSON error response.
type ErrorResponse struct {
	Error   string      `json:"error" yaml:"error"`
	Kind    bundle.Kind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Package string      `json:"package,omitempty" yaml:"package,omitempty"`
}

// PurgeResponse reports how many cache entries a purge removed.
type PurgeResponse struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Removed int    `json:"removed" yaml:"removed"`
}

// CacheResponse lists the cached artifacts.
type CacheResponse struct {
	Stats   cache.Stats          `json:"stats" yaml:"stats"`
	Entries []cache.EntrySummary `json:"entries" yaml:"entries"`
}

// BuildsResponse lists running builds and recent outcomes.
type BuildsResponse struct {
	InFlight []bundle.BuildState `json:"in_flight" yaml:"in_flight"`
	History  []history.Record    `json:"history" yaml:"history"`
}

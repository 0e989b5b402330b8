package bundle

import (
	"strings"
	"time"
)

// Status represents the lifecycle state of a bundle build.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusBuilding Status = "building"
	StatusReady    Status = "ready"
	StatusFailed   Status = "failed"
	StatusUnknown  Status = "unknown"
)

// Terminal reports whether no further transitions can happen from s.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// Format selects the module wrapper emitted by the compiler.
type Format string

const (
	FormatUMD  Format = "umd"
	FormatIIFE Format = "iife"
	FormatESM  Format = "esm"
	FormatCJS  Format = "cjs"
)

// Valid reports whether f is one of the supported output formats.
func (f Format) Valid() bool {
	switch f {
	case FormatUMD, FormatIIFE, FormatESM, FormatCJS:
		return true
	}
	return false
}

// Package is a single registry package pinned to a canonical version range.
type Package struct {
	Name  string `json:"name"`
	Range string `json:"range"`
}

func (p Package) String() string {
	return p.Name + "@" + p.Range
}

// Options are the canonical build options of a bundle request.
type Options struct {
	Format     Format `json:"format"`
	Minify     bool   `json:"minify"`
	Debug      bool   `json:"debug"`
	GlobalName string `json:"global_name,omitempty"`
}

// BuildSpec is the canonical description of what to compile. Packages are
// sorted by name and unique.
type BuildSpec struct {
	Packages []Package `json:"packages"`
	Options  Options   `json:"options"`
}

// Key renders the cache key of a canonical spec. Two specs produce the same
// key exactly when their packages and options are equal.
func (s BuildSpec) Key() Key {
	var b strings.Builder
	for i, pkg := range s.Packages {
		if i > 0 {
			b.WriteByte('+')
		}
		b.WriteString(pkg.String())
	}
	b.WriteString("?debug=")
	b.WriteString(boolString(s.Options.Debug))
	b.WriteString("&format=")
	b.WriteString(string(s.Options.Format))
	b.WriteString("&global=")
	b.WriteString(s.Options.GlobalName)
	b.WriteString("&minify=")
	b.WriteString(boolString(s.Options.Minify))
	return Key(b.String())
}

// PackageNames returns the package names of s in order.
func (s BuildSpec) PackageNames() []string {
	names := make([]string, 0, len(s.Packages))
	for _, pkg := range s.Packages {
		names = append(names, pkg.Name)
	}
	return names
}

// Artifact is an immutable compiled bundle. Body must not be modified once
// the artifact has been handed to the cache.
type Artifact struct {
	Key         Key       `json:"key"`
	Body        []byte    `json:"-"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	ETag        string    `json:"etag"`
	BuiltAt     time.Time `json:"built_at"`
}

// BuildState is a point-in-time view of a build tracked for a key.
type BuildState struct {
	Key        Key       `json:"key" yaml:"key"`
	BuildID    string    `json:"build_id,omitempty" yaml:"build_id,omitempty"`
	Status     Status    `json:"status" yaml:"status"`
	CreatedAt  time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Waiters    int       `json:"waiters" yaml:"waiters"`
	Error      *Error    `json:"error,omitempty" yaml:"error,omitempty"`
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// Package compiler adapts bundling toolchains to the Compiler capability the
// bundle service calls. The toolchain itself is opaque: it receives a
// manifest of packages and options and produces one JavaScript file.
package compiler

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/vyvo/bundlecdn/pkg/bundle"
)

// Compiler produces the artifact for a canonical build spec. Failures
// attributable to the request are returned as COMPILE_ERROR bundle errors.
type Compiler interface {
	Compile(ctx context.Context, spec bundle.BuildSpec) (bundle.Artifact, error)
}

// Func adapts a function to the Compiler interface.
type Func func(ctx context.Context, spec bundle.BuildSpec) (bundle.Artifact, error)

func (f Func) Compile(ctx context.Context, spec bundle.BuildSpec) (bundle.Artifact, error) {
	return f(ctx, spec)
}

// Manifest is the build description handed to a toolchain, either as a
// manifest.json file or as a request body.
type Manifest struct {
	Key      bundle.Key       `json:"key"`
	Packages []bundle.Package `json:"packages"`
	Options  bundle.Options   `json:"options"`
}

// NewManifest describes spec for a toolchain.
func NewManifest(spec bundle.BuildSpec) Manifest {
	return Manifest{Key: spec.Key(), Packages: spec.Packages, Options: spec.Options}
}

// Env renders the manifest as BUNDLE_* environment assignments.
// BUNDLE_PACKAGES holds one name@range per line since ranges may contain
// spaces.
func (m Manifest) Env() []string {
	pkgs := make([]string, 0, len(m.Packages))
	for _, p := range m.Packages {
		pkgs = append(pkgs, p.String())
	}
	return []string{
		"BUNDLE_PACKAGES=" + strings.Join(pkgs, "\n"),
		"BUNDLE_FORMAT=" + string(m.Options.Format),
		"BUNDLE_MINIFY=" + strconv.FormatBool(m.Options.Minify),
		"BUNDLE_DEBUG=" + strconv.FormatBool(m.Options.Debug),
		"BUNDLE_GLOBAL_NAME=" + m.Options.GlobalName,
	}
}

const maxReasonLen = 512

// ParseFailure turns toolchain output into a COMPILE_ERROR. The reason is
// the first line that reads like a failure, or the last non-empty line; the
// offending package is the longest package name of spec quoted or pinned in
// the output.
func ParseFailure(output string, spec bundle.BuildSpec) *bundle.Error {
	var reason, last string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		last = line
		if reason == "" && failureLine(line) {
			reason = line
		}
	}
	if reason == "" {
		reason = last
	}
	if reason == "" {
		reason = "compiler failed without output"
	}
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}
	return bundle.CompileFailed(reason, offendingPackage(output, spec))
}

func failureLine(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range []string{"error", "err!", "cannot", "not found", "failed"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func offendingPackage(output string, spec bundle.BuildSpec) string {
	names := spec.PackageNames()
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	lower := strings.ToLower(output)
	for _, name := range names {
		for _, marker := range []string{"'" + name + "'", `"` + name + `"`, name + "@", "/" + name + "\n", "/" + name + " "} {
			if strings.Contains(lower, marker) {
				return name
			}
		}
		if strings.HasSuffix(strings.TrimSpace(lower), "/"+name) {
			return name
		}
	}
	return ""
}

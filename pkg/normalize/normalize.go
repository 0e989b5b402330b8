// Package normalize turns raw bundle requests into canonical build specs.
//
// Normalization is pure: it performs no I/O and never blocks. Two requests
// that name the same packages, ranges and options normalize to equal specs
// (and therefore equal cache keys) regardless of ordering, letter case or the
// spelling of version shorthand.
package normalize

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/vyvo/bundlecdn/pkg/bundle"
)

// MaxPackages bounds the number of packages in a single bundle request.
const MaxPackages = 64

// Option names understood in Request.Options.
const (
	OptionFormat     = "format"
	OptionMinify     = "minify"
	OptionDebug      = "debug"
	OptionStandalone = "standalone"
)

var (
	packageNamePattern = regexp.MustCompile(`^(?:@[a-z0-9~-][a-z0-9._~-]*/)?[a-z0-9~-][a-z0-9._~-]*$`)
	globalNamePattern  = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*(?:\.[A-Za-z_$][A-Za-z0-9_$]*)*$`)
)

// Request is a transport-agnostic bundle request. Modules hold entries of the
// form "name" or "name@range"; Versions optionally supplies a range per name
// (used by multi-package requests that send a name to range map).
type Request struct {
	Modules  []string
	Versions map[string]string
	Options  map[string]string
}

// Defaults are applied to options a client omitted.
type Defaults struct {
	Version string
	Format  bundle.Format
	Minify  bool
	Debug   bool
}

// Normalizer maps requests to canonical build specs.
type Normalizer struct {
	defaults Defaults
}

// New returns a Normalizer using d for omitted values. Empty defaults fall
// back to "latest" and UMD output.
func New(d Defaults) *Normalizer {
	if strings.TrimSpace(d.Version) == "" {
		d.Version = "latest"
	}
	if d.Format == "" {
		d.Format = bundle.FormatUMD
	}
	return &Normalizer{defaults: d}
}

// Normalize validates req and returns its canonical spec. All failures are
// InvalidRequest errors.
func (n *Normalizer) Normalize(req Request) (bundle.BuildSpec, error) {
	entries := make([]string, 0, len(req.Modules)+len(req.Versions))
	entries = append(entries, req.Modules...)
	names := make([]string, 0, len(req.Versions))
	for name := range req.Versions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entries = append(entries, name+"@"+req.Versions[name])
	}

	if len(entries) == 0 {
		return bundle.BuildSpec{}, bundle.Invalid("at least one package is required")
	}
	if len(entries) > MaxPackages {
		return bundle.BuildSpec{}, bundle.Invalid("too many packages: %d (max %d)", len(entries), MaxPackages)
	}

	byName := make(map[string]string, len(entries))
	for _, entry := range entries {
		pkg, err := n.parsePackage(entry)
		if err != nil {
			return bundle.BuildSpec{}, err
		}
		if existing, ok := byName[pkg.Name]; ok && existing != pkg.Range {
			return bundle.BuildSpec{}, bundle.InvalidPackage(pkg.Name, "conflicting ranges %q and %q", existing, pkg.Range)
		}
		byName[pkg.Name] = pkg.Range
	}

	packages := make([]bundle.Package, 0, len(byName))
	for name, rng := range byName {
		packages = append(packages, bundle.Package{Name: name, Range: rng})
	}
	sort.Slice(packages, func(i, j int) bool { return packages[i].Name < packages[j].Name })

	opts, err := n.options(req.Options, packages)
	if err != nil {
		return bundle.BuildSpec{}, err
	}
	return bundle.BuildSpec{Packages: packages, Options: opts}, nil
}

// Key normalizes req and returns its cache key.
func (n *Normalizer) Key(req Request) (bundle.Key, error) {
	spec, err := n.Normalize(req)
	if err != nil {
		return "", err
	}
	return spec.Key(), nil
}

func (n *Normalizer) parsePackage(entry string) (bundle.Package, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return bundle.Package{}, bundle.Invalid("empty package entry")
	}

	name, rng := entry, ""
	// A leading @ belongs to the scope, not the version separator.
	if idx := strings.LastIndex(entry, "@"); idx > 0 {
		name, rng = entry[:idx], entry[idx+1:]
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if len(name) > 214 || !packageNamePattern.MatchString(name) {
		return bundle.Package{}, bundle.InvalidPackage(name, "malformed package name")
	}

	if strings.TrimSpace(rng) == "" {
		rng = n.defaults.Version
	}
	canonical, err := CanonicalRange(rng)
	if err != nil {
		return bundle.Package{}, bundle.InvalidPackage(name, "unparsable version range %q: %v", rng, err)
	}
	return bundle.Package{Name: name, Range: canonical}, nil
}

func (n *Normalizer) options(raw map[string]string, packages []bundle.Package) (bundle.Options, error) {
	opts := bundle.Options{
		Format: n.defaults.Format,
		Minify: n.defaults.Minify,
		Debug:  n.defaults.Debug,
	}

	lookup := make(map[string]string, len(raw))
	for k, v := range raw {
		lookup[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	if v, ok := lookup[OptionFormat]; ok && v != "" {
		opts.Format = bundle.Format(strings.ToLower(v))
		if !opts.Format.Valid() {
			return bundle.Options{}, bundle.Invalid("unsupported format %q", v)
		}
	}

	var err error
	if opts.Minify, err = boolOption(lookup, OptionMinify, opts.Minify); err != nil {
		return bundle.Options{}, err
	}
	if opts.Debug, err = boolOption(lookup, OptionDebug, opts.Debug); err != nil {
		return bundle.Options{}, err
	}

	if v := lookup[OptionStandalone]; v != "" {
		if !globalNamePattern.MatchString(v) {
			return bundle.Options{}, bundle.Invalid("invalid global name %q", v)
		}
		opts.GlobalName = v
	}
	if opts.GlobalName == "" && opts.Format == bundle.FormatUMD && len(packages) == 1 {
		opts.GlobalName = GlobalName(packages[0].Name)
	}
	if opts.Format != bundle.FormatUMD && opts.Format != bundle.FormatIIFE {
		opts.GlobalName = ""
	}
	return opts, nil
}

func boolOption(lookup map[string]string, name string, fallback bool) (bool, error) {
	v, ok := lookup[name]
	if !ok || v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, bundle.Invalid("option %s must be a boolean, got %q", name, v)
	}
	return parsed, nil
}

// GlobalName derives the default UMD export name for a package:
// "@scope/lodash.merge" becomes "lodashMerge".
func GlobalName(pkg string) string {
	if idx := strings.LastIndex(pkg, "/"); idx >= 0 {
		pkg = pkg[idx+1:]
	}
	var b strings.Builder
	upper := false
	for _, r := range pkg {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '$' {
			upper = b.Len() > 0
			continue
		}
		if b.Len() == 0 && unicode.IsDigit(r) {
			b.WriteByte('_')
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		return "bundle"
	}
	return b.String()
}

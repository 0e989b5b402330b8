package normalize

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	distTagPattern  = regexp.MustCompile(`^[a-z][a-z0-9._-]*$`)
	hyphenPattern   = regexp.MustCompile(`^(\S+)\s+-\s+(\S+)$`)
	operatorPattern = regexp.MustCompile(`^(\^|~>|~|>=|<=|>|<|!=|=)?\s*(.*)$`)
)

// CanonicalRange rewrites a version range into a single canonical spelling.
//
//	"v1.2.3", "=1.2.3"        -> "1.2.3"
//	"^4", "^4.0"              -> "^4.0.0"
//	"4", "4.x", "4.X.*"       -> "4.x"
//	"", "*", "x"              -> "*"
//	">=2 <3 || 1.x"           -> "1.x || <3.0.0 >=2.0.0"
//	"1 - 2", "1.0.0 - 2.0.0"  -> "<3.0.0-0 >=1.0.0", "<=2.0.0 >=1.0.0"
//	"LATEST", "next"          -> "latest", "next" (dist-tags)
//
// Alternatives and the comparators inside each alternative are sorted, so
// reordered but equivalent ranges share one spelling.
func CanonicalRange(raw string) (string, error) {
	rng := strings.ToLower(strings.TrimSpace(raw))
	if rng == "" {
		return "*", nil
	}

	if _, err := semver.NewConstraint(rng); err != nil {
		if distTagPattern.MatchString(rng) {
			return rng, nil
		}
		return "", err
	}

	alternatives := strings.Split(rng, "||")
	out := make([]string, 0, len(alternatives))
	for _, alt := range alternatives {
		canonical, err := canonicalAlternative(strings.TrimSpace(alt))
		if err != nil {
			return "", err
		}
		out = append(out, canonical)
	}
	sort.Strings(out)
	return strings.Join(dedupe(out), " || "), nil
}

func canonicalAlternative(alt string) (string, error) {
	if alt == "" {
		return "*", nil
	}
	var terms []string
	if m := hyphenPattern.FindStringSubmatch(alt); m != nil {
		bounds, err := hyphenBounds(m[1], m[2])
		if err != nil {
			return "", err
		}
		terms = bounds
	} else {
		terms = splitComparators(alt)
	}
	out := make([]string, 0, len(terms))
	for _, term := range terms {
		canonical, err := canonicalTerm(term)
		if err != nil {
			return "", err
		}
		if canonical == "*" && len(terms) > 1 {
			continue
		}
		out = append(out, canonical)
	}
	if len(out) == 0 {
		return "*", nil
	}
	sort.Strings(out)
	return strings.Join(dedupe(out), " "), nil
}

// hyphenBounds rewrites "lo - hi" as comparators. A partial upper bound
// covers its whole minor or major line: "1 - 2" is ">=1.0.0 <3.0.0-0" while
// "1 - 2.0.0" is ">=1.0.0 <=2.0.0".
func hyphenBounds(lo, hi string) ([]string, error) {
	var terms []string
	loCore, loSuffix := splitSuffix(strings.TrimPrefix(lo, "v"))
	if loNumeric := numericParts(loCore); len(loNumeric) > 0 {
		if len(loNumeric) < 3 && loSuffix != "" {
			return nil, fmt.Errorf("prerelease on partial version %q", lo)
		}
		terms = append(terms, ">="+strings.Join(loNumeric, ".")+loSuffix)
	}

	hiCore, hiSuffix := splitSuffix(strings.TrimPrefix(hi, "v"))
	hiNumeric := numericParts(hiCore)
	switch {
	case len(hiNumeric) == 0:
	case len(hiNumeric) == 3:
		terms = append(terms, "<="+strings.Join(hiNumeric, ".")+hiSuffix)
	default:
		if hiSuffix != "" {
			return nil, fmt.Errorf("prerelease on partial version %q", hi)
		}
		last := len(hiNumeric) - 1
		n, err := strconv.Atoi(hiNumeric[last])
		if err != nil {
			return nil, fmt.Errorf("invalid version %q: %w", hi, err)
		}
		upper := append(append([]string(nil), hiNumeric[:last]...), strconv.Itoa(n+1))
		for len(upper) < 3 {
			upper = append(upper, "0")
		}
		terms = append(terms, "<"+strings.Join(upper, ".")+"-0")
	}
	if len(terms) == 0 {
		return []string{"*"}, nil
	}
	return terms, nil
}

func numericParts(core string) []string {
	parts := strings.Split(core, ".")
	numeric := make([]string, 0, len(parts))
	for _, p := range parts {
		if isWildcard(p) {
			break
		}
		numeric = append(numeric, p)
	}
	return numeric
}

// splitComparators splits an AND-ed comparator set on commas and whitespace,
// rejoining operators that were separated from their version ("> = 1" is not
// accepted, but ">= 1.2" is).
func splitComparators(alt string) []string {
	fields := strings.Fields(strings.ReplaceAll(alt, ",", " "))
	terms := make([]string, 0, len(fields))
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if isOperator(f) && i+1 < len(fields) {
			f += fields[i+1]
			i++
		}
		terms = append(terms, f)
	}
	return terms
}

func isOperator(s string) bool {
	switch s {
	case "^", "~", "~>", ">=", "<=", ">", "<", "!=", "=":
		return true
	}
	return false
}

func canonicalTerm(term string) (string, error) {
	m := operatorPattern.FindStringSubmatch(term)
	op, ver := m[1], strings.TrimSpace(m[2])
	if op == "~>" {
		op = "~"
	}
	if ver == "" {
		return "", fmt.Errorf("missing version after %q", op)
	}

	core, suffix := splitSuffix(strings.TrimPrefix(ver, "v"))
	parts := strings.Split(core, ".")
	if len(parts) > 3 {
		return "", fmt.Errorf("too many version components in %q", ver)
	}
	numeric := numericParts(core)

	if op == "" || op == "=" {
		switch {
		case len(numeric) == 0:
			return "*", nil
		case len(numeric) < 3:
			if suffix != "" {
				return "", fmt.Errorf("prerelease on partial version %q", ver)
			}
			return strings.Join(numeric, ".") + ".x", nil
		default:
			return canonicalVersion(ver)
		}
	}

	if len(numeric) == 0 {
		if op == "<" || op == "!=" {
			return "", fmt.Errorf("range %q matches nothing", term)
		}
		return "*", nil
	}
	if len(numeric) < 3 {
		if suffix != "" {
			return "", fmt.Errorf("prerelease on partial version %q", ver)
		}
		// Padding a partial version with zeros only preserves meaning for
		// some operators: ^1 == ^1.0.0 but ^0 != ^0.0.0, ~1.2 == ~1.2.0
		// but ~1 != ~1.0.0, >=1 == >=1.0.0 but >1 != >1.0.0.
		switch op {
		case "^":
			if numeric[0] == "0" && (len(numeric) == 1 || numeric[1] == "0") {
				return strings.Join(numeric, ".") + ".x", nil
			}
		case "~":
			if len(numeric) == 1 {
				return numeric[0] + ".x", nil
			}
		case ">", "<=", "!=":
			return op + strings.Join(numeric, "."), nil
		}
	}
	padded := append([]string(nil), numeric...)
	for len(padded) < 3 {
		padded = append(padded, "0")
	}
	v, err := canonicalVersion(strings.Join(padded, ".") + suffix)
	if err != nil {
		return "", err
	}
	return op + v, nil
}

func canonicalVersion(raw string) (string, error) {
	v, err := semver.NewVersion(strings.TrimPrefix(strings.TrimPrefix(raw, "="), "v"))
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

func splitSuffix(ver string) (string, string) {
	if idx := strings.IndexAny(ver, "-+"); idx >= 0 {
		return ver[:idx], ver[idx:]
	}
	return ver, ""
}

func isWildcard(part string) bool {
	return part == "x" || part == "*" || part == ""
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for _, s := range sorted {
		if len(out) > 0 && out[len(out)-1] == s {
			continue
		}
		out = append(out, s)
	}
	return out
}

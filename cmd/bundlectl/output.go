package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/vyvo/bundlecdn/pkg/bundle"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

// render writes v as JSON or YAML, or calls table for the default format.
func render(w io.Writer, format string, v any, table func(*tabwriter.Writer)) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	}
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func describeError(err *bundle.Error) string {
	if err == nil {
		return ""
	}
	if err.Package != "" {
		return fmt.Sprintf("%s: %s (%s)", err.Kind, err.Message, err.Package)
	}
	return fmt.Sprintf("%s: %s", err.Kind, err.Message)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

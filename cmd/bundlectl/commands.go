package main

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vyvo/bundlecdn/pkg/api"
	"github.com/vyvo/bundlecdn/pkg/bundle"
)

func newStatusCmd(root *rootOptions) *cobra.Command {
	var (
		key        string
		format     string
		minify     bool
		debug      bool
		standalone string
		watch      bool
	)
	cmd := &cobra.Command{
		Use:   "status [module...]",
		Short: "Show the build status of a bundle",
		Long: `Show the build status of a bundle, given either its cache key or the
modules ("name" or "name@range") and options it was requested with.`,
		Example: `  bundlectl status lodash@^4.0.0
  bundlectl status react@18 react-dom@18 --format esm --watch
  bundlectl status --key 'lodash@^4.0.0?debug=false&format=umd&global=lodash&minify=false'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" && len(args) == 0 {
				return errors.New("either --key or at least one module is required")
			}
			c := root.client()
			ctx := cmd.Context()

			var (
				state bundle.BuildState
				err   error
			)
			if key != "" {
				state, err = c.Status(ctx, bundle.Key(key))
			} else {
				opts := map[string]string{"format": format, "standalone": standalone}
				if cmd.Flags().Changed("minify") {
					opts["minify"] = strconv.FormatBool(minify)
				}
				if cmd.Flags().Changed("debug") {
					opts["debug"] = strconv.FormatBool(debug)
				}
				state, err = c.StatusFor(ctx, args, opts)
			}
			if err != nil {
				return err
			}

			if !watch {
				return render(cmd.OutOrStdout(), root.output, state, stateTable(state))
			}
			return c.Watch(ctx, state.Key, func(next bundle.BuildState) error {
				return render(cmd.OutOrStdout(), root.output, next, stateTable(next))
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Cache key to query instead of modules")
	cmd.Flags().StringVar(&format, "format", "", "Bundle format: umd, iife, esm or cjs")
	cmd.Flags().BoolVar(&minify, "minify", false, "Query the minified bundle")
	cmd.Flags().BoolVar(&debug, "debug", false, "Query the debug bundle")
	cmd.Flags().StringVar(&standalone, "standalone", "", "Global export name")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow the build until it finishes")
	return cmd
}

func stateTable(state bundle.BuildState) func(*tabwriter.Writer) {
	return func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "KEY\t%s\n", state.Key)
		fmt.Fprintf(tw, "STATUS\t%s\n", state.Status)
		if state.BuildID != "" {
			fmt.Fprintf(tw, "BUILD\t%s\n", state.BuildID)
		}
		if state.Status == bundle.StatusQueued || state.Status == bundle.StatusBuilding {
			fmt.Fprintf(tw, "WAITERS\t%d\n", state.Waiters)
			fmt.Fprintf(tw, "STARTED\t%s\n", ago(state.StartedAt))
		} else if !state.FinishedAt.IsZero() {
			fmt.Fprintf(tw, "FINISHED\t%s\n", ago(state.FinishedAt))
		}
		if state.Error != nil {
			fmt.Fprintf(tw, "ERROR\t%s\n", describeError(state.Error))
		}
	}
}

func newPurgeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <pattern>",
		Short: "Remove cached bundles whose key matches a glob pattern",
		Example: `  bundlectl purge 'lodash@*'
  bundlectl purge '*format=esm*'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := root.client().Purge(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), root.output, res, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "removed %d %s matching %q\n", res.Removed, plural(res.Removed, "entry", "entries"), res.Pattern)
			})
		},
	}
}

func newCacheCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cache",
		Short: "List cached bundles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := root.client().Cache(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), root.output, res, cacheTable(res))
		},
	}
}

func cacheTable(res api.CacheResponse) func(*tabwriter.Writer) {
	return func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "KEY\tSIZE\tTIER\tBUILT\tLAST USED")
		for _, e := range res.Entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				e.Key, humanize.IBytes(uint64(e.Size)), e.Tier, ago(e.BuiltAt), ago(e.LastAccessed))
		}
		st := res.Stats
		fmt.Fprintf(tw, "\n%d %s, %s of %s in memory; %d hits, %d misses, %d evictions\n",
			st.Entries, plural(st.Entries, "entry", "entries"),
			humanize.IBytes(uint64(st.Bytes)), humanize.IBytes(uint64(st.Budget)),
			st.Hits, st.Misses, st.Evictions)
	}
}

func newBuildsCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "builds",
		Short: "List running builds and recent outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			res, err := root.client().Builds(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), root.output, res, buildsTable(res))
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of recent builds to show")
	return cmd
}

func buildsTable(res api.BuildsResponse) func(*tabwriter.Writer) {
	return func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "KEY\tSTATUS\tWAITERS\tSTARTED")
		for _, b := range res.InFlight {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", b.Key, b.Status, b.Waiters, ago(b.StartedAt))
		}
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "KEY\tSTATUS\tDURATION\tFINISHED\tERROR")
		for _, rec := range res.History {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				rec.Key, rec.Status, rec.Duration.Round(time.Millisecond), ago(rec.FinishedAt), orDash(describeError(rec.Err())))
		}
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

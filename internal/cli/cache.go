package cli

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/config"
	"github.com/roach88/tally/internal/ir"
	"github.com/roach88/tally/internal/store"
)

// CacheResult is the JSON payload of the cache commands.
type CacheResult struct {
	Path      string              `json:"path"`
	Snapshots []ir.CachedSnapshot `json:"snapshots"`
	Cleared   bool                `json:"cleared,omitempty"`
}

// NewCacheCommand creates the cache command group.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the SQLite cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "show",
		Short:         "Print every cached counter value",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCache(rootOpts, cmd, false)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "clear",
		Short:         "Remove every cached counter value",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCache(rootOpts, cmd, true)
		},
	})

	return cmd
}

func runCache(opts *RootOptions, cmd *cobra.Command, wipe bool) error {
	f := newFormatter(opts, cmd)
	ctx := cmd.Context()

	p, err := loadPolicy(opts, cmd)
	if err != nil {
		return f.Fail(ExitCommandError, errorCode(err), "failed to load policy", err)
	}
	if p.Cache.Kind != config.CacheSQLite {
		return f.Fail(ExitCommandError, ErrCodeGeneric,
			fmt.Sprintf("cache %s supports the sqlite cache only, policy selects %q", cmd.Name(), p.Cache.Kind), nil)
	}

	st, err := store.Open(p.Cache.Path, store.WithLogger(newLogger(opts, cmd.ErrOrStderr())))
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to open cache", err)
	}
	defer st.Close()

	result := CacheResult{Path: p.Cache.Path}
	if wipe {
		if err := st.Clear(ctx); err != nil {
			return f.Fail(ExitFailure, ErrCodeGeneric, "failed to clear cache", err)
		}
		result.Cleared = true
	}
	snaps, err := st.Snapshots(ctx)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeGeneric, "failed to read cache", err)
	}
	slices.SortFunc(snaps, func(a, b ir.CachedSnapshot) int { return strings.Compare(a.Key, b.Key) })
	result.Snapshots = snaps

	return f.Emit(result, func(w io.Writer) {
		if result.Cleared {
			fmt.Fprintf(w, "cleared %s\n", result.Path)
		}
		if len(result.Snapshots) == 0 {
			fmt.Fprintln(w, "cache is empty")
			return
		}
		for _, s := range result.Snapshots {
			fmt.Fprintf(w, "%-14s %d\n", s.Key, s.Value)
		}
	})
}

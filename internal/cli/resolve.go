package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/arbiter"
	"github.com/roach88/tally/internal/ir"
	"github.com/roach88/tally/internal/resolver"
)

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	BypassCache bool
	ShowLog     bool
}

// ResolveResult is the JSON payload of the resolve command.
type ResolveResult struct {
	View          string            `json:"view"`
	Notifications []ir.StatsUpdate  `json:"notifications"`
	Final         ir.StatsUpdate    `json:"final"`
	Log           []ir.WriteAttempt `json:"log,omitempty"`
	Summary       *arbiter.Summary  `json:"summary,omitempty"`
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Load the counters once, the way a page view does",
		Long: `Start one page view: show cached values first, run the retrieval chain
(live-metrics, remote-call, fallback-table, cache) and print every
notification followed by the final counter set.

Examples:
  tally resolve
  tally resolve --bypass-cache --show-log
  tally resolve --backend http --url https://project.example.co --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.BypassCache, "bypass-cache", false, "skip the cache-first display and wait for the chain")
	cmd.Flags().BoolVar(&opts.ShowLog, "show-log", false, "print the write log and its summary")

	return cmd
}

// collector records notifications; background passes deliver concurrently.
type collector struct {
	mu      sync.Mutex
	updates []ir.StatsUpdate
}

func (c *collector) add(u ir.StatsUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
}

func (c *collector) list() []ir.StatsUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ir.StatsUpdate{}, c.updates...)
}

func runResolve(opts *ResolveOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	ctx := cmd.Context()

	s, err := openSession(ctx, opts.RootOptions, cmd, logger)
	if err != nil {
		return f.Fail(ExitCommandError, errorCode(err), "failed to start", err)
	}
	defer s.close()

	var c collector
	unsubscribe := s.eng.Subscribe(c.add)
	defer unsubscribe()

	var ropts []resolver.ResolveOption
	if opts.BypassCache {
		ropts = append(ropts, resolver.BypassCache())
	}
	s.eng.Bootstrap(ctx, ropts...)
	s.eng.Wait()
	f.VerboseLog("view %s resolved", s.eng.View())

	result := ResolveResult{
		View:          s.eng.View(),
		Notifications: c.list(),
		Final:         s.eng.Snapshot(),
	}
	if opts.ShowLog {
		sum := s.eng.Summary()
		result.Log = s.eng.Log()
		result.Summary = &sum
	}

	return f.Emit(result, func(w io.Writer) {
		writeResolve(w, result)
	})
}

func writeResolve(w io.Writer, r ResolveResult) {
	fmt.Fprintf(w, "view %s\n", r.View)
	for i, u := range r.Notifications {
		fmt.Fprintf(w, "notification %d: ", i+1)
		writeSet(w, u)
	}
	if len(r.Notifications) == 0 {
		fmt.Fprintln(w, "no notifications")
	}
	fmt.Fprint(w, "final: ")
	writeSet(w, r.Final)
	if r.Summary != nil {
		writeLog(w, r.Log, *r.Summary)
	}
}

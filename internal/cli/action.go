package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/arbiter"
	"github.com/roach88/tally/internal/coordinator"
	"github.com/roach88/tally/internal/ir"
)

// ActionOptions holds flags for the action command.
type ActionOptions struct {
	*RootOptions
	ShowLog bool
}

// ActionResult is the JSON payload of the action command.
type ActionResult struct {
	View          string             `json:"view"`
	Result        coordinator.Result `json:"result"`
	Error         string             `json:"error,omitempty"`
	Notifications []ir.StatsUpdate   `json:"notifications"`
	Final         ir.StatsUpdate     `json:"final"`
	Log           []ir.WriteAttempt  `json:"log,omitempty"`
	Summary       *arbiter.Summary   `json:"summary,omitempty"`
}

// NewActionCommand creates the action command.
func NewActionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ActionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "action <kind> [key=value...]",
		Short: "Record a user action and print the resulting total",
		Long: `Start a page view, then record one user action. Side-effect actions
(counted by the server) re-read the totals; explicit increments call the
backend's increment operation and commit the confirmed total.

Exit codes:
  0 - Action recorded
  1 - Increment not confirmed
  2 - Command error (bad policy, backend unavailable, etc.)

Examples:
  tally action share
  tally action wave source=button --show-log`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.ShowLog, "show-log", false, "print the write log and its summary")

	return cmd
}

// parseMetadata turns key=value arguments into action metadata.
func parseMetadata(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	md := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("metadata %q must be key=value", a)
		}
		md[k] = v
	}
	return md, nil
}

func runAction(opts *ActionOptions, kind string, rest []string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	ctx := cmd.Context()

	md, err := parseMetadata(rest)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "invalid arguments", err)
	}

	s, err := openSession(ctx, opts.RootOptions, cmd, logger)
	if err != nil {
		return f.Fail(ExitCommandError, errorCode(err), "failed to start", err)
	}
	defer s.close()

	s.eng.Bootstrap(ctx)
	s.eng.Wait()

	var c collector
	unsubscribe := s.eng.Subscribe(c.add)
	defer unsubscribe()

	res, actErr := s.eng.RecordUserAction(ctx, kind, md)
	s.eng.Wait()

	result := ActionResult{
		View:          s.eng.View(),
		Result:        res,
		Notifications: c.list(),
		Final:         s.eng.Snapshot(),
	}
	if actErr != nil {
		result.Error = actErr.Error()
	}
	if opts.ShowLog {
		sum := s.eng.Summary()
		result.Log = s.eng.Log()
		result.Summary = &sum
	}

	if err := f.Emit(result, func(w io.Writer) { writeAction(w, result) }); err != nil {
		return err
	}
	if actErr != nil {
		// Already rendered above as part of the result.
		return WrapExitError(ExitFailure, "increment not confirmed", actErr)
	}
	return nil
}

func writeAction(w io.Writer, r ActionResult) {
	res := r.Result
	fmt.Fprintf(w, "action %s (%s) on %s: ", res.Kind, res.Class, res.Key)
	if res.Accepted {
		fmt.Fprintf(w, "recorded, total %s\n", res.NewTotal)
	} else {
		fmt.Fprintf(w, "not confirmed, total %s\n", res.NewTotal)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "error: %s\n", r.Error)
	}
	for i, u := range r.Notifications {
		fmt.Fprintf(w, "notification %d: ", i+1)
		writeSet(w, u)
	}
	fmt.Fprint(w, "final: ")
	writeSet(w, r.Final)
	if r.Summary != nil {
		writeLog(w, r.Log, *r.Summary)
	}
}

package cli

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/config"
	"github.com/roach88/tally/internal/ir"
)

// ValidationError describes one policy problem.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
	// Summary of the effective policy when valid.
	Set        string   `json:"set,omitempty"`
	Keys       []string `json:"keys,omitempty"`
	Strategies []string `json:"strategies,omitempty"`
	Actions    []string `json:"actions,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <policy.cue>",
		Short: "Validate a policy file",
		Long: `Unify a CUE policy with the built-in schema and check every value.

Reports the file position of the first problem. A valid policy prints a
short summary of the effective configuration.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	f.VerboseLog("Validating %s", path)

	p, err := config.Load(path)
	if err != nil {
		result := ValidationResult{Valid: false, Errors: []ValidationError{toValidationError(err)}}
		if f.Format == "json" {
			if err := f.Success(result); err != nil {
				return err
			}
		} else {
			w := f.Writer
			fmt.Fprintf(w, "✗ %s\n", path)
			for _, e := range result.Errors {
				if e.Line > 0 {
					fmt.Fprintf(w, "  line %d: [%s] %s\n", e.Line, e.Code, e.Message)
				} else {
					fmt.Fprintf(w, "  [%s] %s\n", e.Code, e.Message)
				}
			}
		}
		return NewExitError(ExitFailure, "policy is invalid")
	}

	result := ValidationResult{
		Valid:   true,
		Set:     p.Set,
		Keys:    p.Keys,
		Actions: slices.Sorted(maps.Keys(p.Actions)),
	}
	for _, name := range []ir.Provenance{ir.ProvenanceLiveMetrics, ir.ProvenanceRemoteCall, ir.ProvenanceFallbackTable} {
		if s, ok := p.Strategies[name]; ok && s.Enabled {
			result.Strategies = append(result.Strategies, fmt.Sprintf("%s (%s)", name, s.Timeout))
		}
	}

	return f.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s\n", path)
		fmt.Fprintf(w, "  set %s: %v\n", result.Set, result.Keys)
		fmt.Fprintf(w, "  strategies: %v\n", result.Strategies)
		fmt.Fprintf(w, "  actions: %v\n", result.Actions)
	})
}

func toValidationError(err error) ValidationError {
	var le *config.LoadError
	if !errors.As(err, &le) {
		return ValidationError{Code: ErrCodeGeneric, Message: err.Error()}
	}
	ve := ValidationError{Code: le.Code, Message: le.Message}
	if le.Pos.IsValid() {
		ve.File = le.Pos.Filename()
		ve.Line = le.Pos.Line()
		ve.Column = le.Pos.Column()
	}
	return ve
}

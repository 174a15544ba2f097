package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/roach88/tally/internal/arbiter"
	"github.com/roach88/tally/internal/ir"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // increment not confirmed, scenario failed, invalid policy
	ExitCommandError = 2 // bad flags, cache or backend unavailable
)

// Error codes reported in responses.
const (
	ErrCodeGeneric   = "E001"
	ErrCodePolicy    = "E002"
	ErrCodeIncrement = "E003"
	ErrCodeScenario  = "E004"
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError returns an ExitError caused by err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to an exit code; errors that are not ExitErrors
// give ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes command results as text or JSON.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics; nil means Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error half of CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success writes data as an ok response.
func (f *OutputFormatter) Success(data any) error {
	if f.Format != "json" {
		_, err := fmt.Fprintln(f.Writer, data)
		return err
	}
	return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
}

// Error writes an error response. Details are shown in text mode only
// when verbose.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog writes a diagnostic line when verbose, to ErrWriter so JSON
// on Writer stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// writeSet renders a counter snapshot as aligned text. Null values render
// as the "..." placeholder.
func writeSet(w io.Writer, u ir.StatsUpdate) {
	fmt.Fprintf(w, "%s (overall: %s)\n", u.Set, u.Overall)
	for _, k := range slices.Sorted(maps.Keys(u.Values)) {
		lock := ""
		if u.Authoritative[k] {
			lock = " locked"
		}
		fmt.Fprintf(w, "  %-14s %8s  %s%s\n", k, u.Values[k], u.Sources[k], lock)
	}
	if f := u.Timing.Fastest; f != nil {
		fmt.Fprintf(w, "  fastest: %s (%s)\n", f.Strategy, f.Duration)
	}
}

// writeLog renders the write log and its summary.
func writeLog(w io.Writer, log []ir.WriteAttempt, s arbiter.Summary) {
	fmt.Fprintln(w, "write log (oldest first)")
	for _, a := range log {
		verdict := "rejected"
		if a.Accepted {
			verdict = "accepted"
		}
		fmt.Fprintf(w, "  #%d %s %s: %s -> %s %s (%s)\n",
			a.Seq, a.Caller, a.Key, a.Previous, a.Proposed, verdict, a.Reason)
	}
	fmt.Fprintf(w, "summary: %d writes, %d accepted, %d rejected, callers %v\n",
		s.TotalWrites, s.Accepted, s.Rejected, s.UniqueCallers)
	for _, a := range s.UnexpectedIncreases {
		fmt.Fprintf(w, "  unexpected increase by %s: %s %s -> %s\n", a.Caller, a.Key, a.Previous, a.Proposed)
	}
}

// newFormatter builds the formatter for cmd. Verbose and diagnostic output
// goes to stderr so it never corrupts JSON on stdout.
func newFormatter(opts *RootOptions, cmd interface {
	OutOrStdout() io.Writer
	ErrOrStderr() io.Writer
}) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// Emit writes data as a JSON response, or renders it with text.
func (f *OutputFormatter) Emit(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return f.Success(data)
	}
	text(f.Writer)
	return nil
}

// Fail reports err in the configured format and returns it as an ExitError.
// Commands return ExitErrors only after reporting them, so main does not
// print them again.
func (f *OutputFormatter) Fail(exitCode int, code, message string, err error) error {
	msg := message
	if err != nil {
		msg = fmt.Sprintf("%s: %v", message, err)
	}
	_ = f.Error(code, msg, nil)
	return WrapExitError(exitCode, message, err)
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/cache"
	"github.com/roach88/tally/internal/config"
	"github.com/roach88/tally/internal/engine"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// Config is the CUE policy file. Empty means the built-in defaults.
	Config string

	// Overrides applied on top of the policy when the flag was given.
	Cache     string
	Database  string
	RedisAddr string
	Backend   string
	URL       string
	DSN       string
	Debug     bool
	Seed      map[string]int64
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the tally CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tally",
		Short: "tally - coherent counters from unreliable sources",
		Long: `Resolve a set of aggregate counters from a chain of backend strategies,
show cached values first, and never let a stale or untrusted writer move a
number that an authoritative source has already confirmed.`,
		SilenceErrors: true, // main prints errors that commands did not report
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVarP(&opts.Config, "config", "c", "", "policy file (CUE)")
	pf.StringVar(&opts.Cache, "cache", "", "cache kind (sqlite|memory|redis|disabled)")
	pf.StringVar(&opts.Database, "db", "", "path to the SQLite cache")
	pf.StringVar(&opts.RedisAddr, "redis-addr", "", "Redis address for the redis cache")
	pf.StringVar(&opts.Backend, "backend", "", "backend kind (memory|http|pg)")
	pf.StringVar(&opts.URL, "url", "", "base URL of the http backend")
	pf.StringVar(&opts.DSN, "dsn", "", "Postgres DSN of the pg backend")
	pf.BoolVar(&opts.Debug, "debug", false, "enable the debug overlay")
	pf.StringToInt64Var(&opts.Seed, "seed", nil, "initial totals of the memory backend (key=value,...)")

	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewActionCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// newLogger returns a text logger on w at info level, debug when verbose.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// errorCode maps a setup error to a CLI error code.
func errorCode(err error) string {
	var le *config.LoadError
	if errors.As(err, &le) {
		return ErrCodePolicy
	}
	return ErrCodeGeneric
}

// loadPolicy loads the policy file, if any, and applies flag overrides.
func loadPolicy(opts *RootOptions, cmd *cobra.Command) (config.Policy, error) {
	p := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return config.Policy{}, err
		}
		p = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("cache") {
		p.Cache.Kind = opts.Cache
	}
	if flags.Changed("db") {
		p.Cache.Path = opts.Database
	}
	if flags.Changed("redis-addr") {
		p.Cache.RedisAddr = opts.RedisAddr
	}
	if flags.Changed("backend") {
		p.Backend.Kind = opts.Backend
	}
	if flags.Changed("url") {
		p.Backend.URL = opts.URL
	}
	if flags.Changed("dsn") {
		p.Backend.DSN = opts.DSN
	}
	if flags.Changed("debug") {
		p.Debug = opts.Debug
	}
	if flags.Changed("seed") {
		p.Backend.Seed = opts.Seed
	}
	return p, nil
}

// session is an engine with its cache and backend opened from the policy.
type session struct {
	eng    *engine.Engine
	policy config.Policy
	store  cache.Store
	close  func()
}

// openSession wires an engine for the command. The overlay, when enabled,
// renders to stderr so it never mixes with JSON output.
func openSession(ctx context.Context, opts *RootOptions, cmd *cobra.Command, logger *slog.Logger) (*session, error) {
	p, err := loadPolicy(opts, cmd)
	if err != nil {
		return nil, err
	}

	store, closeCache, err := engine.OpenCache(ctx, p.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	be, closeBackend, err := engine.OpenBackend(ctx, p.Backend, logger)
	if err != nil {
		_ = closeCache()
		return nil, fmt.Errorf("failed to open backend: %w", err)
	}

	eng := engine.New(p, be, store,
		engine.WithLogger(logger),
		engine.WithOverlayWriter(cmd.ErrOrStderr()),
	)
	return &session{
		eng:    eng,
		policy: p,
		store:  store,
		close: func() {
			eng.Wait()
			eng.Close()
			closeBackend()
			if err := closeCache(); err != nil {
				logger.Error("error closing cache", "error", err)
			}
		},
	}, nil
}

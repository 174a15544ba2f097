// Package config loads the tally policy file.
//
// A policy is a CUE file unified with the embedded #Policy schema, so every
// field has a default and a typo is a load error with a file position
// rather than a silently ignored setting. Command-line flags override the
// loaded values afterwards.
package config

import (
	_ "embed"
	"fmt"
	"maps"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/tally/internal/arbiter"
	"github.com/roach88/tally/internal/coordinator"
	"github.com/roach88/tally/internal/ir"
	"github.com/roach88/tally/internal/resolver"
)

//go:embed schema.cue
var schemaSource string

// Error codes for LoadError.
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeParseFailed     = "PARSE_FAILED"
	ErrCodeSchemaViolation = "SCHEMA_VIOLATION"
	ErrCodeInvalidValue    = "INVALID_VALUE"
)

// LoadError is a policy that could not be loaded.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Cache kinds.
const (
	CacheSQLite   = "sqlite"
	CacheMemory   = "memory"
	CacheRedis    = "redis"
	CacheDisabled = "disabled"
)

// Backend kinds.
const (
	BackendMemory = "memory"
	BackendHTTP   = "http"
	BackendPG     = "pg"
)

// Policy is a validated policy.
type Policy struct {
	Set              string
	Keys             []string
	Debug            bool
	Optimistic       bool
	HistorySize      int
	LogSize          int
	IncrementTimeout time.Duration
	Cache            Cache
	Backend          Backend
	Strategies       map[ir.Provenance]Strategy
	Writers          map[ir.WriterID]arbiter.Trust
	Actions          coordinator.Policy
}

// Cache selects the snapshot store.
type Cache struct {
	Kind        string `json:"kind"`
	Path        string `json:"path"`
	RedisAddr   string `json:"redisAddr"`
	RedisPrefix string `json:"redisPrefix"`
}

// Backend selects and configures the server adapter.
type Backend struct {
	Kind        string            `json:"kind"`
	URL         string            `json:"url"`
	DSN         string            `json:"dsn"`
	APIKey      string            `json:"apiKey"`
	Procedure   string            `json:"procedure"`
	Table       string            `json:"table"`
	TableFields map[string]string `json:"tableFields"`
	LiveFields  map[string]string `json:"liveFields"`
	CallFields  map[string]string `json:"callFields"`
	// Seed holds the initial totals of the memory backend.
	Seed map[string]int64 `json:"seed"`
}

// Strategy configures one retrieval strategy.
type Strategy struct {
	Enabled bool
	Timeout time.Duration
}

// rawPolicy mirrors #Policy for decoding.
type rawPolicy struct {
	Set              string                 `json:"set"`
	Keys             []string               `json:"keys"`
	Debug            bool                   `json:"debug"`
	Optimistic       bool                   `json:"optimistic"`
	HistorySize      int                    `json:"historySize"`
	LogSize          int                    `json:"logSize"`
	IncrementTimeout string                 `json:"incrementTimeout"`
	Cache            Cache                  `json:"cache"`
	Backend          Backend                `json:"backend"`
	Strategies       map[string]rawStrategy `json:"strategies"`
	Writers          map[string]string      `json:"writers"`
	Actions          map[string]rawAction   `json:"actions"`
}

type rawStrategy struct {
	Enabled bool   `json:"enabled"`
	Timeout string `json:"timeout"`
}

type rawAction struct {
	Class   string `json:"class"`
	Key     string `json:"key"`
	Counter string `json:"counter"`
}

// Default returns the policy used when no file is given. It equals loading
// an empty policy file.
func Default() Policy {
	strategies := make(map[ir.Provenance]Strategy, 3)
	for _, p := range []ir.Provenance{ir.ProvenanceLiveMetrics, ir.ProvenanceRemoteCall, ir.ProvenanceFallbackTable} {
		strategies[p] = Strategy{Enabled: true, Timeout: resolver.DefaultTimeout}
	}
	return Policy{
		Set:              "global",
		Keys:             append([]string(nil), ir.DefaultKeys...),
		HistorySize:      10,
		LogSize:          arbiter.DefaultLogSize,
		IncrementTimeout: coordinator.DefaultTimeout,
		Cache: Cache{
			Kind:        CacheSQLite,
			Path:        "tally.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "tally:counter:",
		},
		Backend: Backend{
			Kind:      BackendMemory,
			Procedure: resolver.DefaultProcedure,
			Table:     resolver.DefaultTable,
		},
		Strategies: strategies,
		Writers:    map[ir.WriterID]arbiter.Trust{},
		Actions:    coordinator.DefaultPolicy(),
	}
}

// Load reads and validates the policy at path.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("reading policy: %v", err)}
	}
	return Parse(path, data)
}

// Parse validates policy source. filename is used in error positions.
func Parse(filename string, src []byte) (Policy, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Policy{}, fromCUE(ErrCodeParseFailed, err)
	}

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return Policy{}, fromCUE(ErrCodeParseFailed, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Policy")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Policy{}, fromCUE(ErrCodeSchemaViolation, err)
	}

	var raw rawPolicy
	if err := unified.Decode(&raw); err != nil {
		return Policy{}, fromCUE(ErrCodeSchemaViolation, err)
	}
	return raw.compile(func(field string) token.Pos {
		return unified.LookupPath(cue.ParsePath(field)).Pos()
	})
}

// fromCUE converts the first CUE error into a LoadError with its position.
func fromCUE(code string, err error) *LoadError {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Code: code, Message: err.Error()}
	}
	first := errs[0]
	le := &LoadError{Code: code, Message: first.Error()}
	if ps := cueerrors.Positions(first); len(ps) > 0 {
		le.Pos = ps[0]
	}
	return le
}

func (r rawPolicy) compile(pos func(field string) token.Pos) (Policy, error) {
	invalid := func(field, format string, args ...any) error {
		return &LoadError{Code: ErrCodeInvalidValue, Message: field + ": " + fmt.Sprintf(format, args...), Pos: pos(field)}
	}

	p := Policy{
		Set:         r.Set,
		Debug:       r.Debug,
		Optimistic:  r.Optimistic,
		HistorySize: r.HistorySize,
		LogSize:     r.LogSize,
		Cache:       r.Cache,
		Backend:     r.Backend,
		Strategies:  make(map[ir.Provenance]Strategy, len(r.Strategies)),
		Writers:     make(map[ir.WriterID]arbiter.Trust, len(r.Writers)),
		Actions:     coordinator.DefaultPolicy(),
	}

	seen := make(map[string]bool, len(r.Keys))
	for _, k := range r.Keys {
		k = ir.NormalizeKey(k)
		if seen[k] {
			return Policy{}, invalid("keys", "duplicate key %q", k)
		}
		seen[k] = true
		p.Keys = append(p.Keys, k)
	}

	d, err := time.ParseDuration(r.IncrementTimeout)
	if err != nil {
		return Policy{}, invalid("incrementTimeout", "%v", err)
	}
	p.IncrementTimeout = d

	for name, s := range r.Strategies {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return Policy{}, invalid("strategies", "%s: %v", name, err)
		}
		p.Strategies[ir.Provenance(name)] = Strategy{Enabled: s.Enabled, Timeout: d}
	}

	for id, t := range r.Writers {
		trust, err := arbiter.ParseTrust(t)
		if err != nil {
			return Policy{}, invalid("writers", "%v", err)
		}
		p.Writers[ir.WriterID(ir.NormalizeKey(id))] = trust
	}

	for kind, a := range r.Actions {
		class, err := coordinator.ParseClass(a.Class)
		if err != nil {
			return Policy{}, invalid("actions", "%s: %v", kind, err)
		}
		key := ir.NormalizeKey(a.Key)
		if !seen[key] {
			return Policy{}, invalid("actions", "%s: key %q is not a counter of set %q", kind, key, p.Set)
		}
		p.Actions[ir.NormalizeKey(kind)] = coordinator.Action{Class: class, Key: key, Counter: a.Counter}
	}

	p.Backend.TableFields = nilIfEmpty(r.Backend.TableFields)
	p.Backend.LiveFields = nilIfEmpty(r.Backend.LiveFields)
	p.Backend.CallFields = nilIfEmpty(r.Backend.CallFields)
	if len(r.Backend.Seed) == 0 {
		p.Backend.Seed = nil
	}
	switch p.Backend.Kind {
	case BackendHTTP:
		if p.Backend.URL == "" {
			return Policy{}, invalid("backend", "url is required for the http backend")
		}
	case BackendPG:
		if p.Backend.DSN == "" {
			return Policy{}, invalid("backend", "dsn is required for the pg backend")
		}
	}
	return p, nil
}

// nilIfEmpty maps an absent field table to nil, which means "no translation".
func nilIfEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return maps.Clone(m)
}

// Registry returns the default writer registry extended with the policy's
// writers.
func (p Policy) Registry() *arbiter.Registry {
	r := arbiter.DefaultRegistry()
	for id, t := range p.Writers {
		r.Grant(id, t)
	}
	return r
}

// ResolverOptions returns the strategy selection for resolver.FromBackend.
func (p Policy) ResolverOptions() resolver.Options {
	o := resolver.Options{
		Procedure:   p.Backend.Procedure,
		Table:       p.Backend.Table,
		LiveFields:  p.Backend.LiveFields,
		CallFields:  p.Backend.CallFields,
		TableFields: p.Backend.TableFields,
	}
	for name, s := range p.Strategies {
		if !s.Enabled {
			o.Disabled = append(o.Disabled, name)
		}
	}
	return o
}

// Timeouts returns the per-strategy timeout options.
func (p Policy) Timeouts() []resolver.Option {
	var opts []resolver.Option
	for name, s := range p.Strategies {
		opts = append(opts, resolver.WithTimeout(name, s.Timeout))
	}
	return opts
}

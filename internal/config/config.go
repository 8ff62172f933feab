// Package config loads ordersync settings from a YAML file, a .env file and
// the environment, in that order of precedence (environment wins).
//
// The file is validated against an embedded CUE schema before it is decoded,
// so unknown keys and malformed durations are reported with their line.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ordersync/internal/mux"
	"github.com/roach88/ordersync/internal/scheduler"
)

//go:embed schema.cue
var schemaSrc string

// Environment variables read by Load.
const (
	EnvFastMode         = "ORDERSYNC_FAST_MODE"
	EnvAutoAdvanceDelay = "ORDERSYNC_AUTO_ADVANCE_DELAY"
	EnvDBDriver         = "ORDERSYNC_DB_DRIVER"
	EnvDBPath           = "ORDERSYNC_DB_PATH"
	EnvDBDSN            = "ORDERSYNC_DB_DSN"
	EnvAMQPURL          = "ORDERSYNC_AMQP_URL"
	EnvHTTPAddr         = "ORDERSYNC_HTTP_ADDR"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the complete runtime configuration.
type Config struct {
	FastMode       FastMode      `yaml:"fast_mode" json:"fast_mode"`
	Store          Store         `yaml:"store" json:"store"`
	Feed           Feed          `yaml:"feed" json:"feed"`
	AMQP           AMQP          `yaml:"amqp" json:"amqp"`
	HTTP           HTTP          `yaml:"http" json:"http"`
	ReloadInterval time.Duration `yaml:"reload_interval" json:"reload_interval"`
}

// FastMode configures the auto-advance scheduler.
type FastMode struct {
	Enabled               bool          `yaml:"enabled" json:"enabled"`
	Delay                 time.Duration `yaml:"delay" json:"delay"`
	SweepInterval         time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	DegradedSweepInterval time.Duration `yaml:"degraded_sweep_interval" json:"degraded_sweep_interval"`
	Workers               int           `yaml:"workers" json:"workers"`
}

// Store selects the durable store.
type Store struct {
	Driver string `yaml:"driver" json:"driver"`
	Path   string `yaml:"path" json:"path,omitempty"`
	DSN    string `yaml:"dsn" json:"dsn,omitempty"`
}

// Feed configures the multiplexer's reconnect policy.
type Feed struct {
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
	MaxWindow      time.Duration `yaml:"max_window" json:"max_window"`
	DegradeAfter   int           `yaml:"degrade_after" json:"degrade_after"`
}

// AMQP configures the optional notification publisher. An empty URL disables
// it.
type AMQP struct {
	URL      string `yaml:"url" json:"url,omitempty"`
	Exchange string `yaml:"exchange" json:"exchange"`
}

// HTTP configures the optional HTTP surface. An empty address disables it.
type HTTP struct {
	Addr string `yaml:"addr" json:"addr,omitempty"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		FastMode: FastMode{
			Delay:                 scheduler.DefaultDelay,
			SweepInterval:         scheduler.DefaultSweepInterval,
			DegradedSweepInterval: scheduler.DefaultDegradedSweepInterval,
			Workers:               scheduler.DefaultWorkers,
		},
		Store: Store{Driver: DriverSQLite, Path: "ordersync.db"},
		Feed: Feed{
			InitialBackoff: mux.DefaultInitialBackoff,
			MaxBackoff:     mux.DefaultMaxBackoff,
			MaxWindow:      mux.DefaultMaxWindow,
			DegradeAfter:   mux.DefaultDegradeAfter,
		},
		AMQP:           AMQP{Exchange: "notifications_fanout"},
		ReloadInterval: 2 * time.Second,
	}
}

// Settings returns the scheduler's live-tunable knobs.
func (c Config) Settings() scheduler.Settings {
	return scheduler.Settings{Enabled: c.FastMode.Enabled, Delay: c.FastMode.Delay}
}

// Check reports combinations the schema cannot express.
func (c Config) Check() error {
	if c.FastMode.Delay <= 0 {
		return fmt.Errorf("fast_mode.delay must be positive, got %s", c.FastMode.Delay)
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Feed.MaxBackoff < c.Feed.InitialBackoff {
		return fmt.Errorf("feed.max_backoff %s is below feed.initial_backoff %s", c.Feed.MaxBackoff, c.Feed.InitialBackoff)
	}
	return nil
}

// ValidationError is one schema violation in a config file.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s: %s", e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// SchemaError lists every schema violation found in a file.
type SchemaError struct {
	Path   string
	Errors []ValidationError
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("invalid config %s: %s", e.Path, strings.Join(msgs, "; "))
}

// Option configures Load.
type Option func(*loader)

type loader struct {
	envFiles  []string
	lookup    func(string) (string, bool)
	overrides []func(*Config)
}

// WithEnvFile reads additional variables from a .env file. Variables already
// present in the environment win. A missing file is ignored.
func WithEnvFile(path string) Option {
	return func(l *loader) { l.envFiles = append(l.envFiles, path) }
}

// WithOverride applies fn after the environment, on every load. Command-line
// flags use it so a reload keeps them in force.
func WithOverride(fn func(*Config)) Option {
	return func(l *loader) { l.overrides = append(l.overrides, fn) }
}

// WithLookup replaces os.LookupEnv.
func WithLookup(fn func(string) (string, bool)) Option {
	return func(l *loader) { l.lookup = fn }
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then .env files, then the environment, then overrides.
func Load(path string, opts ...Option) (Config, error) {
	l := &loader{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(l)
	}

	cfg := Default()
	if path != "" {
		src, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Validate(path, src); err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(src, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	env, err := l.environment()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(env); err != nil {
		return Config{}, err
	}
	for _, fn := range l.overrides {
		fn(&cfg)
	}
	if err := cfg.Check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// environment merges .env files under the real environment.
func (l *loader) environment() (func(string) (string, bool), error) {
	fromFiles := make(map[string]string)
	for _, f := range l.envFiles {
		vals, err := godotenv.Read(f)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", f, err)
		}
		for k, v := range vals {
			if _, seen := fromFiles[k]; !seen {
				fromFiles[k] = v
			}
		}
	}
	return func(key string) (string, bool) {
		if v, ok := l.lookup(key); ok {
			return v, true
		}
		v, ok := fromFiles[key]
		return v, ok
	}, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvFastMode); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvFastMode, err)
		}
		c.FastMode.Enabled = b
	}
	if v, ok := lookup(EnvAutoAdvanceDelay); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAutoAdvanceDelay, err)
		}
		c.FastMode.Delay = d
	}
	if v, ok := lookup(EnvDBDriver); ok {
		c.Store.Driver = v
	}
	if v, ok := lookup(EnvDBPath); ok {
		c.Store.Path = v
	}
	if v, ok := lookup(EnvDBDSN); ok {
		c.Store.DSN = v
	}
	if v, ok := lookup(EnvAMQPURL); ok {
		c.AMQP.URL = v
	}
	if v, ok := lookup(EnvHTTPAddr); ok {
		c.HTTP.Addr = v
	}
	return nil
}

// Validate checks a YAML document against the embedded schema. It returns a
// *SchemaError listing every violation.
func Validate(path string, src []byte) error {
	if len(strings.TrimSpace(string(src))) == 0 {
		return nil
	}

	f, err := cueyaml.Extract(path, src)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	doc := ctx.BuildFile(f)
	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return schemaError(path, err)
	}
	return nil
}

func schemaError(path string, err error) *SchemaError {
	se := &SchemaError{Path: path}
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		fieldPath := e.Path()
		if len(fieldPath) > 0 && fieldPath[0] == "#Config" {
			fieldPath = fieldPath[1:]
		}
		ve := ValidationError{
			Field:   strings.Join(fieldPath, "."),
			Message: fmt.Sprintf(format, args...),
		}
		for _, pos := range cueerrors.Positions(e) {
			if pos.Filename() == path {
				ve.Line = pos.Line()
				break
			}
		}
		se.Errors = append(se.Errors, ve)
	}
	return se
}

package cli

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ordersync/internal/config"
)

// ConfigView renders the effective configuration as YAML in text mode.
type ConfigView struct {
	config.Config
}

func (v ConfigView) String() string {
	data, err := yaml.Marshal(v.Config)
	if err != nil {
		return fmt.Sprintf("error rendering config: %v", err)
	}
	return string(data)
}

// ValidateResult reports the outcome of config validate.
type ValidateResult struct {
	Path   string                   `json:"path"`
	Valid  bool                     `json:"valid"`
	Errors []config.ValidationError `json:"errors,omitempty"`
}

func (r ValidateResult) String() string {
	if r.Valid {
		return fmt.Sprintf("✓ %s is valid", r.Path)
	}
	s := fmt.Sprintf("✗ %s is invalid", r.Path)
	for _, e := range r.Errors {
		s += "\n  " + e.Error()
	}
	return s
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(newConfigShowCommand(rootOpts), newConfigValidateCommand(rootOpts))
	return cmd
}

func newConfigShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the --config file, the .env file
and the environment have been merged. Credentials in URLs are redacted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
			}
			cfg.Store.DSN = redact(cfg.Store.DSN)
			cfg.AMQP.URL = redact(cfg.AMQP.URL)
			return f.Success(ConfigView{Config: cfg})
		},
	}
}

func newConfigValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a config file against the schema",
		Long: `Validate a YAML config file against the embedded schema and the checks
run at startup. Defaults to the --config file.

Example:
  ordersync config validate ./ordersync.yaml`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			return runConfigValidate(rootOpts, path, cmd)
		},
	}
}

func runConfigValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	if path == "" {
		return f.Fail(ExitCommandError, ErrCodeConfig, "no config file given", nil)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to read config", err)
	}

	res := ValidateResult{Path: path, Valid: true}
	err = config.Validate(path, src)
	if err == nil {
		_, err = loadConfig(&RootOptions{ConfigPath: path, EnvFile: opts.EnvFile})
	}
	if err != nil {
		res.Valid = false
		var se *config.SchemaError
		if errors.As(err, &se) {
			res.Errors = se.Errors
		} else {
			res.Errors = []config.ValidationError{{Field: "config", Message: err.Error()}}
		}
	}

	if outErr := f.Success(res); outErr != nil {
		return outErr
	}
	if !res.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("%s is invalid", path))
	}
	return nil
}

// redact hides the password of a URL-shaped connection string.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

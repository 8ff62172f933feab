package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ordersync/internal/fixture"
)

// SeedResult reports what a fixture created.
type SeedResult struct {
	fixture.Summary
}

func (r SeedResult) String() string {
	return fmt.Sprintf("Seeded %d table(s), %d order(s), %d line(s)", r.Tables, r.Orders, r.Lines)
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Load tables, orders and lines from a fixture",
		Long: `Insert the tables, orders and lines described by a YAML fixture into the
configured store. Orders may be backdated with "age" so a running engine
with fast mode on picks them up immediately.

Example:
  ordersync seed ./fixtures/lunch.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runSeed(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	fx, err := fixture.Load(path)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeFixture, "failed to load fixture", err)
	}

	ctx := cmd.Context()
	_, be, err := openEngine(ctx, opts, f)
	if err != nil {
		return err
	}
	defer be.Close()

	sum, err := fx.Apply(ctx, be, time.Now())
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeFixture, "failed to apply fixture", err)
	}
	f.VerboseLog("Created orders: %v", sum.IDs)
	return f.Success(SeedResult{Summary: sum})
}

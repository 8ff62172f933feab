package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ordersync/internal/audit"
)

// AuditOptions holds flags for the audit command.
type AuditOptions struct {
	*RootOptions
	AutomaticOnly bool
}

// AuditResult is an order's audit trail.
type AuditResult struct {
	OrderID   string         `json:"order_id"`
	Automatic int            `json:"automatic"`
	Records   []audit.Record `json:"records"`
}

func (r AuditResult) String() string {
	if len(r.Records) == 0 {
		return fmt.Sprintf("No audit records for %s.", r.OrderID)
	}
	var b strings.Builder
	for _, rec := range r.Records {
		b.WriteString(rec.String())
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "%d record(s), %d automatic", len(r.Records), r.Automatic)
	return b.String()
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "audit <order-id>",
		Short: "Show an order's audit trail",
		Long: `Print every recorded status change for an order, oldest first,
including line changes and the automatic fast mode deliveries.

Example:
  ordersync audit o-17
  ordersync audit o-17 --automatic --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.AutomaticOnly, "automatic", false, "only show automatic transitions")

	return cmd
}

func runAudit(opts *AuditOptions, orderID string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()
	eng, be, err := openEngine(ctx, opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer be.Close()

	records, err := eng.AuditTrail(ctx, orderID)
	if err != nil {
		code, errCode := classify(err)
		return f.Fail(code, errCode, "failed to read audit trail", err)
	}
	automatic, err := be.CountAutomatic(ctx, orderID)
	if err != nil {
		code, errCode := classify(err)
		return f.Fail(code, errCode, "failed to count automatic transitions", err)
	}

	res := AuditResult{OrderID: orderID, Automatic: automatic, Records: records}
	if opts.AutomaticOnly {
		res.Records = res.Records[:0:0]
		for _, rec := range records {
			if rec.Automatic {
				res.Records = append(res.Records, rec)
			}
		}
	}
	if res.Records == nil {
		res.Records = []audit.Record{}
	}
	return f.Success(res)
}

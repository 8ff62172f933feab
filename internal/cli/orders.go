package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ordersync/internal/lifecycle"
	"github.com/roach88/ordersync/internal/model"
	"github.com/roach88/ordersync/internal/queryir"
)

// OrdersOptions holds flags for the orders command.
type OrdersOptions struct {
	*RootOptions
	Statuses []string
	Table    string
	Before   string
	Limit    int
}

// OrderList is a filtered listing of orders.
type OrderList struct {
	Orders []model.Order `json:"orders"`
}

func (l OrderList) String() string {
	if len(l.Orders) == 0 {
		return "No orders."
	}
	var b strings.Builder
	for i, o := range l.Orders {
		if i > 0 {
			b.WriteByte('\n')
		}
		table := o.TableRef
		if table == "" {
			table = "-"
		}
		fmt.Fprintf(&b, "%-12s %-16s table=%-6s total=%s v%d created=%s",
			o.ID, o.Status, table, o.Totals.Total.StringFixed(2), o.Version, o.CreatedAt.Format(time.RFC3339))
	}
	return b.String()
}

// NewOrdersCommand creates the orders command.
func NewOrdersCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OrdersOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List orders from the store",
		Long: `List orders oldest first, optionally filtered by status, table and
creation time.

Examples:
  ordersync orders --status pending --status preparing
  ordersync orders --table t4 --format json
  ordersync orders --before 2026-01-05T12:00:00Z --limit 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrders(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "only orders in this status (repeatable)")
	cmd.Flags().StringVar(&opts.Table, "table", "", "only orders seated at this table")
	cmd.Flags().StringVar(&opts.Before, "before", "", "only orders created before this RFC3339 time")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum number of orders (0 = no limit)")

	return cmd
}

func runOrders(opts *OrdersOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	filter := queryir.OrderFilter{Table: opts.Table, Limit: opts.Limit}
	for _, s := range opts.Statuses {
		st, ok := lifecycle.ParseStatus(s)
		if !ok {
			return f.Fail(ExitCommandError, ErrCodeRejected, fmt.Sprintf("unknown status %q", s), nil)
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	if opts.Before != "" {
		t, err := time.Parse(time.RFC3339, opts.Before)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeRejected, "invalid --before", err)
		}
		filter.CreatedBefore = t
	}
	if filter.Limit < 0 {
		return f.Fail(ExitCommandError, ErrCodeRejected, "--limit must not be negative", nil)
	}

	ctx := cmd.Context()
	_, be, err := openEngine(ctx, opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer be.Close()

	orders, err := be.ListOrders(ctx, filter)
	if err != nil {
		code, errCode := classify(err)
		return f.Fail(code, errCode, "failed to list orders", err)
	}
	if orders == nil {
		orders = []model.Order{}
	}
	return f.Success(OrderList{Orders: orders})
}

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ordersync/internal/lifecycle"
	"github.com/roach88/ordersync/internal/model"
)

// ActorOptions identifies who is acting.
type ActorOptions struct {
	ID     string
	Role   string
	Reason string
}

func (a ActorOptions) actor() lifecycle.Actor {
	role := lifecycle.Role(a.Role)
	if role == "" {
		role = lifecycle.RoleStaff
	}
	return lifecycle.Actor{ID: a.ID, Role: role, Reason: a.Reason}
}

func addActorFlags(cmd *cobra.Command, a *ActorOptions) {
	cmd.Flags().StringVar(&a.ID, "actor", "", "id of the acting staff member (required)")
	cmd.Flags().StringVar(&a.Role, "role", string(lifecycle.RoleStaff), "actor role: staff, manager or admin")
	_ = cmd.MarkFlagRequired("actor")
}

// TransitionOptions holds flags for the transition command.
type TransitionOptions struct {
	*RootOptions
	Actor ActorOptions
}

// TransitionResult is the outcome of a transition request.
type TransitionResult struct {
	OrderID string   `json:"order_id"`
	From    string   `json:"from"`
	To      string   `json:"to"`
	Version int64    `json:"version"`
	NoOp    bool     `json:"no_op,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
	AuditID string   `json:"audit_id,omitempty"`
}

func (r TransitionResult) String() string {
	if r.NoOp {
		return fmt.Sprintf("%s already %s (v%d), nothing to do", r.OrderID, r.To, r.Version)
	}
	s := fmt.Sprintf("%s: %s -> %s (v%d)", r.OrderID, r.From, r.To, r.Version)
	if len(r.Skipped) > 0 {
		s += " skipped " + strings.Join(r.Skipped, ",")
	}
	return s
}

// NewTransitionCommand creates the transition command.
func NewTransitionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TransitionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "transition <order-id> <event>",
		Short: "Request an order transition",
		Long: `Request a lifecycle transition for an order on behalf of a staff member.

Events: start_preparing, mark_ready, serve, deliver, request_payment,
complete, cancel, override_serve. override_serve needs a manager or admin
role and a --reason.

Exit codes:
  0 - Transition applied, or the order was already there
  1 - Rejected (illegal transition, guard, closed order, conflict)
  2 - Command error (bad config, store unreachable)

Examples:
  ordersync transition o-17 start_preparing --actor alice
  ordersync transition o-17 override_serve --actor bob --role manager --reason "walk-in rush"`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(opts, args[0], lifecycle.Event(args[1]), cmd)
		},
	}

	addActorFlags(cmd, &opts.Actor)
	cmd.Flags().StringVar(&opts.Actor.Reason, "reason", "", "reason recorded with privileged transitions")

	return cmd
}

func runTransition(opts *TransitionOptions, orderID string, ev lifecycle.Event, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	if lifecycle.Role(opts.Actor.Role) == lifecycle.RoleSystem {
		return f.Fail(ExitCommandError, ErrCodeRejected, "the system role is reserved for the scheduler", nil)
	}

	ctx := cmd.Context()
	eng, be, err := openEngine(ctx, opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer be.Close()

	out, err := eng.RequestTransition(ctx, orderID, ev, opts.Actor.actor())
	if err != nil {
		code, errCode := classify(err)
		return f.Fail(code, errCode, fmt.Sprintf("transition %s on %s failed", ev, orderID), err)
	}

	res := TransitionResult{
		OrderID: out.Order.ID,
		From:    string(out.From),
		To:      string(out.To),
		Version: out.Order.Version,
		NoOp:    out.NoOp,
		AuditID: out.Audit.ID,
	}
	for _, st := range out.Skipped {
		res.Skipped = append(res.Skipped, string(st))
	}
	return f.Success(res)
}

// LineOptions holds flags for the line command.
type LineOptions struct {
	*RootOptions
	Actor ActorOptions
}

// LineResult is the outcome of a line status change.
type LineResult struct {
	Line model.Line `json:"line"`
	NoOp bool       `json:"no_op,omitempty"`
}

func (r LineResult) String() string {
	if r.NoOp {
		return fmt.Sprintf("line %s already %s", r.Line.ID, r.Line.Status)
	}
	return fmt.Sprintf("line %s (%s) is now %s", r.Line.ID, r.Line.Name, r.Line.Status)
}

// NewLineCommand creates the line command.
func NewLineCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "line <line-id> <status>",
		Short: "Move a line item through the kitchen",
		Long: `Set the kitchen status of a line item: queued, preparing or ready.

Lines only move forward. Once every line of an order is ready the order
can be marked ready.

Example:
  ordersync line l-3 ready --actor chef`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLine(opts, args[0], args[1], cmd)
		},
	}

	addActorFlags(cmd, &opts.Actor)

	return cmd
}

func runLine(opts *LineOptions, lineID, status string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	to, ok := lifecycle.ParseLineStatus(status)
	if !ok {
		return f.Fail(ExitCommandError, ErrCodeRejected, fmt.Sprintf("unknown line status %q", status), nil)
	}

	ctx := cmd.Context()
	eng, be, err := openEngine(ctx, opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer be.Close()

	line, noop, err := eng.AdvanceLine(ctx, lineID, to, opts.Actor.actor())
	if err != nil {
		code, errCode := classify(err)
		return f.Fail(code, errCode, fmt.Sprintf("line %s failed", lineID), err)
	}
	return f.Success(LineResult{Line: line, NoOp: noop})
}

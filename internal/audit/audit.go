// Package audit defines the durable record every order transition produces.
//
// Each transition, manual or automatic, yields exactly one Record. Record ids
// are content-addressed over (order, from, to, version) so re-appending the
// record of an already committed transition is absorbed by the store's
// ON CONFLICT clause instead of producing a duplicate.
//
// Appends are best-effort-but-mandatory: the engine always attempts one after
// a committed transition, but a failed append never rolls the transition back.
package audit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/ordersync/internal/lifecycle"
)

const (
	// ActorAutoAdvance is the actor recorded for fast mode transitions.
	ActorAutoAdvance = "system:auto-advance"

	// ReasonFastModeTimeout is the reason recorded for fast mode transitions.
	ReasonFastModeTimeout = "fast-mode-timeout"
)

// Context keys written by the engine.
const (
	KeySkipped = "skipped"
	KeyEvent   = "event"
	KeyRole    = "role"
	KeyLine    = "line"
)

// Record is one audited transition.
type Record struct {
	ID        string            `json:"id"`
	OrderID   string            `json:"order_id"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Actor     string            `json:"actor"`
	Automatic bool              `json:"automatic"`
	Reason    string            `json:"reason,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	Version   int64             `json:"version"`
	At        time.Time         `json:"at"`
}

// Appender durably stores audit records.
type Appender interface {
	Append(ctx context.Context, rec Record) error
}

// Reader returns the audit trail of an order, oldest first.
type Reader interface {
	ReadAudit(ctx context.Context, orderID string) ([]Record, error)
}

// Log is a durable audit log that can be appended to and read back.
type Log interface {
	Appender
	Reader
}

// Entry is the input for New.
type Entry struct {
	OrderID   string
	From      string
	To        string
	Actor     string
	Automatic bool
	Reason    string
	Context   map[string]string

	// Version is the order version the transition produced.
	Version int64
	At      time.Time
}

// New builds a normalized record with its content-addressed id.
func New(e Entry) (Record, error) {
	rec := Record{
		OrderID:   norm.NFC.String(e.OrderID),
		From:      e.From,
		To:        e.To,
		Actor:     norm.NFC.String(e.Actor),
		Automatic: e.Automatic,
		Reason:    norm.NFC.String(e.Reason),
		Version:   e.Version,
		At:        e.At.UTC(),
	}
	if len(e.Context) > 0 {
		rec.Context = make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			rec.Context[k] = norm.NFC.String(v)
		}
	}

	subject := rec.OrderID
	if line := rec.Context[KeyLine]; line != "" {
		subject += "/" + line
	}
	id, err := RecordID(subject, rec.From, rec.To, rec.Version)
	if err != nil {
		return Record{}, err
	}
	rec.ID = id
	return rec, nil
}

// ForTransition builds the record for an order transition.
func ForTransition(orderID string, res lifecycle.Result, ev lifecycle.Event, actor lifecycle.Actor, version int64, at time.Time) (Record, error) {
	ctx := map[string]string{KeyEvent: string(ev)}
	if actor.Role != "" {
		ctx[KeyRole] = string(actor.Role)
	}
	if len(res.Skipped) > 0 {
		ctx[KeySkipped] = joinStatuses(res.Skipped)
	}
	return New(Entry{
		OrderID:   orderID,
		From:      string(res.From),
		To:        string(res.To),
		Actor:     actor.ID,
		Automatic: actor.Role == lifecycle.RoleSystem,
		Reason:    actor.Reason,
		Context:   ctx,
		Version:   version,
		At:        at,
	})
}

// ForLine builds the record for a kitchen line status change. version is the
// line's new version.
func ForLine(orderID, lineID string, from, to lifecycle.LineStatus, actor lifecycle.Actor, version int64, at time.Time) (Record, error) {
	ctx := map[string]string{KeyLine: lineID}
	if actor.Role != "" {
		ctx[KeyRole] = string(actor.Role)
	}
	return New(Entry{
		OrderID:   orderID,
		From:      string(from),
		To:        string(to),
		Actor:     actor.ID,
		Automatic: actor.Role == lifecycle.RoleSystem,
		Reason:    actor.Reason,
		Context:   ctx,
		Version:   version,
		At:        at,
	})
}

func joinStatuses(ss []lifecycle.Status) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += string(s)
	}
	return out
}

// String renders a record on one line for logs and CLI output.
func (r Record) String() string {
	kind := "manual"
	if r.Automatic {
		kind = "auto"
	}
	s := fmt.Sprintf("%s %s %s -> %s actor=%s (%s)", r.At.Format(time.RFC3339), r.OrderID, r.From, r.To, r.Actor, kind)
	if r.Reason != "" {
		s += " reason=" + r.Reason
	}
	if sk := r.Context[KeySkipped]; sk != "" {
		s += " skipped=" + sk
	}
	return s
}

// Package fixture loads seed data from YAML and writes it through a store.
//
// The sync engine never creates orders; fixtures stand in for the checkout
// flow in the seed command and in scenario runs.
//
//	tables:
//	  - id: t1
//	    name: Window
//	orders:
//	  - id: o1
//	    table: t1
//	    tax_rate: "0.10"
//	    age: 2s
//	    lines:
//	      - name: soup
//	        quantity: 2
//	        unit_price: "6.50"
package fixture

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ordersync/internal/lifecycle"
	"github.com/roach88/ordersync/internal/model"
	"github.com/roach88/ordersync/internal/store"
)

// Fixture is a set of tables and orders to seed.
type Fixture struct {
	Tables []Table `yaml:"tables,omitempty"`
	Orders []Order `yaml:"orders,omitempty"`
}

// Table is a seeded table.
type Table struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Order is a seeded order. Blank ids are generated.
type Order struct {
	ID       string `yaml:"id,omitempty"`
	Table    string `yaml:"table,omitempty"`
	Status   string `yaml:"status,omitempty"`
	TaxRate  string `yaml:"tax_rate,omitempty"`
	Discount string `yaml:"discount,omitempty"`
	Paid     bool   `yaml:"paid,omitempty"`

	// Age backdates the creation time relative to the seeding instant.
	Age string `yaml:"age,omitempty"`

	Lines []Line `yaml:"lines,omitempty"`
}

// Line is a seeded order line.
type Line struct {
	ID        string `yaml:"id,omitempty"`
	Name      string `yaml:"name"`
	Quantity  int    `yaml:"quantity"`
	UnitPrice string `yaml:"unit_price"`
	Status    string `yaml:"status,omitempty"`
}

// Seeder is the write surface a fixture needs. Both durable stores satisfy it.
type Seeder interface {
	InsertTable(ctx context.Context, id, name string) (model.Table, error)
	InsertOrder(ctx context.Context, n store.NewOrder) (model.Order, error)
	InsertLine(ctx context.Context, n store.NewLine) (model.Line, error)
	SetPaymentSettled(ctx context.Context, orderID string, settled bool, at time.Time) error
}

// Summary counts what Apply wrote.
type Summary struct {
	Tables int      `json:"tables"`
	Orders int      `json:"orders"`
	Lines  int      `json:"lines"`
	IDs    []string `json:"order_ids"`
}

// Load reads and validates a fixture file.
func Load(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	return Parse(data)
}

// Parse decodes a fixture, rejecting unknown fields.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fixture: %w", err)
	}
	return &f, nil
}

// Validate checks the fields Apply relies on.
func (f *Fixture) Validate() error {
	for i, t := range f.Tables {
		if t.ID == "" {
			return fmt.Errorf("tables[%d]: id is required", i)
		}
	}
	for i, o := range f.Orders {
		if o.Status != "" {
			if _, ok := lifecycle.ParseStatus(o.Status); !ok {
				return fmt.Errorf("orders[%d]: unknown status %q", i, o.Status)
			}
		}
		if _, err := money(o.TaxRate); err != nil {
			return fmt.Errorf("orders[%d].tax_rate: %w", i, err)
		}
		if _, err := money(o.Discount); err != nil {
			return fmt.Errorf("orders[%d].discount: %w", i, err)
		}
		if o.Age != "" {
			if d, err := time.ParseDuration(o.Age); err != nil || d < 0 {
				return fmt.Errorf("orders[%d].age: %q is not a non-negative duration", i, o.Age)
			}
		}
		for j, l := range o.Lines {
			if l.Quantity <= 0 {
				return fmt.Errorf("orders[%d].lines[%d]: quantity must be positive", i, j)
			}
			if _, err := money(l.UnitPrice); err != nil {
				return fmt.Errorf("orders[%d].lines[%d].unit_price: %w", i, j, err)
			}
			if l.Status != "" {
				if _, ok := lifecycle.ParseLineStatus(l.Status); !ok {
					return fmt.Errorf("orders[%d].lines[%d]: unknown status %q", i, j, l.Status)
				}
			}
		}
	}
	return nil
}

// Apply writes the fixture in order: tables, then each order with its lines
// and payment. now is the seeding instant that ages are measured from.
func (f *Fixture) Apply(ctx context.Context, s Seeder, now time.Time) (Summary, error) {
	var sum Summary
	for _, t := range f.Tables {
		if _, err := s.InsertTable(ctx, t.ID, t.Name); err != nil {
			return sum, err
		}
		sum.Tables++
	}

	for _, o := range f.Orders {
		id := o.ID
		if id == "" {
			id = uuid.NewString()
		}
		createdAt := now
		if o.Age != "" {
			age, _ := time.ParseDuration(o.Age)
			createdAt = now.Add(-age)
		}
		rate, _ := money(o.TaxRate)
		discount, _ := money(o.Discount)

		if _, err := s.InsertOrder(ctx, store.NewOrder{
			ID:        id,
			TableRef:  o.Table,
			Status:    lifecycle.Status(o.Status),
			TaxRate:   rate,
			Discount:  discount,
			CreatedAt: createdAt,
		}); err != nil {
			return sum, err
		}
		sum.Orders++
		sum.IDs = append(sum.IDs, id)

		for _, l := range o.Lines {
			lineID := l.ID
			if lineID == "" {
				lineID = uuid.NewString()
			}
			price, _ := money(l.UnitPrice)
			if _, err := s.InsertLine(ctx, store.NewLine{
				ID:        lineID,
				OrderID:   id,
				Name:      l.Name,
				Quantity:  l.Quantity,
				UnitPrice: price,
				Status:    lifecycle.LineStatus(l.Status),
			}); err != nil {
				return sum, err
			}
			sum.Lines++
		}

		if o.Paid {
			if err := s.SetPaymentSettled(ctx, id, true, now); err != nil {
				return sum, err
			}
		}
	}
	return sum, nil
}

func money(s string) (model.Money, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

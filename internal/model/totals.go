package model

import "github.com/shopspring/decimal"

// Money is a decimal amount. Float arithmetic never touches prices.
type Money = decimal.Decimal

// Totals are derived from an order's lines.
type Totals struct {
	Subtotal Money `json:"subtotal"`
	Tax      Money `json:"tax"`
	Discount Money `json:"discount"`
	Total    Money `json:"total"`
}

// ComputeTotals recomputes totals from lines. taxRate is a fraction (0.23 for
// 23%); discount is an absolute amount taken off before tax and clamped so the
// total never goes negative.
func ComputeTotals(lines []Line, taxRate, discount Money) Totals {
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}

	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}
	if discount.IsNegative() {
		discount = decimal.Zero
	}

	taxable := subtotal.Sub(discount)
	tax := taxable.Mul(taxRate).Round(2)

	return Totals{
		Subtotal: subtotal.Round(2),
		Tax:      tax,
		Discount: discount.Round(2),
		Total:    taxable.Add(tax).Round(2),
	}
}

// Package pricing turns print settings into money. Everything here is pure:
// callers hand in a snapshot of line items and a rate table and get a fresh
// quotation back.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Money represents a monetary value stored in minor units.
type Money = int64

// ColorMode selects the per-page rate.
type ColorMode string

const (
	Color         ColorMode = "color"
	BlackAndWhite ColorMode = "bw"
)

// ParseColorMode accepts the wire values plus a few spellings seen from clients.
func ParseColorMode(value string) (ColorMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "color", "colour":
		return Color, nil
	case "bw", "b&w", "blackandwhite", "black_and_white", "mono":
		return BlackAndWhite, nil
	}
	return "", fmt.Errorf("unknown color mode %q", value)
}

// Valid reports whether m is a known mode.
func (m ColorMode) Valid() bool {
	return m == Color || m == BlackAndWhite
}

// RateTable holds per-page prices in minor units.
type RateTable struct {
	Currency      string
	Color         Money
	BlackAndWhite Money
}

// DefaultRates is used when no configuration is supplied.
func DefaultRates() RateTable {
	return RateTable{Currency: "INR", Color: 500, BlackAndWhite: 200}
}

// Rate returns the per-page price for mode.
func (t RateTable) Rate(mode ColorMode) (Money, error) {
	switch mode {
	case Color:
		return t.Color, nil
	case BlackAndWhite:
		return t.BlackAndWhite, nil
	}
	return 0, fmt.Errorf("no rate for color mode %q", mode)
}

// Validate rejects tables with non-positive rates.
func (t RateTable) Validate() error {
	if t.Color <= 0 || t.BlackAndWhite <= 0 {
		return errors.New("rates must be positive")
	}
	return nil
}

// Item is the pricing view of a line item. Duplex is carried for fulfilment
// and never changes the amount.
type Item struct {
	Slot      int
	Pages     int
	Copies    int
	Mode      ColorMode
	Duplex    bool
	Estimated bool
}

// Quotation is the derived price of a set of items.
type Quotation struct {
	Currency  string        `json:"currency"`
	PerItem   map[int]Money `json:"perItem"`
	Total     Money         `json:"total"`
	Estimated bool          `json:"estimated"`
}

// Slots returns the priced slot indices in ascending order.
func (q Quotation) Slots() []int {
	out := make([]int, 0, len(q.PerItem))
	for slot := range q.PerItem {
		out = append(out, slot)
	}
	sort.Ints(out)
	return out
}

// ErrInvalidItem wraps item level validation failures.
var ErrInvalidItem = errors.New("pricing: invalid item")

// Upper bounds accepted for a single line item.
const (
	MaxPages  = 100_000
	MaxCopies = 1_000
)

// mul and add report false when the result does not fit in Money. Operands
// are never negative.
func mul(a, b Money) (Money, bool) {
	if a != 0 && b > math.MaxInt64/a {
		return 0, false
	}
	return a * b, true
}

func add(a, b Money) (Money, bool) {
	if a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}

// Quote prices every item: amount = pages x copies x rate(mode). An empty set
// yields a zero total; rejecting it is the caller's job.
func Quote(items []Item, rates RateTable) (Quotation, error) {
	q := Quotation{Currency: rates.Currency, PerItem: make(map[int]Money, len(items))}
	for _, it := range items {
		if it.Pages < 1 || it.Copies < 1 {
			return Quotation{}, fmt.Errorf("%w: slot %d needs positive pages and copies", ErrInvalidItem, it.Slot)
		}
		rate, err := rates.Rate(it.Mode)
		if err != nil {
			return Quotation{}, fmt.Errorf("%w: slot %d: %v", ErrInvalidItem, it.Slot, err)
		}
		if rate < 0 {
			return Quotation{}, fmt.Errorf("%w: slot %d: negative rate", ErrInvalidItem, it.Slot)
		}
		if _, dup := q.PerItem[it.Slot]; dup {
			return Quotation{}, fmt.Errorf("%w: slot %d priced twice", ErrInvalidItem, it.Slot)
		}
		sheets, ok := mul(Money(it.Pages), Money(it.Copies))
		amount, ok2 := mul(sheets, rate)
		total, ok3 := add(q.Total, amount)
		if !ok || !ok2 || !ok3 {
			return Quotation{}, fmt.Errorf("%w: slot %d amount out of range", ErrInvalidItem, it.Slot)
		}
		q.PerItem[it.Slot] = amount
		q.Total = total
		if it.Estimated {
			q.Estimated = true
		}
	}
	return q, nil
}

// Package order records paid print orders and moves them through the shop's
// fulfilment lifecycle.
package order

import (
	"errors"
	"strings"
	"time"

	"github.com/noah-isme/printease/internal/pricing"
)

// Status is the fulfilment state of an order.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusPrinted   Status = "Printed"
	StatusCompleted Status = "Completed"
)

var (
	// ErrNotFound is returned when no order matches.
	ErrNotFound = errors.New("order: not found")
	// ErrInvalidTransition is returned for unknown statuses and for changes
	// that lost a race with another update.
	ErrInvalidTransition = errors.New("order: invalid status transition")
	// ErrDuplicateProof is returned by repositories when a payment proof is already recorded.
	ErrDuplicateProof = errors.New("order: payment proof already recorded")
	// ErrStoreUnavailable indicates the repository dependency is not configured.
	ErrStoreUnavailable = errors.New("order: store unavailable")
)

// ParseStatus accepts the canonical names case-insensitively.
func ParseStatus(value string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "pending":
		return StatusPending, true
	case "printed":
		return StatusPrinted, true
	case "completed":
		return StatusCompleted, true
	}
	return "", false
}

func statusRank(s Status) int {
	switch s {
	case StatusPending:
		return 0
	case StatusPrinted:
		return 1
	case StatusCompleted:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether an operator may move an order from one status
// to another. Any known status may be set, backwards included, so mistakes can
// be corrected; setting the current status is not a transition.
func CanTransition(from, to Status) bool {
	rf, rt := statusRank(from), statusRank(to)
	return rf >= 0 && rt >= 0 && rf != rt
}

// Item is the print settings of one stored document.
type Item struct {
	Index       int    `json:"index"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType,omitempty"`
	Size        int    `json:"size"`
	PageCount   int    `json:"pageCount"`
	Copies      int    `json:"copies"`
	ColorMode   string `json:"colorMode"`
	Duplex      bool   `json:"duplex"`
}

// File is a stored document body.
type File struct {
	Index       int
	Name        string
	ContentType string
	Data        []byte
}

// Order is one paid submission.
type Order struct {
	ID             string    `json:"id"`
	Token          string    `json:"token"`
	Owner          string    `json:"owner"`
	Status         Status    `json:"status"`
	Paid           bool      `json:"paid"`
	PaymentProofID string    `json:"paymentProofId"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	Items          []Item    `json:"items"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// FileName is the name shown for the order: its first document.
func (o Order) FileName() string {
	if len(o.Items) == 0 {
		return ""
	}
	return o.Items[0].FileName
}

// Quote prices the stored items with rates.
func (o Order) Quote(rates pricing.RateTable) (pricing.Quotation, error) {
	items := make([]pricing.Item, len(o.Items))
	for i, it := range o.Items {
		mode, err := pricing.ParseColorMode(it.ColorMode)
		if err != nil {
			return pricing.Quotation{}, err
		}
		items[i] = pricing.Item{Slot: it.Index, Pages: it.PageCount, Copies: it.Copies, Mode: mode, Duplex: it.Duplex}
	}
	return pricing.Quote(items, rates)
}

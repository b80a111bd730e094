package orderclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrNotFound is returned when the order service has no such order.
var ErrNotFound = errors.New("orderclient: order not found")

// ServiceError is any failed call to the order service. Status is zero when no
// response was received.
type ServiceError struct {
	Op      string
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("order service %s: %d %s", e.Op, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("order service %s: status %d", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("order service %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("order service %s failed", e.Op)
	}
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Timeout reports whether the call ran out of time, leaving its outcome unknown.
func (e *ServiceError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Retryable reports whether repeating a read could succeed.
func (e *ServiceError) Retryable() bool {
	return e.Status == 0 || e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// Item is the per-document metadata sent along with the files.
type Item struct {
	FileName  string `json:"fileName"`
	PageCount int    `json:"pageCount"`
	Copies    int    `json:"copies"`
	ColorMode string `json:"colorMode"`
	Duplex    bool   `json:"duplex"`
}

// File is one document binary in a create request.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// CreateRequest is the multipart body of POST /orders. Files and Items are parallel.
type CreateRequest struct {
	Files          []File
	Items          []Item
	PaymentProofID string
	Amount         int64
	Currency       string
}

// CreateResponse is the answer to POST /orders.
type CreateResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
	Message string `json:"message,omitempty"`
}

// Order is the public view returned by GET /orders/{token}.
type Order struct {
	ID             string    `json:"id"`
	Token          string    `json:"token"`
	Status         string    `json:"status"`
	Paid           bool      `json:"paid"`
	Owner          string    `json:"owner"`
	FileRef        string    `json:"fileRef"`
	FileName       string    `json:"fileName"`
	PaymentProofID string    `json:"paymentProofId,omitempty"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	Items          []Item    `json:"items"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Summary is a row of GET /orders?owner=.
type Summary struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	FileName  string    `json:"fileName"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

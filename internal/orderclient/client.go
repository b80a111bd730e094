// Package orderclient talks to the order service over its REST contract.
package orderclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/printease/internal/resilience"
	"github.com/noah-isme/printease/internal/session"
)

const maxResponseBody = 4 << 20

// Client calls the order service. Reads are retried; creates never are,
// since a create whose outcome is unknown may already be committed.
type Client struct {
	BaseURL string
	Reads   resilience.HTTPClient
	Writes  resilience.HTTPClient
}

// New builds a client sharing one breaker and one instrumented transport.
func New(baseURL string, timeout time.Duration, breaker *resilience.Breaker) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	if breaker == nil {
		breaker = resilience.NewBreaker(10, 0.5, 30*time.Second).WithTarget("order-service")
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Reads: resilience.HTTPClient{
			Client:      httpClient,
			Breaker:     breaker,
			MaxAttempts: 3,
			BaseBackoff: 200 * time.Millisecond,
			Jitter:      0.2,
			Timeout:     timeout,
		},
		Writes: resilience.HTTPClient{
			Client:      httpClient,
			Breaker:     breaker,
			MaxAttempts: 1,
			Timeout:     timeout,
		},
	}
}

// CreateOrder uploads the documents with their metadata and the payment proof.
func (c *Client) CreateOrder(ctx context.Context, id session.Identity, req CreateRequest) (CreateResponse, error) {
	const op = "create"
	if len(req.Files) == 0 || len(req.Files) != len(req.Items) {
		return CreateResponse{}, &ServiceError{Op: op, Message: "files and items must be non-empty and parallel"}
	}
	body, contentType, err := encodeMultipart(req)
	if err != nil {
		return CreateResponse{}, &ServiceError{Op: op, Err: err}
	}
	httpReq, err := c.newRequest(ctx, id, http.MethodPost, "/orders", bytes.NewReader(body))
	if err != nil {
		return CreateResponse{}, &ServiceError{Op: op, Err: err}
	}
	httpReq.Header.Set("Content-Type", contentType)

	var out CreateResponse
	if err := c.do(ctx, c.Writes, op, httpReq, &out); err != nil {
		return CreateResponse{}, err
	}
	if !out.Success || strings.TrimSpace(out.Token) == "" {
		msg := out.Message
		if msg == "" {
			msg = "order service did not confirm the order"
		}
		return out, &ServiceError{Op: op, Status: http.StatusOK, Message: msg}
	}
	return out, nil
}

// GetOrder looks an order up by its public token.
func (c *Client) GetOrder(ctx context.Context, id session.Identity, token string) (Order, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Order{}, ErrNotFound
	}
	req, err := c.newRequest(ctx, id, http.MethodGet, "/orders/"+url.PathEscape(token), nil)
	if err != nil {
		return Order{}, &ServiceError{Op: "get", Err: err}
	}
	var out struct {
		Data Order `json:"data"`
	}
	if err := c.do(ctx, c.Reads, "get", req, &out); err != nil {
		return Order{}, err
	}
	return out.Data, nil
}

// ListOrders returns the owner's orders, newest first.
func (c *Client) ListOrders(ctx context.Context, id session.Identity, owner string) ([]Summary, error) {
	req, err := c.newRequest(ctx, id, http.MethodGet, "/orders?owner="+url.QueryEscape(owner), nil)
	if err != nil {
		return nil, &ServiceError{Op: "list", Err: err}
	}
	var out struct {
		Data []Summary `json:"data"`
	}
	if err := c.do(ctx, c.Reads, "list", req, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// UpdateStatus moves an order to status. Admin only on the service side.
func (c *Client) UpdateStatus(ctx context.Context, id session.Identity, orderID, status string) (Order, error) {
	payload, _ := json.Marshal(map[string]string{"status": status})
	req, err := c.newRequest(ctx, id, http.MethodPut, "/orders/"+url.PathEscape(orderID)+"/status", bytes.NewReader(payload))
	if err != nil {
		return Order{}, &ServiceError{Op: "update_status", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	var out struct {
		Data Order `json:"data"`
	}
	if err := c.do(ctx, c.Writes, "update_status", req, &out); err != nil {
		return Order{}, err
	}
	return out.Data, nil
}

// DeleteOrder removes an order. Admin only on the service side.
func (c *Client) DeleteOrder(ctx context.Context, id session.Identity, orderID string) error {
	req, err := c.newRequest(ctx, id, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return &ServiceError{Op: "delete", Err: err}
	}
	return c.do(ctx, c.Writes, "delete", req, nil)
}

func (c *Client) newRequest(ctx context.Context, id session.Identity, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if auth := id.AuthorizationHeader(); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, cl resilience.HTTPClient, op string, req *http.Request, out any) error {
	resp, err := cl.Do(ctx, req)
	if err != nil {
		return &ServiceError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &ServiceError{Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code, msg := decodeError(raw)
		return &ServiceError{Op: op, Status: resp.StatusCode, Code: code, Message: msg}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ServiceError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// decodeError accepts both {"error":{"code","message"}} and {"message"}.
func decodeError(raw []byte) (code, message string) {
	var envelope struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", strings.TrimSpace(string(raw))
	}
	if envelope.Error != nil {
		return envelope.Error.Code, envelope.Error.Message
	}
	return "", envelope.Message
}

func encodeMultipart(req CreateRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range req.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.Name))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", err
		}
	}
	items, err := json.Marshal(req.Items)
	if err != nil {
		return nil, "", err
	}
	fields := [][2]string{
		{"items", string(items)},
		{"paymentProofId", req.PaymentProofID},
		{"amount", strconv.FormatInt(req.Amount, 10)},
		{"currency", req.Currency},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

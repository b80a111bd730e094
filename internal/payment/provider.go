package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/noah-isme/printease/internal/resilience"
)

// Status is the provider independent payment status carried by webhooks.
type Status string

const (
	StatusPaid     Status = "PAID"
	StatusPending  Status = "PENDING"
	StatusFailed   Status = "FAILED"
	StatusExpired  Status = "EXPIRED"
	StatusRefunded Status = "REFUNDED"
)

// IntentRequest captures the information required to open a hosted payment page.
type IntentRequest struct {
	Reference   string
	Amount      int64
	Currency    string
	Description string
	ExpiresIn   time.Duration
	CallbackURL string
}

// IntentResponse is what a provider hands back for a hosted payment page.
type IntentResponse struct {
	Provider    string
	Token       string
	RedirectURL string
	ExpiresAt   time.Time
}

// WebhookVerifyResult contains the normalised data extracted from a webhook notification after signature verification.
type WebhookVerifyResult struct {
	Valid           bool
	Reference       string
	TransactionID   string
	Amount          int64
	Status          Status
	Reason          string
	ProviderPayload []byte
	Err             error
}

// Provider abstracts the operations required from an upstream payment provider.
type Provider interface {
	Name() string
	CreateIntent(ctx context.Context, req IntentRequest) (IntentResponse, error)
	VerifyWebhook(r *http.Request, body []byte) (WebhookVerifyResult, error)
}

// postJSON sends payload with basic auth and decodes a 2xx JSON answer into out.
func postJSON(ctx context.Context, cl *resilience.HTTPClient, url, user string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(user, "")
	resp, err := cl.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("provider responded %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, out)
}

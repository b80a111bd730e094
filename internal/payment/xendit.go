package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/noah-isme/printease/internal/resilience"
)

// Xendit implements Provider on top of hosted invoices.
type Xendit struct {
	SecretKey string
	BaseURL   string
	HTTP      *resilience.HTTPClient
}

func (Xendit) Name() string { return "xendit" }

// CreateIntent creates an invoice, or a deterministic stub when no HTTP client is configured.
func (x Xendit) CreateIntent(ctx context.Context, req IntentRequest) (IntentResponse, error) {
	if strings.TrimSpace(req.Reference) == "" {
		return IntentResponse{}, errors.New("reference is required")
	}
	if req.Amount <= 0 {
		return IntentResponse{}, errors.New("amount must be positive")
	}
	expiresAt := time.Now().Add(req.ExpiresIn)
	host := strings.TrimRight(strings.TrimSpace(x.BaseURL), "/")
	if x.HTTP == nil || x.HTTP.Client == nil {
		if host == "" {
			host = "https://checkout-stub.xendit"
		}
		token := fmt.Sprintf("xendit-%s", req.Reference)
		return IntentResponse{
			Provider:    x.Name(),
			Token:       token,
			RedirectURL: fmt.Sprintf("%s/%s", host, token),
			ExpiresAt:   expiresAt,
		}, nil
	}
	if host == "" {
		host = "https://api.xendit.co"
	}
	payload := map[string]any{
		"external_id": req.Reference,
		"amount":      req.Amount,
		"currency":    req.Currency,
		"description": truncate(req.Description, 255),
	}
	if req.ExpiresIn > 0 {
		payload["invoice_duration"] = int(req.ExpiresIn.Seconds())
	}
	if req.CallbackURL != "" {
		payload["success_redirect_url"] = req.CallbackURL
	}
	var out struct {
		ID         string `json:"id"`
		InvoiceURL string `json:"invoice_url"`
	}
	if err := postJSON(ctx, x.HTTP, host+"/v2/invoices", x.SecretKey, payload, &out); err != nil {
		return IntentResponse{}, fmt.Errorf("xendit create invoice: %w", err)
	}
	return IntentResponse{Provider: x.Name(), Token: out.ID, RedirectURL: out.InvoiceURL, ExpiresAt: expiresAt}, nil
}

// VerifyWebhook validates the callback signature and normalises the payload.
func (x Xendit) VerifyWebhook(r *http.Request, body []byte) (WebhookVerifyResult, error) {
	expected := x.Signature(body)
	provided := strings.TrimSpace(r.Header.Get("x-callback-signature"))
	if expected == "" || provided == "" || !hmac.Equal([]byte(expected), []byte(provided)) {
		return WebhookVerifyResult{Valid: false, Err: errors.New("invalid signature")}, nil
	}

	var payload struct {
		ID            string      `json:"id"`
		PaymentID     string      `json:"payment_id"`
		ExternalID    string      `json:"external_id"`
		Amount        json.Number `json:"amount"`
		Status        string      `json:"status"`
		FailureReason string      `json:"failure_reason"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookVerifyResult{Valid: false, Err: err}, nil
	}
	if payload.ExternalID == "" {
		return WebhookVerifyResult{Valid: false, Err: errors.New("missing external id")}, nil
	}

	amount, err := payload.Amount.Int64()
	if err != nil {
		if f, ferr := payload.Amount.Float64(); ferr == nil {
			amount = int64(f)
		}
	}
	txID := payload.PaymentID
	if txID == "" {
		txID = payload.ID
	}

	return WebhookVerifyResult{
		Valid:           true,
		Reference:       payload.ExternalID,
		TransactionID:   txID,
		Amount:          amount,
		Status:          normaliseXenditStatus(payload.Status),
		Reason:          payload.FailureReason,
		ProviderPayload: body,
	}, nil
}

// Signature computes the x-callback-signature for body.
func (x Xendit) Signature(body []byte) string {
	key := strings.TrimSpace(x.SecretKey)
	if key == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func normaliseXenditStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid", "settled", "success", "succeeded":
		return StatusPaid
	case "expired":
		return StatusExpired
	case "failed", "canceled", "cancelled":
		return StatusFailed
	default:
		return StatusPending
	}
}

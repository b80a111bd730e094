package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/printease/internal/resilience"
)

// Midtrans implements Provider on top of the SNAP hosted checkout.
//
// Without an HTTP client CreateIntent synthesises a deterministic SNAP token,
// which is enough for local runs and tests that drive the webhook directly.
type Midtrans struct {
	ServerKey string
	BaseURL   string
	Sandbox   bool
	HTTP      *resilience.HTTPClient
}

func (Midtrans) Name() string { return "midtrans" }

// CreateIntent opens a SNAP transaction for the reference.
func (m Midtrans) CreateIntent(ctx context.Context, req IntentRequest) (IntentResponse, error) {
	if strings.TrimSpace(req.Reference) == "" {
		return IntentResponse{}, errors.New("reference is required")
	}
	if req.Amount <= 0 {
		return IntentResponse{}, errors.New("amount must be positive")
	}
	expiresAt := time.Now().Add(req.ExpiresIn)
	if m.HTTP == nil || m.HTTP.Client == nil {
		token := fmt.Sprintf("SNAP-%s", req.Reference)
		return IntentResponse{
			Provider:    m.Name(),
			Token:       token,
			RedirectURL: fmt.Sprintf("%s/snap/v2/vtweb/%s", strings.TrimRight(m.snapHost(), "/"), token),
			ExpiresAt:   expiresAt,
		}, nil
	}

	payload := map[string]any{
		"transaction_details": map[string]any{
			"order_id":     req.Reference,
			"gross_amount": req.Amount,
		},
		"item_details": []map[string]any{{
			"id":       "print-order",
			"price":    req.Amount,
			"quantity": 1,
			"name":     truncate(req.Description, 50),
		}},
	}
	if req.ExpiresIn > 0 {
		payload["expiry"] = map[string]any{"duration": int(math.Ceil(req.ExpiresIn.Minutes())), "unit": "minutes"}
	}
	if req.CallbackURL != "" {
		payload["callbacks"] = map[string]any{"finish": req.CallbackURL}
	}
	var out struct {
		Token       string `json:"token"`
		RedirectURL string `json:"redirect_url"`
	}
	url := strings.TrimRight(m.snapHost(), "/") + "/snap/v1/transactions"
	if err := postJSON(ctx, m.HTTP, url, m.ServerKey, payload, &out); err != nil {
		return IntentResponse{}, fmt.Errorf("midtrans create transaction: %w", err)
	}
	return IntentResponse{Provider: m.Name(), Token: out.Token, RedirectURL: out.RedirectURL, ExpiresAt: expiresAt}, nil
}

func (m Midtrans) snapHost() string {
	host := strings.TrimSpace(m.BaseURL)
	if host == "" {
		if m.Sandbox {
			return "https://app.sandbox.midtrans.com"
		}
		return "https://app.midtrans.com"
	}
	return host
}

// VerifyWebhook validates the Midtrans signature and normalises the payload into WebhookVerifyResult.
func (m Midtrans) VerifyWebhook(_ *http.Request, body []byte) (WebhookVerifyResult, error) {
	var payload struct {
		OrderID           string `json:"order_id"`
		TransactionID     string `json:"transaction_id"`
		StatusCode        string `json:"status_code"`
		StatusMessage     string `json:"status_message"`
		GrossAmount       string `json:"gross_amount"`
		SignatureKey      string `json:"signature_key"`
		TransactionStatus string `json:"transaction_status"`
		FraudStatus       string `json:"fraud_status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookVerifyResult{Valid: false, Err: err}, nil
	}
	if payload.OrderID == "" {
		return WebhookVerifyResult{Valid: false, Err: errors.New("missing order id")}, nil
	}

	expected := m.Signature(payload.OrderID, payload.StatusCode, payload.GrossAmount)
	provided := strings.TrimSpace(payload.SignatureKey)
	if expected == "" || provided == "" || !hmac.Equal([]byte(expected), []byte(provided)) {
		return WebhookVerifyResult{Valid: false, Err: errors.New("invalid signature")}, nil
	}

	amount, err := parseMidtransAmount(payload.GrossAmount)
	if err != nil {
		return WebhookVerifyResult{Valid: false, Err: err}, nil
	}

	return WebhookVerifyResult{
		Valid:           true,
		Reference:       payload.OrderID,
		TransactionID:   payload.TransactionID,
		Amount:          amount,
		Status:          normaliseMidtransStatus(payload.TransactionStatus, payload.FraudStatus),
		Reason:          payload.StatusMessage,
		ProviderPayload: body,
	}, nil
}

// Signature computes the notification signature_key for the given fields.
func (m Midtrans) Signature(orderID, statusCode, grossAmount string) string {
	key := strings.TrimSpace(m.ServerKey)
	if key == "" {
		return ""
	}
	mac := hmac.New(sha512.New, []byte(key))
	mac.Write([]byte(orderID))
	mac.Write([]byte(statusCode))
	mac.Write([]byte(grossAmount))
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseMidtransAmount(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	if !strings.Contains(trimmed, ".") {
		return strconv.ParseInt(trimmed, 10, 64)
	}
	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(f)), nil
}

func normaliseMidtransStatus(status, fraud string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "capture":
		if strings.EqualFold(strings.TrimSpace(fraud), "challenge") {
			return StatusPending
		}
		return StatusPaid
	case "settlement":
		return StatusPaid
	case "deny", "cancel", "failure":
		return StatusFailed
	case "expire":
		return StatusExpired
	case "refund", "partial_refund":
		return StatusRefunded
	default:
		return StatusPending
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "Print order"
	}
	if len(s) > n {
		return s[:n]
	}
	return s
}

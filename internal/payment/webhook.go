package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/printease/internal/common"
	"github.com/noah-isme/printease/internal/obs"
)

const maxWebhookBody = 1 << 20

// Webhook verifies provider callbacks and hands them to the hosted gateway
// that opened the session. Identical bodies are dropped by a Redis replay guard.
type Webhook struct {
	Gateways  map[string]*Hosted
	Replay    *redis.Client
	ReplayTTL time.Duration
	Logger    zerolog.Logger
}

// Handle serves POST /webhooks/payment/{provider}.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	providerKey := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	gw, ok := h.Gateways[providerKey]
	if !ok || gw == nil {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	result, err := gw.Provider.VerifyWebhook(r, body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
		return
	}
	if !result.Valid {
		obs.IncPaymentEvent(providerKey, "invalid_signature")
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
		return
	}

	ctx := r.Context()
	logger := obs.LoggerFrom(ctx, h.Logger)
	replayKey := ""
	if h.Replay != nil && h.ReplayTTL > 0 {
		replayKey = fmt.Sprintf("wh:%s:%s", providerKey, common.Fingerprint(string(body)))
		fresh, err := h.Replay.SetNX(ctx, replayKey, "1", h.ReplayTTL).Result()
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "REPLAY_STORE_ERROR", err.Error(), nil)
			return
		}
		if !fresh {
			obs.IncPaymentEvent(providerKey, "duplicate")
			logger.Debug().Str("reference", result.Reference).Msg("duplicate payment webhook")
			common.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
	}

	// callbacks may outlive the provider's request
	delivery, err := gw.Deliver(context.WithoutCancel(ctx), result)
	switch {
	case err == nil:
		common.JSON(w, http.StatusOK, map[string]string{"status": string(delivery)})
	case errors.Is(err, ErrUnknownReference):
		logger.Warn().Str("reference", result.Reference).Str("status", string(result.Status)).Msg("payment webhook for unknown session")
		common.JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case errors.Is(err, ErrAmountMismatch):
		h.release(replayKey)
		logger.Error().Err(err).Str("reference", result.Reference).Msg("payment webhook amount mismatch")
		common.JSONError(w, http.StatusBadRequest, "AMOUNT_MISMATCH", "provider amount mismatch", nil)
	default:
		h.release(replayKey)
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, err.Error(), nil)
	}
}

func (h Webhook) release(key string) {
	if key == "" || h.Replay == nil {
		return
	}
	_ = h.Replay.Del(context.Background(), key).Err()
}

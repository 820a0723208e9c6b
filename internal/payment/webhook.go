package payment

import (
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kartstack/payments-bridge/internal/common"
	"github.com/kartstack/payments-bridge/internal/gateway"
	"github.com/kartstack/payments-bridge/internal/obs"
)

const maxWebhookBody = 1 << 20

// WebhookHandler receives gateway notifications and applies them to sessions.
// Delivery is acknowledged with 200 even when the payload cannot be applied,
// so the gateway does not retry events we have already classified.
type WebhookHandler struct {
	Svc       *Service
	Redis     *redis.Client
	ReplayTTL time.Duration
	Logger    zerolog.Logger
}

func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	provider := providerParam(r)
	gw, err := h.Svc.gateway(provider)
	if err != nil {
		common.JSONError(w, http.StatusNotFound, "GATEWAY_NOT_SUPPORTED", "unknown gateway", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unreadable body", nil)
		return
	}

	if h.seenBefore(r, provider, body) {
		common.JSON(w, http.StatusOK, map[string]any{"ok": true, "replay": true})
		return
	}

	event := gw.WebhookAction(r.Header, body)
	if obs.PaymentWebhookTotal != nil {
		obs.PaymentWebhookTotal.WithLabelValues(provider, string(event.Action)).Inc()
	}

	if event.Action == gateway.ActionNotSupported {
		h.Logger.Warn().
			Str("gateway", provider).
			Str("event_type", event.EventType).
			Str("remote_ip", common.ClientIP(r)).
			Msg("webhook event not supported")
		common.JSON(w, http.StatusOK, map[string]any{"ok": true, "applied": false})
		return
	}

	changed, err := h.Svc.ApplyWebhook(r.Context(), event)
	if err != nil {
		h.Logger.Error().Err(err).
			Str("gateway", provider).
			Str("order_id", event.OrderID).
			Str("event_type", event.EventType).
			Msg("webhook apply failed")
		common.JSON(w, http.StatusOK, map[string]any{"ok": true, "applied": false})
		return
	}

	common.JSON(w, http.StatusOK, map[string]any{"ok": true, "applied": changed})
}

// seenBefore marks the raw body in redis and reports whether an identical
// delivery was already processed inside the replay window. Redis outages
// fail open: a duplicate apply is a no-op anyway.
func (h *WebhookHandler) seenBefore(r *http.Request, provider string, body []byte) bool {
	if h.Redis == nil || len(body) == 0 {
		return false
	}
	ttl := h.ReplayTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	key := "wh:" + provider + ":" + common.Sha256Hex(string(body))
	fresh, err := h.Redis.SetNX(r.Context(), key, 1, ttl).Result()
	if err != nil {
		h.Logger.Warn().Err(err).Str("gateway", provider).Msg("webhook replay check unavailable")
		return false
	}
	return !fresh
}

package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kartstack/payments-bridge/internal/gateway"
	"github.com/kartstack/payments-bridge/internal/payment"
)

func webhookRequest(t *testing.T, provider string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment/"+provider, bytes.NewReader(body))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("provider", provider)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func decodeAck(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestWebhookAppliesEvent(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	gw := &stubGateway{name: "stub"}
	gw.webhookEvent = gateway.WebhookEvent{
		Gateway:       "stub",
		EventType:     "PAYMENT_SUCCESS_WEBHOOK",
		Action:        gateway.ActionAuthorized,
		OrderID:       "ord_1",
		TransactionID: "txn_1",
	}
	svc, st, _ := newService(gw)
	seeded := seedSession(t, st, "stub", gateway.StatusPending)

	h := &payment.WebhookHandler{Svc: svc, Redis: rdb, ReplayTTL: time.Minute, Logger: zerolog.Nop()}

	rr := httptest.NewRecorder()
	h.Handle(rr, webhookRequest(t, "stub", []byte(`{"type":"PAYMENT_SUCCESS_WEBHOOK"}`)))
	require.Equal(t, http.StatusOK, rr.Code)

	ack := decodeAck(t, rr)
	require.Equal(t, true, ack["ok"])
	require.Equal(t, true, ack["applied"])
	require.Equal(t, gateway.StatusAuthorized, st.records[seeded.ID].Status)
}

func TestWebhookReplayProtection(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	gw := &stubGateway{name: "stub"}
	gw.webhookEvent = gateway.WebhookEvent{
		Gateway: "stub",
		Action:  gateway.ActionAuthorized,
		OrderID: "ord_1",
	}
	svc, st, _ := newService(gw)
	seedSession(t, st, "stub", gateway.StatusPending)

	h := &payment.WebhookHandler{Svc: svc, Redis: rdb, ReplayTTL: time.Minute, Logger: zerolog.Nop()}
	body := []byte(`{"type":"PAYMENT_SUCCESS_WEBHOOK","id":"evt_1"}`)

	rr := httptest.NewRecorder()
	h.Handle(rr, webhookRequest(t, "stub", body))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, true, decodeAck(t, rr)["applied"])

	rr2 := httptest.NewRecorder()
	h.Handle(rr2, webhookRequest(t, "stub", body))
	require.Equal(t, http.StatusOK, rr2.Code)
	require.Equal(t, true, decodeAck(t, rr2)["replay"])
}

func TestWebhookUnsupportedEventStillAcknowledged(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	gw := &stubGateway{name: "stub"}
	svc, _, _ := newService(gw)

	h := &payment.WebhookHandler{Svc: svc, Redis: rdb, ReplayTTL: time.Minute, Logger: zerolog.Nop()}

	rr := httptest.NewRecorder()
	h.Handle(rr, webhookRequest(t, "stub", []byte(`{"type":"UNKNOWN_EVENT"}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, false, decodeAck(t, rr)["applied"])
}

func TestWebhookUnknownGateway(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	svc, _, _ := newService(&stubGateway{name: "stub"})
	h := &payment.WebhookHandler{Svc: svc, Redis: rdb, ReplayTTL: time.Minute, Logger: zerolog.Nop()}

	rr := httptest.NewRecorder()
	h.Handle(rr, webhookRequest(t, "nope", []byte(`{}`)))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWebhookApplyFailureStillAcknowledged(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	// event references an order that was never stored
	gw := &stubGateway{name: "stub"}
	gw.webhookEvent = gateway.WebhookEvent{
		Gateway: "stub",
		Action:  gateway.ActionAuthorized,
		OrderID: "ord_missing",
	}
	svc, _, _ := newService(gw)

	h := &payment.WebhookHandler{Svc: svc, Redis: rdb, ReplayTTL: time.Minute, Logger: zerolog.Nop()}

	rr := httptest.NewRecorder()
	h.Handle(rr, webhookRequest(t, "stub", []byte(`{"type":"PAYMENT_SUCCESS_WEBHOOK"}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, false, decodeAck(t, rr)["applied"])
}

package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kartstack/payments-bridge/internal/gateway"
	"github.com/kartstack/payments-bridge/internal/resilience"
)

func newCashfree(ts *httptest.Server) gateway.Cashfree {
	return gateway.Cashfree{
		ClientID:     "cid",
		ClientSecret: "secret",
		BaseURL:      ts.URL,
		HTTP: &resilience.HTTPClient{
			Client:      ts.Client(),
			MaxAttempts: 1,
		},
		PollClient:   ts.Client(),
		PollAttempts: 3,
		PollDelay:    time.Millisecond,
		Logger:       zerolog.Nop(),
	}
}

func TestCashfreeInitiate(t *testing.T) {
	t.Parallel()

	var gotHeaders http.Header
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/orders", r.URL.Path)
		gotHeaders = r.Header.Clone()
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		require.NoError(t, dec.Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"cf_order_id":9900123,"order_status":"ACTIVE","payment_session_id":"session-xyz"}`)
	}))
	defer ts.Close()

	cf := newCashfree(ts)
	s, err := cf.Initiate(context.Background(), gateway.InitiateRequest{
		Currency:        "inr",
		Amount:          50000,
		IdempotencySeed: "booking-42",
	})
	require.NoError(t, err)

	require.Equal(t, "cid", gotHeaders.Get("x-client-id"))
	require.Equal(t, "secret", gotHeaders.Get("x-client-secret"))
	require.Equal(t, "2022-09-01", gotHeaders.Get("x-api-version"))

	require.Equal(t, "500.00", fmt.Sprint(gotBody["order_amount"]))
	require.Equal(t, "INR", gotBody["order_currency"])
	customer, ok := gotBody["customer_details"].(map[string]any)
	require.True(t, ok)
	require.NotEmpty(t, customer["customer_id"])
	require.NotEmpty(t, customer["customer_email"])
	require.NotEmpty(t, customer["customer_phone"])

	require.True(t, strings.HasPrefix(s.ProviderOrderID, "booking-42_"))
	require.Equal(t, gateway.StatusPending, s.Status)
	require.Equal(t, int64(50000), s.Amount)
	require.Equal(t, "INR", s.Currency)
	require.Equal(t, s.ProviderOrderID, s.RawPayload["order_id"])
	require.Equal(t, "session-xyz", s.RawPayload["payment_session_id"])
}

func TestCashfreeInitiateRejectsBadInput(t *testing.T) {
	t.Parallel()

	cf := gateway.Cashfree{Logger: zerolog.Nop()}
	_, err := cf.Initiate(context.Background(), gateway.InitiateRequest{Currency: "INR", Amount: 0})
	require.Error(t, err)
	_, err = cf.Initiate(context.Background(), gateway.InitiateRequest{Currency: "", Amount: 100})
	require.Error(t, err)
}

func TestCashfreeGetStatusStopsAtTerminal(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/orders/ord_1", r.URL.Path)
		n := calls.Add(1)
		status := "ACTIVE"
		if n >= 2 {
			status = "PAID"
		}
		fmt.Fprintf(w, `{"order_id":"ord_1","order_status":%q}`, status)
	}))
	defer ts.Close()

	cf := newCashfree(ts)
	result := cf.GetStatus(context.Background(), gateway.Session{ProviderOrderID: "ord_1"})
	require.Equal(t, gateway.StatusAuthorized, result.Status)
	require.Equal(t, "PAID", result.Raw)
	require.Equal(t, 2, result.Attempts)
	require.False(t, result.Exhausted)
	require.Equal(t, int32(2), calls.Load())
}

func TestCashfreeGetStatusExhaustedActive(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"order_id":"ord_1","order_status":"ACTIVE"}`)
	}))
	defer ts.Close()

	cf := newCashfree(ts)
	result := cf.GetStatus(context.Background(), gateway.Session{ProviderOrderID: "ord_1"})
	require.Equal(t, gateway.StatusPending, result.Status)
	require.Equal(t, "ACTIVE", result.Raw)
	require.Equal(t, 3, result.Attempts)
	require.True(t, result.Exhausted)
	require.Equal(t, int32(3), calls.Load())
}

func TestCashfreeGetStatusAllPollsFail(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	cf := newCashfree(ts)
	result := cf.GetStatus(context.Background(), gateway.Session{ProviderOrderID: "ord_1"})
	require.Equal(t, gateway.StatusError, result.Status)
	require.Equal(t, "unknown", result.Raw)
	require.True(t, result.Exhausted)
}

func TestCashfreeGetStatusUnwrapsNestedPayload(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/orders/ord_nested", r.URL.Path)
		fmt.Fprint(w, `{"order_id":"ord_nested","order_status":"PAID"}`)
	}))
	defer ts.Close()

	cf := newCashfree(ts)
	session := gateway.Session{
		RawPayload: map[string]any{
			"data": map[string]any{
				"data": map[string]any{"order_id": "ord_nested"},
			},
		},
	}
	result := cf.GetStatus(context.Background(), session)
	require.Equal(t, gateway.StatusAuthorized, result.Status)
}

func TestCashfreeGetStatusMissingOrderID(t *testing.T) {
	t.Parallel()

	cf := gateway.Cashfree{Logger: zerolog.Nop()}
	result := cf.GetStatus(context.Background(), gateway.Session{})
	require.Equal(t, gateway.StatusError, result.Status)
	require.Equal(t, "missing_order_id", result.Raw)
}

func TestCashfreeGetStatusContextCancel(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"order_id":"ord_1","order_status":"ACTIVE"}`)
	}))
	defer ts.Close()

	cf := newCashfree(ts)
	cf.PollDelay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	result := cf.GetStatus(ctx, gateway.Session{ProviderOrderID: "ord_1"})
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, gateway.StatusPending, result.Status)
	require.Equal(t, 1, result.Attempts)
}

func TestCashfreeCaptureNotSupported(t *testing.T) {
	t.Parallel()

	cf := gateway.Cashfree{Logger: zerolog.Nop()}
	_, err := cf.Capture(context.Background(), gateway.Session{ProviderOrderID: "ord_1"})
	require.ErrorIs(t, err, gateway.ErrNotSupported)
}

func TestCashfreeCancelIsLocal(t *testing.T) {
	t.Parallel()

	cf := gateway.Cashfree{Logger: zerolog.Nop()}
	s, err := cf.Cancel(context.Background(), gateway.Session{ProviderOrderID: "ord_1", Status: gateway.StatusPending})
	require.NoError(t, err)
	require.Equal(t, gateway.StatusCanceled, s.Status)
}

func TestCashfreeRefund(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/orders/ord_1/refunds", r.URL.Path)
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		require.NoError(t, dec.Decode(&gotBody))
		fmt.Fprint(w, `{"refund_id":"rf_gateway","refund_status":"SUCCESS"}`)
	}))
	defer ts.Close()

	cf := newCashfree(ts)
	result, err := cf.Refund(context.Background(), gateway.Session{ProviderOrderID: "ord_1"}, 25000, "customer request")
	require.NoError(t, err)

	require.Equal(t, "250.00", fmt.Sprint(gotBody["refund_amount"]))
	require.True(t, strings.HasPrefix(fmt.Sprint(gotBody["refund_id"]), "refund_ord_1_"))
	require.Equal(t, "customer request", gotBody["refund_note"])

	require.Equal(t, "rf_gateway", result.RefundID)
	require.Equal(t, "SUCCESS", result.Status)
	require.Equal(t, int64(25000), result.Amount)
}

func TestCashfreeRefundErrorsPropagate(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"insufficient balance"}`, http.StatusBadRequest)
	}))
	defer ts.Close()

	cf := newCashfree(ts)
	_, err := cf.Refund(context.Background(), gateway.Session{ProviderOrderID: "ord_1"}, 25000, "")
	require.Error(t, err)

	_, err = cf.Refund(context.Background(), gateway.Session{}, 25000, "")
	require.ErrorIs(t, err, gateway.ErrMissingOrderID)

	_, err = cf.Refund(context.Background(), gateway.Session{ProviderOrderID: "ord_1"}, 0, "")
	require.Error(t, err)
}

func TestCashfreeWebhookAction(t *testing.T) {
	t.Parallel()

	cf := gateway.Cashfree{Logger: zerolog.Nop()}

	body := map[string]any{
		"type": "PAYMENT_SUCCESS_WEBHOOK",
		"data": map[string]any{
			"order":   map[string]any{"order_id": "ord_77"},
			"payment": map[string]any{"cf_payment_id": "112233"},
		},
	}
	event := cf.WebhookAction(nil, body)
	require.Equal(t, gateway.ActionAuthorized, event.Action)
	require.Equal(t, "ord_77", event.OrderID)
	require.Equal(t, "112233", event.TransactionID)
	require.Equal(t, "cashfree", event.Gateway)

	body["type"] = "PAYMENT_FAILED_WEBHOOK"
	require.Equal(t, gateway.ActionFailed, cf.WebhookAction(nil, body).Action)

	body["type"] = "PAYMENT_USER_DROPPED_WEBHOOK"
	require.Equal(t, gateway.ActionCanceled, cf.WebhookAction(nil, body).Action)

	body["type"] = "SOMETHING_ELSE"
	require.Equal(t, gateway.ActionNotSupported, cf.WebhookAction(nil, body).Action)
}

func TestCashfreeWebhookAcceptsRawBytes(t *testing.T) {
	t.Parallel()

	cf := gateway.Cashfree{Logger: zerolog.Nop()}
	raw := []byte(`{"type":"PAYMENT_SUCCESS_WEBHOOK","data":{"order":{"order_id":"ord_9"}}}`)
	event := cf.WebhookAction(nil, raw)
	require.Equal(t, gateway.ActionAuthorized, event.Action)
	require.Equal(t, "ord_9", event.OrderID)

	event = cf.WebhookAction(nil, string(raw))
	require.Equal(t, gateway.ActionAuthorized, event.Action)

	event = cf.WebhookAction(nil, []byte("not json"))
	require.Equal(t, gateway.ActionNotSupported, event.Action)

	event = cf.WebhookAction(nil, nil)
	require.Equal(t, gateway.ActionNotSupported, event.Action)
}

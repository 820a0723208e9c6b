package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kartstack/payments-bridge/internal/resilience"
)

// Guest placeholders favour checkout completion over strict validation when
// the host supplies no contact details. Flagged as a policy trade-off: dummy
// contact data may trip a gateway's fraud controls.
const (
	guestEmail = "guest@example.com"
	guestPhone = "9999999999"
)

const defaultCashfreeAPIVersion = "2022-09-01"

// Cashfree implements Gateway against the direct REST order API:
// POST /orders, GET /orders/{id}, POST /orders/{id}/refunds.
type Cashfree struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	APIVersion   string

	// HTTP wraps order creation and refunds with retry and circuit breaking.
	// The status poll loop owns its own bounded retry semantics and goes
	// through PollClient instead.
	HTTP       *resilience.HTTPClient
	PollClient *http.Client

	PollAttempts int
	PollDelay    time.Duration

	Logger zerolog.Logger
}

// Name identifies the gateway variant.
func (c Cashfree) Name() string { return "cashfree" }

type cfCustomer struct {
	CustomerID    string `json:"customer_id"`
	CustomerName  string `json:"customer_name,omitempty"`
	CustomerEmail string `json:"customer_email"`
	CustomerPhone string `json:"customer_phone"`
}

type cfOrderMeta struct {
	ReturnURL string `json:"return_url,omitempty"`
}

type cfOrderRequest struct {
	OrderID         string       `json:"order_id"`
	OrderAmount     json.Number  `json:"order_amount"`
	OrderCurrency   string       `json:"order_currency"`
	CustomerDetails cfCustomer   `json:"customer_details"`
	OrderMeta       *cfOrderMeta `json:"order_meta,omitempty"`
}

// Initiate creates an order with a synthesised idempotent order id and returns
// the opened session. Hard failures propagate: the caller must not proceed as
// if a session exists.
func (c Cashfree) Initiate(ctx context.Context, req InitiateRequest) (Session, error) {
	if req.Amount <= 0 {
		return Session{}, fmt.Errorf("cashfree: invalid amount %d", req.Amount)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return Session{}, fmt.Errorf("cashfree: currency is required")
	}
	orderID := NewOrderID(req.IdempotencySeed)

	body := cfOrderRequest{
		OrderID:         orderID,
		OrderAmount:     json.Number(MajorUnits(req.Amount)),
		OrderCurrency:   currency,
		CustomerDetails: defaultedCustomer(req.Customer),
	}
	if strings.TrimSpace(req.ReturnURL) != "" {
		body.OrderMeta = &cfOrderMeta{ReturnURL: req.ReturnURL}
	}

	payload, err := c.do(ctx, http.MethodPost, "/orders", body)
	if err != nil {
		return Session{}, fmt.Errorf("cashfree: create order: %w", err)
	}
	payload["order_id"] = orderID
	return Session{
		ProviderOrderID: orderID,
		Amount:          req.Amount,
		Currency:        currency,
		Status:          StatusPending,
		RawPayload:      payload,
		CreatedAt:       time.Now(),
	}, nil
}

func defaultedCustomer(cust Customer) cfCustomer {
	out := cfCustomer{
		CustomerID:    strings.TrimSpace(cust.ID),
		CustomerName:  strings.TrimSpace(cust.Name),
		CustomerEmail: strings.TrimSpace(cust.Email),
		CustomerPhone: strings.TrimSpace(cust.Phone),
	}
	if out.CustomerID == "" {
		out.CustomerID = "guest_" + uuid.NewString()[:8]
	}
	if out.CustomerEmail == "" {
		out.CustomerEmail = guestEmail
	}
	if out.CustomerPhone == "" {
		out.CustomerPhone = guestPhone
	}
	return out
}

// Authorize has no client-side proof on the REST gateway; the order status is
// the only authorization signal.
func (c Cashfree) Authorize(ctx context.Context, s Session, _ AuthProof) StatusResult {
	return c.GetStatus(ctx, s)
}

// GetStatus polls the order-status endpoint under a bounded attempt ceiling,
// converting the gateway's asynchronous settlement signal into a synchronous
// answer for checkout UIs. Individual poll failures are logged and swallowed.
// Exhausting the ceiling on an ACTIVE order yields PENDING with Exhausted set;
// the webhook path remains the authoritative source of truth.
func (c Cashfree) GetStatus(ctx context.Context, s Session) StatusResult {
	s.RawPayload = Flatten(s.RawPayload)
	orderID := sessionOrderID(s)
	if orderID == "" {
		return StatusResult{Status: StatusError, Raw: "missing_order_id"}
	}

	attempts := c.PollAttempts
	if attempts <= 0 {
		attempts = 5
	}
	delay := c.PollDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}

	var raw string
	for attempt := 1; attempt <= attempts; attempt++ {
		payload, err := c.fetchOrder(ctx, orderID)
		if err != nil {
			c.Logger.Warn().Err(err).
				Str("order_id", orderID).
				Int("attempt", attempt).
				Msg("order status poll failed")
		} else {
			raw = strings.ToUpper(strings.TrimSpace(stringField(payload, "order_status")))
			if cashfreeTerminal(raw) {
				return StatusResult{Status: normalizeCashfreeStatus(raw), Raw: raw, Attempts: attempt}
			}
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return StatusResult{Status: StatusPending, Raw: raw, Attempts: attempt}
		case <-timer.C:
		}
	}

	if raw == "ACTIVE" {
		return StatusResult{Status: StatusPending, Raw: raw, Attempts: attempts, Exhausted: true}
	}
	if raw == "" {
		return StatusResult{Status: StatusError, Raw: "unknown", Attempts: attempts, Exhausted: true}
	}
	return StatusResult{Status: normalizeCashfreeStatus(raw), Raw: raw, Attempts: attempts, Exhausted: true}
}

// Capture is not exposed by the REST gateway; PAID orders are settled by the
// gateway itself.
func (c Cashfree) Capture(_ context.Context, _ Session) (StatusResult, error) {
	return StatusResult{}, ErrNotSupported
}

// Cancel marks the session canceled locally. The REST gateway expires open
// orders on its own; there is no remote cancel call.
func (c Cashfree) Cancel(_ context.Context, s Session) (Session, error) {
	s.RawPayload = Flatten(s.RawPayload)
	s.Status, _ = Transition(s.Status, StatusCanceled)
	return s, nil
}

type cfRefundRequest struct {
	RefundAmount json.Number `json:"refund_amount"`
	RefundID     string      `json:"refund_id"`
	RefundNote   string      `json:"refund_note,omitempty"`
}

// Refund posts a refund for the session's order. Failures propagate: a money
// movement must never be silently retried against stale state.
func (c Cashfree) Refund(ctx context.Context, s Session, amount int64, note string) (RefundResult, error) {
	s.RawPayload = Flatten(s.RawPayload)
	orderID := sessionOrderID(s)
	if orderID == "" {
		return RefundResult{}, fmt.Errorf("cashfree: refund: %w", ErrMissingOrderID)
	}
	if amount <= 0 {
		return RefundResult{}, fmt.Errorf("cashfree: refund: invalid amount %d", amount)
	}
	refundID := NewRefundID(orderID)
	body := cfRefundRequest{
		RefundAmount: json.Number(MajorUnits(amount)),
		RefundID:     refundID,
		RefundNote:   note,
	}
	payload, err := c.do(ctx, http.MethodPost, "/orders/"+orderID+"/refunds", body)
	if err != nil {
		return RefundResult{}, fmt.Errorf("cashfree: refund order %s: %w", orderID, err)
	}
	result := RefundResult{RefundID: refundID, Amount: amount}
	if id := stringField(payload, "refund_id"); id != "" {
		result.RefundID = id
	}
	result.Status = stringField(payload, "refund_status")
	return result, nil
}

// Retrieve refreshes the session from the gateway with a single fetch.
func (c Cashfree) Retrieve(ctx context.Context, s Session) (Session, error) {
	s.RawPayload = Flatten(s.RawPayload)
	orderID := sessionOrderID(s)
	if orderID == "" {
		return s, ErrMissingOrderID
	}
	payload, err := c.fetchOrder(ctx, orderID)
	if err != nil {
		return s, fmt.Errorf("cashfree: retrieve order %s: %w", orderID, err)
	}
	payload["order_id"] = orderID
	s.ProviderOrderID = orderID
	s.RawPayload = payload
	raw := strings.ToUpper(strings.TrimSpace(stringField(payload, "order_status")))
	s.Status, _ = Transition(s.Status, normalizeCashfreeStatus(raw))
	return s, nil
}

// Delete has nothing to tear down gateway-side; the order expires on its own.
func (c Cashfree) Delete(_ context.Context, _ Session) error { return nil }

// WebhookAction dispatches purely by event type; the REST gateway carries no
// inbound signature. The transaction id is the gateway's internal payment
// identifier.
func (c Cashfree) WebhookAction(_ http.Header, body any) WebhookEvent {
	event := WebhookEvent{Gateway: c.Name(), Action: ActionNotSupported}
	_, parsed, ok := coerceBody(body)
	if !ok || parsed == nil {
		return event
	}
	event.Payload = parsed
	event.EventType = stringField(parsed, "type")
	event.OrderID = stringField(parsed, "data", "order", "order_id")
	event.TransactionID = stringField(parsed, "data", "payment", "cf_payment_id")

	switch event.EventType {
	case "PAYMENT_SUCCESS_WEBHOOK":
		event.Action = ActionAuthorized
	case "PAYMENT_FAILED_WEBHOOK":
		event.Action = ActionFailed
	case "PAYMENT_USER_DROPPED_WEBHOOK":
		event.Action = ActionCanceled
	}
	return event
}

func normalizeCashfreeStatus(raw string) CanonicalStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "ACTIVE":
		return StatusPending
	case "PAID":
		return StatusAuthorized
	case "EXPIRED", "USER_DROPPED":
		return StatusCanceled
	default:
		return StatusError
	}
}

func cashfreeTerminal(raw string) bool {
	switch raw {
	case "PAID", "EXPIRED", "USER_DROPPED":
		return true
	default:
		return false
	}
}

func sessionOrderID(s Session) string {
	if id := strings.TrimSpace(s.ProviderOrderID); id != "" {
		return id
	}
	return strings.TrimSpace(stringField(s.RawPayload, "order_id"))
}

func (c Cashfree) fetchOrder(ctx context.Context, orderID string) (map[string]any, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	client := c.PollClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

func (c Cashfree) do(ctx context.Context, method, path string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return nil, err
	}
	var resp *http.Response
	if c.HTTP != nil {
		resp, err = c.HTTP.Do(ctx, req)
	} else {
		resp, err = http.DefaultClient.Do(req)
	}
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

func (c Cashfree) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	url := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-client-id", c.ClientID)
	req.Header.Set("x-client-secret", c.ClientSecret)
	version := strings.TrimSpace(c.APIVersion)
	if version == "" {
		version = defaultCashfreeAPIVersion
	}
	req.Header.Set("x-api-version", version)
	return req, nil
}

func decodeResponse(resp *http.Response) (map[string]any, error) {
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("gateway returned %s: %s", resp.Status, truncateBody(data))
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	payload := map[string]any{}
	if err := decoder.Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func truncateBody(data []byte) string {
	const max = 256
	if len(data) > max {
		data = data[:max]
	}
	return string(data)
}

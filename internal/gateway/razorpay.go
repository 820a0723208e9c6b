package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	razorpay "github.com/razorpay/razorpay-go"
	"github.com/razorpay/razorpay-go/utils"
	"github.com/rs/zerolog"

	"github.com/kartstack/payments-bridge/internal/obs"
)

// Razorpay implements Gateway on top of the official SDK: order creation,
// payment fetch, payment capture and payment refund. The SDK's wire contract
// already uses integer minor units, so no decimal conversion happens here.
type Razorpay struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Client        *razorpay.Client
	Logger        zerolog.Logger
}

// Name identifies the gateway variant.
func (r Razorpay) Name() string { return "razorpay" }

// Initiate creates an order via the SDK. The synthesised idempotent id rides
// along as the receipt; the gateway assigns its own order id, which becomes
// the session's provider order id.
func (r Razorpay) Initiate(ctx context.Context, req InitiateRequest) (Session, error) {
	if r.Client == nil {
		return Session{}, fmt.Errorf("razorpay: client not configured")
	}
	if req.Amount <= 0 {
		return Session{}, fmt.Errorf("razorpay: invalid amount %d", req.Amount)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return Session{}, fmt.Errorf("razorpay: currency is required")
	}
	receipt := NewOrderID(req.IdempotencySeed)
	cust := req.Customer
	notes := map[string]interface{}{
		"receipt":        receipt,
		"customer_id":    defaultString(cust.ID, "guest_"+receipt[:8]),
		"customer_email": defaultString(cust.Email, guestEmail),
		"customer_phone": defaultString(cust.Phone, guestPhone),
	}
	data := map[string]interface{}{
		"amount":   req.Amount,
		"currency": currency,
		"receipt":  receipt,
		"notes":    notes,
	}
	resp, err := r.Client.Order.Create(data, nil)
	if err != nil {
		return Session{}, fmt.Errorf("razorpay: create order: %w", err)
	}
	orderID, _ := resp["id"].(string)
	if orderID == "" {
		return Session{}, fmt.Errorf("razorpay: create order: response carries no id")
	}
	payload := toPayload(resp)
	payload["order_id"] = orderID
	payload["receipt"] = receipt
	return Session{
		ProviderOrderID: orderID,
		Amount:          req.Amount,
		Currency:        currency,
		Status:          StatusPending,
		RawPayload:      payload,
		CreatedAt:       time.Now(),
	}, nil
}

// Authorize confirms a payment from the proof the shopper's browser posted
// back: a payment id plus an HMAC signature over order id and payment id.
// Missing credentials degrade to PENDING, a mismatched signature to ERROR;
// neither raises.
func (r Razorpay) Authorize(ctx context.Context, s Session, proof AuthProof) StatusResult {
	s.RawPayload = Flatten(s.RawPayload)
	orderID := sessionOrderID(s)
	if orderID == "" {
		return StatusResult{Status: StatusError, Raw: "missing_order_id"}
	}
	if strings.TrimSpace(proof.PaymentID) == "" || strings.TrimSpace(proof.Signature) == "" {
		return StatusResult{Status: StatusPending, Raw: "missing_credentials"}
	}
	params := map[string]interface{}{
		"razorpay_order_id":   orderID,
		"razorpay_payment_id": proof.PaymentID,
	}
	if !utils.VerifyPaymentSignature(params, proof.Signature, r.KeySecret) {
		r.Logger.Warn().
			Str("order_id", orderID).
			Str("payment_id", proof.PaymentID).
			Msg("payment signature verification failed")
		if obs.SignatureFailures != nil {
			obs.SignatureFailures.WithLabelValues(r.Name()).Inc()
		}
		return StatusResult{Status: StatusError, Raw: "signature_mismatch", PaymentID: proof.PaymentID}
	}
	result := StatusResult{Status: StatusAuthorized, Raw: "authorized", PaymentID: proof.PaymentID, Attempts: 1}
	if r.Client == nil {
		return result
	}
	payment, err := r.Client.Payment.Fetch(proof.PaymentID, nil, nil)
	if err != nil {
		// Signature already proves authorization; the capture check is best effort.
		r.Logger.Warn().Err(err).Str("payment_id", proof.PaymentID).Msg("payment fetch failed")
		return result
	}
	if paymentCaptured(payment) {
		result.Status = StatusCaptured
		result.Raw = "captured"
	}
	return result
}

// GetStatus inspects the payments recorded against the order. No payment yet
// means the shopper has not paid: PENDING, not an error.
func (r Razorpay) GetStatus(ctx context.Context, s Session) StatusResult {
	s.RawPayload = Flatten(s.RawPayload)
	orderID := sessionOrderID(s)
	if orderID == "" {
		return StatusResult{Status: StatusError, Raw: "missing_order_id"}
	}
	if r.Client == nil {
		return StatusResult{Status: StatusError, Raw: "client_not_configured"}
	}
	resp, err := r.Client.Order.Payments(orderID, nil, nil)
	if err != nil {
		r.Logger.Warn().Err(err).Str("order_id", orderID).Msg("order payments fetch failed")
		return StatusResult{Status: StatusPending, Raw: "fetch_failed", Attempts: 1}
	}
	result := StatusResult{Status: StatusPending, Raw: "created", Attempts: 1}
	for _, item := range paymentItems(resp) {
		status, _ := item["status"].(string)
		id, _ := item["id"].(string)
		switch status {
		case "captured", "refunded":
			return StatusResult{Status: StatusCaptured, Raw: status, PaymentID: id, Attempts: 1}
		case "authorized":
			result = StatusResult{Status: StatusAuthorized, Raw: status, PaymentID: id, Attempts: 1}
		}
	}
	return result
}

// Capture captures the authorized payment for the session's full amount.
func (r Razorpay) Capture(ctx context.Context, s Session) (StatusResult, error) {
	if r.Client == nil {
		return StatusResult{}, fmt.Errorf("razorpay: client not configured")
	}
	s.RawPayload = Flatten(s.RawPayload)
	orderID := sessionOrderID(s)
	if orderID == "" {
		return StatusResult{}, fmt.Errorf("razorpay: capture: %w", ErrMissingOrderID)
	}
	paymentID, err := r.paymentIDFor(s, orderID, "authorized")
	if err != nil {
		return StatusResult{}, fmt.Errorf("razorpay: capture order %s: %w", orderID, err)
	}
	data := map[string]interface{}{"currency": s.Currency}
	resp, err := r.Client.Payment.Capture(paymentID, int(s.Amount), data, nil)
	if err != nil {
		return StatusResult{}, fmt.Errorf("razorpay: capture payment %s: %w", paymentID, err)
	}
	raw, _ := resp["status"].(string)
	return StatusResult{Status: StatusCaptured, Raw: defaultString(raw, "captured"), PaymentID: paymentID, Attempts: 1}, nil
}

// Cancel marks the session canceled locally; the gateway has no order cancel
// call.
func (r Razorpay) Cancel(_ context.Context, s Session) (Session, error) {
	s.RawPayload = Flatten(s.RawPayload)
	s.Status, _ = Transition(s.Status, StatusCanceled)
	return s, nil
}

// Refund refunds against the captured payment. Failures propagate.
func (r Razorpay) Refund(ctx context.Context, s Session, amount int64, note string) (RefundResult, error) {
	if r.Client == nil {
		return RefundResult{}, fmt.Errorf("razorpay: client not configured")
	}
	s.RawPayload = Flatten(s.RawPayload)
	orderID := sessionOrderID(s)
	if orderID == "" {
		return RefundResult{}, fmt.Errorf("razorpay: refund: %w", ErrMissingOrderID)
	}
	if amount <= 0 {
		return RefundResult{}, fmt.Errorf("razorpay: refund: invalid amount %d", amount)
	}
	paymentID, err := r.paymentIDFor(s, orderID, "captured")
	if err != nil {
		return RefundResult{}, fmt.Errorf("razorpay: refund order %s: %w", orderID, err)
	}
	refundID := NewRefundID(orderID)
	data := map[string]interface{}{
		"notes": map[string]interface{}{
			"refund_id": refundID,
			"note":      note,
		},
	}
	resp, err := r.Client.Payment.Refund(paymentID, int(amount), data, nil)
	if err != nil {
		return RefundResult{}, fmt.Errorf("razorpay: refund payment %s: %w", paymentID, err)
	}
	result := RefundResult{RefundID: refundID, Amount: amount}
	if id, _ := resp["id"].(string); id != "" {
		result.RefundID = id
	}
	result.Status, _ = resp["status"].(string)
	return result, nil
}

// Retrieve refreshes the session from the gateway's order record.
func (r Razorpay) Retrieve(ctx context.Context, s Session) (Session, error) {
	if r.Client == nil {
		return s, fmt.Errorf("razorpay: client not configured")
	}
	s.RawPayload = Flatten(s.RawPayload)
	orderID := sessionOrderID(s)
	if orderID == "" {
		return s, ErrMissingOrderID
	}
	resp, err := r.Client.Order.Fetch(orderID, nil, nil)
	if err != nil {
		return s, fmt.Errorf("razorpay: retrieve order %s: %w", orderID, err)
	}
	payload := toPayload(resp)
	payload["order_id"] = orderID
	s.ProviderOrderID = orderID
	s.RawPayload = payload
	if raw, _ := resp["status"].(string); raw == "paid" {
		s.Status, _ = Transition(s.Status, StatusCaptured)
	}
	return s, nil
}

// Delete has nothing to tear down gateway-side.
func (r Razorpay) Delete(_ context.Context, _ Session) error { return nil }

// WebhookAction verifies the HMAC-SHA256 body signature and maps the event
// type. A mismatch or absent signature yields not_supported rather than an
// error, since the endpoint always acknowledges receipt, but is logged as a
// distinct security signal.
func (r Razorpay) WebhookAction(headers http.Header, body any) WebhookEvent {
	event := WebhookEvent{Gateway: r.Name(), Action: ActionNotSupported}
	raw, parsed, ok := coerceBody(body)
	if !ok {
		return event
	}
	if raw == nil {
		// Already-parsed input: re-encode so the signature check has bytes to
		// work with. A re-encoding will not round-trip byte-for-byte, so this
		// only succeeds for payloads signed over canonical JSON.
		encoded, err := json.Marshal(parsed)
		if err != nil {
			return event
		}
		raw = encoded
	}
	if parsed != nil {
		event.Payload = parsed
		event.EventType = stringField(parsed, "event")
	}
	signature := strings.TrimSpace(headers.Get("X-Razorpay-Signature"))
	if signature == "" || strings.TrimSpace(r.WebhookSecret) == "" ||
		!utils.VerifyWebhookSignature(string(raw), signature, r.WebhookSecret) {
		r.Logger.Warn().
			Str("event", event.EventType).
			Bool("signature_present", signature != "").
			Msg("webhook signature verification failed")
		if obs.SignatureFailures != nil {
			obs.SignatureFailures.WithLabelValues(r.Name()).Inc()
		}
		return WebhookEvent{Gateway: r.Name(), EventType: event.EventType, Action: ActionNotSupported}
	}
	if parsed == nil {
		return event
	}
	event.OrderID = stringField(parsed, "payload", "payment", "entity", "order_id")
	event.TransactionID = stringField(parsed, "payload", "payment", "entity", "id")

	switch event.EventType {
	case "payment.authorized":
		event.Action = ActionAuthorized
	case "payment.captured", "order.paid":
		event.Action = ActionCaptured
	case "payment.failed":
		event.Action = ActionFailed
	}
	return event
}

func (r Razorpay) paymentIDFor(s Session, orderID, wantStatus string) (string, error) {
	for _, key := range []string{"payment_id", "razorpay_payment_id"} {
		if id := strings.TrimSpace(stringField(s.RawPayload, key)); id != "" {
			return id, nil
		}
	}
	resp, err := r.Client.Order.Payments(orderID, nil, nil)
	if err != nil {
		return "", err
	}
	var fallback string
	for _, item := range paymentItems(resp) {
		id, _ := item["id"].(string)
		if id == "" {
			continue
		}
		status, _ := item["status"].(string)
		if status == wantStatus {
			return id, nil
		}
		fallback = id
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("no payment recorded against order")
}

func paymentItems(resp map[string]interface{}) []map[string]interface{} {
	items, _ := resp["items"].([]interface{})
	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func paymentCaptured(payment map[string]interface{}) bool {
	if captured, ok := payment["captured"].(bool); ok && captured {
		return true
	}
	status, _ := payment["status"].(string)
	return status == "captured"
}

func toPayload(resp map[string]interface{}) map[string]any {
	payload := make(map[string]any, len(resp))
	for k, v := range resp {
		payload[k] = v
	}
	return payload
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotSupported is returned by operations a gateway variant cannot perform.
var ErrNotSupported = errors.New("gateway: operation not supported")

// ErrMissingOrderID is returned by write-path operations when the session has
// never been initiated with the gateway.
var ErrMissingOrderID = errors.New("gateway: session has no provider order id")

// Session is the canonical payment session shared by all gateway variants.
// Gateway-specific fields live only inside RawPayload.
type Session struct {
	ProviderOrderID string          `json:"provider_order_id"`
	Amount          int64           `json:"amount"`
	Currency        string          `json:"currency"`
	Status          CanonicalStatus `json:"canonical_status"`
	RawPayload      map[string]any  `json:"raw_payload,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Customer carries optional contact details supplied at initiation.
type Customer struct {
	ID    string
	Name  string
	Email string
	Phone string
}

// InitiateRequest opens a new payment session with a gateway.
type InitiateRequest struct {
	Currency        string
	Amount          int64 // minor units
	Customer        Customer
	IdempotencySeed string
	ReturnURL       string
}

// AuthProof carries the client-side evidence a gateway needs to confirm a
// payment (the SDK gateway returns a payment id and signature to the shopper's
// browser, which the host posts back).
type AuthProof struct {
	PaymentID string
	Signature string
}

// StatusResult is the outcome of a status check. Exhausted distinguishes
// "polled to the attempt ceiling and the order is still open" from a genuine
// unknown state.
type StatusResult struct {
	Status    CanonicalStatus
	Raw       string
	PaymentID string
	Attempts  int
	Exhausted bool
}

// RefundResult reports the gateway's answer to a refund request.
type RefundResult struct {
	RefundID string
	Status   string
	Amount   int64 // minor units
}

// Gateway is the fixed operation set every variant implements. Read-path
// operations degrade to canonical statuses instead of returning errors;
// money-movement operations surface failures to the caller.
type Gateway interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) (Session, error)
	Authorize(ctx context.Context, s Session, proof AuthProof) StatusResult
	GetStatus(ctx context.Context, s Session) StatusResult
	Capture(ctx context.Context, s Session) (StatusResult, error)
	Cancel(ctx context.Context, s Session) (Session, error)
	Refund(ctx context.Context, s Session, amount int64, note string) (RefundResult, error)
	Retrieve(ctx context.Context, s Session) (Session, error)
	Delete(ctx context.Context, s Session) error
	WebhookAction(headers http.Header, body any) WebhookEvent
}

// NewOrderID derives a per-attempt unique order identifier from the caller's
// idempotency seed. A fresh id per initiation attempt keeps order creation
// idempotent-by-construction: a retried checkout never re-posts an existing id.
func NewOrderID(seed string) string {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		seed = uuid.NewString()
	}
	return fmt.Sprintf("%s_%d", seed, time.Now().UnixNano())
}

// NewRefundID derives a refund identifier from the order id and the current
// time.
func NewRefundID(orderID string) string {
	return fmt.Sprintf("refund_%s_%d", orderID, time.Now().Unix())
}

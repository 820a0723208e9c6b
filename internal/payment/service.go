package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kartstack/payments-bridge/internal/common"
	"github.com/kartstack/payments-bridge/internal/gateway"
	"github.com/kartstack/payments-bridge/internal/obs"
	"github.com/kartstack/payments-bridge/internal/store"
)

// ErrUnknownGateway is returned when a request names a gateway that is not
// registered.
var ErrUnknownGateway = errors.New("payment: unknown gateway")

// ErrNotAuthorized is returned when capture is requested before the session
// reached AUTHORIZED.
var ErrNotAuthorized = errors.New("payment: session is not authorized for capture")

// SessionStore abstracts session persistence.
type SessionStore interface {
	Create(ctx context.Context, rec store.SessionRecord) (store.SessionRecord, error)
	GetByID(ctx context.Context, id uuid.UUID) (store.SessionRecord, error)
	GetByProviderOrderID(ctx context.Context, gatewayName, orderID string) (store.SessionRecord, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status gateway.CanonicalStatus, rawPayload map[string]any) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Reconciler schedules an asynchronous settlement check for a session.
type Reconciler interface {
	Schedule(ctx context.Context, gatewayName string, sessionID uuid.UUID, delay time.Duration) error
}

// Service composes the gateway adapters with session persistence and exposes
// the full session lifecycle to the HTTP and worker surfaces.
type Service struct {
	Store          SessionStore
	Gateways       map[string]gateway.Gateway
	Reconcile      Reconciler
	ReturnURLBase  string
	ReconcileDelay time.Duration
	Logger         zerolog.Logger
}

func (s *Service) gateway(name string) (gateway.Gateway, error) {
	gw, ok := s.Gateways[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, name)
	}
	return gw, nil
}

// Initiate opens a session with the named gateway and persists it. A
// reconciliation task is scheduled so settlement is confirmed even if the
// shopper never returns and the webhook is missed.
func (s *Service) Initiate(ctx context.Context, gatewayName string, req gateway.InitiateRequest) (store.SessionRecord, error) {
	if s == nil || s.Store == nil {
		return store.SessionRecord{}, errors.New("payment: service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Initiate")
	defer span.End()

	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.gateway", gatewayName),
			attribute.String("payment.initiate.result", result),
		)
		if obs.PaymentIntentTotal != nil {
			obs.PaymentIntentTotal.WithLabelValues(gatewayName, result).Inc()
		}
	}()

	gw, err := s.gateway(gatewayName)
	if err != nil {
		return store.SessionRecord{}, err
	}
	if req.ReturnURL == "" && s.ReturnURLBase != "" {
		req.ReturnURL = s.ReturnURLBase + "/payments/return?order_id={order_id}"
	}
	session, err := gw.Initiate(ctx, req)
	if err != nil {
		span.RecordError(err)
		return store.SessionRecord{}, err
	}
	span.SetAttributes(attribute.String("order.id", session.ProviderOrderID))

	rec, err := s.Store.Create(ctx, store.SessionRecord{
		Gateway:         gw.Name(),
		ProviderOrderID: session.ProviderOrderID,
		Amount:          session.Amount,
		Currency:        session.Currency,
		Status:          session.Status,
		RawPayload:      session.RawPayload,
	})
	if err != nil {
		span.RecordError(err)
		return store.SessionRecord{}, err
	}
	result = "success"

	if s.Reconcile != nil {
		delay := s.ReconcileDelay
		if delay <= 0 {
			delay = 5 * time.Minute
		}
		if err := s.Reconcile.Schedule(ctx, gw.Name(), rec.ID, delay); err != nil {
			// Reconciliation is a safety net; losing it must not fail checkout.
			s.Logger.Warn().Err(err).Str("order_id", rec.ProviderOrderID).Msg("schedule reconcile failed")
		}
	}
	return rec, nil
}

// Status runs the gateway status check for the session and applies the
// resulting canonical transition. Read path: never returns a gateway error,
// only store/lookup failures.
func (s *Service) Status(ctx context.Context, gatewayName, orderID string) (store.SessionRecord, gateway.StatusResult, error) {
	gw, err := s.gateway(gatewayName)
	if err != nil {
		return store.SessionRecord{}, gateway.StatusResult{}, err
	}
	rec, err := s.Store.GetByProviderOrderID(ctx, gw.Name(), orderID)
	if err != nil {
		return store.SessionRecord{}, gateway.StatusResult{}, err
	}
	result := gw.GetStatus(ctx, rec.Session())
	if obs.StatusPollAttempts != nil && result.Attempts > 0 {
		obs.StatusPollAttempts.WithLabelValues(gw.Name()).Observe(float64(result.Attempts))
	}
	rec, err = s.apply(ctx, rec, result.Status, nil)
	return rec, result, err
}

// Authorize confirms a payment with client-supplied proof and applies the
// transition.
func (s *Service) Authorize(ctx context.Context, gatewayName, orderID string, proof gateway.AuthProof) (store.SessionRecord, gateway.StatusResult, error) {
	gw, err := s.gateway(gatewayName)
	if err != nil {
		return store.SessionRecord{}, gateway.StatusResult{}, err
	}
	rec, err := s.Store.GetByProviderOrderID(ctx, gw.Name(), orderID)
	if err != nil {
		return store.SessionRecord{}, gateway.StatusResult{}, err
	}
	result := gw.Authorize(ctx, rec.Session(), proof)
	payload := rec.RawPayload
	if result.PaymentID != "" && result.Status != gateway.StatusError {
		if payload == nil {
			payload = map[string]any{}
		}
		payload["payment_id"] = result.PaymentID
	} else {
		payload = nil
	}
	rec, err = s.apply(ctx, rec, result.Status, payload)
	return rec, result, err
}

// Capture captures an authorized session. AUTHORIZED is a strict
// precondition; failures propagate.
func (s *Service) Capture(ctx context.Context, gatewayName, orderID string) (store.SessionRecord, error) {
	gw, err := s.gateway(gatewayName)
	if err != nil {
		return store.SessionRecord{}, err
	}
	rec, err := s.Store.GetByProviderOrderID(ctx, gw.Name(), orderID)
	if err != nil {
		return store.SessionRecord{}, err
	}
	if rec.Status != gateway.StatusAuthorized {
		return rec, fmt.Errorf("%w: status is %s", ErrNotAuthorized, rec.Status)
	}
	result, err := gw.Capture(ctx, rec.Session())
	if err != nil {
		return rec, err
	}
	return s.apply(ctx, rec, result.Status, nil)
}

// Cancel cancels the session.
func (s *Service) Cancel(ctx context.Context, gatewayName, orderID string) (store.SessionRecord, error) {
	gw, err := s.gateway(gatewayName)
	if err != nil {
		return store.SessionRecord{}, err
	}
	rec, err := s.Store.GetByProviderOrderID(ctx, gw.Name(), orderID)
	if err != nil {
		return store.SessionRecord{}, err
	}
	session, err := gw.Cancel(ctx, rec.Session())
	if err != nil {
		return rec, err
	}
	return s.apply(ctx, rec, session.Status, nil)
}

// Refund refunds part or all of the session's amount. Money movement:
// failures always propagate to the caller.
func (s *Service) Refund(ctx context.Context, gatewayName, orderID string, amount int64, note string) (gateway.RefundResult, error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Refund")
	defer span.End()

	gw, err := s.gateway(gatewayName)
	if err != nil {
		return gateway.RefundResult{}, err
	}
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.gateway", gatewayName),
			attribute.String("payment.refund.result", result),
		)
		if obs.RefundTotal != nil {
			obs.RefundTotal.WithLabelValues(gw.Name(), result).Inc()
		}
	}()
	rec, err := s.Store.GetByProviderOrderID(ctx, gw.Name(), orderID)
	if err != nil {
		return gateway.RefundResult{}, err
	}
	if amount <= 0 {
		amount = rec.Amount
	}
	if amount > rec.Amount {
		return gateway.RefundResult{}, common.NewAppError(
			"REFUND_EXCEEDS_AMOUNT", "refund amount exceeds the captured amount",
			http.StatusUnprocessableEntity, nil)
	}
	refund, err := gw.Refund(ctx, rec.Session(), amount, note)
	if err != nil {
		span.RecordError(err)
		return gateway.RefundResult{}, err
	}
	result = "success"
	return refund, nil
}

// Retrieve refreshes the session from the gateway and persists the updated
// payload.
func (s *Service) Retrieve(ctx context.Context, gatewayName, orderID string) (store.SessionRecord, error) {
	gw, err := s.gateway(gatewayName)
	if err != nil {
		return store.SessionRecord{}, err
	}
	rec, err := s.Store.GetByProviderOrderID(ctx, gw.Name(), orderID)
	if err != nil {
		return store.SessionRecord{}, err
	}
	session, err := gw.Retrieve(ctx, rec.Session())
	if err != nil {
		return rec, err
	}
	return s.apply(ctx, rec, session.Status, session.RawPayload)
}

// DeleteSession removes the persisted session after giving the gateway a
// chance to clean up.
func (s *Service) DeleteSession(ctx context.Context, gatewayName, orderID string) error {
	gw, err := s.gateway(gatewayName)
	if err != nil {
		return err
	}
	rec, err := s.Store.GetByProviderOrderID(ctx, gw.Name(), orderID)
	if err != nil {
		return err
	}
	if err := gw.Delete(ctx, rec.Session()); err != nil {
		return err
	}
	return s.Store.Delete(ctx, rec.ID)
}

// ApplyWebhook applies the canonical action carried by a verified webhook
// event. Duplicate and out-of-order deliveries are no-ops thanks to the
// monotonic transition rules. The returned bool reports whether the session
// actually changed.
func (s *Service) ApplyWebhook(ctx context.Context, event gateway.WebhookEvent) (bool, error) {
	next, ok := actionStatus(event.Action)
	if !ok {
		return false, nil
	}
	if strings.TrimSpace(event.OrderID) == "" {
		return false, errors.New("payment: webhook event carries no order id")
	}
	gw, err := s.gateway(event.Gateway)
	if err != nil {
		return false, err
	}
	rec, err := s.Store.GetByProviderOrderID(ctx, gw.Name(), event.OrderID)
	if err != nil {
		return false, err
	}
	status, changed := gateway.Transition(rec.Status, next)
	if !changed {
		return false, nil
	}
	payload := rec.RawPayload
	if payload == nil {
		payload = map[string]any{}
	}
	if event.TransactionID != "" {
		payload["transaction_id"] = event.TransactionID
	}
	payload["last_webhook_event"] = event.EventType
	if err := s.Store.UpdateStatus(ctx, rec.ID, status, payload); err != nil {
		return false, err
	}
	s.Logger.Info().
		Str("gateway", gw.Name()).
		Str("order_id", event.OrderID).
		Str("event", event.EventType).
		Str("status", string(status)).
		Msg("webhook transition applied")
	return true, nil
}

// ReconcileSession re-checks settlement for a stored session. It returns an
// error while the session is still open so the task queue retries with
// backoff; terminal sessions complete the task.
func (s *Service) ReconcileSession(ctx context.Context, gatewayName string, id uuid.UUID) error {
	gw, err := s.gateway(gatewayName)
	if err != nil {
		return err
	}
	rec, err := s.Store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	result := gw.GetStatus(ctx, rec.Session())
	rec, err = s.apply(ctx, rec, result.Status, nil)
	if err != nil {
		return err
	}
	if !rec.Status.Terminal() && rec.Status != gateway.StatusAuthorized {
		return fmt.Errorf("payment: session %s still %s", rec.ProviderOrderID, rec.Status)
	}
	return nil
}

func (s *Service) apply(ctx context.Context, rec store.SessionRecord, next gateway.CanonicalStatus, payload map[string]any) (store.SessionRecord, error) {
	status, changed := gateway.Transition(rec.Status, next)
	if !changed && payload == nil {
		return rec, nil
	}
	if err := s.Store.UpdateStatus(ctx, rec.ID, status, payload); err != nil {
		return rec, err
	}
	rec.Status = status
	if payload != nil {
		rec.RawPayload = gateway.Flatten(payload)
	}
	return rec, nil
}

func actionStatus(action gateway.Action) (gateway.CanonicalStatus, bool) {
	switch action {
	case gateway.ActionAuthorized:
		return gateway.StatusAuthorized, true
	case gateway.ActionCaptured:
		return gateway.StatusCaptured, true
	case gateway.ActionCanceled:
		return gateway.StatusCanceled, true
	case gateway.ActionFailed:
		return gateway.StatusError, true
	default:
		return "", false
	}
}

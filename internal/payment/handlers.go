package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"

	"github.com/kartstack/payments-bridge/internal/common"
	"github.com/kartstack/payments-bridge/internal/gateway"
	"github.com/kartstack/payments-bridge/internal/store"
)

// Handler exposes the session lifecycle over HTTP.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type initiateReq struct {
	Currency   string `json:"currency" validate:"required,len=3,alpha"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
	ResourceID string `json:"resourceId"`
	Customer   struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email" validate:"omitempty,email"`
		Phone string `json:"phone"`
	} `json:"customer"`
}

type sessionResp struct {
	OrderID   string         `json:"orderId"`
	Gateway   string         `json:"gateway"`
	Amount    int64          `json:"amount"`
	Currency  string         `json:"currency"`
	Status    string         `json:"status"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

func toSessionResp(rec store.SessionRecord) sessionResp {
	return sessionResp{
		OrderID:   rec.ProviderOrderID,
		Gateway:   rec.Gateway,
		Amount:    rec.Amount,
		Currency:  rec.Currency,
		Status:    string(rec.Status),
		Payload:   rec.RawPayload,
		CreatedAt: rec.CreatedAt,
	}
}

// Initiate opens a payment session with the gateway named in the route.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	var req initiateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(req); err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error(), nil)
			return
		}
	}
	rec, err := h.Svc.Initiate(r.Context(), providerParam(r), gateway.InitiateRequest{
		Currency:        req.Currency,
		Amount:          req.Amount,
		IdempotencySeed: req.ResourceID,
		Customer: gateway.Customer{
			ID:    req.Customer.ID,
			Name:  req.Customer.Name,
			Email: req.Customer.Email,
			Phone: req.Customer.Phone,
		},
	})
	if err != nil {
		writeServiceError(w, err, "INITIATE_FAILED")
		return
	}
	common.JSON(w, http.StatusCreated, toSessionResp(rec))
}

// Status reports the session's canonical status after a bounded gateway poll.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	rec, result, err := h.Svc.Status(r.Context(), providerParam(r), orderParam(r))
	if err != nil {
		writeServiceError(w, err, "STATUS_FAILED")
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"orderId":   rec.ProviderOrderID,
		"status":    string(rec.Status),
		"raw":       result.Raw,
		"attempts":  result.Attempts,
		"exhausted": result.Exhausted,
	})
}

type authorizeReq struct {
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
}

// Authorize confirms a payment from client-posted proof.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	rec, result, err := h.Svc.Authorize(r.Context(), providerParam(r), orderParam(r), gateway.AuthProof{
		PaymentID: req.PaymentID,
		Signature: req.Signature,
	})
	if err != nil {
		writeServiceError(w, err, "AUTHORIZE_FAILED")
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"orderId": rec.ProviderOrderID,
		"status":  string(rec.Status),
		"raw":     result.Raw,
	})
}

// Capture captures an authorized session.
func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Svc.Capture(r.Context(), providerParam(r), orderParam(r))
	if err != nil {
		if errors.Is(err, ErrNotAuthorized) {
			common.JSONError(w, http.StatusConflict, "NOT_AUTHORIZED", err.Error(), nil)
			return
		}
		if errors.Is(err, gateway.ErrNotSupported) {
			common.JSONError(w, http.StatusNotImplemented, "NOT_SUPPORTED", "gateway does not support capture", nil)
			return
		}
		writeServiceError(w, err, "CAPTURE_FAILED")
		return
	}
	common.JSON(w, http.StatusOK, toSessionResp(rec))
}

// Cancel cancels the session.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Svc.Cancel(r.Context(), providerParam(r), orderParam(r))
	if err != nil {
		writeServiceError(w, err, "CANCEL_FAILED")
		return
	}
	common.JSON(w, http.StatusOK, toSessionResp(rec))
}

type refundReq struct {
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

// Refund refunds against the session. Gateway failures surface as errors.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req refundReq
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	result, err := h.Svc.Refund(r.Context(), providerParam(r), orderParam(r), req.Amount, req.Note)
	if err != nil {
		if errors.Is(err, gateway.ErrMissingOrderID) {
			common.JSONError(w, http.StatusConflict, "NO_PROVIDER_ORDER", "session was never initiated with the gateway", nil)
			return
		}
		writeServiceError(w, err, "REFUND_FAILED")
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"refundId": result.RefundID,
		"status":   result.Status,
		"amount":   result.Amount,
	})
}

// Retrieve refreshes and returns the stored session.
func (h *Handler) Retrieve(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Svc.Retrieve(r.Context(), providerParam(r), orderParam(r))
	if err != nil {
		writeServiceError(w, err, "RETRIEVE_FAILED")
		return
	}
	common.JSON(w, http.StatusOK, toSessionResp(rec))
}

// Delete removes the stored session.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Svc.DeleteSession(r.Context(), providerParam(r), orderParam(r)); err != nil {
		writeServiceError(w, err, "DELETE_FAILED")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func providerParam(r *http.Request) string {
	return strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
}

func orderParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "orderId"))
}

func writeServiceError(w http.ResponseWriter, err error, code string) {
	var appErr *common.AppError
	switch {
	case errors.As(err, &appErr):
		common.JSONError(w, appErr.HTTPStatus, appErr.Code, appErr.Message, appErr.Details)
	case errors.Is(err, ErrUnknownGateway):
		common.JSONError(w, http.StatusNotFound, "GATEWAY_NOT_SUPPORTED", "unknown gateway", nil)
	case errors.Is(err, store.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found", nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		common.JSONError(w, http.StatusGatewayTimeout, code, err.Error(), nil)
	default:
		common.JSONError(w, http.StatusBadGateway, code, err.Error(), nil)
	}
}

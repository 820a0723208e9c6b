package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kartstack/payments-bridge/internal/gateway"
)

// ErrNotFound is returned when no session matches the lookup.
var ErrNotFound = errors.New("store: session not found")

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SessionRecord is a persisted payment session. Only sanitized canonical
// fields are written; the raw gateway payload rides along as opaque jsonb.
type SessionRecord struct {
	ID              uuid.UUID
	Gateway         string
	ProviderOrderID string
	Amount          int64
	Currency        string
	Status          gateway.CanonicalStatus
	RawPayload      map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Session converts the record into the adapter's canonical session type.
func (r SessionRecord) Session() gateway.Session {
	return gateway.Session{
		ProviderOrderID: r.ProviderOrderID,
		Amount:          r.Amount,
		Currency:        r.Currency,
		Status:          r.Status,
		RawPayload:      r.RawPayload,
		CreatedAt:       r.CreatedAt,
	}
}

// Sessions persists payment sessions in Postgres.
type Sessions struct {
	DB DB
}

// Create inserts a new session record. The payload is flattened before it is
// persisted so a stored blob never contains a nested duplicate of itself.
func (s Sessions) Create(ctx context.Context, rec SessionRecord) (SessionRecord, error) {
	payload, err := marshalPayload(gateway.Flatten(rec.RawPayload))
	if err != nil {
		return SessionRecord{}, err
	}
	if rec.Status == "" {
		rec.Status = gateway.StatusPending
	}
	row := s.DB.QueryRow(ctx, `
		INSERT INTO payment_sessions (gateway, provider_order_id, amount, currency, status, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		rec.Gateway, rec.ProviderOrderID, rec.Amount, strings.ToUpper(rec.Currency), string(rec.Status), payload,
	)
	if err := row.Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return SessionRecord{}, fmt.Errorf("store: create session: %w", err)
	}
	rec.Currency = strings.ToUpper(rec.Currency)
	return rec, nil
}

// GetByID loads a session by its internal id.
func (s Sessions) GetByID(ctx context.Context, id uuid.UUID) (SessionRecord, error) {
	return s.get(ctx, `
		SELECT id, gateway, provider_order_id, amount, currency, status, raw_payload, created_at, updated_at
		FROM payment_sessions WHERE id = $1`, id)
}

// GetByProviderOrderID loads a session by the gateway-assigned order id.
func (s Sessions) GetByProviderOrderID(ctx context.Context, gatewayName, orderID string) (SessionRecord, error) {
	return s.get(ctx, `
		SELECT id, gateway, provider_order_id, amount, currency, status, raw_payload, created_at, updated_at
		FROM payment_sessions WHERE gateway = $1 AND provider_order_id = $2`, gatewayName, orderID)
}

func (s Sessions) get(ctx context.Context, query string, args ...any) (SessionRecord, error) {
	var (
		rec     SessionRecord
		status  string
		payload []byte
	)
	row := s.DB.QueryRow(ctx, query, args...)
	err := row.Scan(&rec.ID, &rec.Gateway, &rec.ProviderOrderID, &rec.Amount, &rec.Currency,
		&status, &payload, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SessionRecord{}, ErrNotFound
		}
		return SessionRecord{}, fmt.Errorf("store: load session: %w", err)
	}
	rec.Status = gateway.ParseStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.RawPayload); err != nil {
			// A corrupt blob must not make the session unreadable.
			rec.RawPayload = map[string]any{}
		}
	}
	rec.RawPayload = gateway.Flatten(rec.RawPayload)
	return rec, nil
}

// UpdateStatus moves the session to the given status, optionally replacing the
// raw payload when a fresh one is supplied.
func (s Sessions) UpdateStatus(ctx context.Context, id uuid.UUID, status gateway.CanonicalStatus, rawPayload map[string]any) error {
	if rawPayload != nil {
		payload, err := marshalPayload(gateway.Flatten(rawPayload))
		if err != nil {
			return err
		}
		_, err = s.DB.Exec(ctx, `
			UPDATE payment_sessions SET status = $2, raw_payload = $3, updated_at = now() WHERE id = $1`,
			id, string(status), payload)
		if err != nil {
			return fmt.Errorf("store: update session: %w", err)
		}
		return nil
	}
	_, err := s.DB.Exec(ctx, `
		UPDATE payment_sessions SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("store: update session: %w", err)
	}
	return nil
}

// Delete removes a session record.
func (s Sessions) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM payment_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("store: encode payload: %w", err)
	}
	return encoded, nil
}

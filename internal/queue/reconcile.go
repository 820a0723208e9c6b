package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/kartstack/payments-bridge/internal/payment"
)

// TypeReconcile is the asynq task type for deferred session reconciliation.
const TypeReconcile = "payment:reconcile"

// QueueReconcile is the asynq queue reconcile tasks run on.
const QueueReconcile = "reconcile"

type reconcilePayload struct {
	Gateway   string    `json:"gateway"`
	SessionID uuid.UUID `json:"session_id"`
}

// Enqueuer schedules reconcile tasks. The session id doubles as the task id,
// so re-initiating a session inside the dedup window does not enqueue twice.
type Enqueuer struct {
	Client   *asynq.Client
	MaxRetry int
}

// Schedule enqueues a reconcile run for the session after the given delay.
func (e Enqueuer) Schedule(ctx context.Context, gatewayName string, sessionID uuid.UUID, delay time.Duration) error {
	if e.Client == nil {
		return errors.New("queue: asynq client not configured")
	}
	raw, err := json.Marshal(reconcilePayload{Gateway: gatewayName, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("queue: encode reconcile payload: %w", err)
	}
	maxRetry := e.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 5
	}
	task := asynq.NewTask(TypeReconcile, raw)
	_, err = e.Client.EnqueueContext(ctx, task,
		asynq.Queue(QueueReconcile),
		asynq.TaskID("reconcile:"+sessionID.String()),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(maxRetry),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// ReconcileHandler processes reconcile tasks by re-polling the gateway.
// Sessions that are still in flight return an error so asynq retries with
// backoff until the session settles or retries are exhausted.
type ReconcileHandler struct {
	Svc    *payment.Service
	Logger zerolog.Logger
}

func (h ReconcileHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p reconcilePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.Logger.Error().Err(err).Msg("reconcile payload malformed")
		return fmt.Errorf("queue: decode reconcile payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := h.Svc.ReconcileSession(ctx, p.Gateway, p.SessionID); err != nil {
		h.Logger.Debug().
			Str("gateway", p.Gateway).
			Str("session_id", p.SessionID.String()).
			Err(err).
			Msg("session not settled yet")
		return err
	}
	return nil
}

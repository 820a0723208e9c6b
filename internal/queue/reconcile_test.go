package queue_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kartstack/payments-bridge/internal/queue"
)

func TestEnqueuerRequiresClient(t *testing.T) {
	t.Parallel()

	e := queue.Enqueuer{}
	err := e.Schedule(context.Background(), "cashfree", uuid.New(), 0)
	require.Error(t, err)
}

func TestReconcileHandlerMalformedPayloadSkipsRetry(t *testing.T) {
	t.Parallel()

	h := queue.ReconcileHandler{Logger: zerolog.Nop()}
	task := asynq.NewTask(queue.TypeReconcile, []byte("not json"))
	err := h.ProcessTask(context.Background(), task)
	require.Error(t, err)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

package payment

import (
	"context"

	"github.com/hibiken/asynq"
)

// TaskExpire is the periodic stale-intent expiry task.
const TaskExpire = "payment:expire"

// NewExpireTask builds the periodic expiry task.
func NewExpireTask() *asynq.Task {
	return asynq.NewTask(TaskExpire, nil)
}

// ExpireHandler fails open intents past their deadline on the worker.
type ExpireHandler struct {
	Service   *Service
	BatchSize int
}

// HandleExpire processes one payment:expire task. Group members failed here
// are picked up by the split sweep, which settles their groups.
func (h *ExpireHandler) HandleExpire(ctx context.Context, _ *asynq.Task) error {
	batch := h.BatchSize
	if batch <= 0 {
		batch = 50
	}
	_, err := h.Service.ExpireStale(ctx, batch)
	return err
}

package split

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// Task type names routed through the asynq worker.
const (
	TaskReconcile = "split:reconcile"
	TaskSweep     = "split:sweep"
)

type reconcilePayload struct {
	GroupID string `json:"group_id"`
}

// NewReconcileTask builds a reconcile task for one group.
func NewReconcileTask(groupID string) (*asynq.Task, error) {
	payload, err := json.Marshal(reconcilePayload{GroupID: groupID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcile, payload), nil
}

// NewSweepTask builds the periodic group sweep task.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskSweep, nil)
}

// Enqueuer pushes reconcile tasks onto the queue. It satisfies the webhook
// pipeline's Reconciler dependency.
type Enqueuer struct {
	Client *asynq.Client
}

// EnqueueReconcile schedules settlement re-evaluation for a group.
func (e Enqueuer) EnqueueReconcile(ctx context.Context, groupID string) error {
	task, err := NewReconcileTask(groupID)
	if err != nil {
		return err
	}
	_, err = e.Client.EnqueueContext(ctx, task, asynq.MaxRetry(5))
	return err
}

// TaskHandler executes split tasks on the worker.
type TaskHandler struct {
	Service    *Service
	SweepBatch int
}

// HandleReconcile processes one split:reconcile task.
func (h *TaskHandler) HandleReconcile(ctx context.Context, t *asynq.Task) error {
	var p reconcilePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode reconcile payload: %v: %w", err, asynq.SkipRetry)
	}
	return h.Service.Reconcile(ctx, p.GroupID)
}

// HandleSweep processes the periodic split:sweep task.
func (h *TaskHandler) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	batch := h.SweepBatch
	if batch <= 0 {
		batch = 50
	}
	return h.Service.Sweep(ctx, batch)
}

// Package source provides the task sources an invocation controller pulls
// work from and reports outcomes to.
package source

import (
	"context"
	"time"

	"invoker/internal/invoker/model"

	"github.com/google/uuid"
)

// TaskSource produces invoke tasks and accepts reports about them.
type TaskSource interface {
	// LoadTasks returns at most max newly discovered tasks without waiting
	// for more to appear.
	LoadTasks(ctx context.Context, max int) ([]model.InvokeTask, error)
	// SetFinished records the terminal state of an invocation.
	SetFinished(ctx context.Context, invocationID uuid.UUID, reason model.InvocationFinishReason) error
	AddOutcomeHeader(ctx context.Context, invocationID uuid.UUID, header model.InvokeOutcomeHeader) error
	// DeliverLiveStatusUpdate fails with InvocationNotFound for ids this
	// source did not hand out or already finished.
	DeliverLiveStatusUpdate(ctx context.Context, invocationID uuid.UUID, update model.LiveStatusUpdate) error
}

// sleepCtx waits for d and reports whether ctx is still live.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Package jobs dispatches sync passes either in process or through a
// Redis-backed asynq queue shared by several workers.
package jobs

import (
	"context"
	"fmt"

	"github.com/quantumlife/labcal/internal/core"
)

// Dispatcher queues a sync pass for a connection. Enqueue returns once
// the request is accepted; the pass itself runs later.
type Dispatcher interface {
	Enqueue(ctx context.Context, connectionID string) error
}

// Runner runs a pass and waits for it. calsync.Coordinator implements it.
type Runner interface {
	Run(ctx context.Context, connectionID string) error
}

// Trigger is the fire-and-forget side of a coordinator.
type Trigger interface {
	Trigger(connectionID string)
}

// LocalDispatcher hands requests straight to an in-process coordinator.
type LocalDispatcher struct {
	coord Trigger
}

// NewLocalDispatcher creates a dispatcher over coord.
func NewLocalDispatcher(coord Trigger) *LocalDispatcher {
	return &LocalDispatcher{coord: coord}
}

func (d *LocalDispatcher) Enqueue(ctx context.Context, connectionID string) error {
	if connectionID == "" {
		return fmt.Errorf("connection id: %w", core.ErrMissingRequired)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.coord.Trigger(connectionID)
	return nil
}

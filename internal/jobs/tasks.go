package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/logging"
	"github.com/quantumlife/labcal/internal/scheduler"
	"github.com/quantumlife/labcal/internal/webhook"
)

// Scheduled task ids.
const (
	TaskSyncAll       = "sync-all"
	TaskRenewChannels = "renew-channels"
	TaskStateGC       = "state-gc"
)

// ConnectionLister lists connections by status.
type ConnectionLister interface {
	ListByStatus(ctx context.Context, status core.ConnectionStatus) ([]*core.Connection, error)
}

// ChannelRenewer renews push channels close to expiry.
type ChannelRenewer interface {
	RenewExpiring(ctx context.Context, now time.Time) (*webhook.RenewReport, error)
}

// StateCollector drops expired OAuth states.
type StateCollector interface {
	DeleteExpired(ctx context.Context) (int, error)
}

// TaskDeps are the components the scheduled tasks drive. Nil members
// leave their task out.
type TaskDeps struct {
	Dispatcher   Dispatcher
	Connections  ConnectionLister
	Channels     ChannelRenewer
	States       StateCollector
	SyncInterval time.Duration
	RenewAt      string
}

// Tasks builds the daemon's periodic tasks.
func Tasks(deps TaskDeps) []*scheduler.Task {
	log := logging.Component("jobs")
	var tasks []*scheduler.Task

	if deps.Dispatcher != nil && deps.Connections != nil {
		interval := deps.SyncInterval
		if interval <= 0 {
			interval = time.Hour
		}
		t := scheduler.IntervalTask(TaskSyncAll, "Sync all connections", interval, func(ctx context.Context) error {
			n, err := EnqueueAll(ctx, deps.Dispatcher, deps.Connections)
			if err != nil {
				return err
			}
			log.WithContext(ctx).Info("scheduled sync enqueued for %d connections", n)
			return nil
		})
		t.Description = "Enqueues an incremental sync for every active connection"
		tasks = append(tasks, t)
	}

	if deps.Channels != nil {
		at := deps.RenewAt
		if at == "" {
			at = "03:00"
		}
		t := scheduler.DailyTask(TaskRenewChannels, "Renew push channels", at, func(ctx context.Context) error {
			report, err := deps.Channels.RenewExpiring(ctx, time.Now())
			if err != nil {
				return err
			}
			log.WithContext(ctx).WithFields(map[string]interface{}{
				"checked": report.Checked,
				"renewed": report.Renewed,
				"failed":  report.Failed,
				"dropped": report.Dropped,
			}).Info("channel renewal finished")
			if report.Failed > 0 {
				return fmt.Errorf("%d channel renewals failed", report.Failed)
			}
			return nil
		})
		t.Timeout = 30 * time.Minute
		tasks = append(tasks, t)
	}

	if deps.States != nil {
		t := scheduler.IntervalTask(TaskStateGC, "Expire OAuth states", 10*time.Minute, func(ctx context.Context) error {
			n, err := deps.States.DeleteExpired(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				log.WithContext(ctx).Debug("dropped %d expired oauth states", n)
			}
			return nil
		})
		tasks = append(tasks, t)
	}

	return tasks
}

// EnqueueAll enqueues a sync for every active connection. It keeps going
// past single failures and returns how many were accepted.
func EnqueueAll(ctx context.Context, d Dispatcher, conns ConnectionLister) (int, error) {
	active, err := conns.ListByStatus(ctx, core.StatusActive)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, c := range active {
		if err := d.Enqueue(ctx, c.ID); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", c.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

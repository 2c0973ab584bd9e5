package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/logging"
	"github.com/quantumlife/labcal/internal/metrics"
)

// TypeSync is the asynq task type of a connection sync.
const TypeSync = "calendar:sync"

type syncPayload struct {
	ConnectionID string `json:"connection_id"`
}

// NewSyncTask builds the task for one connection.
func NewSyncTask(connectionID string) (*asynq.Task, error) {
	if connectionID == "" {
		return nil, fmt.Errorf("connection id: %w", core.ErrMissingRequired)
	}
	payload, err := json.Marshal(syncPayload{ConnectionID: connectionID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSync, payload), nil
}

// TaskID is the queue-wide id of a connection's pending sync. asynq keeps
// ids unique, so a request for a connection that already has a pending
// task is dropped.
func TaskID(connectionID string) string {
	return "sync:" + connectionID
}

// AsynqDispatcher enqueues sync tasks on a Redis queue.
type AsynqDispatcher struct {
	client *asynq.Client
	queue  string
	log    *logging.Logger
}

// NewAsynqDispatcher creates a dispatcher publishing to queue.
func NewAsynqDispatcher(redis asynq.RedisConnOpt, queue string) *AsynqDispatcher {
	if queue == "" {
		queue = "calendar-sync"
	}
	return &AsynqDispatcher{
		client: asynq.NewClient(redis),
		queue:  queue,
		log:    logging.Component("jobs"),
	}
}

func (d *AsynqDispatcher) Enqueue(ctx context.Context, connectionID string) error {
	task, err := NewSyncTask(connectionID)
	if err != nil {
		return err
	}

	info, err := d.client.EnqueueContext(ctx, task,
		asynq.TaskID(TaskID(connectionID)),
		asynq.Queue(d.queue),
		asynq.MaxRetry(2),
		asynq.Timeout(10*time.Minute),
	)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		metrics.SyncTriggersCoalesced.Inc()
		d.log.WithContext(ctx).WithField("connection_id", connectionID).Debug("sync already queued")
		return nil
	case err != nil:
		return fmt.Errorf("%w: enqueue sync: %v", core.ErrStoreUnavailable, err)
	}

	d.log.WithContext(ctx).WithFields(map[string]interface{}{
		"connection_id": connectionID,
		"task_id":       info.ID,
		"queue":         info.Queue,
	}).Debug("sync enqueued")
	return nil
}

// Close releases the Redis connection.
func (d *AsynqDispatcher) Close() error {
	return d.client.Close()
}

// Worker consumes sync tasks and runs them through a Runner.
type Worker struct {
	srv    *asynq.Server
	runner Runner
	log    *logging.Logger
}

// NewWorker creates a worker processing queue with the given concurrency.
func NewWorker(redis asynq.RedisConnOpt, queue string, concurrency int, runner Runner) *Worker {
	if queue == "" {
		queue = "calendar-sync"
	}
	if concurrency < 1 {
		concurrency = 4
	}
	w := &Worker{runner: runner, log: logging.Component("jobs")}
	w.srv = asynq.NewServer(redis, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			w.log.WithContext(ctx).WithError(err).WithField("type", task.Type()).Warn("sync task failed")
		}),
	})
	return w
}

// Mux returns the handler table of the worker.
func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSync, w.HandleSync)
	return mux
}

// HandleSync runs one sync task. Errors that a retry cannot fix skip the
// queue's retry.
func (w *Worker) HandleSync(ctx context.Context, task *asynq.Task) error {
	var p syncPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("decode sync payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.ConnectionID == "" {
		return fmt.Errorf("empty connection id: %w", asynq.SkipRetry)
	}

	err := w.runner.Run(ctx, p.ConnectionID)
	if err == nil {
		return nil
	}
	if core.IsRetryable(err) {
		return err
	}
	return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
}

// Start begins processing in the background.
func (w *Worker) Start() error {
	return w.srv.Start(w.Mux())
}

// Shutdown waits for in-flight tasks and stops the worker.
func (w *Worker) Shutdown() {
	w.srv.Shutdown()
}

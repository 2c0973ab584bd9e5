package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/scheduler"
	"github.com/quantumlife/labcal/internal/storage"
	"github.com/quantumlife/labcal/internal/testutil"
	"github.com/quantumlife/labcal/internal/webhook"
)

type recordingTrigger struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingTrigger) Trigger(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recordingTrigger) triggered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type stubRunner struct {
	err   error
	calls []string
}

func (s *stubRunner) Run(_ context.Context, id string) error {
	s.calls = append(s.calls, id)
	return s.err
}

func TestLocalDispatcher(t *testing.T) {
	trig := &recordingTrigger{}
	d := NewLocalDispatcher(trig)

	require.NoError(t, d.Enqueue(context.Background(), "conn-1"))
	assert.Equal(t, []string{"conn-1"}, trig.triggered())

	assert.ErrorIs(t, d.Enqueue(context.Background(), ""), core.ErrMissingRequired)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, d.Enqueue(ctx, "conn-2"))
	assert.Len(t, trig.triggered(), 1)
}

func TestNewSyncTask(t *testing.T) {
	task, err := NewSyncTask("conn-1")
	require.NoError(t, err)
	assert.Equal(t, TypeSync, task.Type())

	var p syncPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, "conn-1", p.ConnectionID)
	assert.Equal(t, "sync:conn-1", TaskID("conn-1"))

	_, err = NewSyncTask("")
	assert.ErrorIs(t, err, core.ErrMissingRequired)
}

func TestWorker_HandleSync(t *testing.T) {
	task, err := NewSyncTask("conn-1")
	require.NoError(t, err)

	tests := []struct {
		name      string
		runErr    error
		wantErr   bool
		skipRetry bool
	}{
		{name: "success"},
		{name: "transient", runErr: core.ErrTransientProvider, wantErr: true},
		{name: "auth", runErr: core.ErrAuthenticationRequired, wantErr: true, skipRetry: true},
		{name: "revoked", runErr: core.ErrConnectionRevoked, wantErr: true, skipRetry: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &stubRunner{err: tt.runErr}
			w := &Worker{runner: runner}

			err := w.HandleSync(context.Background(), task)
			assert.Equal(t, []string{"conn-1"}, runner.calls)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}

	t.Run("bad payload", func(t *testing.T) {
		runner := &stubRunner{}
		w := &Worker{runner: runner}
		err := w.HandleSync(context.Background(), asynq.NewTask(TypeSync, []byte("{")))
		assert.ErrorIs(t, err, asynq.SkipRetry)
		assert.Empty(t, runner.calls)
	})
}

func TestAsynqDispatcher_CoalescesPending(t *testing.T) {
	addr := testutil.RequireEnv(t, "TEST_REDIS_ADDR")
	ctx := testutil.TestContext(t)
	redis := asynq.RedisClientOpt{Addr: addr}
	queue := "labcal-test-" + testutil.RandomID()

	d := NewAsynqDispatcher(redis, queue)
	t.Cleanup(func() { d.Close() })
	inspector := asynq.NewInspector(redis)
	t.Cleanup(func() {
		_, _ = inspector.DeleteAllPendingTasks(queue)
		_ = inspector.Close()
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Enqueue(ctx, "conn-1"))
	}
	require.NoError(t, d.Enqueue(ctx, "conn-2"))

	pending, err := inspector.ListPendingTasks(queue)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestEnqueueAll(t *testing.T) {
	db := testutil.TestDB(t)
	conns := storage.NewConnectionStore(db)
	ctx := context.Background()

	a := testutil.CreateConnection(t, conns, "user-a")
	b := testutil.CreateConnection(t, conns, "user-b")
	c := testutil.CreateConnection(t, conns, "user-c")
	require.NoError(t, conns.SetStatus(ctx, c.ID, core.StatusError, "invalid_grant"))

	trig := &recordingTrigger{}
	n, err := EnqueueAll(ctx, NewLocalDispatcher(trig), conns)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, trig.triggered())
}

type stubRenewer struct{ report webhook.RenewReport }

func (s *stubRenewer) RenewExpiring(context.Context, time.Time) (*webhook.RenewReport, error) {
	r := s.report
	return &r, nil
}

type stubStates struct{ calls int }

func (s *stubStates) DeleteExpired(context.Context) (int, error) {
	s.calls++
	return 2, nil
}

func TestTasks(t *testing.T) {
	db := testutil.TestDB(t)
	conns := storage.NewConnectionStore(db)
	testutil.CreateConnection(t, conns, "user-a")

	trig := &recordingTrigger{}
	renewer := &stubRenewer{report: webhook.RenewReport{Checked: 2, Renewed: 1, Failed: 1}}
	states := &stubStates{}

	tasks := Tasks(TaskDeps{
		Dispatcher:  NewLocalDispatcher(trig),
		Connections: conns,
		Channels:    renewer,
		States:      states,
	})
	require.Len(t, tasks, 3)

	s, err := scheduler.NewScheduler(scheduler.DefaultConfig())
	require.NoError(t, err)
	for _, task := range tasks {
		require.NoError(t, s.Register(task))
	}

	syncTask, _ := s.GetTask(TaskSyncAll)
	assert.Equal(t, time.Hour, syncTask.Schedule.Interval)
	renew, _ := s.GetTask(TaskRenewChannels)
	assert.Equal(t, "03:00", renew.Schedule.At)

	ctx := context.Background()
	require.NoError(t, s.RunNow(ctx, TaskSyncAll))
	assert.Len(t, trig.triggered(), 1)

	assert.Error(t, s.RunNow(ctx, TaskRenewChannels), "failed renewals surface as a task error")

	require.NoError(t, s.RunNow(ctx, TaskStateGC))
	assert.Equal(t, 1, states.calls)
}

func TestTasks_OmitsMissingDeps(t *testing.T) {
	tasks := Tasks(TaskDeps{States: &stubStates{}})
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskStateGC, tasks[0].ID)
}

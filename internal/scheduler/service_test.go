package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"contestbot/internal/domain"
	"contestbot/pkg/logx"
)

// memStore is an in-memory TaskStore with the same contract as the sqlite one.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]domain.ScheduledTask
}

func newMemStore() *memStore {
	return &memStore{tasks: map[int64]domain.ScheduledTask{}}
}

func (s *memStore) CreateTask(_ context.Context, typ domain.TaskType, referenceID int64, runAt time.Time, payload map[string]string) (domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := domain.ScheduledTask{
		ID: s.nextID, Type: typ, ReferenceID: referenceID,
		RunAt: runAt, Status: domain.TaskPending, Payload: payload,
	}
	s.tasks[t.ID] = t
	return t, nil
}

func (s *memStore) PendingTaskByRef(_ context.Context, typ domain.TaskType, referenceID int64) (domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Status == domain.TaskPending && t.Type == typ && t.ReferenceID == referenceID {
			return t, nil
		}
	}
	return domain.ScheduledTask{}, domain.ErrNotFound
}

func (s *memStore) PendingTasks(_ context.Context) ([]domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ScheduledTask
	for _, t := range s.tasks {
		if t.Status == domain.TaskPending {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) DeleteTask(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *memStore) RescheduleTask(ctx context.Context, typ domain.TaskType, referenceID int64, newRunAt time.Time, payload map[string]string) (domain.ScheduledTask, error) {
	s.mu.Lock()
	for id, t := range s.tasks {
		if t.Status == domain.TaskPending && t.Type == typ && t.ReferenceID == referenceID {
			delete(s.tasks, id)
		}
	}
	s.mu.Unlock()
	return s.CreateTask(ctx, typ, referenceID, newRunAt, payload)
}

func (s *memStore) markCompleted(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	t.Status = domain.TaskCompleted
	s.tasks[id] = t
}

func (s *memStore) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == domain.TaskPending {
			n++
		}
	}
	return n
}

// recExec records executions and completes the task like the real executor.
type recExec struct {
	mu    sync.Mutex
	store *memStore
	ids   []int64
}

func (e *recExec) Execute(_ context.Context, taskID int64) error {
	e.mu.Lock()
	e.ids = append(e.ids, taskID)
	e.mu.Unlock()
	if e.store != nil {
		e.store.markCompleted(taskID)
	}
	return nil
}

func (e *recExec) executed() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.ids...)
}

func newTestService(store *memStore) (*Service, *recExec, *fakeTimers) {
	exec := &recExec{store: store}
	ft := &fakeTimers{}
	cfg := Config{Enabled: true, ScanInterval: time.Hour}
	svc := NewWithRegistry(cfg, store, exec, NewRegistry(ft.factory), logx.Nop(), nil)
	return svc, exec, ft
}

func TestReconcileArmsEachPendingTaskOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	svc, exec, ft := newTestService(store)

	future := time.Now().Add(time.Hour)
	store.CreateTask(ctx, domain.TaskPostPublish, 1, future, nil)
	store.CreateTask(ctx, domain.TaskContestFinish, 1, future.Add(time.Hour), nil)

	svc.Reconcile(ctx)
	if svc.Registry().Len() != 2 {
		t.Fatalf("armed = %d, want 2", svc.Registry().Len())
	}

	// A second pass over unchanged state must not create more timers.
	svc.Reconcile(ctx)
	if ft.count() != 2 {
		t.Fatalf("timers created = %d, want 2", ft.count())
	}
	if len(exec.executed()) != 0 {
		t.Fatalf("nothing should have executed, got %v", exec.executed())
	}
}

func TestReconcileExecutesOverduePublishImmediately(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	svc, exec, _ := newTestService(store)

	task, _ := store.CreateTask(ctx, domain.TaskPostPublish, 5, time.Now().Add(-10*time.Minute), nil)

	svc.Reconcile(ctx)
	if got := exec.executed(); len(got) != 1 || got[0] != task.ID {
		t.Fatalf("executed = %v, want [%d]", got, task.ID)
	}
	if svc.Registry().Contains(task.Key()) {
		t.Fatal("overdue publish should not be armed")
	}

	// Completed by the executor, so the next scan leaves it alone.
	svc.Reconcile(ctx)
	if len(exec.executed()) != 1 {
		t.Fatalf("overdue task executed again: %v", exec.executed())
	}
}

func TestReconcileArmsOverdueFinishInsteadOfExecuting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	svc, exec, ft := newTestService(store)

	task, _ := store.CreateTask(ctx, domain.TaskContestFinish, 5, time.Now().Add(-time.Minute), nil)

	svc.Reconcile(ctx)
	if len(exec.executed()) != 0 {
		t.Fatalf("finish should go through its timer, got executions %v", exec.executed())
	}
	if !svc.Registry().Contains(task.Key()) {
		t.Fatal("overdue finish should be armed")
	}
	ft.mu.Lock()
	delay := ft.timers[0].delay
	ft.mu.Unlock()
	if delay != 0 {
		t.Fatalf("overdue delay = %v, want clamped to 0", delay)
	}
}

func TestTimerFireExecutesTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	svc, exec, ft := newTestService(store)

	task, _ := store.CreateTask(ctx, domain.TaskContestFinish, 2, time.Now().Add(time.Hour), nil)

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop(ctx)

	ft.fire(0)
	if got := exec.executed(); len(got) != 1 || got[0] != task.ID {
		t.Fatalf("executed = %v, want [%d]", got, task.ID)
	}
	if svc.Registry().Contains(task.Key()) {
		t.Fatal("fired entry should have removed itself")
	}
}

func TestCancelDeletesTaskAndPreventsResurrection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	svc, exec, ft := newTestService(store)

	task, _ := store.CreateTask(ctx, domain.TaskContestFinish, 3, time.Now().Add(time.Hour), nil)
	svc.Reconcile(ctx)

	if err := svc.Cancel(ctx, domain.TaskContestFinish, 3); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if svc.Registry().Contains(task.Key()) {
		t.Fatal("timer should be disarmed")
	}
	if store.pendingCount() != 0 {
		t.Fatal("pending task should be deleted")
	}

	// Cancel again: idempotent.
	if err := svc.Cancel(ctx, domain.TaskContestFinish, 3); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}

	// The task must not come back on the next scan, and a stale expiry of the
	// original timer must not execute anything.
	svc.Reconcile(ctx)
	if svc.Registry().Len() != 0 {
		t.Fatal("cancelled task resurrected by reconcile")
	}
	ft.mu.Lock()
	ft.timers[0].stopped = false
	ft.mu.Unlock()
	ft.fire(0)
	if len(exec.executed()) != 0 {
		t.Fatalf("stale timer executed: %v", exec.executed())
	}
}

func TestScheduleReplacesPendingTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	svc, _, _ := newTestService(store)

	first := time.Now().Add(time.Hour)
	second := first.Add(time.Hour)

	if _, err := svc.Schedule(ctx, domain.TaskContestFinish, 8, first, nil); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	replacement, err := svc.Schedule(ctx, domain.TaskContestFinish, 8, second, nil)
	if err != nil {
		t.Fatalf("Schedule (replace): %v", err)
	}

	if store.pendingCount() != 1 {
		t.Fatalf("pending = %d, want exactly 1 after replace", store.pendingCount())
	}
	got, err := store.PendingTaskByRef(ctx, domain.TaskContestFinish, 8)
	if err != nil {
		t.Fatalf("PendingTaskByRef: %v", err)
	}
	if got.ID != replacement.ID || !got.RunAt.Equal(second) {
		t.Fatalf("pending task = %+v, want the replacement at %v", got, second)
	}
	if svc.Registry().Len() != 1 {
		t.Fatalf("armed = %d, want 1", svc.Registry().Len())
	}
}

func TestScheduleRejectsUnknownType(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	svc, _, _ := newTestService(store)
	if _, err := svc.Schedule(context.Background(), "bogus", 1, time.Now(), nil); err == nil {
		t.Fatal("expected error for unknown task type")
	}
}

func TestExecuteNow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemStore()
	svc, exec, _ := newTestService(store)

	task, _ := svc.Schedule(ctx, domain.TaskContestFinish, 4, time.Now().Add(time.Hour), nil)
	if err := svc.ExecuteNow(ctx, domain.TaskContestFinish, 4); err != nil {
		t.Fatalf("ExecuteNow: %v", err)
	}
	if got := exec.executed(); len(got) != 1 || got[0] != task.ID {
		t.Fatalf("executed = %v, want [%d]", got, task.ID)
	}
	if svc.Registry().Contains(task.Key()) {
		t.Fatal("timer should be disarmed before forced execution")
	}

	if err := svc.ExecuteNow(ctx, domain.TaskContestFinish, 99); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ExecuteNow for absent task = %v, want ErrNotFound", err)
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	exec := &recExec{store: store}
	svc := New(Config{Enabled: false}, store, exec, logx.Nop(), nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	svc.Stop(context.Background())
}

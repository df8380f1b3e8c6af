package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"contestbot/internal/domain"
	"contestbot/internal/eventbus"
	"contestbot/pkg/logx"
)

// Service keeps a 1:1 correspondence between future-due pending tasks and live
// timers in the registry, and makes sure timers fire durably across restarts.
//
// The task store is the source of truth for "what should eventually run"; the
// registry is a best-effort cache of "what will run next" and is rebuilt from
// the store at startup and on every reconciliation scan.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	store TaskStore
	exec  Executor
	reg   *Registry
	bus   eventbus.Bus

	c         *cron.Cron
	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, store TaskStore, exec Executor, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		log:   log,
		store: store,
		exec:  exec,
		reg:   NewRegistry(nil),
		bus:   bus,
	}
}

// NewWithRegistry injects a registry with a fake timer factory (tests).
func NewWithRegistry(cfg Config, store TaskStore, exec Executor, reg *Registry, log logx.Logger, bus eventbus.Bus) *Service {
	s := New(cfg, store, exec, log, bus)
	if reg != nil {
		s.reg = reg
	}
	return s
}

// Registry exposes the live timer index (diagnostics and tests).
func (s *Service) Registry() *Registry { return s.reg }

// SetConfig swaps the configuration. Only effective between Stop and the next
// Start; a running scan keeps its settings.
func (s *Service) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		s.cfg = cfg
	}
}

// Start bootstraps timers from the task store and begins the periodic scan.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	if s.c != nil {
		return nil
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)

	interval := s.cfg.ScanInterval
	if interval <= 0 {
		interval = time.Minute
	}

	loc := s.loadLocation()
	s.c = cron.New(cron.WithLocation(loc))
	runCtx := s.runCtx
	if _, err := s.c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		s.Reconcile(runCtx)
	}); err != nil {
		s.c = nil
		s.runCancel()
		return err
	}

	// Bootstrap pass before the first tick so restarts recover promptly.
	s.Reconcile(s.runCtx)

	s.c.Start()
	s.log.Info("scheduler started",
		logx.Duration("scan_interval", interval), logx.String("tz", loc.String()))
	return nil
}

// Stop halts the scan and drops all timers. Pending task rows survive in the
// store, so the next Start rebuilds everything.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCancel = nil
	s.mu.Unlock()

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel()
	}
	s.reg.Clear()
	s.log.Info("scheduler stopped")
}

// Reconcile reloads pending tasks and arms any that lack a live timer.
// Overdue publish tasks are caught up immediately (a publish the process
// missed while offline). Re-running with nothing new is a no-op.
func (s *Service) Reconcile(ctx context.Context) {
	tasks, err := s.store.PendingTasks(ctx)
	if err != nil {
		s.log.Warn("task scan failed", logx.Err(err))
		return
	}
	s.log.Debug("scanning tasks", logx.Int("pending", len(tasks)))

	now := time.Now()
	for _, t := range tasks {
		key := t.Key()
		if s.reg.Contains(key) {
			continue
		}
		if !t.RunAt.After(now) && t.Type == domain.TaskPostPublish {
			s.log.Info("overdue publish task; executing immediately", logx.String("key", key.String()))
			s.runTask(ctx, t.ID, key)
			continue
		}
		s.arm(t)
	}
}

// arm registers a timer for the task. The callback captures only the task ID
// and key; all state is re-fetched at fire time.
func (s *Service) arm(t domain.ScheduledTask) {
	key := t.Key()
	delay := time.Until(t.RunAt)
	if !s.reg.Arm(key, delay, func() {
		s.mu.Lock()
		ctx := s.runCtx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		s.runTask(ctx, t.ID, key)
	}) {
		return
	}
	s.log.Debug("task armed",
		logx.String("key", key.String()), logx.Time("run_at", t.RunAt), logx.Duration("in", delay))
	s.publish(eventbus.TaskArmed, t.ID, key, nil)
}

func (s *Service) runTask(ctx context.Context, taskID int64, key domain.Key) {
	s.publish(eventbus.TaskFired, taskID, key, nil)
	if err := s.exec.Execute(ctx, taskID); err != nil {
		s.log.Warn("task execution failed",
			logx.String("key", key.String()), logx.Int64("task_id", taskID), logx.Err(err))
	}
}

// Schedule creates a pending task and arms it, replacing any existing pending
// task for the same (type, reference) key.
func (s *Service) Schedule(ctx context.Context, typ domain.TaskType, referenceID int64, runAt time.Time, payload map[string]string) (domain.ScheduledTask, error) {
	if !typ.Valid() {
		return domain.ScheduledTask{}, fmt.Errorf("schedule: unknown task type %q", typ)
	}
	task, err := s.store.RescheduleTask(ctx, typ, referenceID, runAt, payload)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	s.reg.Remove(task.Key())
	s.arm(task)
	return task, nil
}

// Cancel deletes the pending task for a key and disarms its timer.
// Cancelling an absent task is a no-op.
func (s *Service) Cancel(ctx context.Context, typ domain.TaskType, referenceID int64) error {
	key := domain.Key{Type: typ, ReferenceID: referenceID}
	defer s.reg.Remove(key)

	t, err := s.store.PendingTaskByRef(ctx, typ, referenceID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, t.ID); err != nil {
		return err
	}
	s.log.Debug("task cancelled", logx.String("key", key.String()))
	s.publish(eventbus.TaskCancelled, t.ID, key, nil)
	return nil
}

// Reschedule atomically replaces the pending task for a key with one at
// newRunAt and re-arms it. The store primitive guarantees callers can't end up
// with two pending tasks for the key.
func (s *Service) Reschedule(ctx context.Context, typ domain.TaskType, referenceID int64, newRunAt time.Time, payload map[string]string) (domain.ScheduledTask, error) {
	return s.Schedule(ctx, typ, referenceID, newRunAt, payload)
}

// ExecuteNow force-fires the pending task for a key (operator "finish contest
// now"). The timer is disarmed first so it cannot fire a second time; the
// executor's claim step settles any remaining race.
func (s *Service) ExecuteNow(ctx context.Context, typ domain.TaskType, referenceID int64) error {
	key := domain.Key{Type: typ, ReferenceID: referenceID}
	t, err := s.store.PendingTaskByRef(ctx, typ, referenceID)
	if err != nil {
		return err
	}
	s.reg.Remove(key)
	s.log.Info("executing task now", logx.String("key", key.String()))
	s.runTask(ctx, t.ID, key)
	return nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	keys := s.reg.Keys()
	armed := make([]string, 0, len(keys))
	for _, k := range keys {
		armed = append(armed, k.String())
	}
	sort.Strings(armed)

	return Snapshot{
		Enabled:      cfg.Enabled,
		ScanInterval: cfg.ScanInterval,
		Timezone:     cfg.Timezone,
		Armed:        armed,
	}
}

func (s *Service) publish(typ string, taskID int64, key domain.Key, err error) {
	if s.bus == nil {
		return
	}
	ev := eventbus.TaskEvent{TaskID: taskID, Key: key.String(), ReferenceID: key.ReferenceID}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

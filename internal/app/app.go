// Package app assembles and supervises the bot's services.
package app

import (
	"context"
	"fmt"
	"sync"

	"contestbot/internal/config"
	"contestbot/internal/contest"
	"contestbot/internal/eventbus"
	"contestbot/internal/executor"
	"contestbot/internal/scheduler"
	"contestbot/internal/storage"
	"contestbot/internal/telegram"
	"contestbot/pkg/logx"
)

// App owns the service graph. Construction order is storage, messenger,
// lifecycle service, executor, scheduler; Stop tears it down in reverse.
type App struct {
	log logx.Logger
	cfm *config.Manager
	bus eventbus.Bus

	store     *storage.Store
	messenger *telegram.Messenger
	contests  *contest.Service
	sched     *scheduler.Service

	mu      sync.Mutex
	started bool
	watchWG sync.WaitGroup
	cancel  context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	cfm := config.NewManager(cfgPath)
	cfg, err := cfm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfm.SetLogger(log.With(logx.String("svc", "config")))
	bus := eventbus.New()

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, 0),
	}, log.With(logx.String("svc", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	messenger, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		AdminIDs:    cfg.Telegram.AdminIDs,
		WebAppURL:   cfg.Telegram.WebAppURL,
		PollTimeout: config.DurationOr(cfg.Telegram.PollTimeout, 0),
		RatePerSec:  cfg.Telegram.RatePerSec,
	}, log.With(logx.String("svc", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}

	exec := executor.New(
		executor.Config{ResultButtonText: cfg.Contest.ResultButtonText},
		store, store, store, messenger, messenger,
		log.With(logx.String("svc", "executor")), bus)

	sched := scheduler.New(schedulerConfig(cfg), store, exec,
		log.With(logx.String("svc", "scheduler")), bus)

	contests := contest.NewService(
		contest.Config{DefaultButtonText: cfg.Contest.DefaultButtonText},
		store, sched, messenger,
		log.With(logx.String("svc", "contest")))
	messenger.SetJoinHandler(contests)

	return &App{
		log:       log,
		cfm:       cfm,
		bus:       bus,
		store:     store,
		messenger: messenger,
		contests:  contests,
		sched:     sched,
	}, nil
}

// Contests exposes the lifecycle service (admin surface).
func (a *App) Contests() *contest.Service { return a.contests }

// Scheduler exposes the task scheduler (admin surface, diagnostics).
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Bus exposes the in-process event stream.
func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.messenger.Start(runCtx)
	if err := a.sched.Start(runCtx); err != nil {
		cancel()
		a.messenger.Stop()
		return fmt.Errorf("start scheduler: %w", err)
	}

	// Lifecycle events flow to the log so operators can trace task activity
	// without a debugger attached.
	events, unsub := a.bus.Subscribe(16)
	a.watchWG.Add(1)
	go func() {
		defer a.watchWG.Done()
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("lifecycle event",
					logx.String("type", ev.Type), logx.Any("data", ev.Data))
			}
		}
	}()

	// Config hot reload: logging level changes need a restart of the sinks,
	// scheduler settings are re-applied by restarting the scan loop.
	a.watchWG.Add(2)
	go func() {
		defer a.watchWG.Done()
		if err := a.cfm.Watch(runCtx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	sub := a.cfm.Subscribe(1)
	go func() {
		defer a.watchWG.Done()
		defer a.cfm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(runCtx, cfg)
			}
		}
	}()

	a.started = true
	a.log.Info("app started")
	return nil
}

func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	a.log.Info("applying config reload")
	a.sched.Stop(ctx)
	a.sched.SetConfig(schedulerConfig(cfg))
	if err := a.sched.Start(ctx); err != nil {
		a.log.Error("scheduler restart after reload failed", logx.Err(err))
	}
}

// Stop shuts the services down in reverse construction order.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	wasStarted := a.started
	a.started = false
	a.mu.Unlock()

	if !wasStarted {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	a.sched.Stop(ctx)
	a.messenger.Stop()
	a.watchWG.Wait()
	err := a.store.Close()
	a.log.Info("app stopped")
	return err
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:      cfg.Scheduler.Enabled,
		ScanInterval: config.DurationOr(cfg.Scheduler.ScanInterval, 0),
		Timezone:     cfg.Scheduler.Timezone,
	}
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"contestbot/internal/contest"
	"contestbot/internal/domain"
	"contestbot/internal/eventbus"
	"contestbot/pkg/logx"
)

// Executor performs a due task's effect exactly once: it claims the task row,
// resolves the referenced contest, guards on the contest state, runs the
// messaging side effects and persists the transition.
//
// All collaborators are constructor-injected interfaces; the fire callback
// hands over only a task ID and everything else is re-fetched here, so no
// stale closure state survives a reschedule.
type Executor struct {
	cfg   Config
	log   logx.Logger
	tasks TaskStore
	store ContestStore
	parts ParticipationStore
	msgr  Messenger
	adm   Notifier
	bus   eventbus.Bus

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, tasks TaskStore, store ContestStore, parts ParticipationStore, msgr Messenger, adm Notifier, log logx.Logger, bus eventbus.Bus) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.ResultButtonText) == "" {
		cfg.ResultButtonText = "See results"
	}
	return &Executor{
		cfg:   cfg,
		log:   log,
		tasks: tasks,
		store: store,
		parts: parts,
		msgr:  msgr,
		adm:   adm,
		bus:   bus,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRand replaces the random source (tests).
func (e *Executor) SetRand(rng *rand.Rand) {
	e.rngMu.Lock()
	e.rng = rng
	e.rngMu.Unlock()
}

// Execute runs the task with the given ID. A task that is absent or already
// claimed is a no-op: duplicate fires and ExecuteNow races settle on the
// atomic pending->processing claim, and the contest-status guards below make
// a second pass side-effect free even if a claim ever slips through.
func (e *Executor) Execute(ctx context.Context, taskID int64) error {
	task, err := e.tasks.TaskByID(ctx, taskID)
	if errors.Is(err, domain.ErrNotFound) {
		e.log.Debug("task gone before execution", logx.Int64("task_id", taskID))
		return nil
	}
	if err != nil {
		return err
	}

	claimed, err := e.tasks.ClaimTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !claimed {
		e.log.Debug("task already claimed; skipping", logx.String("key", task.Key().String()))
		return nil
	}

	log := e.log.With(logx.String("key", task.Key().String()), logx.Int64("task_id", taskID))
	log.Info("executing task")

	c, err := e.store.ContestByID(ctx, task.ReferenceID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Error("referenced contest missing")
		e.failTask(ctx, taskID, task.Key())
		return fmt.Errorf("contest %d: %w", task.ReferenceID, domain.ErrNotFound)
	}
	if err != nil {
		// The row was already claimed; fail it so it stays visible in the
		// failed-task audit instead of sitting in processing forever.
		e.failTask(ctx, taskID, task.Key())
		return fmt.Errorf("load contest %d: %w", task.ReferenceID, err)
	}

	switch task.Type {
	case domain.TaskPostPublish:
		err = e.publishContest(ctx, log, task, c)
	case domain.TaskContestFinish:
		err = e.finishContest(ctx, log, task, c)
	default:
		err = fmt.Errorf("unknown task type %q", task.Type)
	}
	if err != nil {
		e.failTask(ctx, taskID, task.Key())
		return err
	}

	if err := e.tasks.MarkTaskCompleted(ctx, taskID); err != nil {
		// Best effort; parks the row in failed rather than processing so the
		// audit view surfaces it. The transition itself already happened.
		e.failTask(ctx, taskID, task.Key())
		return fmt.Errorf("mark task completed: %w", err)
	}
	e.publishEvent(eventbus.TaskCompleted, taskID, task.Key(), nil)
	return nil
}

// publishContest announces the contest to every allowed group and transitions
// it pending -> active. Per-target send failures do not abort sibling targets;
// refs already obtained are persisted so published announcements are never
// orphaned, but any failure stops the remaining steps and fails the task.
func (e *Executor) publishContest(ctx context.Context, log logx.Logger, task domain.ScheduledTask, c domain.Contest) error {
	if !c.Status.CanPublish() {
		log.Info("contest not pending; publish is a no-op", logx.String("status", string(c.Status)))
		return nil
	}

	post := Post{
		Text:       announcementText(c),
		ImageRef:   c.ImageURL,
		ContestID:  c.ID,
		ButtonText: c.ButtonText,
	}
	if override := task.Payload[domain.PayloadButtonText]; override != "" {
		post.ButtonText = override
	}

	var (
		refs   []domain.MessageRef
		failed int
	)
	for _, g := range c.AllowedGroups {
		ref, err := e.msgr.Publish(ctx, g, post)
		if err != nil {
			failed++
			log.Warn("announcement publish failed", logx.String("chat", g.TelegramID), logx.Err(err))
			continue
		}
		refs = append(refs, ref)
		log.Debug("announcement published", logx.String("ref", ref.String()))
	}
	if len(refs) > 0 {
		if err := e.store.SetContestMessageRefs(ctx, c.ID, refs); err != nil {
			return fmt.Errorf("store message refs: %w", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("publish: %d of %d targets failed", failed, len(c.AllowedGroups))
	}

	if err := e.store.SaveContestStatus(ctx, c.ID, domain.ContestActive); err != nil {
		return fmt.Errorf("activate contest: %w", err)
	}
	log.Info("contest activated", logx.Int64("contest_id", c.ID), logx.Int("announcements", len(refs)))
	e.publishEvent(eventbus.ContestPublished, task.ID, task.Key(), nil)
	return nil
}

// finishContest transitions the contest to completed, selects winners and
// notifies them. A contest with no participants is left completed with no
// winner records; the operator channel is told to finish it manually.
func (e *Executor) finishContest(ctx context.Context, log logx.Logger, task domain.ScheduledTask, c domain.Contest) error {
	if !c.Status.CanFinish() {
		log.Info("contest already completed; finish is a no-op")
		return nil
	}

	if err := e.store.SaveContestStatus(ctx, c.ID, domain.ContestCompleted); err != nil {
		return fmt.Errorf("complete contest: %w", err)
	}

	assignments, err := e.selectWinners(ctx, c)
	if err != nil {
		return err
	}
	if len(assignments) == 0 {
		log.Warn("no participants; manual completion required", logx.Int64("contest_id", c.ID))
		e.adm.NotifyAdmins(ctx, fmt.Sprintf(
			"Contest %q finished with no participants. Complete it manually via the admin panel.", c.Name))
		return nil
	}

	// Swap the participate button on every announcement for the results label.
	// Each edit is isolated: a failing target must not block the others.
	label := e.cfg.ResultButtonText
	for _, ref := range c.MessageRefs {
		if err := e.msgr.EditAnnouncement(ctx, ref, AnnouncementEdit{ButtonLabel: &label}); err != nil {
			log.Warn("announcement edit failed", logx.String("ref", ref.String()), logx.Err(err))
		}
	}

	e.notifyWinners(ctx, log, c, assignments)

	e.adm.NotifyAdmins(ctx, fmt.Sprintf(
		"Contest finished: %s\n\nWinners: %d\nGroups in the draw:\n%s",
		c.Name, len(assignments), groupList(c.AllowedGroups)))

	log.Info("contest finished", logx.Int64("contest_id", c.ID), logx.Int("winners", len(assignments)))
	e.publishEvent(eventbus.ContestFinished, task.ID, task.Key(), nil)
	return nil
}

// selectWinners returns the winner assignment for the contest. Winners already
// recorded (a re-run against a finished contest) are reproduced as-is instead
// of being re-rolled.
func (e *Executor) selectWinners(ctx context.Context, c domain.Contest) ([]domain.Assignment, error) {
	recorded, err := e.parts.Winners(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load recorded winners: %w", err)
	}
	if len(recorded) > 0 {
		out := make([]domain.Assignment, 0, len(recorded))
		for _, w := range recorded {
			out = append(out, domain.Assignment{Participation: w, PrizePlace: w.PrizePlace})
		}
		return out, nil
	}

	participants, err := e.parts.Participants(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	var curated []int64
	if c.WinnerStrategy == domain.WinnerManual {
		if curated, err = e.parts.CuratedWinners(ctx, c.ID); err != nil {
			return nil, fmt.Errorf("load curated winners: %w", err)
		}
	}

	e.rngMu.Lock()
	assignments := contest.SelectWinners(participants, c.PrizePlaces, curated, e.rng)
	e.rngMu.Unlock()

	if len(assignments) == 0 {
		return nil, nil
	}
	if err := e.parts.RecordWinners(ctx, assignments); err != nil {
		return nil, fmt.Errorf("record winners: %w", err)
	}
	return assignments, nil
}

// notifyWinners fans out private notifications concurrently. Each send is
// isolated: failures are logged and do not abort delivery to the others.
func (e *Executor) notifyWinners(ctx context.Context, log logx.Logger, c domain.Contest, assignments []domain.Assignment) {
	var wg sync.WaitGroup
	for _, a := range assignments {
		wg.Add(1)
		go func(a domain.Assignment) {
			defer wg.Done()
			group, ok := c.AllowedGroupByTelegramID(a.Participation.GroupID)
			if !ok && len(c.AllowedGroups) > 0 {
				group = c.AllowedGroups[0]
			}
			ref, _ := c.MessageRefFor(group.TelegramID)
			text := fmt.Sprintf("Congratulations, you won place %d in %q! 🎉", a.PrizePlace, c.Name)
			if err := e.msgr.NotifyUser(ctx, a.Participation.TelegramID, text, ref, group.TelegramName); err != nil {
				log.Warn("winner notification failed",
					logx.String("user", a.Participation.TelegramID), logx.Err(err))
			}
		}(a)
	}
	wg.Wait()
}

func (e *Executor) failTask(ctx context.Context, taskID int64, key domain.Key) {
	if err := e.tasks.MarkTaskFailed(ctx, taskID); err != nil {
		e.log.Error("mark task failed errored", logx.Int64("task_id", taskID), logx.Err(err))
	}
	e.publishEvent(eventbus.TaskFailed, taskID, key, nil)
}

func (e *Executor) publishEvent(typ string, taskID int64, key domain.Key, err error) {
	if e.bus == nil {
		return
	}
	ev := eventbus.TaskEvent{TaskID: taskID, Key: key.String(), ReferenceID: key.ReferenceID}
	if err != nil {
		ev.Error = err.Error()
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func announcementText(c domain.Contest) string {
	var b strings.Builder
	b.WriteString(c.Name)
	if c.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(c.Description)
	}
	if len(c.RequiredGroups) > 0 {
		b.WriteString("\n\nTo enter, subscribe to:")
		for _, g := range c.RequiredGroups {
			b.WriteString("\n@")
			b.WriteString(g.TelegramName)
		}
	}
	return b.String()
}

func groupList(groups []domain.Channel) string {
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, "@"+g.TelegramName)
	}
	return strings.Join(names, "\n")
}

package contest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"contestbot/internal/domain"
	"contestbot/pkg/logx"
)

// ErrNotEligible is returned by Join when the user fails the required-group
// membership gate.
var ErrNotEligible = errors.New("user not eligible for contest")

// Store is the persistence slice the lifecycle service needs.
type Store interface {
	UpsertChannel(ctx context.Context, telegramID, telegramName string) (domain.Channel, error)
	CreateContest(ctx context.Context, c domain.Contest) (domain.Contest, error)
	ContestByID(ctx context.Context, id int64) (domain.Contest, error)
	ActiveContests(ctx context.Context) ([]domain.Contest, error)
	SaveContestStatus(ctx context.Context, id int64, status domain.ContestStatus) error
	UpdateContestEndDate(ctx context.Context, id int64, endDate time.Time) error
	SetCuratedWinners(ctx context.Context, contestID int64, userIDs []int64) error

	UpsertUser(ctx context.Context, telegramID, username string) (domain.User, error)
	AddParticipation(ctx context.Context, contestID, userID int64, groupID string) error
	Winners(ctx context.Context, contestID int64) ([]domain.Participation, error)
}

// Scheduler manages the durable task backing each lifecycle transition.
type Scheduler interface {
	Schedule(ctx context.Context, typ domain.TaskType, referenceID int64, runAt time.Time, payload map[string]string) (domain.ScheduledTask, error)
	Cancel(ctx context.Context, typ domain.TaskType, referenceID int64) error
	Reschedule(ctx context.Context, typ domain.TaskType, referenceID int64, newRunAt time.Time, payload map[string]string) (domain.ScheduledTask, error)
	ExecuteNow(ctx context.Context, typ domain.TaskType, referenceID int64) error
}

// Messenger is the messaging slice the lifecycle service needs.
type Messenger interface {
	DeleteAnnouncement(ctx context.Context, ref domain.MessageRef) error
	IsEligible(ctx context.Context, telegramID string, groups []domain.Channel) (bool, error)
}

// Config carries contest defaults.
type Config struct {
	DefaultButtonText string
}

// Service owns contest lifecycle state transitions that originate from
// operators and users. The time-driven transitions (publish, finish) run in
// the executor; this service creates and maintains the tasks that trigger them.
type Service struct {
	cfg   Config
	log   logx.Logger
	store Store
	sched Scheduler
	msgr  Messenger
}

func NewService(cfg Config, store Store, sched Scheduler, msgr Messenger, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.DefaultButtonText) == "" {
		cfg.DefaultButtonText = "Participate"
	}
	return &Service{cfg: cfg, log: log, store: store, sched: sched, msgr: msgr}
}

// CreateParams describes a new contest.
type CreateParams struct {
	Name           string
	Description    string
	StartDate      time.Time // zero or past means publish right away
	EndDate        time.Time
	PrizePlaces    int
	ImageURL       string
	ButtonText     string
	WinnerStrategy domain.WinnerStrategy

	AllowedGroups  []domain.Channel // TelegramID + TelegramName, upserted
	RequiredGroups []domain.Channel
	CuratedWinners []int64 // user IDs, only with WinnerManual
}

// Create persists the contest and schedules its lifecycle tasks: a finish task
// at the end date always, and a publish task at the start date. A missing or
// past start date schedules the publish for now, which the scheduler executes
// on its next pass.
func (s *Service) Create(ctx context.Context, p CreateParams) (domain.Contest, error) {
	now := time.Now()
	if p.EndDate.IsZero() || !p.EndDate.After(now) {
		return domain.Contest{}, fmt.Errorf("create contest: end date must be in the future: %w", domain.ErrInvalidState)
	}
	if p.PrizePlaces <= 0 {
		p.PrizePlaces = 1
	}
	if p.WinnerStrategy == "" {
		p.WinnerStrategy = domain.WinnerRandom
	}
	if strings.TrimSpace(p.ButtonText) == "" {
		p.ButtonText = s.cfg.DefaultButtonText
	}

	allowed, err := s.resolveChannels(ctx, p.AllowedGroups)
	if err != nil {
		return domain.Contest{}, err
	}
	if len(allowed) == 0 {
		return domain.Contest{}, fmt.Errorf("create contest: no publish targets: %w", domain.ErrInvalidState)
	}
	required, err := s.resolveChannels(ctx, p.RequiredGroups)
	if err != nil {
		return domain.Contest{}, err
	}

	publishAt := p.StartDate
	if publishAt.IsZero() || publishAt.Before(now) {
		publishAt = now
	}

	c, err := s.store.CreateContest(ctx, domain.Contest{
		Name:           p.Name,
		Description:    p.Description,
		Status:         domain.ContestPending,
		WinnerStrategy: p.WinnerStrategy,
		StartDate:      publishAt,
		EndDate:        p.EndDate,
		PrizePlaces:    p.PrizePlaces,
		ImageURL:       p.ImageURL,
		ButtonText:     p.ButtonText,
		AllowedGroups:  allowed,
		RequiredGroups: required,
	})
	if err != nil {
		return domain.Contest{}, fmt.Errorf("create contest: %w", err)
	}

	if p.WinnerStrategy == domain.WinnerManual && len(p.CuratedWinners) > 0 {
		if err := s.store.SetCuratedWinners(ctx, c.ID, p.CuratedWinners); err != nil {
			return domain.Contest{}, fmt.Errorf("store curated winners: %w", err)
		}
	}

	if _, err := s.sched.Schedule(ctx, domain.TaskPostPublish, c.ID, publishAt, nil); err != nil {
		return domain.Contest{}, fmt.Errorf("schedule publish: %w", err)
	}
	if _, err := s.sched.Schedule(ctx, domain.TaskContestFinish, c.ID, p.EndDate, nil); err != nil {
		return domain.Contest{}, fmt.Errorf("schedule finish: %w", err)
	}

	s.log.Info("contest created",
		logx.Int64("contest_id", c.ID), logx.String("name", c.Name),
		logx.Time("publish_at", publishAt), logx.Time("end_date", p.EndDate))
	return c, nil
}

// ChangeEndDate moves the contest's end date and replaces the finish task so
// only the new one can fire. Completed contests cannot be extended.
func (s *Service) ChangeEndDate(ctx context.Context, contestID int64, endDate time.Time) error {
	c, err := s.store.ContestByID(ctx, contestID)
	if err != nil {
		return err
	}
	if c.Status == domain.ContestCompleted {
		return fmt.Errorf("change end date: contest %d is completed: %w", contestID, domain.ErrInvalidState)
	}
	if !endDate.After(time.Now()) {
		return fmt.Errorf("change end date: must be in the future: %w", domain.ErrInvalidState)
	}
	if err := s.store.UpdateContestEndDate(ctx, contestID, endDate); err != nil {
		return fmt.Errorf("change end date: %w", err)
	}
	if _, err := s.sched.Reschedule(ctx, domain.TaskContestFinish, contestID, endDate, nil); err != nil {
		return fmt.Errorf("reschedule finish: %w", err)
	}
	s.log.Info("contest end date changed",
		logx.Int64("contest_id", contestID), logx.Time("end_date", endDate))
	return nil
}

// Cancel retires a contest administratively: both lifecycle tasks are removed,
// published announcements are taken down and the contest goes straight to
// completed with no winner selection. Cancelling a completed contest is an
// invalid-state error.
func (s *Service) Cancel(ctx context.Context, contestID int64) error {
	c, err := s.store.ContestByID(ctx, contestID)
	if err != nil {
		return err
	}
	if c.Status == domain.ContestCompleted {
		return fmt.Errorf("cancel: contest %d already completed: %w", contestID, domain.ErrInvalidState)
	}

	if err := s.sched.Cancel(ctx, domain.TaskPostPublish, contestID); err != nil {
		return fmt.Errorf("cancel publish task: %w", err)
	}
	if err := s.sched.Cancel(ctx, domain.TaskContestFinish, contestID); err != nil {
		return fmt.Errorf("cancel finish task: %w", err)
	}

	for _, ref := range c.MessageRefs {
		if err := s.msgr.DeleteAnnouncement(ctx, ref); err != nil {
			s.log.Warn("announcement delete failed",
				logx.String("ref", ref.String()), logx.Err(err))
		}
	}

	if err := s.store.SaveContestStatus(ctx, contestID, domain.ContestCompleted); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	s.log.Info("contest cancelled", logx.Int64("contest_id", contestID))
	return nil
}

// FinishNow force-fires the finish task (operator action). The executor's
// claim and status guards keep this safe against a concurrent timer fire.
func (s *Service) FinishNow(ctx context.Context, contestID int64) error {
	return s.sched.ExecuteNow(ctx, domain.TaskContestFinish, contestID)
}

// JoinResult reports the outcome of a Join attempt.
type JoinResult struct {
	Joined  bool
	Winners []domain.Participation // set when the contest already finished
}

// Join registers a user's participation. A completed contest returns its
// winners instead of registering; an active contest gates on required-group
// membership and then records the entry (duplicates are absorbed).
func (s *Service) Join(ctx context.Context, contestID int64, telegramID, username, groupID string) (JoinResult, error) {
	c, err := s.store.ContestByID(ctx, contestID)
	if err != nil {
		return JoinResult{}, err
	}
	if c.Status == domain.ContestCompleted {
		winners, err := s.store.Winners(ctx, contestID)
		if err != nil {
			return JoinResult{}, err
		}
		return JoinResult{Winners: winners}, nil
	}
	if c.Status != domain.ContestActive {
		return JoinResult{}, fmt.Errorf("join: contest %d not active: %w", contestID, domain.ErrInvalidState)
	}

	if len(c.RequiredGroups) > 0 {
		ok, err := s.msgr.IsEligible(ctx, telegramID, c.RequiredGroups)
		if err != nil {
			return JoinResult{}, fmt.Errorf("eligibility check: %w", err)
		}
		if !ok {
			return JoinResult{}, ErrNotEligible
		}
	}

	u, err := s.store.UpsertUser(ctx, telegramID, username)
	if err != nil {
		return JoinResult{}, err
	}
	if err := s.store.AddParticipation(ctx, contestID, u.ID, groupID); err != nil {
		return JoinResult{}, err
	}
	s.log.Debug("participation registered",
		logx.Int64("contest_id", contestID), logx.String("user", telegramID))
	return JoinResult{Joined: true}, nil
}

// ContestByID returns the full contest aggregate.
func (s *Service) ContestByID(ctx context.Context, id int64) (domain.Contest, error) {
	return s.store.ContestByID(ctx, id)
}

// ActiveContests lists contests currently open for participation.
func (s *Service) ActiveContests(ctx context.Context) ([]domain.Contest, error) {
	return s.store.ActiveContests(ctx)
}

func (s *Service) resolveChannels(ctx context.Context, in []domain.Channel) ([]domain.Channel, error) {
	out := make([]domain.Channel, 0, len(in))
	for _, ch := range in {
		resolved, err := s.store.UpsertChannel(ctx, ch.TelegramID, ch.TelegramName)
		if err != nil {
			return nil, fmt.Errorf("resolve channel %s: %w", ch.TelegramID, err)
		}
		out = append(out, resolved)
	}
	return out, nil
}

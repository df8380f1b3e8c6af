package executor

import (
	"context"

	"contestbot/internal/domain"
)

// TaskStore is the slice of the task log the executor mutates.
type TaskStore interface {
	TaskByID(ctx context.Context, id int64) (domain.ScheduledTask, error)
	ClaimTask(ctx context.Context, id int64) (bool, error)
	MarkTaskCompleted(ctx context.Context, id int64) error
	MarkTaskFailed(ctx context.Context, id int64) error
}

// ContestStore resolves and persists the contest aggregate.
type ContestStore interface {
	ContestByID(ctx context.Context, id int64) (domain.Contest, error)
	SaveContestStatus(ctx context.Context, id int64, status domain.ContestStatus) error
	SetContestMessageRefs(ctx context.Context, id int64, refs []domain.MessageRef) error
}

// ParticipationStore supplies participant and winner data.
type ParticipationStore interface {
	Participants(ctx context.Context, contestID int64) ([]domain.Participation, error)
	Winners(ctx context.Context, contestID int64) ([]domain.Participation, error)
	CuratedWinners(ctx context.Context, contestID int64) ([]int64, error)
	RecordWinners(ctx context.Context, assignments []domain.Assignment) error
}

// Post is one announcement to publish into a single target group.
type Post struct {
	Text       string
	ImageRef   string
	ContestID  int64
	ButtonText string
}

// AnnouncementEdit carries the fields to change on a published announcement.
// Nil pointers leave the corresponding field untouched.
type AnnouncementEdit struct {
	Text        *string
	ImageRef    *string
	ButtonLabel *string
}

// Messenger is the messaging collaborator. Implementations talk to Telegram;
// tests use fakes. Each call covers exactly one target so the executor can
// isolate per-target failures during fan-out.
type Messenger interface {
	Publish(ctx context.Context, group domain.Channel, post Post) (domain.MessageRef, error)
	EditAnnouncement(ctx context.Context, ref domain.MessageRef, edit AnnouncementEdit) error
	DeleteAnnouncement(ctx context.Context, ref domain.MessageRef) error
	NotifyUser(ctx context.Context, telegramID, text string, link domain.MessageRef, linkName string) error
}

// Notifier reaches the operator/administrator channel. Delivery is
// best-effort; failures are logged, never escalated.
type Notifier interface {
	NotifyAdmins(ctx context.Context, text string)
}

// Config carries execution-time texts and defaults.
type Config struct {
	ResultButtonText string // button label swapped in when a contest finishes
}

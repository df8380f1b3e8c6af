package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ContestStatus is the contest state machine:
//
//	pending --publish--> active --finish/cancel--> completed
//
// Transitions never move backward; completed is terminal.
type ContestStatus string

const (
	ContestPending   ContestStatus = "pending"
	ContestActive    ContestStatus = "active"
	ContestCompleted ContestStatus = "completed"
)

// CanPublish reports whether a publish transition is allowed from this state.
func (s ContestStatus) CanPublish() bool { return s == ContestPending }

// CanFinish reports whether a finish transition is allowed from this state.
func (s ContestStatus) CanFinish() bool { return s != ContestCompleted }

type WinnerStrategy string

const (
	WinnerRandom WinnerStrategy = "random"
	WinnerManual WinnerStrategy = "manual"
)

// Channel is a Telegram group or channel the bot posts to or gates eligibility on.
type Channel struct {
	ID           int64
	TelegramID   string
	TelegramName string
}

// MessageRef points at one published announcement: a message in a target chat.
// The wire format is "chatID:messageID".
type MessageRef struct {
	ChatID    string
	MessageID int
}

func (r MessageRef) String() string {
	return r.ChatID + ":" + strconv.Itoa(r.MessageID)
}

func (r MessageRef) IsZero() bool { return r.ChatID == "" && r.MessageID == 0 }

func ParseMessageRef(s string) (MessageRef, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return MessageRef{}, fmt.Errorf("invalid message ref %q", s)
	}
	id, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return MessageRef{}, fmt.Errorf("invalid message ref %q: %w", s, err)
	}
	return MessageRef{ChatID: s[:i], MessageID: id}, nil
}

// Contest is the promotional contest aggregate.
type Contest struct {
	ID             int64
	Name           string
	Description    string
	Status         ContestStatus
	WinnerStrategy WinnerStrategy
	StartDate      time.Time
	EndDate        time.Time
	PrizePlaces    int
	ImageURL       string
	ButtonText     string

	AllowedGroups  []Channel // publish targets
	RequiredGroups []Channel // eligibility gating

	// MessageRefs holds one published announcement per allowed group.
	MessageRefs []MessageRef

	CreatedAt time.Time
}

// MessageRefFor returns the announcement published to the given chat, if any.
func (c *Contest) MessageRefFor(chatID string) (MessageRef, bool) {
	for _, r := range c.MessageRefs {
		if r.ChatID == chatID {
			return r, true
		}
	}
	return MessageRef{}, false
}

// AllowedGroupByTelegramID resolves a publish target by its Telegram chat ID.
func (c *Contest) AllowedGroupByTelegramID(id string) (Channel, bool) {
	for _, g := range c.AllowedGroups {
		if g.TelegramID == id {
			return g, true
		}
	}
	return Channel{}, false
}

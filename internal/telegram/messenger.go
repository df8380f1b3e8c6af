// Package telegram adapts the bot API for announcement publishing,
// winner notification and participation handling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"contestbot/internal/contest"
	"contestbot/internal/domain"
	"contestbot/internal/executor"
	"contestbot/pkg/logx"
)

type Config struct {
	Token       string
	AdminIDs    []int64
	WebAppURL   string
	PollTimeout time.Duration
	RatePerSec  int
}

// JoinHandler processes a user's attempt to enter a contest. The lifecycle
// service implements it.
type JoinHandler interface {
	Join(ctx context.Context, contestID int64, telegramID, username, groupID string) (contest.JoinResult, error)
}

// Messenger is the telebot-backed implementation of the messaging
// collaborators. All outbound calls pass a shared token-bucket limiter so
// winner fan-out cannot trip Telegram's flood control.
type Messenger struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter
	joins   JoinHandler

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func New(cfg Config, log logx.Logger) (*Messenger, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Messenger{
		cfg: cfg,
		log: log,
		bot: b,
		// Burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

// SetJoinHandler wires the participation handler before Start.
func (m *Messenger) SetJoinHandler(h JoinHandler) { m.joins = h }

// Start begins long polling. Callback taps on announcement buttons are routed
// to the join handler; everything else is ignored.
func (m *Messenger) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	rctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		return m.handleCallback(rctx, c)
	})

	go func() {
		go func() {
			<-rctx.Done()
			m.bot.Stop()
		}()
		m.log.Info("polling started")
		m.bot.Start() // blocks until Stop
	}()
}

// Stop halts polling. Best-effort; never blocks shutdown on a long poll.
func (m *Messenger) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	wasRunning := m.running
	m.running = false
	m.runMu.Unlock()

	if !wasRunning {
		return
	}
	if cancel != nil {
		cancel()
	}
	go m.bot.Stop()
	m.log.Info("polling stopped")
}

func (m *Messenger) handleCallback(ctx context.Context, c tele.Context) error {
	cb := c.Callback()
	if cb == nil || m.joins == nil {
		return nil
	}
	data := strings.TrimSpace(strings.TrimPrefix(cb.Data, "\f"))
	id, ok := strings.CutPrefix(data, "join:")
	if !ok {
		return nil
	}
	contestID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil
	}

	var groupID string
	if msg := c.Message(); msg != nil && msg.Chat != nil {
		groupID = strconv.FormatInt(msg.Chat.ID, 10)
	}
	res, err := m.joins.Join(ctx, contestID,
		strconv.FormatInt(cb.Sender.ID, 10), cb.Sender.Username, groupID)

	var text string
	switch {
	case errors.Is(err, contest.ErrNotEligible):
		text = "Subscribe to the required channels first."
	case errors.Is(err, domain.ErrInvalidState):
		text = "This contest is not open for entries."
	case err != nil:
		m.log.Warn("join failed", logx.Int64("contest_id", contestID), logx.Err(err))
		text = "Something went wrong, try again later."
	case len(res.Winners) > 0:
		text = "The contest has finished, winners are already drawn."
	default:
		text = "You're in! Good luck 🍀"
	}
	return c.Respond(&tele.CallbackResponse{Text: text})
}

// Publish sends the announcement into one target group and returns its ref.
func (m *Messenger) Publish(ctx context.Context, group domain.Channel, post executor.Post) (domain.MessageRef, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return domain.MessageRef{}, err
	}

	to := recipient(group.TelegramID)
	opts := &tele.SendOptions{ReplyMarkup: m.participateMarkup(post.ContestID, post.ButtonText)}

	var (
		msg *tele.Message
		err error
	)
	if post.ImageRef != "" {
		msg, err = m.bot.Send(to, &tele.Photo{File: tele.FromURL(post.ImageRef), Caption: post.Text}, opts)
	} else {
		msg, err = m.bot.Send(to, post.Text, opts)
	}
	if err != nil {
		return domain.MessageRef{}, fmt.Errorf("send to %s: %w", group.TelegramID, err)
	}
	return domain.MessageRef{ChatID: group.TelegramID, MessageID: msg.ID}, nil
}

// EditAnnouncement updates a published announcement in place. A button-only
// edit swaps just the reply markup and leaves the content untouched.
func (m *Messenger) EditAnnouncement(ctx context.Context, ref domain.MessageRef, edit executor.AnnouncementEdit) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	stored, err := storedMessage(ref)
	if err != nil {
		return err
	}

	if edit.Text == nil && edit.ImageRef == nil {
		if edit.ButtonLabel == nil {
			return nil
		}
		_, err = m.bot.EditReplyMarkup(stored, m.resultMarkup(*edit.ButtonLabel))
		return err
	}

	opts := &tele.SendOptions{}
	if edit.ButtonLabel != nil {
		opts.ReplyMarkup = m.resultMarkup(*edit.ButtonLabel)
	}
	switch {
	case edit.ImageRef != nil:
		photo := &tele.Photo{File: tele.FromURL(*edit.ImageRef)}
		if edit.Text != nil {
			photo.Caption = *edit.Text
		}
		_, err = m.bot.Edit(stored, photo, opts)
	default:
		_, err = m.bot.Edit(stored, *edit.Text, opts)
	}
	return err
}

// DeleteAnnouncement removes a published announcement.
func (m *Messenger) DeleteAnnouncement(ctx context.Context, ref domain.MessageRef) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	stored, err := storedMessage(ref)
	if err != nil {
		return err
	}
	return m.bot.Delete(stored)
}

// NotifyUser sends a private message, optionally with a button linking back to
// the announcement post.
func (m *Messenger) NotifyUser(ctx context.Context, telegramID, text string, link domain.MessageRef, linkName string) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	opts := &tele.SendOptions{}
	if !link.IsZero() && linkName != "" {
		rm := &tele.ReplyMarkup{}
		url := fmt.Sprintf("https://t.me/%s/%d", strings.TrimPrefix(linkName, "@"), link.MessageID)
		rm.Inline(rm.Row(rm.URL("View contest", url)))
		opts.ReplyMarkup = rm
	}
	_, err := m.bot.Send(recipient(telegramID), text, opts)
	return err
}

// IsEligible reports whether the user is a member of every required group.
// Lookup failures count as not subscribed rather than erroring the join.
func (m *Messenger) IsEligible(ctx context.Context, telegramID string, groups []domain.Channel) (bool, error) {
	for _, g := range groups {
		if err := m.limiter.Wait(ctx); err != nil {
			return false, err
		}
		member, err := m.bot.ChatMemberOf(recipient(g.TelegramID), recipient(telegramID))
		if err != nil {
			m.log.Debug("membership lookup failed",
				logx.String("chat", g.TelegramID), logx.String("user", telegramID), logx.Err(err))
			return false, nil
		}
		switch member.Role {
		case tele.Member, tele.Administrator, tele.Creator:
		default:
			return false, nil
		}
	}
	return true, nil
}

func (m *Messenger) participateMarkup(contestID int64, label string) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	if m.cfg.WebAppURL != "" {
		url := fmt.Sprintf("%s?contest=%d", strings.TrimRight(m.cfg.WebAppURL, "/"), contestID)
		rm.Inline(rm.Row(rm.WebApp(label, &tele.WebApp{URL: url})))
		return rm
	}
	btn := tele.Btn{Text: label, Data: "join:" + strconv.FormatInt(contestID, 10)}
	rm.Inline(rm.Row(btn))
	return rm
}

func (m *Messenger) resultMarkup(label string) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	if m.cfg.WebAppURL != "" {
		rm.Inline(rm.Row(rm.WebApp(label, &tele.WebApp{URL: m.cfg.WebAppURL})))
		return rm
	}
	rm.Inline(rm.Row(tele.Btn{Text: label, Data: "results"}))
	return rm
}

// recipient lets raw chat IDs and @usernames stand in as telebot recipients.
type recipient string

func (r recipient) Recipient() string { return string(r) }

func storedMessage(ref domain.MessageRef) (tele.StoredMessage, error) {
	chatID, err := strconv.ParseInt(ref.ChatID, 10, 64)
	if err != nil {
		return tele.StoredMessage{}, fmt.Errorf("message ref %s: numeric chat ID required: %w", ref.String(), err)
	}
	return tele.StoredMessage{MessageID: strconv.Itoa(ref.MessageID), ChatID: chatID}, nil
}

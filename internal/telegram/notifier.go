package telegram

import (
	"context"

	tele "gopkg.in/telebot.v4"

	"contestbot/pkg/logx"
)

// NotifyAdmins fans a message out to every configured admin chat.
// Delivery is best-effort; per-admin failures are logged and swallowed.
func (m *Messenger) NotifyAdmins(ctx context.Context, text string) {
	for _, id := range m.cfg.AdminIDs {
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := m.bot.Send(tele.ChatID(id), text); err != nil {
			m.log.Warn("admin notification failed", logx.Int64("chat_id", id), logx.Err(err))
		}
	}
}

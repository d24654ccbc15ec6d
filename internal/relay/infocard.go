package relay

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/topicrelay/topicrelay/internal/store"
	"github.com/topicrelay/topicrelay/internal/tg"
)

// infoCardText renders the pinned identity summary for a topic.
func infoCardText(u *store.User) string {
	name := html.EscapeString(u.Info.DisplayName)
	if name == "" {
		name = u.ID
	}
	username := "—"
	if u.Info.Username != "" {
		username = "@" + html.EscapeString(u.Info.Username)
	}
	note := "—"
	if u.Info.Note != "" {
		note = html.EscapeString(u.Info.Note)
	}
	joined := "—"
	if u.Info.JoinDate != 0 {
		joined = time.Unix(u.Info.JoinDate, 0).UTC().Format("2006-01-02 15:04")
	}
	return fmt.Sprintf(
		"👤 <b>%s</b>\nID: <code>%s</code>\n用户名: %s\n备注: %s\n首次联系: %s",
		name, u.ID, username, note, joined)
}

// infoCardMarkup builds the operator control buttons.
func infoCardMarkup(u *store.User) *tg.InlineKeyboardMarkup {
	blockBtn := tg.InlineKeyboardButton{Text: "🚫 拉黑", CallbackData: "block:" + u.ID}
	if u.Blocked {
		blockBtn = tg.InlineKeyboardButton{Text: "✅ 解除拉黑", CallbackData: "unblock:" + u.ID}
	}
	return &tg.InlineKeyboardMarkup{InlineKeyboard: [][]tg.InlineKeyboardButton{
		{
			{Text: "👤 资料", URL: "tg://user?id=" + u.ID},
			blockBtn,
		},
		{
			{Text: "✏️ 备注", CallbackData: "note:" + u.ID},
			{Text: "📌 置顶", CallbackData: "pin_card:" + u.ID},
		},
	}}
}

// sendInfoCard posts and pins the identity card in the user's topic and
// records its message id. Pin failure is tolerated.
func (e *Engine) sendInfoCard(ctx context.Context, u *store.User, topicID int64) {
	msg, err := e.bot.SendMessage(ctx, tg.SendMessageParams{
		ChatID:          e.adminGroupID,
		MessageThreadID: topicID,
		Text:            infoCardText(u),
		ParseMode:       "HTML",
		ReplyMarkup:     infoCardMarkup(u),
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", u.ID).Msg("info card post failed")
		return
	}
	if err := e.users.MergeUserInfo(ctx, u.ID, store.UserInfoPatch{CardMsgID: store.Int64(msg.MessageID)}); err != nil {
		log.Error().Err(err).Str("user_id", u.ID).Msg("info card id not persisted")
	}
	u.Info.CardMsgID = msg.MessageID

	if err := e.bot.PinChatMessage(ctx, e.adminGroupID, msg.MessageID); err != nil {
		log.Debug().Err(err).Str("user_id", u.ID).Msg("info card pin failed")
	}
}

// RefreshInfoCard re-renders an existing card in place, e.g. after a note
// edit or a block state change.
func (e *Engine) RefreshInfoCard(ctx context.Context, u *store.User) {
	if u.Info.CardMsgID == 0 {
		return
	}
	err := e.bot.EditMessageText(ctx, tg.EditMessageTextParams{
		ChatID:      e.adminGroupID,
		MessageID:   u.Info.CardMsgID,
		Text:        infoCardText(u),
		ParseMode:   "HTML",
		ReplyMarkup: infoCardMarkup(u),
	})
	if err != nil {
		log.Debug().Err(err).Str("user_id", u.ID).Msg("info card refresh failed")
	}
}

// PinInfoCard re-pins the card on operator request (the pin_card callback).
func (e *Engine) PinInfoCard(ctx context.Context, u *store.User) {
	if u.Info.CardMsgID == 0 {
		return
	}
	if err := e.bot.PinChatMessage(ctx, e.adminGroupID, u.Info.CardMsgID); err != nil {
		log.Debug().Err(err).Str("user_id", u.ID).Msg("info card pin failed")
	}
}

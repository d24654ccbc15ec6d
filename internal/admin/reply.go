package admin

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/topicrelay/topicrelay/internal/config"
	"github.com/topicrelay/topicrelay/internal/relay"
	"github.com/topicrelay/topicrelay/internal/store"
	"github.com/topicrelay/topicrelay/internal/tg"
)

// ReplyPath relays operator messages posted inside a user's topic back to
// that user's private chat.
type ReplyPath struct {
	bot          *tg.Bot
	users        store.UserStore
	cfg          *store.Config
	env          *config.Env
	engine       *relay.Engine
	adminGroupID int64
}

// NewReplyPath wires the operator reply path.
func NewReplyPath(bot *tg.Bot, users store.UserStore, cfg *store.Config, env *config.Env,
	engine *relay.Engine, adminGroupID int64) *ReplyPath {
	return &ReplyPath{bot: bot, users: users, cfg: cfg, env: env, engine: engine, adminGroupID: adminGroupID}
}

// BeginNote arms the note-input state for an operator (the note:<uid>
// card button). The operator's next message in the group is consumed as
// the note.
func (r *ReplyPath) BeginNote(ctx context.Context, adminID int64, userID string, threadID int64) {
	err := r.cfg.SetAdminState(ctx, adminID, store.AdminInputState{
		Action: "input_note",
		Target: userID,
	})
	if err != nil {
		log.Error().Err(err).Int64("admin_id", adminID).Msg("note state not stored")
		return
	}
	_, _ = r.bot.SendMessage(ctx, tg.SendMessageParams{
		ChatID:          r.adminGroupID,
		MessageThreadID: threadID,
		Text:            "✏️ 请发送备注内容（发送 /clear 或 清除 可删除备注）",
	})
}

// Handle processes one message posted in the operator group. Returns
// false when the message is not addressed to any bound user.
func (r *ReplyPath) Handle(ctx context.Context, msg *tg.Message) bool {
	if msg.From == nil || msg.From.IsBot || msg.MessageThreadID == 0 {
		return false
	}
	adminID := msg.From.ID
	if !IsAuthorized(ctx, r.env, r.cfg, adminID) {
		return false
	}

	if st, ok := r.cfg.GetAdminState(ctx, adminID); ok && st.Action == "input_note" {
		r.consumeNote(ctx, msg, adminID, st.Target)
		return true
	}

	u, err := r.users.GetUserByTopic(ctx, msg.MessageThreadID)
	if err != nil {
		log.Error().Err(err).Int64("topic_id", msg.MessageThreadID).Msg("topic lookup failed")
		return false
	}
	if u == nil {
		// Board topics and stray threads have no bound user.
		return false
	}

	if _, err := r.bot.CopyMessage(ctx, tg.CopyMessageParams{
		ChatID:     u.ChatID(),
		FromChatID: msg.Chat.ID,
		MessageID:  msg.MessageID,
	}); err != nil {
		log.Warn().Err(err).Str("user_id", u.ID).Msg("operator reply delivery failed")
		_, _ = r.bot.SendMessage(ctx, tg.SendMessageParams{
			ChatID:          r.adminGroupID,
			MessageThreadID: msg.MessageThreadID,
			Text:            "⚠️ 发送失败，用户可能已停用对话。",
			ReplyParameters: &tg.ReplyParameters{MessageID: msg.MessageID, AllowSendingWithoutReply: true},
		})
		return true
	}

	if r.cfg.GetBool(ctx, "enable_admin_receipt") {
		_, _ = r.bot.SendMessage(ctx, tg.SendMessageParams{
			ChatID:              r.adminGroupID,
			MessageThreadID:     msg.MessageThreadID,
			Text:                "✅",
			DisableNotification: true,
			ReplyParameters:     &tg.ReplyParameters{MessageID: msg.MessageID, AllowSendingWithoutReply: true},
		})
	}
	return true
}

// consumeNote applies the armed note-input state to this message.
func (r *ReplyPath) consumeNote(ctx context.Context, msg *tg.Message, adminID int64, userID string) {
	note := strings.TrimSpace(msg.Text)
	if note == "/clear" || note == "清除" {
		note = ""
	}
	if err := r.users.MergeUserInfo(ctx, userID, store.UserInfoPatch{Note: store.String(note)}); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("note not persisted")
		return
	}
	if err := r.cfg.ClearAdminState(ctx, adminID); err != nil {
		log.Error().Err(err).Int64("admin_id", adminID).Msg("note state not cleared")
	}
	if u, err := r.users.GetUser(ctx, userID); err == nil && u != nil {
		r.engine.RefreshInfoCard(ctx, u)
	}
	text := "✅ 备注已更新"
	if note == "" {
		text = "✅ 备注已清除"
	}
	_, _ = r.bot.SendMessage(ctx, tg.SendMessageParams{
		ChatID:          r.adminGroupID,
		MessageThreadID: msg.MessageThreadID,
		Text:            text,
	})
}

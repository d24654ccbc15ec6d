// Package boards maintains the two auxiliary singleton topics in the
// operator group: the unread inbox and the blacklist. Both are updated
// best-effort after the primary action succeeded; a board failure never
// fails a relay or a block.
package boards

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/topicrelay/topicrelay/internal/lockmap"
	"github.com/topicrelay/topicrelay/internal/store"
	"github.com/topicrelay/topicrelay/internal/tg"
)

const (
	inboxLockTTL = 3 * time.Second

	unreadTopicKey  = "unread_topic_id"
	blockedTopicKey = "blocked_topic_id"

	inboxTitle     = "📥 未读消息"
	blacklistTitle = "🚫 黑名单"
)

// Boards drives both auxiliary topics.
type Boards struct {
	bot          *tg.Bot
	users        store.UserStore
	cfg          *store.Config
	locks        *lockmap.Map
	adminGroupID int64
}

// New wires the board updater.
func New(bot *tg.Bot, users store.UserStore, cfg *store.Config, locks *lockmap.Map, adminGroupID int64) *Boards {
	return &Boards{bot: bot, users: users, cfg: cfg, locks: locks, adminGroupID: adminGroupID}
}

// ensureTopic returns the board's thread id, creating the topic on first
// use and persisting its id under key.
func (b *Boards) ensureTopic(ctx context.Context, key, title string) (int64, error) {
	if raw, ok := b.cfg.GetRaw(ctx, key); ok {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id != 0 {
			return id, nil
		}
	}
	topic, err := b.bot.CreateForumTopic(ctx, b.adminGroupID, title)
	if err != nil {
		return 0, fmt.Errorf("create %s board: %w", key, err)
	}
	if err := b.cfg.Set(ctx, key, strconv.FormatInt(topic.MessageThreadID, 10)); err != nil {
		return 0, err
	}
	return topic.MessageThreadID, nil
}

// JumpURL builds the operator-side deep link into a user's bound topic.
// The path segment is the admin group id with its -100 prefix removed.
func JumpURL(adminGroupID, topicID int64) string {
	internal := strings.TrimPrefix(strconv.FormatInt(adminGroupID, 10), "-100")
	return fmt.Sprintf("https://t.me/c/%s/%d", internal, topicID)
}

// previewOf truncates the latest message text for the inbox card.
func previewOf(text string) string {
	runes := []rune(strings.ReplaceAll(text, "\n", " "))
	if len(runes) > 20 {
		return string(runes[:20]) + "…"
	}
	if len(runes) == 0 {
		return "[非文本消息]"
	}
	return string(runes)
}

func identityLine(u *store.User) string {
	name := html.EscapeString(u.Info.DisplayName)
	if name == "" {
		name = u.ID
	}
	line := fmt.Sprintf("<b>%s</b> (<code>%s</code>)", name, u.ID)
	if u.Info.Username != "" {
		line += " @" + html.EscapeString(u.Info.Username)
	}
	return line
}

// UpdateInbox refreshes (or creates) the user's unread card after a
// successful relay. A short per-user lock damps card thrash under bursts;
// losing the lock skips the refresh, the next relay catches up.
func (b *Boards) UpdateInbox(ctx context.Context, u *store.User, latest string) {
	if !b.locks.TryAcquire("inbox:"+u.ID, inboxLockTTL) {
		return
	}

	topicID, err := b.ensureTopic(ctx, unreadTopicKey, inboxTitle)
	if err != nil {
		log.Error().Err(err).Msg("inbox board unavailable")
		return
	}

	text := fmt.Sprintf("%s\n💬 %s", identityLine(u), html.EscapeString(previewOf(latest)))
	markup := &tg.InlineKeyboardMarkup{InlineKeyboard: [][]tg.InlineKeyboardButton{{
		{Text: "跳转", URL: JumpURL(b.adminGroupID, u.TopicID)},
		{Text: "已读", CallbackData: "inbox:ack:" + u.ID},
	}}}

	if u.Info.InboxMsgID != 0 {
		err := b.bot.EditMessageText(ctx, tg.EditMessageTextParams{
			ChatID:      b.adminGroupID,
			MessageID:   u.Info.InboxMsgID,
			Text:        text,
			ParseMode:   "HTML",
			ReplyMarkup: markup,
		})
		if err == nil {
			return
		}
		// Card gone or uneditable; fall through and post a new one.
		log.Debug().Err(err).Str("user_id", u.ID).Msg("inbox card edit failed, reposting")
	}

	msg, err := b.bot.SendMessage(ctx, tg.SendMessageParams{
		ChatID:          b.adminGroupID,
		MessageThreadID: topicID,
		Text:            text,
		ParseMode:       "HTML",
		ReplyMarkup:     markup,
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", u.ID).Msg("inbox card post failed")
		return
	}
	if err := b.users.MergeUserInfo(ctx, u.ID, store.UserInfoPatch{InboxMsgID: store.Int64(msg.MessageID)}); err != nil {
		log.Error().Err(err).Str("user_id", u.ID).Msg("inbox card id not persisted")
	}
}

// AcknowledgeInbox deletes the user's unread card (the 已读 callback).
func (b *Boards) AcknowledgeInbox(ctx context.Context, userID string) {
	u, err := b.users.GetUser(ctx, userID)
	if err != nil || u == nil || u.Info.InboxMsgID == 0 {
		return
	}
	if err := b.bot.DeleteMessage(ctx, b.adminGroupID, u.Info.InboxMsgID); err != nil {
		log.Debug().Err(err).Str("user_id", userID).Msg("inbox card delete failed")
	}
	_ = b.users.MergeUserInfo(ctx, userID, store.UserInfoPatch{InboxMsgID: store.Int64(0)})
}

// PushBlacklistCard posts the card for a newly blocked user, whatever the
// cause (keyword accrual or a manual block).
func (b *Boards) PushBlacklistCard(ctx context.Context, u *store.User) {
	topicID, err := b.ensureTopic(ctx, blockedTopicKey, blacklistTitle)
	if err != nil {
		log.Error().Err(err).Msg("blacklist board unavailable")
		return
	}

	text := fmt.Sprintf("%s\n⛔ 已被拉黑", identityLine(u))
	msg, err := b.bot.SendMessage(ctx, tg.SendMessageParams{
		ChatID:          b.adminGroupID,
		MessageThreadID: topicID,
		Text:            text,
		ParseMode:       "HTML",
		ReplyMarkup: &tg.InlineKeyboardMarkup{InlineKeyboard: [][]tg.InlineKeyboardButton{{
			{Text: "解除拉黑", CallbackData: "unblock:" + u.ID},
		}}},
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", u.ID).Msg("blacklist card post failed")
		return
	}
	if err := b.users.MergeUserInfo(ctx, u.ID, store.UserInfoPatch{BlacklistMsgID: store.Int64(msg.MessageID)}); err != nil {
		log.Error().Err(err).Str("user_id", u.ID).Msg("blacklist card id not persisted")
	}
}

// RemoveBlacklistCard deletes the card when a user is unblocked.
func (b *Boards) RemoveBlacklistCard(ctx context.Context, userID string) {
	u, err := b.users.GetUser(ctx, userID)
	if err != nil || u == nil || u.Info.BlacklistMsgID == 0 {
		return
	}
	if err := b.bot.DeleteMessage(ctx, b.adminGroupID, u.Info.BlacklistMsgID); err != nil {
		log.Debug().Err(err).Str("user_id", userID).Msg("blacklist card delete failed")
	}
	_ = b.users.MergeUserInfo(ctx, userID, store.UserInfoPatch{BlacklistMsgID: store.Int64(0)})
}

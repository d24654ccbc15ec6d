// Package relay binds each verified user to exactly one forum topic in
// the operator group and forwards their messages into it.
package relay

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/topicrelay/topicrelay/internal/lockmap"
	"github.com/topicrelay/topicrelay/internal/store"
	"github.com/topicrelay/topicrelay/internal/tg"
)

const (
	topicCreateLockTTL = 5 * time.Second
	topicNameMax       = 128

	sessionExpiredMsg = "⚠️ 会话已过期，本条消息未送达，请重新发送。"
	deliveredMsg      = "✅ 已送达"
)

// BoardUpdater is the inbox fan-out contract.
type BoardUpdater interface {
	UpdateInbox(ctx context.Context, u *store.User, latest string)
}

// TaskRunner launches a detached background task whose lifetime outlives
// the current handler. The dispatcher supplies the real one; tests run
// tasks inline.
type TaskRunner func(fn func(ctx context.Context))

// Engine is the relay pipeline.
type Engine struct {
	bot          *tg.Bot
	users        store.UserStore
	msgs         store.MessageStore
	cfg          *store.Config
	locks        *lockmap.Map
	boards       BoardUpdater
	spawn        TaskRunner
	adminGroupID int64
}

// New wires the engine.
func New(bot *tg.Bot, users store.UserStore, msgs store.MessageStore, cfg *store.Config,
	locks *lockmap.Map, boards BoardUpdater, spawn TaskRunner, adminGroupID int64) *Engine {
	if spawn == nil {
		spawn = func(fn func(ctx context.Context)) { fn(context.Background()) }
	}
	return &Engine{
		bot: bot, users: users, msgs: msgs, cfg: cfg,
		locks: locks, boards: boards, spawn: spawn, adminGroupID: adminGroupID,
	}
}

// topicName renders "<name> | <id>" truncated to the platform limit.
func topicName(u *store.User) string {
	name := u.Info.DisplayName
	if name == "" {
		name = u.ID
	}
	full := name + " | " + u.ID
	runes := []rune(full)
	if len(runes) > topicNameMax {
		return string(runes[:topicNameMax])
	}
	return full
}

// refreshIdentity persists display-name/username changes from the inbound
// envelope and best-effort renames the bound topic when the name changed.
func (e *Engine) refreshIdentity(ctx context.Context, m *tg.Message, u *store.User) {
	if m.From == nil {
		return
	}
	name, username := m.From.DisplayName(), m.From.Username
	if name == u.Info.DisplayName && username == u.Info.Username {
		return
	}
	patch := store.UserInfoPatch{}
	if name != u.Info.DisplayName {
		patch.DisplayName = store.String(name)
	}
	if username != u.Info.Username {
		patch.Username = store.String(username)
	}
	if err := e.users.MergeUserInfo(ctx, u.ID, patch); err != nil {
		log.Error().Err(err).Str("user_id", u.ID).Msg("identity refresh not persisted")
		return
	}
	u.Info.DisplayName, u.Info.Username = name, username
	if u.TopicID != 0 {
		if err := e.bot.EditForumTopic(ctx, e.adminGroupID, u.TopicID, topicName(u)); err != nil {
			log.Debug().Err(err).Str("user_id", u.ID).Msg("topic rename failed")
		}
	}
}

// EnsureTopic returns the user's bound topic id, provisioning one under
// the per-user creation lock. ok=false means a concurrent invocation
// holds the lock and the caller should drop its message.
//
// The lock is soft: after acquiring it the user row is re-read, so a
// topic created by another process in the window is adopted instead of
// duplicated.
func (e *Engine) EnsureTopic(ctx context.Context, u *store.User) (topicID int64, ok bool, err error) {
	if u.TopicID != 0 {
		return u.TopicID, true, nil
	}

	key := "topic_create:" + u.ID
	if !e.locks.TryAcquire(key, topicCreateLockTTL) {
		return 0, false, nil
	}
	defer e.locks.Release(key)

	fresh, err := e.users.GetUser(ctx, u.ID)
	if err != nil {
		return 0, false, err
	}
	if fresh != nil && fresh.TopicID != 0 {
		u.TopicID = fresh.TopicID
		return fresh.TopicID, true, nil
	}

	topic, err := e.bot.CreateForumTopic(ctx, e.adminGroupID, topicName(u))
	if err != nil {
		return 0, false, err
	}
	if err := e.users.SetTopicID(ctx, u.ID, topic.MessageThreadID); err != nil {
		return 0, false, err
	}
	u.TopicID = topic.MessageThreadID
	log.Info().Str("user_id", u.ID).Int64("topic_id", u.TopicID).Msg("topic provisioned")
	return u.TopicID, true, nil
}

// Provision binds a topic and posts the info card ahead of any relayed
// message, used when verification completes before the user has spoken.
// Lock contention is not an error; the first relay finishes the job.
func (e *Engine) Provision(ctx context.Context, u *store.User) error {
	topicID, ok, err := e.EnsureTopic(ctx, u)
	if err != nil || !ok {
		return err
	}
	if u.Info.CardMsgID == 0 {
		e.sendInfoCard(ctx, u, topicID)
	}
	return nil
}

// Relay delivers one inbound user message into the bound topic. The
// returned bool is the ok/dropped contract: dropped covers lock
// contention and topic loss, neither of which is an error.
func (e *Engine) Relay(ctx context.Context, m *tg.Message, u *store.User) (bool, error) {
	e.refreshIdentity(ctx, m, u)

	topicID, ok, err := e.EnsureTopic(ctx, u)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Debug().Str("user_id", u.ID).Msg("topic creation in flight, message dropped")
		return false, nil
	}

	// Forward first (keeps the origin header), copy as fallback.
	_, fwdErr := e.bot.ForwardMessage(ctx, tg.ForwardMessageParams{
		ChatID:          e.adminGroupID,
		MessageThreadID: topicID,
		FromChatID:      m.Chat.ID,
		MessageID:       m.MessageID,
	})
	delivered := fwdErr == nil
	var cpErr error
	if !delivered {
		_, cpErr = e.bot.CopyMessage(ctx, tg.CopyMessageParams{
			ChatID:          e.adminGroupID,
			MessageThreadID: topicID,
			FromChatID:      m.Chat.ID,
			MessageID:       m.MessageID,
		})
		delivered = cpErr == nil
	}

	if !delivered {
		if tg.IsTopicLost(fwdErr) && tg.IsTopicLost(cpErr) {
			// The operator deleted the thread. Unbind and let the next
			// message provision a fresh one.
			if err := e.users.ClearTopic(ctx, u.ID); err != nil {
				log.Error().Err(err).Str("user_id", u.ID).Msg("topic unbind failed")
			}
			u.TopicID = 0
			_, _ = e.bot.SendMessage(ctx, tg.SendMessageParams{
				ChatID: u.ChatID(),
				Text:   sessionExpiredMsg,
			})
			log.Warn().Str("user_id", u.ID).Int64("topic_id", topicID).Msg("topic lost, binding reset")
			return false, nil
		}
		return false, cpErr
	}

	if m.Text != "" {
		if err := e.msgs.RecordMessage(ctx, u.ID, m.MessageID, m.Text, m.Date); err != nil {
			log.Error().Err(err).Str("user_id", u.ID).Msg("message record failed")
		}
	}

	if u.Info.CardMsgID == 0 {
		e.sendInfoCard(ctx, u, topicID)
	}

	e.acknowledge(ctx, m)

	// Fan-out: neither the inbox refresh nor the backup mirror may block
	// or fail the primary relay.
	latest := m.TextOrCaption()
	snapshot := *u
	e.spawn(func(ctx context.Context) {
		e.boards.UpdateInbox(ctx, &snapshot, latest)
	})
	if backup, ok := e.cfg.GetRaw(ctx, "backup_group_id"); ok && backup != "" {
		e.spawn(func(ctx context.Context) {
			e.mirrorToBackup(ctx, m, backup)
		})
	}

	return true, nil
}

// acknowledge marks the user's message delivered: emoji reaction first, a
// silent text reply as fallback.
func (e *Engine) acknowledge(ctx context.Context, m *tg.Message) {
	if err := e.bot.SetMessageReaction(ctx, m.Chat.ID, m.MessageID, "👍"); err == nil {
		return
	}
	_, err := e.bot.SendMessage(ctx, tg.SendMessageParams{
		ChatID:              m.Chat.ID,
		Text:                deliveredMsg,
		DisableNotification: true,
		ReplyParameters:     &tg.ReplyParameters{MessageID: m.MessageID, AllowSendingWithoutReply: true},
	})
	if err != nil {
		log.Debug().Err(err).Int64("message_id", m.MessageID).Msg("delivery ack failed")
	}
}

// mirrorToBackup copies the message into the optional backup group.
func (e *Engine) mirrorToBackup(ctx context.Context, m *tg.Message, backup string) {
	groupID, err := strconv.ParseInt(backup, 10, 64)
	if err != nil {
		log.Warn().Str("backup_group_id", backup).Msg("backup group id is not numeric")
		return
	}
	if _, err := e.bot.CopyMessage(ctx, tg.CopyMessageParams{
		ChatID:     groupID,
		FromChatID: m.Chat.ID,
		MessageID:  m.MessageID,
	}); err != nil {
		log.Debug().Err(err).Str("backup_group", backup).Msg("backup mirror failed")
	}
}

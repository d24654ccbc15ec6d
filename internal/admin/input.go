package admin

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/topicrelay/topicrelay/internal/store"
	"github.com/topicrelay/topicrelay/internal/tg"
)

// ConsumeInput handles the second step of a console edit: a pending
// admin_state of action "input" consumes the admin's next private
// message as the value. Returns false when no input is pending so the
// caller continues normal dispatch.
func (c *Console) ConsumeInput(ctx context.Context, msg *tg.Message) bool {
	if msg.From == nil {
		return false
	}
	adminID := msg.From.ID
	st, ok := c.cfg.GetAdminState(ctx, adminID)
	if !ok || st.Action != "input" {
		return false
	}

	if strings.TrimSpace(msg.Text) == "/cancel" {
		c.clearAndConfirm(ctx, adminID, msg.Chat.ID, "🚫 已取消")
		return true
	}

	applied := false
	switch st.Target {
	case "add":
		applied = c.applyListAdd(ctx, msg, st.Key)
	default:
		applied = c.applyScalarEdit(ctx, msg, st.Key)
	}
	if !applied {
		// Structurally invalid input keeps the state so the admin can
		// retry without reopening the menu.
		return true
	}

	c.clearAndConfirm(ctx, adminID, msg.Chat.ID, "✅ 已更新")
	return true
}

func (c *Console) clearAndConfirm(ctx context.Context, adminID, chatID int64, text string) {
	if err := c.cfg.ClearAdminState(ctx, adminID); err != nil {
		log.Error().Err(err).Int64("admin_id", adminID).Msg("input state not cleared")
	}
	_, _ = c.bot.SendMessage(ctx, tg.SendMessageParams{ChatID: chatID, Text: text})
}

// applyListAdd appends one item to a JSON list key. Returns false when
// the input is structurally invalid, after telling the admin why.
func (c *Console) applyListAdd(ctx context.Context, msg *tg.Message, key string) bool {
	text := strings.TrimSpace(msg.Text)

	if key == "keyword_responses" {
		pattern, response, found := strings.Cut(text, "===")
		pattern, response = strings.TrimSpace(pattern), strings.TrimSpace(response)
		if !found || pattern == "" || response == "" {
			_, _ = c.bot.SendMessage(ctx, tg.SendMessageParams{
				ChatID: msg.Chat.ID,
				Text:   "⚠️ 格式错误，需要 模式===回复，请重新发送。",
			})
			return false
		}
		rules := append(c.cfg.GetRules(ctx), store.AutoReplyRule{Pattern: pattern, Response: response})
		c.setJSON(ctx, key, rules)
		return true
	}

	if text == "" {
		_, _ = c.bot.SendMessage(ctx, tg.SendMessageParams{
			ChatID: msg.Chat.ID,
			Text:   "⚠️ 内容为空，请重新发送。",
		})
		return false
	}
	if key == "authorized_admins" {
		if _, err := strconv.ParseInt(text, 10, 64); err != nil {
			_, _ = c.bot.SendMessage(ctx, tg.SendMessageParams{
				ChatID: msg.Chat.ID,
				Text:   "⚠️ 需要数字用户 ID，请重新发送。",
			})
			return false
		}
	}
	c.setJSON(ctx, key, append(c.cfg.GetStringList(ctx, key), text))
	return true
}

// applyScalarEdit replaces one scalar key. welcome_msg additionally
// accepts media messages, stored as a {type,file_id,caption} descriptor.
func (c *Console) applyScalarEdit(ctx context.Context, msg *tg.Message, key string) bool {
	if key == "welcome_msg" {
		if desc := mediaDescriptor(msg); desc != "" {
			if err := c.cfg.Set(ctx, key, desc); err != nil {
				log.Error().Err(err).Msg("welcome media not stored")
			}
			return true
		}
	}
	value := msg.Text
	if key == "block_threshold" || key == "backup_group_id" {
		value = strings.TrimSpace(value)
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			_, _ = c.bot.SendMessage(ctx, tg.SendMessageParams{
				ChatID: msg.Chat.ID,
				Text:   "⚠️ 需要数字，请重新发送。",
			})
			return false
		}
	}
	if err := c.cfg.Set(ctx, key, value); err != nil {
		log.Error().Err(err).Str("key", key).Msg("config write failed")
	}
	return true
}

// mediaDescriptor encodes an attached photo/video/animation, or "" for a
// plain text message.
func mediaDescriptor(msg *tg.Message) string {
	var typ, fileID string
	switch {
	case len(msg.Photo) > 0:
		typ, fileID = "photo", msg.Photo[len(msg.Photo)-1].FileID
	case msg.Video != nil:
		typ, fileID = "video", msg.Video.FileID
	case msg.Animation != nil:
		typ, fileID = "animation", msg.Animation.FileID
	default:
		return ""
	}
	b, err := json.Marshal(map[string]string{
		"type": typ, "file_id": fileID, "caption": msg.Caption,
	})
	if err != nil {
		return ""
	}
	return string(b)
}

package tg

import (
	"context"
	"encoding/json"
	"fmt"
)

// Bot is the typed method surface over a Caller.
type Bot struct {
	api Caller
}

// NewBot wraps a transport.
func NewBot(api Caller) *Bot { return &Bot{api: api} }

func call[T any](ctx context.Context, api Caller, method string, params any) (*T, error) {
	raw, err := api.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	return &out, nil
}

// SendMessageParams is the body of sendMessage.
type SendMessageParams struct {
	ChatID              int64                 `json:"chat_id"`
	MessageThreadID     int64                 `json:"message_thread_id,omitempty"`
	Text                string                `json:"text"`
	ParseMode           string                `json:"parse_mode,omitempty"`
	DisableNotification bool                  `json:"disable_notification,omitempty"`
	ReplyParameters     *ReplyParameters      `json:"reply_parameters,omitempty"`
	ReplyMarkup         *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// SendMessage posts a text message.
func (b *Bot) SendMessage(ctx context.Context, p SendMessageParams) (*Message, error) {
	return call[Message](ctx, b.api, "sendMessage", p)
}

// MediaKind enumerates the sendable attachment kinds the service relays
// back out (welcome media and similar). Dispatch is an explicit switch,
// not string-built method names.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaAnimation MediaKind = "animation"
)

// SendMediaParams is the shared body of sendPhoto/sendVideo/sendAnimation.
// SendMedia assembles the wire body itself since the file-id field name
// depends on the kind, so there are no JSON tags here.
type SendMediaParams struct {
	ChatID          int64
	MessageThreadID int64
	FileID          string
	Caption         string
	ParseMode       string
}

// SendMedia dispatches on the media kind.
func (b *Bot) SendMedia(ctx context.Context, kind MediaKind, p SendMediaParams) (*Message, error) {
	body := map[string]any{"chat_id": p.ChatID}
	if p.MessageThreadID != 0 {
		body["message_thread_id"] = p.MessageThreadID
	}
	if p.Caption != "" {
		body["caption"] = p.Caption
	}
	if p.ParseMode != "" {
		body["parse_mode"] = p.ParseMode
	}

	var method string
	switch kind {
	case MediaPhoto:
		method, body["photo"] = "sendPhoto", p.FileID
	case MediaVideo:
		method, body["video"] = "sendVideo", p.FileID
	case MediaAnimation:
		method, body["animation"] = "sendAnimation", p.FileID
	default:
		return nil, fmt.Errorf("unknown media kind %q", kind)
	}
	return call[Message](ctx, b.api, method, body)
}

// ForwardMessageParams is the body of forwardMessage.
type ForwardMessageParams struct {
	ChatID          int64 `json:"chat_id"`
	MessageThreadID int64 `json:"message_thread_id,omitempty"`
	FromChatID      int64 `json:"from_chat_id"`
	MessageID       int64 `json:"message_id"`
}

// ForwardMessage forwards a message preserving its origin header.
func (b *Bot) ForwardMessage(ctx context.Context, p ForwardMessageParams) (*Message, error) {
	return call[Message](ctx, b.api, "forwardMessage", p)
}

// CopyMessageParams is the body of copyMessage.
type CopyMessageParams struct {
	ChatID          int64 `json:"chat_id"`
	MessageThreadID int64 `json:"message_thread_id,omitempty"`
	FromChatID      int64 `json:"from_chat_id"`
	MessageID       int64 `json:"message_id"`
}

// CopyMessage re-sends a message's content without the origin header.
func (b *Bot) CopyMessage(ctx context.Context, p CopyMessageParams) (*MessageID, error) {
	return call[MessageID](ctx, b.api, "copyMessage", p)
}

// CreateForumTopic opens a new thread in a forum group.
func (b *Bot) CreateForumTopic(ctx context.Context, chatID int64, name string) (*ForumTopic, error) {
	return call[ForumTopic](ctx, b.api, "createForumTopic", map[string]any{
		"chat_id": chatID,
		"name":    name,
	})
}

// EditForumTopic renames an existing thread.
func (b *Bot) EditForumTopic(ctx context.Context, chatID, threadID int64, name string) error {
	_, err := b.api.Call(ctx, "editForumTopic", map[string]any{
		"chat_id":           chatID,
		"message_thread_id": threadID,
		"name":              name,
	})
	return err
}

// EditMessageTextParams is the body of editMessageText.
type EditMessageTextParams struct {
	ChatID      int64                 `json:"chat_id"`
	MessageID   int64                 `json:"message_id"`
	Text        string                `json:"text"`
	ParseMode   string                `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// EditMessageText rewrites a previously sent message in place.
func (b *Bot) EditMessageText(ctx context.Context, p EditMessageTextParams) error {
	_, err := b.api.Call(ctx, "editMessageText", p)
	return err
}

// DeleteMessage removes a message the bot can delete.
func (b *Bot) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	_, err := b.api.Call(ctx, "deleteMessage", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	})
	return err
}

// PinChatMessage pins a message, silently.
func (b *Bot) PinChatMessage(ctx context.Context, chatID, messageID int64) error {
	_, err := b.api.Call(ctx, "pinChatMessage", map[string]any{
		"chat_id":              chatID,
		"message_id":           messageID,
		"disable_notification": true,
	})
	return err
}

// SetMessageReaction sets a single emoji reaction on a message.
func (b *Bot) SetMessageReaction(ctx context.Context, chatID, messageID int64, emoji string) error {
	_, err := b.api.Call(ctx, "setMessageReaction", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"reaction":   []ReactionType{{Type: "emoji", Emoji: emoji}},
	})
	return err
}

// AnswerCallbackQuery acknowledges a button press, optionally with a toast.
func (b *Bot) AnswerCallbackQuery(ctx context.Context, id, text string) error {
	body := map[string]any{"callback_query_id": id}
	if text != "" {
		body["text"] = text
	}
	_, err := b.api.Call(ctx, "answerCallbackQuery", body)
	return err
}

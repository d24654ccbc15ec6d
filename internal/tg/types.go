package tg

// Update is one push envelope from the chat platform.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	EditedMessage *Message       `json:"edited_message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// User is a chat platform account.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// DisplayName joins first and last name.
func (u *User) DisplayName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// Chat is a private conversation, group, or channel.
type Chat struct {
	ID      int64  `json:"id"`
	Type    string `json:"type"` // private, group, supergroup, channel
	Title   string `json:"title,omitempty"`
	IsForum bool   `json:"is_forum,omitempty"`
}

// MessageEntity marks a span of special text in a message.
type MessageEntity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	URL    string `json:"url,omitempty"`
}

// MessageOrigin describes where a forwarded message came from.
type MessageOrigin struct {
	Type string `json:"type"` // user, hidden_user, chat, channel
	Chat *Chat  `json:"chat,omitempty"`
}

// PhotoSize is one rendition of a photo.
type PhotoSize struct {
	FileID string `json:"file_id"`
}

// FileRef is the common shape of non-photo attachments; only the file id
// is relayed.
type FileRef struct {
	FileID string `json:"file_id"`
}

// Message is one chat message.
type Message struct {
	MessageID       int64  `json:"message_id"`
	From            *User  `json:"from,omitempty"`
	Chat            Chat   `json:"chat"`
	Date            int64  `json:"date"`
	MessageThreadID int64  `json:"message_thread_id,omitempty"`
	Text            string `json:"text,omitempty"`
	Caption         string `json:"caption,omitempty"`

	Entities        []MessageEntity `json:"entities,omitempty"`
	CaptionEntities []MessageEntity `json:"caption_entities,omitempty"`

	ForwardOrigin *MessageOrigin `json:"forward_origin,omitempty"`

	Photo     []PhotoSize `json:"photo,omitempty"`
	Video     *FileRef    `json:"video,omitempty"`
	Document  *FileRef    `json:"document,omitempty"`
	Audio     *FileRef    `json:"audio,omitempty"`
	Voice     *FileRef    `json:"voice,omitempty"`
	Sticker   *FileRef    `json:"sticker,omitempty"`
	Animation *FileRef    `json:"animation,omitempty"`

	ReplyToMessage *Message `json:"reply_to_message,omitempty"`
}

// TextOrCaption returns whichever of text/caption is present.
func (m *Message) TextOrCaption() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// CallbackQuery is a button press on an inline keyboard.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

// InlineKeyboardButton is one button of an inline keyboard. Exactly one of
// the action fields is set.
type InlineKeyboardButton struct {
	Text         string      `json:"text"`
	URL          string      `json:"url,omitempty"`
	CallbackData string      `json:"callback_data,omitempty"`
	WebApp       *WebAppInfo `json:"web_app,omitempty"`
}

// WebAppInfo points a button at a mini-app page.
type WebAppInfo struct {
	URL string `json:"url"`
}

// InlineKeyboardMarkup is the reply_markup payload for inline keyboards.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// ReplyParameters targets a reply at a specific message.
type ReplyParameters struct {
	MessageID                int64 `json:"message_id"`
	AllowSendingWithoutReply bool  `json:"allow_sending_without_reply,omitempty"`
}

// ReactionType is one element of a setMessageReaction request.
type ReactionType struct {
	Type  string `json:"type"` // "emoji"
	Emoji string `json:"emoji"`
}

// ForumTopic is the result of createForumTopic.
type ForumTopic struct {
	MessageThreadID int64  `json:"message_thread_id"`
	Name            string `json:"name"`
}

// MessageID is the result of copyMessage.
type MessageID struct {
	MessageID int64 `json:"message_id"`
}

package store

import (
	"context"
	"strconv"
)

// UserState is the admission phase of a user. Blocking is an orthogonal
// overlay (User.Blocked) and does not appear here.
type UserState string

const (
	StateNew                 UserState = "new"
	StatePendingTurnstile    UserState = "pending_turnstile"
	StatePendingVerification UserState = "pending_verification"
	StateVerified            UserState = "verified"
)

// UserInfo is the typed replacement for the ad-hoc per-user blob. Every
// field is independently patchable; writes go through MergeUserInfo so a
// partial update never drops an unrelated field.
type UserInfo struct {
	DisplayName    string `json:"display_name,omitempty"`
	Username       string `json:"username,omitempty"`
	Note           string `json:"note,omitempty"`
	CardMsgID      int64  `json:"card_msg_id,omitempty"`
	InboxMsgID     int64  `json:"inbox_msg_id,omitempty"`
	BlacklistMsgID int64  `json:"blacklist_msg_id,omitempty"`
	LastBusyReply  int64  `json:"last_busy_reply,omitempty"`
	LastNotify     int64  `json:"last_notify,omitempty"`
	JoinDate       int64  `json:"join_date,omitempty"`
}

// UserInfoPatch expresses a partial update to UserInfo. Nil fields are left
// untouched by the merge; a pointer to the zero value clears the field.
type UserInfoPatch struct {
	DisplayName    *string `json:"display_name,omitempty"`
	Username       *string `json:"username,omitempty"`
	Note           *string `json:"note,omitempty"`
	CardMsgID      *int64  `json:"card_msg_id,omitempty"`
	InboxMsgID     *int64  `json:"inbox_msg_id,omitempty"`
	BlacklistMsgID *int64  `json:"blacklist_msg_id,omitempty"`
	LastBusyReply  *int64  `json:"last_busy_reply,omitempty"`
	LastNotify     *int64  `json:"last_notify,omitempty"`
	JoinDate       *int64  `json:"join_date,omitempty"`
}

// String returns a pointer to s, for patch literals.
func String(s string) *string { return &s }

// Int64 returns a pointer to n, for patch literals.
func Int64(n int64) *int64 { return &n }

// User is one end-user identity row.
type User struct {
	ID         string
	State      UserState
	Blocked    bool
	BlockCount int
	TopicID    int64 // 0 = no bound topic
	Info       UserInfo
}

// ChatID returns the user id as the numeric private chat id.
func (u *User) ChatID() int64 {
	n, _ := strconv.ParseInt(u.ID, 10, 64)
	return n
}

// UserStore is the persistence surface for user rows.
type UserStore interface {
	// EnsureUser returns the row for id, creating it in state new when
	// absent. info is merged into the row either way.
	EnsureUser(ctx context.Context, id string, info UserInfoPatch) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByTopic(ctx context.Context, topicID int64) (*User, error)
	SetState(ctx context.Context, id string, state UserState) error
	SetBlocked(ctx context.Context, id string, blocked bool) error
	// ClearBlock resets both the blocked flag and the violation counter.
	ClearBlock(ctx context.Context, id string) error
	SetTopicID(ctx context.Context, id string, topicID int64) error
	ClearTopic(ctx context.Context, id string) error
	MergeUserInfo(ctx context.Context, id string, patch UserInfoPatch) error
	// IncrementBlockCount bumps the violation counter and, atomically in
	// the same write, flips the blocked flag once the threshold is hit.
	IncrementBlockCount(ctx context.Context, id string, threshold int) (count int, blocked bool, err error)
}

// MessageStore records relayed text messages for later edit diffs.
type MessageStore interface {
	RecordMessage(ctx context.Context, userID string, messageID int64, text string, date int64) error
	GetMessageText(ctx context.Context, userID string, messageID int64) (string, bool, error)
	UpdateMessageText(ctx context.Context, userID string, messageID int64, text string) error
}

// KV is the raw config-table access Config is layered on.
type KV interface {
	LoadConfig(ctx context.Context) (map[string]string, error)
	PutConfig(ctx context.Context, key, value string) error
	DeleteConfig(ctx context.Context, key string) error
}

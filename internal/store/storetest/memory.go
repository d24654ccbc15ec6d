// Package storetest provides an in-memory store implementation for
// package tests. It mirrors the Postgres semantics closely enough to
// exercise the merge and accrual invariants without a database.
package storetest

import (
	"context"
	"sync"

	"github.com/topicrelay/topicrelay/internal/store"
)

type msgKey struct {
	userID    string
	messageID int64
}

// Memory implements store.UserStore, store.MessageStore and store.KV.
type Memory struct {
	mu       sync.Mutex
	users    map[string]*store.User
	messages map[msgKey]string
	dates    map[msgKey]int64
	config   map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]*store.User),
		messages: make(map[msgKey]string),
		dates:    make(map[msgKey]int64),
		config:   make(map[string]string),
	}
}

func applyPatch(info *store.UserInfo, p store.UserInfoPatch) {
	if p.DisplayName != nil {
		info.DisplayName = *p.DisplayName
	}
	if p.Username != nil {
		info.Username = *p.Username
	}
	if p.Note != nil {
		info.Note = *p.Note
	}
	if p.CardMsgID != nil {
		info.CardMsgID = *p.CardMsgID
	}
	if p.InboxMsgID != nil {
		info.InboxMsgID = *p.InboxMsgID
	}
	if p.BlacklistMsgID != nil {
		info.BlacklistMsgID = *p.BlacklistMsgID
	}
	if p.LastBusyReply != nil {
		info.LastBusyReply = *p.LastBusyReply
	}
	if p.LastNotify != nil {
		info.LastNotify = *p.LastNotify
	}
	if p.JoinDate != nil {
		info.JoinDate = *p.JoinDate
	}
}

func (m *Memory) EnsureUser(_ context.Context, id string, info store.UserInfoPatch) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		u = &store.User{ID: id, State: store.StateNew}
		m.users[id] = u
	}
	applyPatch(&u.Info, info)
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUser(_ context.Context, id string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUserByTopic(_ context.Context, topicID int64) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.TopicID == topicID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) SetState(_ context.Context, id string, state store.UserState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.State = state
	}
	return nil
}

func (m *Memory) SetBlocked(_ context.Context, id string, blocked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.Blocked = blocked
	}
	return nil
}

func (m *Memory) ClearBlock(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.Blocked = false
		u.BlockCount = 0
	}
	return nil
}

func (m *Memory) SetTopicID(_ context.Context, id string, topicID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.TopicID = topicID
	}
	return nil
}

func (m *Memory) ClearTopic(ctx context.Context, id string) error {
	return m.SetTopicID(ctx, id, 0)
}

func (m *Memory) MergeUserInfo(_ context.Context, id string, patch store.UserInfoPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		applyPatch(&u.Info, patch)
	}
	return nil
}

func (m *Memory) IncrementBlockCount(_ context.Context, id string, threshold int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return 0, false, nil
	}
	u.BlockCount++
	if u.BlockCount >= threshold {
		u.Blocked = true
	}
	return u.BlockCount, u.Blocked, nil
}

func (m *Memory) RecordMessage(_ context.Context, userID string, messageID int64, text string, date int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := msgKey{userID, messageID}
	m.messages[k] = text
	m.dates[k] = date
	return nil
}

func (m *Memory) GetMessageText(_ context.Context, userID string, messageID int64) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.messages[msgKey{userID, messageID}]
	return text, ok, nil
}

func (m *Memory) UpdateMessageText(_ context.Context, userID string, messageID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := msgKey{userID, messageID}
	if _, ok := m.messages[k]; ok {
		m.messages[k] = text
	}
	return nil
}

func (m *Memory) LoadConfig(_ context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.config))
	for k, v := range m.config {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) PutConfig(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config[key] = value
	return nil
}

func (m *Memory) DeleteConfig(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.config, key)
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// cacheTTL bounds config staleness. Reads tolerate up to this much lag;
// every write resets the cache so read-after-write is always fresh.
const cacheTTL = 60 * time.Second

// AdminStatePrefix is the reserved key prefix for per-admin transient
// input state in the config table.
const AdminStatePrefix = "admin_state:"

// AutoReplyRule is one pattern/response pair from keyword_responses.
type AutoReplyRule struct {
	Pattern  string `json:"pattern"`
	Response string `json:"response"`
}

// defaults are the built-in values used when a key is in neither the
// config table nor the environment.
var defaults = map[string]string{
	"welcome_msg":               "👋 你好！发送的消息将会转达给管理员。",
	"verify_q":                  "1 + 1 = ?",
	"verify_a":                  "2",
	"verify_msg":                "请先完成人机验证。",
	"verify_success_msg":        "✅ 验证通过，现在可以开始对话了。",
	"verify_fail_msg":           "❌ 回答错误，请再试一次。",
	"enable_verify":             "true",
	"enable_qa_verify":          "true",
	"captcha_mode":              "turnstile",
	"block_threshold":           "3",
	"enable_text_forwarding":    "true",
	"enable_media_forwarding":   "true",
	"enable_audio_forwarding":   "true",
	"enable_sticker_forwarding": "true",
	"enable_forward_forwarding": "true",
	"enable_channel_forwarding": "true",
	"enable_link_forwarding":    "true",
	"enable_admin_receipt":      "true",
	"busy_mode":                 "false",
	"busy_msg":                  "🌙 当前为勿扰时段，消息已收到，稍后回复。",
}

// Config is the read-through cached view of the config table. One instance
// per process; a mutex guards the cache map, and the table itself is the
// cross-task coordination point.
type Config struct {
	kv KV

	mu       sync.Mutex
	cache    map[string]string
	loadedAt time.Time

	now func() time.Time // test seam
}

// NewConfig builds the cached layer over raw table access.
func NewConfig(kv KV) *Config {
	return &Config{kv: kv, now: time.Now}
}

// envKeyFor maps a config key to its environment fallback name. Suffix
// rewrites keep the env surface readable: welcome_msg -> WELCOME_MESSAGE.
func envKeyFor(key string) string {
	switch {
	case strings.HasSuffix(key, "_msg"):
		key = strings.TrimSuffix(key, "_msg") + "_message"
	case strings.HasSuffix(key, "_q"):
		key = strings.TrimSuffix(key, "_q") + "_question"
	case strings.HasSuffix(key, "_a"):
		key = strings.TrimSuffix(key, "_a") + "_answer"
	}
	return strings.ToUpper(key)
}

// load returns the cached table snapshot, reloading it when stale. Reload
// failure keeps serving the previous snapshot.
func (c *Config) load(ctx context.Context) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cache != nil && c.now().Sub(c.loadedAt) < cacheTTL {
		return c.cache
	}
	m, err := c.kv.LoadConfig(ctx)
	if err != nil {
		log.Error().Err(err).Msg("config reload failed, serving stale cache")
		if c.cache == nil {
			c.cache = map[string]string{}
		}
		return c.cache
	}
	c.cache = m
	c.loadedAt = c.now()
	return c.cache
}

// Get resolves key as: cached table value -> env fallback -> built-in
// default -> "".
func (c *Config) Get(ctx context.Context, key string) string {
	if v, ok := c.load(ctx)[key]; ok {
		return v
	}
	if v := os.Getenv(envKeyFor(key)); v != "" {
		return v
	}
	return defaults[key]
}

// GetRaw resolves key against the table only, with no env or default
// fallback. Used for presence-sensitive keys (board ids, admin state).
func (c *Config) GetRaw(ctx context.Context, key string) (string, bool) {
	v, ok := c.load(ctx)[key]
	return v, ok
}

// GetBool interprets the resolved value as a boolean.
func (c *Config) GetBool(ctx context.Context, key string) bool {
	switch strings.ToLower(c.Get(ctx, key)) {
	case "true", "1", "on", "yes":
		return true
	}
	return false
}

// GetInt interprets the resolved value as an integer, falling back to def
// when unset or malformed.
func (c *Config) GetInt(ctx context.Context, key string, def int) int {
	v := c.Get(ctx, key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// GetStringList parses the resolved value as a JSON string array. Fails
// closed: malformed JSON yields an empty list.
func (c *Config) GetStringList(ctx context.Context, key string) []string {
	v := c.Get(ctx, key)
	if v == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		log.Warn().Str("key", key).Msg("config value is not a JSON string list, ignoring")
		return nil
	}
	return out
}

// GetRules parses keyword_responses into ordered auto-reply rules. Fails
// closed on malformed JSON.
func (c *Config) GetRules(ctx context.Context) []AutoReplyRule {
	v := c.Get(ctx, "keyword_responses")
	if v == "" {
		return nil
	}
	var out []AutoReplyRule
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		log.Warn().Msg("keyword_responses is not a JSON rule list, ignoring")
		return nil
	}
	return out
}

// Set writes one entry and invalidates the cache so the next read
// observes it regardless of TTL.
func (c *Config) Set(ctx context.Context, key, value string) error {
	if err := c.kv.PutConfig(ctx, key, value); err != nil {
		return err
	}
	c.invalidate()
	return nil
}

// Delete removes one entry and invalidates the cache.
func (c *Config) Delete(ctx context.Context, key string) error {
	if err := c.kv.DeleteConfig(ctx, key); err != nil {
		return err
	}
	c.invalidate()
	return nil
}

func (c *Config) invalidate() {
	c.mu.Lock()
	c.cache = nil
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

// AuthorizedAdmins returns the config-table admin id list.
func (c *Config) AuthorizedAdmins(ctx context.Context) []int64 {
	var out []int64
	for _, s := range c.GetStringList(ctx, "authorized_admins") {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

// AdminInputState is the transient two-step input state of one operator.
type AdminInputState struct {
	Action string `json:"action"` // "input" or "input_note"
	Key    string `json:"key,omitempty"`
	Target string `json:"target,omitempty"` // user id for input_note
}

// GetAdminState loads the pending input state for an admin, if any.
func (c *Config) GetAdminState(ctx context.Context, adminID int64) (*AdminInputState, bool) {
	raw, ok := c.GetRaw(ctx, AdminStatePrefix+strconv.FormatInt(adminID, 10))
	if !ok {
		return nil, false
	}
	var st AdminInputState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, false
	}
	return &st, true
}

// SetAdminState stores the pending input state for an admin.
func (c *Config) SetAdminState(ctx context.Context, adminID int64, st AdminInputState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.Set(ctx, AdminStatePrefix+strconv.FormatInt(adminID, 10), string(b))
}

// ClearAdminState removes the pending input state for an admin.
func (c *Config) ClearAdminState(ctx context.Context, adminID int64) error {
	return c.Delete(ctx, AdminStatePrefix+strconv.FormatInt(adminID, 10))
}

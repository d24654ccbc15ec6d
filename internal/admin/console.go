// Package admin contains the operator-side surfaces: the hierarchical
// configuration console driven by callback queries, the two-step input
// workflow, and the in-topic reply path back to end users.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/topicrelay/topicrelay/internal/config"
	"github.com/topicrelay/topicrelay/internal/store"
	"github.com/topicrelay/topicrelay/internal/tg"
)

// IsAuthorized reports whether id may act as an operator: either a
// primary (env-var) admin or listed in authorized_admins.
func IsAuthorized(ctx context.Context, env *config.Env, cfg *store.Config, id int64) bool {
	if env.IsPrimaryAdmin(id) {
		return true
	}
	for _, a := range cfg.AuthorizedAdmins(ctx) {
		if a == id {
			return true
		}
	}
	return false
}

// Console is the menu state machine. All navigation happens by editing
// the same message in place; the callback data grammar is
// config:<verb>:<key>[:<value>].
type Console struct {
	bot *tg.Bot
	cfg *store.Config
	env *config.Env
}

// NewConsole wires the console.
func NewConsole(bot *tg.Bot, cfg *store.Config, env *config.Env) *Console {
	return &Console{bot: bot, cfg: cfg, env: env}
}

// Open sends the root panel as a fresh message (the /admin command).
func (c *Console) Open(ctx context.Context, chatID int64) error {
	text, markup := c.renderPanel(ctx, "root")
	_, err := c.bot.SendMessage(ctx, tg.SendMessageParams{
		ChatID: chatID, Text: text, ParseMode: "HTML", ReplyMarkup: markup,
	})
	return err
}

// onOff renders a toggle's current state.
func (c *Console) onOff(ctx context.Context, key string) string {
	if c.cfg.GetBool(ctx, key) {
		return "✅"
	}
	return "❌"
}

func btn(text, data string) tg.InlineKeyboardButton {
	return tg.InlineKeyboardButton{Text: text, CallbackData: data}
}

func backRow(panel string) []tg.InlineKeyboardButton {
	return []tg.InlineKeyboardButton{btn("« 返回", "config:menu:"+panel)}
}

// keyPanel maps a toggled key back to the panel that shows it, so the
// view refreshes in place.
var keyPanel = map[string]string{
	"enable_qa_verify":          "base",
	"busy_mode":                 "quiet",
	"enable_admin_receipt":      "boards",
	"enable_text_forwarding":    "filters",
	"enable_media_forwarding":   "filters",
	"enable_audio_forwarding":   "filters",
	"enable_sticker_forwarding": "filters",
	"enable_forward_forwarding": "filters",
	"enable_channel_forwarding": "filters",
	"enable_link_forwarding":    "filters",
}

// renderPanel builds the text and keyboard of one menu panel.
func (c *Console) renderPanel(ctx context.Context, panel string) (string, *tg.InlineKeyboardMarkup) {
	switch panel {
	case "base":
		return c.renderBase(ctx)
	case "autoreply":
		return c.renderAutoReply(ctx)
	case "keywords":
		return c.renderKeywords(ctx)
	case "filters":
		return c.renderFilters(ctx)
	case "admins":
		return c.renderAdmins(ctx)
	case "boards":
		return c.renderBoards(ctx)
	case "quiet":
		return c.renderQuiet(ctx)
	default:
		return c.renderRoot(ctx)
	}
}

func (c *Console) renderRoot(_ context.Context) (string, *tg.InlineKeyboardMarkup) {
	return "⚙️ <b>管理面板</b>\n选择要配置的分区。", &tg.InlineKeyboardMarkup{
		InlineKeyboard: [][]tg.InlineKeyboardButton{
			{btn("基础设置", "config:menu:base"), btn("自动回复", "config:menu:autoreply")},
			{btn("违禁词", "config:menu:keywords"), btn("消息类型", "config:menu:filters")},
			{btn("管理员", "config:menu:admins"), btn("通知与备份", "config:menu:boards")},
			{btn("勿扰模式", "config:menu:quiet")},
		},
	}
}

func (c *Console) renderBase(ctx context.Context) (string, *tg.InlineKeyboardMarkup) {
	mode := "关闭"
	if c.cfg.GetBool(ctx, "enable_verify") {
		mode = c.cfg.Get(ctx, "captcha_mode")
	}
	text := fmt.Sprintf(
		"🧩 <b>基础设置</b>\n人机验证: %s\n问答验证: %s\n问题: %s",
		html.EscapeString(mode),
		c.onOff(ctx, "enable_qa_verify"),
		html.EscapeString(c.cfg.Get(ctx, "verify_q")),
	)
	return text, &tg.InlineKeyboardMarkup{InlineKeyboard: [][]tg.InlineKeyboardButton{
		{btn("编辑欢迎语", "config:edit:welcome_msg")},
		{btn("编辑问题", "config:edit:verify_q"), btn("编辑答案", "config:edit:verify_a")},
		{btn("切换验证方式", "config:rotate_mode"), btn("问答验证开关", "config:toggle:enable_qa_verify")},
		backRow("root"),
	}}
}

func (c *Console) renderAutoReply(ctx context.Context) (string, *tg.InlineKeyboardMarkup) {
	rules := c.cfg.GetRules(ctx)
	var b strings.Builder
	b.WriteString("💬 <b>自动回复</b>\n")
	rows := make([][]tg.InlineKeyboardButton, 0, len(rules)+2)
	for i, r := range rules {
		fmt.Fprintf(&b, "%d. <code>%s</code> → %s\n", i+1,
			html.EscapeString(r.Pattern), html.EscapeString(r.Response))
		rows = append(rows, []tg.InlineKeyboardButton{
			btn(fmt.Sprintf("删除 #%d", i+1), fmt.Sprintf("config:del:keyword_responses:%d", i)),
		})
	}
	if len(rules) == 0 {
		b.WriteString("（暂无规则）\n")
	}
	b.WriteString("新增格式: 模式===回复")
	rows = append(rows,
		[]tg.InlineKeyboardButton{btn("➕ 新增", "config:add:keyword_responses"), btn("🗑 清空", "config:cl:keyword_responses")},
		backRow("root"))
	return b.String(), &tg.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func (c *Console) renderKeywords(ctx context.Context) (string, *tg.InlineKeyboardMarkup) {
	words := c.cfg.GetStringList(ctx, "block_keywords")
	threshold := c.cfg.GetInt(ctx, "block_threshold", 3)
	var b strings.Builder
	fmt.Fprintf(&b, "🚫 <b>违禁词</b>（拉黑阈值 %d）\n", threshold)
	rows := make([][]tg.InlineKeyboardButton, 0, len(words)+2)
	for i, w := range words {
		fmt.Fprintf(&b, "%d. <code>%s</code>\n", i+1, html.EscapeString(w))
		rows = append(rows, []tg.InlineKeyboardButton{
			btn(fmt.Sprintf("删除 #%d", i+1), fmt.Sprintf("config:del:block_keywords:%d", i)),
		})
	}
	if len(words) == 0 {
		b.WriteString("（暂无违禁词）")
	}
	rows = append(rows,
		[]tg.InlineKeyboardButton{btn("➕ 新增", "config:add:block_keywords"), btn("🗑 清空", "config:cl:block_keywords")},
		[]tg.InlineKeyboardButton{btn("修改阈值", "config:edit:block_threshold")},
		backRow("root"))
	return b.String(), &tg.InlineKeyboardMarkup{InlineKeyboard: rows}
}

var filterSwitches = []struct {
	key   string
	label string
}{
	{"enable_text_forwarding", "文本"},
	{"enable_media_forwarding", "图片/视频/文件"},
	{"enable_audio_forwarding", "语音/音频"},
	{"enable_sticker_forwarding", "贴纸/动图"},
	{"enable_forward_forwarding", "转发消息"},
	{"enable_channel_forwarding", "频道转发"},
	{"enable_link_forwarding", "链接"},
}

func (c *Console) renderFilters(ctx context.Context) (string, *tg.InlineKeyboardMarkup) {
	rows := make([][]tg.InlineKeyboardButton, 0, len(filterSwitches)+1)
	for _, sw := range filterSwitches {
		rows = append(rows, []tg.InlineKeyboardButton{
			btn(fmt.Sprintf("%s %s", c.onOff(ctx, sw.key), sw.label), "config:toggle:"+sw.key),
		})
	}
	rows = append(rows, backRow("root"))
	return "📨 <b>消息类型开关</b>\n关闭的类型将被礼貌拒收。", &tg.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func (c *Console) renderAdmins(ctx context.Context) (string, *tg.InlineKeyboardMarkup) {
	admins := c.cfg.GetStringList(ctx, "authorized_admins")
	var b strings.Builder
	b.WriteString("👮 <b>协作管理员</b>\n（主管理员由环境变量固定）\n")
	rows := make([][]tg.InlineKeyboardButton, 0, len(admins)+2)
	for i, a := range admins {
		fmt.Fprintf(&b, "%d. <code>%s</code>\n", i+1, html.EscapeString(a))
		rows = append(rows, []tg.InlineKeyboardButton{
			btn(fmt.Sprintf("移除 #%d", i+1), fmt.Sprintf("config:del:authorized_admins:%d", i)),
		})
	}
	if len(admins) == 0 {
		b.WriteString("（暂无）")
	}
	rows = append(rows,
		[]tg.InlineKeyboardButton{btn("➕ 新增", "config:add:authorized_admins"), btn("🗑 清空", "config:cl:authorized_admins")},
		backRow("root"))
	return b.String(), &tg.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func (c *Console) renderBoards(ctx context.Context) (string, *tg.InlineKeyboardMarkup) {
	backup := c.cfg.Get(ctx, "backup_group_id")
	if backup == "" {
		backup = "未配置"
	}
	text := fmt.Sprintf(
		"🗂 <b>通知与备份</b>\n备份群: <code>%s</code>\n回复回执: %s",
		html.EscapeString(backup), c.onOff(ctx, "enable_admin_receipt"))
	return text, &tg.InlineKeyboardMarkup{InlineKeyboard: [][]tg.InlineKeyboardButton{
		{btn("设置备份群", "config:edit:backup_group_id")},
		{btn("重建未读板", "config:cl:unread_topic_id"), btn("重建黑名单板", "config:cl:blocked_topic_id")},
		{btn("回执开关", "config:toggle:enable_admin_receipt")},
		backRow("root"),
	}}
}

func (c *Console) renderQuiet(ctx context.Context) (string, *tg.InlineKeyboardMarkup) {
	text := fmt.Sprintf(
		"🌙 <b>勿扰模式</b>: %s\n提示语: %s",
		c.onOff(ctx, "busy_mode"), html.EscapeString(c.cfg.Get(ctx, "busy_msg")))
	return text, &tg.InlineKeyboardMarkup{InlineKeyboard: [][]tg.InlineKeyboardButton{
		{btn("开关", "config:toggle:busy_mode"), btn("编辑提示语", "config:edit:busy_msg")},
		backRow("root"),
	}}
}

// show edits the callback's message to a panel.
func (c *Console) show(ctx context.Context, cb *tg.CallbackQuery, panel string) {
	if cb.Message == nil {
		return
	}
	text, markup := c.renderPanel(ctx, panel)
	err := c.bot.EditMessageText(ctx, tg.EditMessageTextParams{
		ChatID:      cb.Message.Chat.ID,
		MessageID:   cb.Message.MessageID,
		Text:        text,
		ParseMode:   "HTML",
		ReplyMarkup: markup,
	})
	if err != nil {
		log.Debug().Err(err).Str("panel", panel).Msg("panel render failed")
	}
}

// HandleCallback processes one config:* callback.
func (c *Console) HandleCallback(ctx context.Context, cb *tg.CallbackQuery) {
	defer func() {
		if err := c.bot.AnswerCallbackQuery(ctx, cb.ID, ""); err != nil {
			log.Debug().Err(err).Msg("callback ack failed")
		}
	}()

	parts := strings.SplitN(cb.Data, ":", 4)
	if len(parts) < 2 || parts[0] != "config" {
		return
	}
	verb := parts[1]
	var key, value string
	if len(parts) > 2 {
		key = parts[2]
	}
	if len(parts) > 3 {
		value = parts[3]
	}

	switch verb {
	case "menu":
		c.show(ctx, cb, key)
	case "toggle":
		cur := c.cfg.GetBool(ctx, key)
		if err := c.cfg.Set(ctx, key, strconv.FormatBool(!cur)); err != nil {
			log.Error().Err(err).Str("key", key).Msg("toggle failed")
			return
		}
		c.show(ctx, cb, keyPanel[key])
	case "edit":
		c.beginInput(ctx, cb, key, "edit")
	case "add":
		c.beginInput(ctx, cb, key, "add")
	case "del":
		c.deleteListItem(ctx, key, value)
		c.show(ctx, cb, listPanel(key))
	case "cl":
		if err := c.cfg.Delete(ctx, key); err != nil {
			log.Error().Err(err).Str("key", key).Msg("clear failed")
		}
		c.show(ctx, cb, listPanel(key))
	case "rotate_mode":
		c.rotateCaptchaMode(ctx)
		c.show(ctx, cb, "base")
	}
}

// listPanel maps a list key to its panel for re-render after mutation.
func listPanel(key string) string {
	switch key {
	case "keyword_responses":
		return "autoreply"
	case "block_keywords":
		return "keywords"
	case "authorized_admins":
		return "admins"
	case "unread_topic_id", "blocked_topic_id":
		return "boards"
	default:
		return "root"
	}
}

// beginInput stores the two-step input state and prompts for the value.
func (c *Console) beginInput(ctx context.Context, cb *tg.CallbackQuery, key, verb string) {
	adminID := cb.From.ID
	err := c.cfg.SetAdminState(ctx, adminID, store.AdminInputState{
		Action: "input",
		Key:    key,
		Target: verb,
	})
	if err != nil {
		log.Error().Err(err).Int64("admin_id", adminID).Msg("input state not stored")
		return
	}
	prompt := "✏️ 请发送新的值（/cancel 取消）"
	if key == "keyword_responses" && verb == "add" {
		prompt = "✏️ 请发送规则，格式 模式===回复（/cancel 取消）"
	}
	if key == "welcome_msg" {
		prompt = "✏️ 请发送新的欢迎语，支持图片/视频/动图（/cancel 取消）"
	}
	if cb.Message != nil {
		_, _ = c.bot.SendMessage(ctx, tg.SendMessageParams{
			ChatID: cb.Message.Chat.ID, Text: prompt,
		})
	}
}

// deleteListItem removes one index from a JSON list key.
func (c *Console) deleteListItem(ctx context.Context, key, idxRaw string) {
	idx, err := strconv.Atoi(idxRaw)
	if err != nil || idx < 0 {
		return
	}
	if key == "keyword_responses" {
		rules := c.cfg.GetRules(ctx)
		if idx >= len(rules) {
			return
		}
		rules = append(rules[:idx], rules[idx+1:]...)
		c.setJSON(ctx, key, rules)
		return
	}
	items := c.cfg.GetStringList(ctx, key)
	if idx >= len(items) {
		return
	}
	items = append(items[:idx], items[idx+1:]...)
	c.setJSON(ctx, key, items)
}

// setJSON marshals v into a config entry.
func (c *Console) setJSON(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("config value not encodable")
		return
	}
	if err := c.cfg.Set(ctx, key, string(b)); err != nil {
		log.Error().Err(err).Str("key", key).Msg("config write failed")
	}
}

// rotateCaptchaMode cycles (enable_verify, captcha_mode):
// on+turnstile -> on+recaptcha -> off -> on+turnstile.
func (c *Console) rotateCaptchaMode(ctx context.Context) {
	on := c.cfg.GetBool(ctx, "enable_verify")
	mode := c.cfg.Get(ctx, "captcha_mode")
	switch {
	case !on:
		c.setPair(ctx, "true", "turnstile")
	case mode == "turnstile":
		c.setPair(ctx, "true", "recaptcha")
	default:
		// Turning off leaves the mode untouched.
		if err := c.cfg.Set(ctx, "enable_verify", "false"); err != nil {
			log.Error().Err(err).Msg("captcha rotation failed")
		}
	}
}

func (c *Console) setPair(ctx context.Context, enable, mode string) {
	if err := c.cfg.Set(ctx, "enable_verify", enable); err != nil {
		log.Error().Err(err).Msg("captcha rotation failed")
		return
	}
	if err := c.cfg.Set(ctx, "captcha_mode", mode); err != nil {
		log.Error().Err(err).Msg("captcha rotation failed")
	}
}

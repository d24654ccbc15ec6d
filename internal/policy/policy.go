// Package policy is the admission pipeline for messages from verified,
// unblocked users: keyword denial with violation accrual, typed-content
// switches, auto-reply rules, and the quiet-hours notice. The stages run
// in that fixed order and the first of the blocking stages to hit stops
// the message from relaying.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/topicrelay/topicrelay/internal/store"
	"github.com/topicrelay/topicrelay/internal/tg"
)

const (
	// keywordScanMax bounds how much text a user-supplied pattern is
	// matched against.
	keywordScanMax = 2000
	// patternMax is the longest accepted user-supplied pattern.
	patternMax = 256

	// busyReplyInterval is the minimum gap between quiet-hours notices to
	// the same user.
	busyReplyInterval = 300 * time.Second
)

// BlacklistPusher receives the card when accrual crosses the threshold.
type BlacklistPusher interface {
	PushBlacklistCard(ctx context.Context, u *store.User)
}

// Pipeline evaluates one inbound message against the content policy.
type Pipeline struct {
	bot    *tg.Bot
	users  store.UserStore
	cfg    *store.Config
	boards BlacklistPusher

	// isAdmin reports whether the sender bypasses typed-content filters.
	isAdmin func(ctx context.Context, id int64) bool

	now func() time.Time
}

// New wires the pipeline.
func New(bot *tg.Bot, users store.UserStore, cfg *store.Config, boards BlacklistPusher,
	isAdmin func(ctx context.Context, id int64) bool) *Pipeline {
	return &Pipeline{bot: bot, users: users, cfg: cfg, boards: boards, isAdmin: isAdmin, now: time.Now}
}

// compilePattern compiles a user-supplied pattern case-insensitively.
// Empty, oversized, or invalid patterns yield nil and are skipped; user
// configuration must never take the pipeline down.
func compilePattern(pat string) *regexp.Regexp {
	if pat == "" || len(pat) > patternMax {
		return nil
	}
	re, err := regexp.Compile("(?i)" + pat)
	if err != nil {
		return nil
	}
	return re
}

// truncate bounds the scanned text.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}

// Evaluate runs the pipeline. The returned bool is whether the message
// should proceed to the relay engine.
func (p *Pipeline) Evaluate(ctx context.Context, m *tg.Message, u *store.User) bool {
	if hit := p.checkBlockKeywords(ctx, m, u); hit {
		return false
	}
	if rejected := p.checkContentSwitches(ctx, m, u); rejected {
		return false
	}
	if replied := p.checkAutoReply(ctx, m, u); replied {
		return false
	}
	p.maybeSendBusyNotice(ctx, m, u)
	return true
}

// checkBlockKeywords tests the message against the denial list and, on a
// hit, accrues a violation. Crossing the threshold blocks the user in the
// same store write.
func (p *Pipeline) checkBlockKeywords(ctx context.Context, m *tg.Message, u *store.User) bool {
	text := truncate(m.TextOrCaption(), keywordScanMax)
	if text == "" {
		return false
	}

	var matched bool
	for _, pat := range p.cfg.GetStringList(ctx, "block_keywords") {
		re := compilePattern(pat)
		if re == nil {
			continue
		}
		if re.MatchString(text) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	threshold := p.cfg.GetInt(ctx, "block_threshold", 3)
	count, blocked, err := p.users.IncrementBlockCount(ctx, u.ID, threshold)
	if err != nil {
		log.Error().Err(err).Str("user_id", u.ID).Msg("violation accrual failed")
		return true
	}
	u.BlockCount, u.Blocked = count, blocked

	if blocked {
		log.Warn().Str("user_id", u.ID).Int("count", count).Msg("user auto-blocked by keyword accrual")
		p.boards.PushBlacklistCard(ctx, u)
		p.notify(ctx, m, "🚫 消息包含违禁词，你已被自动拉黑。")
	} else {
		p.notify(ctx, m, fmt.Sprintf("⚠️ 消息包含违禁词，未送达 (%d/%d)。", count, threshold))
	}
	return true
}

// checkContentSwitches enforces the typed-content toggles. Authorized
// admins bypass the filters entirely.
func (p *Pipeline) checkContentSwitches(ctx context.Context, m *tg.Message, u *store.User) bool {
	if m.From != nil && p.isAdmin != nil && p.isAdmin(ctx, m.From.ID) {
		return false
	}

	kind := Classify(m)
	if !p.cfg.GetBool(ctx, kind.switchKey()) {
		p.reject(ctx, m)
		return true
	}
	if fromChannel(m) && !p.cfg.GetBool(ctx, "enable_channel_forwarding") {
		p.reject(ctx, m)
		return true
	}
	return false
}

// checkAutoReply sends the response of the first matching rule. A rule
// that fails to compile is skipped, never fatal.
func (p *Pipeline) checkAutoReply(ctx context.Context, m *tg.Message, u *store.User) bool {
	text := truncate(m.TextOrCaption(), keywordScanMax)
	if text == "" {
		return false
	}
	for _, rule := range p.cfg.GetRules(ctx) {
		re := compilePattern(rule.Pattern)
		if re == nil {
			continue
		}
		if re.MatchString(text) {
			p.notify(ctx, m, rule.Response)
			return true
		}
	}
	return false
}

// maybeSendBusyNotice sends the quiet-hours reply at most once per
// interval per user. It never blocks relaying.
func (p *Pipeline) maybeSendBusyNotice(ctx context.Context, m *tg.Message, u *store.User) {
	if !p.cfg.GetBool(ctx, "busy_mode") {
		return
	}
	now := p.now().Unix()
	if now-u.Info.LastBusyReply <= int64(busyReplyInterval.Seconds()) {
		return
	}
	p.notify(ctx, m, p.cfg.Get(ctx, "busy_msg"))
	if err := p.users.MergeUserInfo(ctx, u.ID, store.UserInfoPatch{LastBusyReply: store.Int64(now)}); err != nil {
		log.Error().Err(err).Str("user_id", u.ID).Msg("busy reply timestamp not persisted")
	}
	u.Info.LastBusyReply = now
}

func (p *Pipeline) reject(ctx context.Context, m *tg.Message) {
	p.notify(ctx, m, "🙅 暂不接收此类消息。")
}

func (p *Pipeline) notify(ctx context.Context, m *tg.Message, text string) {
	if text == "" {
		return
	}
	_, err := p.bot.SendMessage(ctx, tg.SendMessageParams{ChatID: m.Chat.ID, Text: text})
	if err != nil {
		log.Debug().Err(err).Int64("chat_id", m.Chat.ID).Msg("policy notice not delivered")
	}
}

// Package admission drives the per-user verification state machine:
// new -> pending_turnstile -> pending_verification -> verified, with the
// captcha and question gates independently toggleable and the blocked
// overlay orthogonal to all of it.
package admission

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/topicrelay/topicrelay/internal/config"
	"github.com/topicrelay/topicrelay/internal/relay"
	"github.com/topicrelay/topicrelay/internal/store"
	"github.com/topicrelay/topicrelay/internal/tg"
)

// verifyPromptInterval is the minimum gap between repeated captcha
// prompts to the same unverified user.
const verifyPromptInterval = 60 * time.Second

// BlacklistRemover deletes the blacklist card on self-unblock.
type BlacklistRemover interface {
	RemoveBlacklistCard(ctx context.Context, userID string)
}

// Machine runs the admission pipeline for one deployment.
type Machine struct {
	bot    *tg.Bot
	users  store.UserStore
	cfg    *store.Config
	env    *config.Env
	engine *relay.Engine
	boards BlacklistRemover

	now func() time.Time
}

// New wires the machine.
func New(bot *tg.Bot, users store.UserStore, cfg *store.Config, env *config.Env,
	engine *relay.Engine, boards BlacklistRemover) *Machine {
	return &Machine{bot: bot, users: users, cfg: cfg, env: env, engine: engine, boards: boards, now: time.Now}
}

// welcomeMedia is the stored shape of a media welcome message.
type welcomeMedia struct {
	Type    string `json:"type"`
	FileID  string `json:"file_id"`
	Caption string `json:"caption"`
}

// sendWelcome delivers welcome_msg, dispatching on the media kind when the
// value decodes as a media descriptor.
func (m *Machine) sendWelcome(ctx context.Context, chatID int64) {
	raw := m.cfg.Get(ctx, "welcome_msg")
	var media welcomeMedia
	if err := json.Unmarshal([]byte(raw), &media); err == nil && media.FileID != "" {
		var kind tg.MediaKind
		switch media.Type {
		case "photo":
			kind = tg.MediaPhoto
		case "video":
			kind = tg.MediaVideo
		case "animation":
			kind = tg.MediaAnimation
		default:
			kind = tg.MediaPhoto
		}
		if _, err := m.bot.SendMedia(ctx, kind, tg.SendMediaParams{
			ChatID: chatID, FileID: media.FileID, Caption: media.Caption,
		}); err != nil {
			log.Debug().Err(err).Msg("welcome media send failed")
		}
		return
	}
	if _, err := m.bot.SendMessage(ctx, tg.SendMessageParams{ChatID: chatID, Text: raw}); err != nil {
		log.Debug().Err(err).Msg("welcome send failed")
	}
}

// sendVerifyPrompt sends the mini-app button pointing at the captcha page.
func (m *Machine) sendVerifyPrompt(ctx context.Context, u *store.User) {
	_, err := m.bot.SendMessage(ctx, tg.SendMessageParams{
		ChatID: u.ChatID(),
		Text:   m.cfg.Get(ctx, "verify_msg"),
		ReplyMarkup: &tg.InlineKeyboardMarkup{InlineKeyboard: [][]tg.InlineKeyboardButton{{
			{
				Text:   "🤖 点击验证",
				WebApp: &tg.WebAppInfo{URL: m.env.WorkerURL + "/verify?user_id=" + u.ID},
			},
		}}},
	})
	if err != nil {
		log.Debug().Err(err).Str("user_id", u.ID).Msg("verify prompt send failed")
		return
	}
	m.recordPrompt(ctx, u)
}

// recordPrompt stamps the user so repeated pending messages do not spray
// prompts.
func (m *Machine) recordPrompt(ctx context.Context, u *store.User) {
	now := m.now().Unix()
	if err := m.users.MergeUserInfo(ctx, u.ID, store.UserInfoPatch{LastNotify: store.Int64(now)}); err != nil {
		log.Error().Err(err).Str("user_id", u.ID).Msg("prompt timestamp not persisted")
		return
	}
	u.Info.LastNotify = now
}

// sendQuestion sends the QA gate question.
func (m *Machine) sendQuestion(ctx context.Context, u *store.User) {
	_, err := m.bot.SendMessage(ctx, tg.SendMessageParams{
		ChatID: u.ChatID(),
		Text:   "❓ " + m.cfg.Get(ctx, "verify_q"),
	})
	if err != nil {
		log.Debug().Err(err).Str("user_id", u.ID).Msg("question send failed")
	}
}

// HandleStart processes /start. From a blocked user this is the
// self-unblock affordance: block and counter are cleared, the blacklist
// card removed, and the admission transition re-runs from new. A second
// /start while a verification is already pending is a no-op so the user
// gets exactly one prompt pair.
func (m *Machine) HandleStart(ctx context.Context, u *store.User) error {
	if u.Blocked {
		if err := m.users.ClearBlock(ctx, u.ID); err != nil {
			return err
		}
		m.boards.RemoveBlacklistCard(ctx, u.ID)
		if err := m.users.SetState(ctx, u.ID, store.StateNew); err != nil {
			return err
		}
		u.Blocked, u.BlockCount, u.State = false, 0, store.StateNew
		log.Info().Str("user_id", u.ID).Msg("user self-unblocked via /start")
	}

	switch u.State {
	case store.StatePendingTurnstile, store.StatePendingVerification:
		return nil
	case store.StateVerified:
		m.sendWelcome(ctx, u.ChatID())
		return nil
	}

	m.sendWelcome(ctx, u.ChatID())
	return m.advanceFromNew(ctx, u)
}

// advanceFromNew applies the gate toggles to a user in state new.
func (m *Machine) advanceFromNew(ctx context.Context, u *store.User) error {
	captchaOn := m.cfg.GetBool(ctx, "enable_verify")
	qaOn := m.cfg.GetBool(ctx, "enable_qa_verify")

	switch {
	case captchaOn:
		if err := m.users.SetState(ctx, u.ID, store.StatePendingTurnstile); err != nil {
			return err
		}
		u.State = store.StatePendingTurnstile
		m.sendVerifyPrompt(ctx, u)
	case qaOn:
		if err := m.users.SetState(ctx, u.ID, store.StatePendingVerification); err != nil {
			return err
		}
		u.State = store.StatePendingVerification
		m.sendQuestion(ctx, u)
	default:
		if err := m.users.SetState(ctx, u.ID, store.StateVerified); err != nil {
			return err
		}
		u.State = store.StateVerified
	}
	return nil
}

// HandlePending processes a non-/start message from a user who has not
// finished verification. pending_turnstile re-prompts; in
// pending_verification the text is checked against the configured answer.
func (m *Machine) HandlePending(ctx context.Context, msg *tg.Message, u *store.User) error {
	switch u.State {
	case store.StateNew:
		// First contact without /start still enters the pipeline.
		m.sendWelcome(ctx, u.ChatID())
		return m.advanceFromNew(ctx, u)
	case store.StatePendingTurnstile:
		if m.now().Unix()-u.Info.LastNotify < int64(verifyPromptInterval.Seconds()) {
			return nil
		}
		m.sendVerifyPrompt(ctx, u)
		return nil
	case store.StatePendingVerification:
		answer := strings.TrimSpace(msg.Text)
		want := strings.TrimSpace(m.cfg.Get(ctx, "verify_a"))
		if answer == "" || answer != want {
			_, _ = m.bot.SendMessage(ctx, tg.SendMessageParams{
				ChatID: u.ChatID(),
				Text:   m.cfg.Get(ctx, "verify_fail_msg"),
			})
			return nil
		}
		if err := m.users.SetState(ctx, u.ID, store.StateVerified); err != nil {
			return err
		}
		u.State = store.StateVerified
		_, _ = m.bot.SendMessage(ctx, tg.SendMessageParams{
			ChatID: u.ChatID(),
			Text:   m.cfg.Get(ctx, "verify_success_msg"),
		})
		log.Info().Str("user_id", u.ID).Msg("user verified via question gate")
		return nil
	}
	return nil
}

// CompleteCaptcha is called by the token-submission endpoint after both
// the captcha token and the session attestation verified. It advances the
// user past the captcha gate; with the question gate off the user is
// fully verified and the topic is provisioned eagerly so the info card is
// in place before the first relayed message.
func (m *Machine) CompleteCaptcha(ctx context.Context, userID string) error {
	u, err := m.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u == nil {
		if u, err = m.users.EnsureUser(ctx, userID, store.UserInfoPatch{}); err != nil {
			return err
		}
	}

	if m.cfg.GetBool(ctx, "enable_qa_verify") {
		if err := m.users.SetState(ctx, userID, store.StatePendingVerification); err != nil {
			return err
		}
		u.State = store.StatePendingVerification
		m.sendQuestion(ctx, u)
		return nil
	}

	if err := m.users.SetState(ctx, userID, store.StateVerified); err != nil {
		return err
	}
	u.State = store.StateVerified
	if u.TopicID == 0 {
		if err := m.engine.Provision(ctx, u); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("eager topic provisioning failed")
		}
	}
	_, _ = m.bot.SendMessage(ctx, tg.SendMessageParams{
		ChatID: u.ChatID(),
		Text:   m.cfg.Get(ctx, "verify_success_msg"),
	})
	log.Info().Str("user_id", userID).Msg("user verified via captcha")
	return nil
}

package bot

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/topicrelay/topicrelay/internal/admin"
	"github.com/topicrelay/topicrelay/internal/admission"
	"github.com/topicrelay/topicrelay/internal/boards"
	"github.com/topicrelay/topicrelay/internal/config"
	"github.com/topicrelay/topicrelay/internal/policy"
	"github.com/topicrelay/topicrelay/internal/relay"
	"github.com/topicrelay/topicrelay/internal/store"
	"github.com/topicrelay/topicrelay/internal/tg"
)

// Dispatcher routes one update to the admission machine, the policy
// pipeline, the relay engine, or the operator-side handlers.
type Dispatcher struct {
	bot       *tg.Bot
	users     store.UserStore
	msgs      store.MessageStore
	cfg       *store.Config
	env       *config.Env
	engine    *relay.Engine
	pipeline  *policy.Pipeline
	admission *admission.Machine
	console   *admin.Console
	replies   *admin.ReplyPath
	boards    *boards.Boards
}

// New wires the dispatcher.
func New(bot *tg.Bot, users store.UserStore, msgs store.MessageStore, cfg *store.Config,
	env *config.Env, engine *relay.Engine, pipeline *policy.Pipeline, machine *admission.Machine,
	console *admin.Console, replies *admin.ReplyPath, brd *boards.Boards) *Dispatcher {
	return &Dispatcher{
		bot: bot, users: users, msgs: msgs, cfg: cfg, env: env,
		engine: engine, pipeline: pipeline, admission: machine,
		console: console, replies: replies, boards: brd,
	}
}

// Dispatch processes one update. Errors are logged, not returned; the
// webhook has already been acknowledged by the time this runs.
func (d *Dispatcher) Dispatch(ctx context.Context, upd *tg.Update) {
	switch {
	case upd.Message != nil:
		d.dispatchMessage(ctx, upd.Message)
	case upd.EditedMessage != nil:
		d.dispatchEdited(ctx, upd.EditedMessage)
	case upd.CallbackQuery != nil:
		d.dispatchCallback(ctx, upd.CallbackQuery)
	}
}

func (d *Dispatcher) dispatchMessage(ctx context.Context, msg *tg.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	switch {
	case msg.Chat.Type == "private":
		d.handlePrivate(ctx, msg)
	case msg.Chat.ID == d.env.AdminGroupID:
		d.replies.Handle(ctx, msg)
	}
}

// handlePrivate runs the user-side pipeline for one private message.
func (d *Dispatcher) handlePrivate(ctx context.Context, msg *tg.Message) {
	uid := strconv.FormatInt(msg.Chat.ID, 10)

	if admin.IsAuthorized(ctx, d.env, d.cfg, msg.From.ID) {
		if strings.TrimSpace(msg.Text) == "/admin" {
			if err := d.console.Open(ctx, msg.Chat.ID); err != nil {
				log.Error().Err(err).Msg("console open failed")
			}
			return
		}
		if d.console.ConsumeInput(ctx, msg) {
			return
		}
	}

	u, err := d.users.GetUser(ctx, uid)
	if err != nil {
		log.Error().Err(err).Str("user_id", uid).Msg("user lookup failed")
		return
	}
	if u == nil {
		// First contact. Known users keep their stored identity here so
		// the relay engine can see a name change and rename the topic.
		u, err = d.users.EnsureUser(ctx, uid, firstContactPatch(msg))
		if err != nil {
			log.Error().Err(err).Str("user_id", uid).Msg("user upsert failed")
			return
		}
	}

	// Operators never sit in the verification pipeline.
	if u.State != store.StateVerified && admin.IsAuthorized(ctx, d.env, d.cfg, msg.From.ID) {
		if err := d.users.SetState(ctx, uid, store.StateVerified); err != nil {
			log.Error().Err(err).Str("user_id", uid).Msg("admin promotion failed")
			return
		}
		u.State = store.StateVerified
	}

	if strings.HasPrefix(strings.TrimSpace(msg.Text), "/start") {
		if err := d.admission.HandleStart(ctx, u); err != nil {
			log.Error().Err(err).Str("user_id", uid).Msg("start handling failed")
		}
		return
	}

	// Blocked users are silent-dropped; /start above is their only way
	// back in.
	if u.Blocked {
		log.Debug().Str("user_id", uid).Msg("message from blocked user dropped")
		return
	}

	if u.State != store.StateVerified {
		if err := d.admission.HandlePending(ctx, msg, u); err != nil {
			log.Error().Err(err).Str("user_id", uid).Msg("pending handling failed")
		}
		return
	}

	if !d.pipeline.Evaluate(ctx, msg, u) {
		return
	}
	if _, err := d.engine.Relay(ctx, msg, u); err != nil {
		log.Error().Err(err).Str("user_id", uid).Msg("relay failed")
	}
}

// firstContactPatch seeds a fresh row with the sender's identity and the
// moment of first contact.
func firstContactPatch(msg *tg.Message) store.UserInfoPatch {
	joined := msg.Date
	if joined == 0 {
		joined = time.Now().Unix()
	}
	return store.UserInfoPatch{
		DisplayName: store.String(msg.From.DisplayName()),
		Username:    store.String(msg.From.Username),
		JoinDate:    store.Int64(joined),
	}
}

// dispatchEdited posts an edit diff into the user's topic when the
// original text was recorded, then updates the record.
func (d *Dispatcher) dispatchEdited(ctx context.Context, msg *tg.Message) {
	if msg.Chat.Type != "private" || msg.From == nil || msg.From.IsBot || msg.Text == "" {
		return
	}
	uid := strconv.FormatInt(msg.Chat.ID, 10)
	u, err := d.users.GetUser(ctx, uid)
	if err != nil || u == nil || u.TopicID == 0 || u.Blocked {
		return
	}

	old, found, err := d.msgs.GetMessageText(ctx, uid, msg.MessageID)
	if err != nil {
		log.Error().Err(err).Str("user_id", uid).Msg("edit lookup failed")
		return
	}
	if !found || old == msg.Text {
		return
	}

	text := fmt.Sprintf("✏️ <b>用户编辑了消息</b>\n原: %s\n新: %s",
		html.EscapeString(old), html.EscapeString(msg.Text))
	if _, err := d.bot.SendMessage(ctx, tg.SendMessageParams{
		ChatID:          d.env.AdminGroupID,
		MessageThreadID: u.TopicID,
		Text:            text,
		ParseMode:       "HTML",
	}); err != nil {
		log.Warn().Err(err).Str("user_id", uid).Msg("edit notice delivery failed")
		return
	}
	if err := d.msgs.UpdateMessageText(ctx, uid, msg.MessageID, msg.Text); err != nil {
		log.Error().Err(err).Str("user_id", uid).Msg("edit record update failed")
	}
}

// dispatchCallback routes by callback namespace.
func (d *Dispatcher) dispatchCallback(ctx context.Context, cb *tg.CallbackQuery) {
	ns, rest, _ := strings.Cut(cb.Data, ":")

	if ns == "config" {
		if !admin.IsAuthorized(ctx, d.env, d.cfg, cb.From.ID) {
			d.answer(ctx, cb, "无权限")
			return
		}
		d.console.HandleCallback(ctx, cb)
		return
	}

	// Card buttons live in the operator group; all of them require an
	// authorized admin.
	if !admin.IsAuthorized(ctx, d.env, d.cfg, cb.From.ID) {
		d.answer(ctx, cb, "无权限")
		return
	}

	switch ns {
	case "inbox":
		// inbox:ack:<uid>
		verb, uid, _ := strings.Cut(rest, ":")
		if verb == "ack" && uid != "" {
			d.boards.AcknowledgeInbox(ctx, uid)
			if cb.Message != nil {
				_ = d.bot.DeleteMessage(ctx, cb.Message.Chat.ID, cb.Message.MessageID)
			}
		}
		d.answer(ctx, cb, "")
	case "note":
		if cb.Message != nil {
			d.replies.BeginNote(ctx, cb.From.ID, rest, cb.Message.MessageThreadID)
		}
		d.answer(ctx, cb, "")
	case "block":
		d.blockUser(ctx, rest)
		d.answer(ctx, cb, "已拉黑")
	case "unblock":
		d.unblockUser(ctx, rest)
		d.answer(ctx, cb, "已解除")
	case "pin_card":
		if u, err := d.users.GetUser(ctx, rest); err == nil && u != nil {
			d.engine.PinInfoCard(ctx, u)
		}
		d.answer(ctx, cb, "")
	default:
		d.answer(ctx, cb, "")
	}
}

func (d *Dispatcher) answer(ctx context.Context, cb *tg.CallbackQuery, text string) {
	if err := d.bot.AnswerCallbackQuery(ctx, cb.ID, text); err != nil {
		log.Debug().Err(err).Msg("callback ack failed")
	}
}

// blockUser applies a manual operator block.
func (d *Dispatcher) blockUser(ctx context.Context, uid string) {
	if err := d.users.SetBlocked(ctx, uid, true); err != nil {
		log.Error().Err(err).Str("user_id", uid).Msg("block failed")
		return
	}
	u, err := d.users.GetUser(ctx, uid)
	if err != nil || u == nil {
		return
	}
	d.boards.PushBlacklistCard(ctx, u)
	d.engine.RefreshInfoCard(ctx, u)
	log.Info().Str("user_id", uid).Msg("user blocked by operator")
}

// unblockUser lifts a block and resets the violation counter.
func (d *Dispatcher) unblockUser(ctx context.Context, uid string) {
	if err := d.users.ClearBlock(ctx, uid); err != nil {
		log.Error().Err(err).Str("user_id", uid).Msg("unblock failed")
		return
	}
	d.boards.RemoveBlacklistCard(ctx, uid)
	if u, err := d.users.GetUser(ctx, uid); err == nil && u != nil {
		d.engine.RefreshInfoCard(ctx, u)
	}
	log.Info().Str("user_id", uid).Msg("user unblocked by operator")
}

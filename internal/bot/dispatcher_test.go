package bot

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topicrelay/topicrelay/internal/admin"
	"github.com/topicrelay/topicrelay/internal/admission"
	"github.com/topicrelay/topicrelay/internal/boards"
	"github.com/topicrelay/topicrelay/internal/config"
	"github.com/topicrelay/topicrelay/internal/lockmap"
	"github.com/topicrelay/topicrelay/internal/policy"
	"github.com/topicrelay/topicrelay/internal/relay"
	"github.com/topicrelay/topicrelay/internal/store"
	"github.com/topicrelay/topicrelay/internal/store/storetest"
	"github.com/topicrelay/topicrelay/internal/tg"
	"github.com/topicrelay/topicrelay/internal/tg/tgtest"
)

const groupID = int64(-100999)

type fixture struct {
	api        *tgtest.Fake
	mem        *storetest.Memory
	cfg        *store.Config
	dispatcher *Dispatcher
}

// newFixture wires the full pipeline against in-memory fakes, the same
// shape main assembles in production.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	api := tgtest.New()
	mem := storetest.NewMemory()
	cfg := store.NewConfig(mem)
	env := &config.Env{
		AdminGroupID: groupID,
		AdminIDs:     []int64{1},
		WorkerURL:    "https://bot.example.com",
	}
	b := tg.NewBot(api)
	locks := lockmap.New()
	brd := boards.New(b, mem, cfg, locks, groupID)
	engine := relay.New(b, mem, mem, cfg, locks, brd, nil, groupID)
	isAdmin := func(ctx context.Context, id int64) bool {
		return admin.IsAuthorized(ctx, env, cfg, id)
	}
	pipeline := policy.New(b, mem, cfg, brd, isAdmin)
	machine := admission.New(b, mem, cfg, env, engine, brd)
	console := admin.NewConsole(b, cfg, env)
	replies := admin.NewReplyPath(b, mem, cfg, env, engine, groupID)
	return &fixture{
		api: api, mem: mem, cfg: cfg,
		dispatcher: New(b, mem, mem, cfg, env, engine, pipeline, machine, console, replies, brd),
	}
}

func privateText(uid int64, text string) *tg.Update {
	return &tg.Update{Message: &tg.Message{
		MessageID: 10,
		From:      &tg.User{ID: uid, FirstName: "Alice"},
		Chat:      tg.Chat{ID: uid, Type: "private"},
		Text:      text,
		Date:      1700000000,
	}}
}

// verifiedUser seeds a user past admission.
func (f *fixture) verifiedUser(t *testing.T, uid int64) {
	t.Helper()
	ctx := context.Background()
	id := strconv.FormatInt(uid, 10)
	_, err := f.mem.EnsureUser(ctx, id, store.UserInfoPatch{})
	require.NoError(t, err)
	require.NoError(t, f.mem.SetState(ctx, id, store.StateVerified))
}

func TestStartEntersAdmission(t *testing.T) {
	f := newFixture(t)

	f.dispatcher.Dispatch(context.Background(), privateText(100, "/start"))

	u, _ := f.mem.GetUser(context.Background(), "100")
	require.NotNil(t, u)
	assert.Equal(t, store.StatePendingTurnstile, u.State)
	assert.Equal(t, "Alice", u.Info.DisplayName, "identity captured on first contact")
}

func TestFirstContactRecordsJoinDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.Dispatch(ctx, privateText(100, "/start"))

	u, _ := f.mem.GetUser(ctx, "100")
	require.NotNil(t, u)
	assert.Equal(t, int64(1700000000), u.Info.JoinDate, "envelope date stamped on first contact")

	// Later traffic must not move the first-contact stamp.
	require.NoError(t, f.mem.SetState(ctx, "100", store.StateVerified))
	f.dispatcher.Dispatch(ctx, privateText(100, "hello"))
	u, _ = f.mem.GetUser(ctx, "100")
	assert.Equal(t, int64(1700000000), u.Info.JoinDate)
}

// A user who renames themselves mid-conversation gets their bound topic
// renamed and the stored identity refreshed.
func TestDisplayNameChangeRenamesTopic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifiedUser(t, 100)
	require.NoError(t, f.mem.MergeUserInfo(ctx, "100", store.UserInfoPatch{DisplayName: store.String("Alice")}))
	require.NoError(t, f.mem.SetTopicID(ctx, "100", 777))

	f.dispatcher.Dispatch(ctx, &tg.Update{Message: &tg.Message{
		MessageID: 11,
		From:      &tg.User{ID: 100, FirstName: "Bob"},
		Chat:      tg.Chat{ID: 100, Type: "private"},
		Text:      "still me",
		Date:      1700000100,
	}})

	renames := f.api.CallsTo("editForumTopic")
	require.Len(t, renames, 1)
	assert.Equal(t, "Bob | 100", renames[0].Params["name"])
	u, _ := f.mem.GetUser(ctx, "100")
	assert.Equal(t, "Bob", u.Info.DisplayName)
}

func TestVerifiedMessageIsRelayed(t *testing.T) {
	f := newFixture(t)
	f.verifiedUser(t, 100)

	f.dispatcher.Dispatch(context.Background(), privateText(100, "hello there"))

	assert.NotEmpty(t, f.api.CallsTo("createForumTopic"))
	require.Len(t, f.api.CallsTo("forwardMessage"), 1)
	u, _ := f.mem.GetUser(context.Background(), "100")
	assert.NotZero(t, u.TopicID)
}

func TestBlockedMessageIsDropped(t *testing.T) {
	f := newFixture(t)
	f.verifiedUser(t, 100)
	require.NoError(t, f.mem.SetBlocked(context.Background(), "100", true))

	f.dispatcher.Dispatch(context.Background(), privateText(100, "let me in"))

	assert.Empty(t, f.api.Calls(), "blocked users get no response at all")
}

func TestBotMessagesIgnored(t *testing.T) {
	f := newFixture(t)
	upd := privateText(100, "hi")
	upd.Message.From.IsBot = true

	f.dispatcher.Dispatch(context.Background(), upd)
	assert.Empty(t, f.api.Calls())
}

func TestAdminCommandOpensConsole(t *testing.T) {
	f := newFixture(t)

	f.dispatcher.Dispatch(context.Background(), privateText(1, "/admin"))

	sends := f.api.CallsTo("sendMessage")
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].Params["text"], "管理面板")
}

func TestAdminSkipsVerificationPipeline(t *testing.T) {
	f := newFixture(t)

	f.dispatcher.Dispatch(context.Background(), privateText(1, "testing the bot"))

	u, _ := f.mem.GetUser(context.Background(), "1")
	require.NotNil(t, u)
	assert.Equal(t, store.StateVerified, u.State, "operators never see the captcha gate")
	assert.Len(t, f.api.CallsTo("forwardMessage"), 1, "message relayed straight away")
}

func TestAdminCommandIgnoredForRegularUser(t *testing.T) {
	f := newFixture(t)
	f.verifiedUser(t, 100)

	f.dispatcher.Dispatch(context.Background(), privateText(100, "/admin"))

	// Treated as an ordinary text message and relayed.
	assert.Len(t, f.api.CallsTo("forwardMessage"), 1)
}

func TestGroupReplyRoutedToReplyPath(t *testing.T) {
	f := newFixture(t)
	f.verifiedUser(t, 100)
	require.NoError(t, f.mem.SetTopicID(context.Background(), "100", 777))

	f.dispatcher.Dispatch(context.Background(), &tg.Update{Message: &tg.Message{
		MessageID:       20,
		From:            &tg.User{ID: 1, FirstName: "Op"},
		Chat:            tg.Chat{ID: groupID, Type: "supergroup"},
		MessageThreadID: 777,
		Text:            "回复你",
	}})

	copies := f.api.CallsTo("copyMessage")
	require.Len(t, copies, 1)
	assert.Equal(t, float64(100), copies[0].Params["chat_id"])
}

func TestEditedMessagePostsDiff(t *testing.T) {
	f := newFixture(t)
	f.verifiedUser(t, 100)
	ctx := context.Background()

	f.dispatcher.Dispatch(ctx, privateText(100, "original text"))
	f.api.Reset()

	f.dispatcher.Dispatch(ctx, &tg.Update{EditedMessage: &tg.Message{
		MessageID: 10,
		From:      &tg.User{ID: 100, FirstName: "Alice"},
		Chat:      tg.Chat{ID: 100, Type: "private"},
		Text:      "edited text",
	}})

	sends := f.api.CallsTo("sendMessage")
	require.Len(t, sends, 1)
	text := sends[0].Params["text"].(string)
	assert.Contains(t, text, "original text")
	assert.Contains(t, text, "edited text")

	// The record now holds the new text, so a repeat edit diffs from it.
	stored, found, err := f.mem.GetMessageText(ctx, "100", 10)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "edited text", stored)
}

func TestEditedMessageWithoutRecordIgnored(t *testing.T) {
	f := newFixture(t)
	f.verifiedUser(t, 100)
	require.NoError(t, f.mem.SetTopicID(context.Background(), "100", 777))

	f.dispatcher.Dispatch(context.Background(), &tg.Update{EditedMessage: &tg.Message{
		MessageID: 99,
		From:      &tg.User{ID: 100, FirstName: "Alice"},
		Chat:      tg.Chat{ID: 100, Type: "private"},
		Text:      "edited",
	}})

	assert.Empty(t, f.api.CallsTo("sendMessage"))
}

func cardCallback(fromID int64, data string) *tg.Update {
	return &tg.Update{CallbackQuery: &tg.CallbackQuery{
		ID:   "cb1",
		From: tg.User{ID: fromID, FirstName: "Op"},
		Data: data,
		Message: &tg.Message{
			MessageID:       30,
			Chat:            tg.Chat{ID: groupID, Type: "supergroup"},
			MessageThreadID: 777,
		},
	}}
}

func TestBlockCallback(t *testing.T) {
	f := newFixture(t)
	f.verifiedUser(t, 100)

	f.dispatcher.Dispatch(context.Background(), cardCallback(1, "block:100"))

	u, _ := f.mem.GetUser(context.Background(), "100")
	assert.True(t, u.Blocked)
	assert.NotZero(t, u.Info.BlacklistMsgID, "blacklist card posted")
	assert.NotEmpty(t, f.api.CallsTo("answerCallbackQuery"))
}

func TestUnblockCallback(t *testing.T) {
	f := newFixture(t)
	f.verifiedUser(t, 100)
	ctx := context.Background()
	require.NoError(t, f.mem.SetBlocked(ctx, "100", true))
	require.NoError(t, f.mem.MergeUserInfo(ctx, "100", store.UserInfoPatch{BlacklistMsgID: store.Int64(44)}))

	f.dispatcher.Dispatch(ctx, cardCallback(1, "unblock:100"))

	u, _ := f.mem.GetUser(ctx, "100")
	assert.False(t, u.Blocked)
	assert.Equal(t, 0, u.BlockCount)
	assert.NotEmpty(t, f.api.CallsTo("deleteMessage"), "blacklist card removed")
}

func TestInboxAckCallback(t *testing.T) {
	f := newFixture(t)
	f.verifiedUser(t, 100)
	ctx := context.Background()
	require.NoError(t, f.mem.MergeUserInfo(ctx, "100", store.UserInfoPatch{InboxMsgID: store.Int64(88)}))

	f.dispatcher.Dispatch(ctx, cardCallback(1, "inbox:ack:100"))

	u, _ := f.mem.GetUser(ctx, "100")
	assert.Zero(t, u.Info.InboxMsgID)
	assert.NotEmpty(t, f.api.CallsTo("deleteMessage"))
}

func TestCallbackFromNonAdminRejected(t *testing.T) {
	f := newFixture(t)
	f.verifiedUser(t, 100)

	f.dispatcher.Dispatch(context.Background(), cardCallback(42, "block:100"))

	u, _ := f.mem.GetUser(context.Background(), "100")
	assert.False(t, u.Blocked, "unauthorized press has no effect")
	answers := f.api.CallsTo("answerCallbackQuery")
	require.Len(t, answers, 1)
	assert.Equal(t, "无权限", answers[0].Params["text"])
}

func TestTasksDrainOnWait(t *testing.T) {
	var tasks Tasks
	done := make(chan struct{})
	tasks.Go(func(context.Context) { close(done) })
	tasks.Wait()
	select {
	case <-done:
	default:
		t.Fatal("task did not run before Wait returned")
	}
}

func TestTasksContainPanics(t *testing.T) {
	var tasks Tasks
	tasks.Go(func(context.Context) { panic("boom") })
	tasks.Wait()
	// Reaching here means the panic was contained.
}

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topicrelay/topicrelay/internal/admission"
	"github.com/topicrelay/topicrelay/internal/captcha"
	"github.com/topicrelay/topicrelay/internal/config"
	"github.com/topicrelay/topicrelay/internal/lockmap"
	"github.com/topicrelay/topicrelay/internal/relay"
	"github.com/topicrelay/topicrelay/internal/store"
	"github.com/topicrelay/topicrelay/internal/store/storetest"
	"github.com/topicrelay/topicrelay/internal/tg"
	"github.com/topicrelay/topicrelay/internal/tg/tgtest"
	"github.com/topicrelay/topicrelay/internal/webapp"
)

const testBotToken = "123456:ABC-DEF1234ghIkl-zyx57W2v1u123ew11"

type recordingDispatcher struct {
	mu      sync.Mutex
	updates []*tg.Update
}

func (d *recordingDispatcher) Dispatch(_ context.Context, upd *tg.Update) {
	d.mu.Lock()
	d.updates = append(d.updates, upd)
	d.mu.Unlock()
}

type noopBoards struct{}

func (noopBoards) UpdateInbox(context.Context, *store.User, string) {}
func (noopBoards) RemoveBlacklistCard(context.Context, string)      {}

type serverFixture struct {
	mem        *storetest.Memory
	cfg        *store.Config
	api        *tgtest.Fake
	dispatched *recordingDispatcher
	srv        *Server
	handler    http.Handler

	mu           sync.Mutex
	siteverifyCT string
}

// newServerFixture wires the server against an httptest siteverify
// endpoint that approves every token unless accept is false.
func newServerFixture(t *testing.T, accept bool) *serverFixture {
	t.Helper()
	f := &serverFixture{}
	siteverify := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.siteverifyCT = r.Header.Get("Content-Type")
		f.mu.Unlock()
		fmt.Fprintf(w, `{"success":%v}`, accept)
	}))
	t.Cleanup(siteverify.Close)

	api := tgtest.New()
	mem := storetest.NewMemory()
	cfg := store.NewConfig(mem)
	env := &config.Env{
		BotToken:           testBotToken,
		AdminGroupID:       -100123,
		AdminIDs:           []int64{1},
		WorkerURL:          "https://bot.example.com",
		TurnstileSiteKey:   "ts-site",
		TurnstileSecretKey: "ts-secret",
		RecaptchaSiteKey:   "rc-site",
		RecaptchaSecretKey: "rc-secret",
	}
	bot := tg.NewBot(api)
	engine := relay.New(bot, mem, mem, cfg, lockmap.New(), noopBoards{}, nil, env.AdminGroupID)
	machine := admission.New(bot, mem, cfg, env, engine, noopBoards{})
	dispatched := &recordingDispatcher{}

	srv := NewServer(env, cfg, captcha.NewWithEndpoints(siteverify.URL, siteverify.URL), machine,
		dispatched, func(fn func(ctx context.Context)) { fn(context.Background()) })
	f.mem, f.cfg, f.api, f.dispatched = mem, cfg, api, dispatched
	f.srv, f.handler = srv, srv.Routes()
	return f
}

func (f *serverFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// signedInitData builds a valid attestation for user 100.
func signedInitData(authDate time.Time) string {
	return webapp.Sign(map[string]string{
		"auth_date": fmt.Sprintf("%d", authDate.Unix()),
		"user":      `{"id":100,"first_name":"Alice","username":"alice"}`,
		"query_id":  "AAF9",
	}, testBotToken)
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t, true)
	rec := f.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestVerifyPageRendersWidget(t *testing.T) {
	f := newServerFixture(t, true)

	rec := f.do(t, http.MethodGet, "/verify?user_id=100", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "cf-turnstile")
	assert.Contains(t, body, "ts-site")
	assert.Contains(t, body, "telegram-web-app.js")
}

func TestVerifyPageRequiresUserID(t *testing.T) {
	f := newServerFixture(t, true)
	rec := f.do(t, http.MethodGet, "/verify", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// The widget follows the configured captcha_mode, not anything the
// client sends. Rotating the console to recaptcha must change the page.
func TestVerifyPageFollowsConfiguredMode(t *testing.T) {
	f := newServerFixture(t, true)
	ctx := context.Background()
	f.cfg.Set(ctx, "captcha_mode", "recaptcha")

	rec := f.do(t, http.MethodGet, "/verify?user_id=100", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "g-recaptcha")
	assert.Contains(t, body, "rc-site")
	assert.NotContains(t, body, "cf-turnstile")
}

// A mode query parameter must not override the configured provider.
func TestVerifyPageIgnoresModeQueryParam(t *testing.T) {
	f := newServerFixture(t, true)
	rec := f.do(t, http.MethodGet, "/verify?user_id=100&mode=recaptcha", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cf-turnstile")
	assert.NotContains(t, rec.Body.String(), "g-recaptcha")
}

func TestVerifyPageWithoutSiteKeyFails(t *testing.T) {
	f := newServerFixture(t, true)
	f.srv.Env.RecaptchaSiteKey = ""
	f.cfg.Set(context.Background(), "captcha_mode", "recaptcha")

	rec := f.do(t, http.MethodGet, "/verify?user_id=100", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitTokenHappyPath(t *testing.T) {
	f := newServerFixture(t, true)
	ctx := context.Background()
	_, err := f.mem.EnsureUser(ctx, "100", store.UserInfoPatch{})
	require.NoError(t, err)
	require.NoError(t, f.mem.SetState(ctx, "100", store.StatePendingTurnstile))
	f.cfg.Set(ctx, "enable_qa_verify", "false")

	body, _ := json.Marshal(map[string]string{
		"token":    "XXXX.DUMMY.TOKEN",
		"userId":   "100",
		"initData": signedInitData(time.Now()),
	})
	rec := f.do(t, http.MethodPost, "/submit_token", string(body))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])

	u, _ := f.mem.GetUser(ctx, "100")
	assert.Equal(t, store.StateVerified, u.State, "attested user advanced")
}

// The siteverify provider is chosen from config, never from the body.
// Recaptcha posts form-encoded; turnstile posts JSON, so the recorded
// Content-Type tells which secret path actually ran.
func TestSubmitTokenUsesConfiguredMode(t *testing.T) {
	f := newServerFixture(t, true)
	ctx := context.Background()
	f.cfg.Set(ctx, "captcha_mode", "recaptcha")
	f.cfg.Set(ctx, "enable_qa_verify", "false")

	body, _ := json.Marshal(map[string]string{
		"token":    "XXXX.DUMMY.TOKEN",
		"initData": signedInitData(time.Now()),
	})
	rec := f.do(t, http.MethodPost, "/submit_token", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	f.mu.Lock()
	ct := f.siteverifyCT
	f.mu.Unlock()
	assert.Contains(t, ct, "application/x-www-form-urlencoded")
}

func TestSubmitTokenIgnoresClaimedUserID(t *testing.T) {
	f := newServerFixture(t, true)
	ctx := context.Background()
	f.cfg.Set(ctx, "enable_qa_verify", "false")

	// The attacker claims another user in the body; the endpoint only
	// ever advances the attested id.
	body, _ := json.Marshal(map[string]string{
		"token":    "XXXX.DUMMY.TOKEN",
		"userId":   "999",
		"initData": signedInitData(time.Now()),
	})
	rec := f.do(t, http.MethodPost, "/submit_token", string(body))
	require.Equal(t, http.StatusOK, rec.Code)

	victim, _ := f.mem.GetUser(ctx, "999")
	assert.Nil(t, victim)
	attested, _ := f.mem.GetUser(ctx, "100")
	require.NotNil(t, attested)
	assert.Equal(t, store.StateVerified, attested.State)
}

func TestSubmitTokenRejectsTamperedInitData(t *testing.T) {
	f := newServerFixture(t, true)

	tampered := strings.Replace(signedInitData(time.Now()),
		"%22id%22%3A100", "%22id%22%3A999", 1)
	body, _ := json.Marshal(map[string]string{
		"token":    "XXXX.DUMMY.TOKEN",
		"initData": tampered,
	})
	rec := f.do(t, http.MethodPost, "/submit_token", string(body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "attestation")
}

func TestSubmitTokenRejectsExpiredInitData(t *testing.T) {
	f := newServerFixture(t, true)
	body, _ := json.Marshal(map[string]string{
		"token":    "XXXX.DUMMY.TOKEN",
		"initData": signedInitData(time.Now().Add(-time.Hour)),
	})
	rec := f.do(t, http.MethodPost, "/submit_token", string(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitTokenRejectsFailedCaptcha(t *testing.T) {
	f := newServerFixture(t, false)
	body, _ := json.Marshal(map[string]string{
		"token":    "XXXX.DUMMY.TOKEN",
		"initData": signedInitData(time.Now()),
	})
	rec := f.do(t, http.MethodPost, "/submit_token", string(body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "captcha rejected")
}

func TestSubmitTokenValidatesBody(t *testing.T) {
	f := newServerFixture(t, true)

	rec := f.do(t, http.MethodPost, "/submit_token", `{"userId":"100"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/submit_token", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookAcknowledgesAndDispatches(t *testing.T) {
	f := newServerFixture(t, true)

	rec := f.do(t, http.MethodPost, "/", `{"update_id":7,"message":{"message_id":1,"chat":{"id":100,"type":"private"},"text":"hi"}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	require.Len(t, f.dispatched.updates, 1)
	assert.Equal(t, int64(7), f.dispatched.updates[0].UpdateID)
}

func TestWebhookRejectsInvalidJSON(t *testing.T) {
	f := newServerFixture(t, true)
	rec := f.do(t, http.MethodPost, "/", `{"update_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.dispatched.updates)
}

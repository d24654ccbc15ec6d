package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeKV counts table loads so tests can observe cache behavior.
type fakeKV struct {
	mu    sync.Mutex
	data  map[string]string
	loads int
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]string{}}
}

func (f *fakeKV) LoadConfig(context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	out := make(map[string]string, len(f.data))
	for k, v := range f.data {
		out[k] = v
	}
	return out, nil
}

func (f *fakeKV) PutConfig(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeKV) DeleteConfig(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func TestConfigReadAfterWrite(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	cfg := NewConfig(kv)

	// Warm the cache.
	if got := cfg.Get(ctx, "welcome_msg"); got == "" {
		t.Fatal("expected built-in default for welcome_msg")
	}

	// A write must be visible immediately, regardless of cache age.
	if err := cfg.Set(ctx, "enable_text_forwarding", "false"); err != nil {
		t.Fatal(err)
	}
	if cfg.GetBool(ctx, "enable_text_forwarding") {
		t.Fatal("read after write returned stale value")
	}
}

func TestConfigCacheTTL(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	kv.data["verify_a"] = "42"
	cfg := NewConfig(kv)

	now := time.Now()
	cfg.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		if got := cfg.Get(ctx, "verify_a"); got != "42" {
			t.Fatalf("Get = %q, want 42", got)
		}
	}
	if kv.loads != 1 {
		t.Fatalf("loads = %d, want 1 (reads within TTL must hit the cache)", kv.loads)
	}

	// Past the TTL the table is re-read.
	now = now.Add(cacheTTL + time.Second)
	cfg.Get(ctx, "verify_a")
	if kv.loads != 2 {
		t.Fatalf("loads = %d, want 2 after TTL expiry", kv.loads)
	}
}

func TestConfigEnvFallback(t *testing.T) {
	ctx := context.Background()
	cfg := NewConfig(newFakeKV())

	t.Setenv("WELCOME_MESSAGE", "hi from env")
	t.Setenv("VERIFY_QUESTION", "q from env")
	t.Setenv("VERIFY_ANSWER", "a from env")
	t.Setenv("CAPTCHA_MODE", "recaptcha")

	cases := map[string]string{
		"welcome_msg":  "hi from env",
		"verify_q":     "q from env",
		"verify_a":     "a from env",
		"captcha_mode": "recaptcha",
	}
	for key, want := range cases {
		if got := cfg.Get(ctx, key); got != want {
			t.Errorf("Get(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestConfigJSONFailsClosed(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	kv.data["block_keywords"] = `not json`
	kv.data["keyword_responses"] = `{"also": "wrong shape"}`
	cfg := NewConfig(kv)

	if got := cfg.GetStringList(ctx, "block_keywords"); len(got) != 0 {
		t.Fatalf("GetStringList on malformed JSON = %v, want empty", got)
	}
	if got := cfg.GetRules(ctx); len(got) != 0 {
		t.Fatalf("GetRules on malformed JSON = %v, want empty", got)
	}
}

func TestAdminStateLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := NewConfig(newFakeKV())

	if _, ok := cfg.GetAdminState(ctx, 7); ok {
		t.Fatal("unexpected admin state before set")
	}

	st := AdminInputState{Action: "input", Key: "welcome_msg"}
	if err := cfg.SetAdminState(ctx, 7, st); err != nil {
		t.Fatal(err)
	}
	got, ok := cfg.GetAdminState(ctx, 7)
	if !ok || got.Action != "input" || got.Key != "welcome_msg" {
		t.Fatalf("GetAdminState = %+v, %v", got, ok)
	}

	// Concurrent admins have independent keys.
	if _, ok := cfg.GetAdminState(ctx, 8); ok {
		t.Fatal("admin 8 must not see admin 7's state")
	}

	if err := cfg.ClearAdminState(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if _, ok := cfg.GetAdminState(ctx, 7); ok {
		t.Fatal("admin state survived clear")
	}
}

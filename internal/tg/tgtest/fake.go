// Package tgtest provides a recording fake transport for tests.
package tgtest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Call is one recorded API invocation.
type Call struct {
	Method string
	Params map[string]any
}

// Fake implements tg.Caller. By default every method succeeds with a
// plausible result and an increasing message/thread id; individual
// methods can be failed via Fail or handled via Handler.
type Fake struct {
	mu    sync.Mutex
	calls []Call

	// Fail maps a method name to the error it should return.
	Fail map[string]error

	// Handler, when set, overrides the canned result for a method. A nil,
	// nil return falls through to the default result.
	Handler func(method string, params map[string]any) (any, error)

	nextID int64
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{Fail: make(map[string]error)}
}

// NextID returns a fresh id for canned results.
func (f *Fake) NextID() int64 {
	return atomic.AddInt64(&f.nextID, 1)
}

// Call records the invocation and synthesizes a result.
func (f *Fake) Call(_ context.Context, method string, params any) (json.RawMessage, error) {
	var m map[string]any
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		_ = json.Unmarshal(b, &m)
	}

	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, Params: m})
	fail := f.Fail[method]
	f.mu.Unlock()

	if fail != nil {
		return nil, fail
	}

	if f.Handler != nil {
		if res, err := f.Handler(method, m); err != nil {
			return nil, err
		} else if res != nil {
			return json.Marshal(res)
		}
	}

	switch method {
	case "sendMessage", "sendPhoto", "sendVideo", "sendAnimation", "forwardMessage":
		return json.Marshal(map[string]any{"message_id": f.NextID()})
	case "copyMessage":
		return json.Marshal(map[string]any{"message_id": f.NextID()})
	case "createForumTopic":
		return json.Marshal(map[string]any{"message_thread_id": f.NextID(), "name": m["name"]})
	default:
		return json.Marshal(true)
	}
}

// Calls returns a snapshot of all recorded invocations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns the recorded invocations of one method.
func (f *Fake) CallsTo(method string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears the recorded calls but keeps the failure programming.
func (f *Fake) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

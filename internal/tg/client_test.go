package tg

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottest-token/sendMessage" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if body["text"] != "hello" {
			t.Errorf("text = %v, want hello", body["text"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": 42},
		})
	}))
	defer srv.Close()

	c := NewClientWithBase("test-token", srv.URL)
	bot := NewBot(c)

	msg, err := bot.SendMessage(context.Background(), SendMessageParams{ChatID: 1, Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.MessageID != 42 {
		t.Fatalf("message_id = %d, want 42", msg.MessageID)
	}
}

func TestCallSurfacesPlatformError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"error_code":  400,
			"description": "Bad Request: message thread not found",
		})
	}))
	defer srv.Close()

	c := NewClientWithBase("t", srv.URL)
	_, err := c.Call(context.Background(), "forwardMessage", map[string]any{})
	if err == nil {
		t.Fatal("expected error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error is %T, want *APIError", err)
	}
	if apiErr.Description != "Bad Request: message thread not found" {
		t.Fatalf("description = %q", apiErr.Description)
	}
}

func TestIsTopicLost(t *testing.T) {
	cases := []struct {
		desc string
		want bool
	}{
		{"Bad Request: message thread not found", true},
		{"Bad Request: message to forward not found", true},
		{"Bad Request: THREAD_INVALID", true},
		{"Forbidden: bot was blocked by the user", false},
		{"Too Many Requests: retry after 5", false},
	}
	for _, tc := range cases {
		err := &APIError{Code: 400, Description: tc.desc}
		if got := IsTopicLost(err); got != tc.want {
			t.Errorf("IsTopicLost(%q) = %v, want %v", tc.desc, got, tc.want)
		}
	}

	if IsTopicLost(errors.New("thread not found")) {
		t.Error("plain errors must not classify as topic-lost")
	}
}

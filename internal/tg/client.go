// Package tg is a thin client for the chat platform's JSON API plus the
// typed request/response surface the rest of the service uses. There is
// deliberately no retry or backoff here; callers decide what a failure
// means for them.
package tg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultBaseURL = "https://api.telegram.org"

// Caller is the single-method transport contract. Everything above the
// wire (typed wrappers, the relay engine, the console) depends on this
// interface so tests can swap in a recording fake.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// APIError carries the platform's textual reason for a failed call.
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api: %d %s", e.Code, e.Description)
}

// IsTopicLost reports whether err is the platform telling us the target
// forum thread no longer exists. Recognition is by substring; the platform
// does not expose a structured code for this.
func IsTopicLost(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	desc := strings.ToLower(apiErr.Description)
	return strings.Contains(desc, "thread") || strings.Contains(desc, "not found")
}

// Client posts JSON method calls to the platform.
type Client struct {
	token   string
	baseURL string
	httpc   *http.Client
}

// NewClient builds a client for the given bot token.
func NewClient(token string) *Client {
	return &Client{
		token:   token,
		baseURL: defaultBaseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// NewClientWithBase builds a client against a non-default API host, used
// by tests.
func NewClientWithBase(token, baseURL string) *Client {
	c := NewClient(token)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// apiResponse is the platform's uniform envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// Call invokes one platform method. params is JSON-marshaled as the body;
// a nil params sends an empty object.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if params == nil {
		params = struct{}{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if !envelope.OK {
		log.Debug().Str("method", method).Int("code", envelope.ErrorCode).
			Str("description", envelope.Description).Msg("api call failed")
		return nil, &APIError{Code: envelope.ErrorCode, Description: envelope.Description}
	}
	return envelope.Result, nil
}

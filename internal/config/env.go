package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Env holds the static, process-level configuration read once at startup.
// Dynamic settings live in the config table behind store.Config; everything
// here either never changes at runtime or is a secret.
type Env struct {
	BotToken     string
	AdminGroupID int64
	AdminIDs     []int64
	WorkerURL    string

	TurnstileSiteKey   string
	TurnstileSecretKey string
	RecaptchaSiteKey   string
	RecaptchaSecretKey string

	DatabaseURL string
	HTTPAddr    string
}

// FromEnv reads and validates the process environment.
func FromEnv() (*Env, error) {
	e := &Env{
		BotToken:           os.Getenv("BOT_TOKEN"),
		WorkerURL:          strings.TrimRight(os.Getenv("WORKER_URL"), "/"),
		TurnstileSiteKey:   os.Getenv("TURNSTILE_SITE_KEY"),
		TurnstileSecretKey: os.Getenv("TURNSTILE_SECRET_KEY"),
		RecaptchaSiteKey:   os.Getenv("RECAPTCHA_SITE_KEY"),
		RecaptchaSecretKey: os.Getenv("RECAPTCHA_SECRET_KEY"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		HTTPAddr:           os.Getenv("HTTP_ADDR"),
	}
	if e.BotToken == "" {
		return nil, fmt.Errorf("BOT_TOKEN is required")
	}
	if e.HTTPAddr == "" {
		e.HTTPAddr = ":8080"
	}

	group := os.Getenv("ADMIN_GROUP_ID")
	if group == "" {
		return nil, fmt.Errorf("ADMIN_GROUP_ID is required")
	}
	gid, err := strconv.ParseInt(group, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("ADMIN_GROUP_ID must be numeric: %w", err)
	}
	e.AdminGroupID = gid

	for _, part := range strings.Split(os.Getenv("ADMIN_IDS"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ADMIN_IDS contains non-numeric entry %q", part)
		}
		e.AdminIDs = append(e.AdminIDs, id)
	}
	if len(e.AdminIDs) == 0 {
		return nil, fmt.Errorf("ADMIN_IDS is required")
	}

	return e, nil
}

// IsPrimaryAdmin reports whether id is in the env-var admin list. Primary
// admins own the console and the per-admin input state; the config-table
// authorized_admins list only grants reply and filter-bypass rights.
func (e *Env) IsPrimaryAdmin(id int64) bool {
	for _, a := range e.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}

// SiteKey returns the widget site key for the given captcha mode, or ""
// when the deployment is missing it.
func (e *Env) SiteKey(mode string) string {
	switch mode {
	case "recaptcha":
		return e.RecaptchaSiteKey
	default:
		return e.TurnstileSiteKey
	}
}

// SecretKey returns the siteverify secret for the given captcha mode.
func (e *Env) SecretKey(mode string) string {
	switch mode {
	case "recaptcha":
		return e.RecaptchaSecretKey
	default:
		return e.TurnstileSecretKey
	}
}

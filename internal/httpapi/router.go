// Package httpapi serves the public HTTP surface: the webhook receiver,
// the captcha mini-app page, and the token submission endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/topicrelay/topicrelay/internal/admission"
	"github.com/topicrelay/topicrelay/internal/captcha"
	"github.com/topicrelay/topicrelay/internal/config"
	"github.com/topicrelay/topicrelay/internal/store"
	"github.com/topicrelay/topicrelay/internal/tg"
)

// Dispatcher consumes parsed webhook updates after the HTTP response has
// been written.
type Dispatcher interface {
	Dispatch(ctx context.Context, upd *tg.Update)
}

// Spawner detaches webhook processing from the request lifetime.
type Spawner func(fn func(ctx context.Context))

// Server holds dependencies for the HTTP handlers.
type Server struct {
	Env       *config.Env
	Cfg       *store.Config
	Captcha   *captcha.Verifier
	Admission *admission.Machine
	Dispatch  Dispatcher
	Spawn     Spawner

	validate *validator.Validate
	now      func() time.Time
}

// NewServer wires the HTTP server.
func NewServer(env *config.Env, cfg *store.Config, verifier *captcha.Verifier,
	machine *admission.Machine, dispatch Dispatcher, spawn Spawner) *Server {
	return &Server{
		Env: env, Cfg: cfg, Captcha: verifier, Admission: machine, Dispatch: dispatch, Spawn: spawn,
		validate: validator.New(),
		now:      time.Now,
	}
}

// captchaMode resolves the active provider from dynamic configuration.
// The client never gets a say in which widget or secret is used.
func (s *Server) captchaMode(ctx context.Context) captcha.Mode {
	return captcha.ParseMode(s.Cfg.Get(ctx, "captcha_mode"))
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// Routes creates the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/verify", s.VerifyPage)
	r.Post("/submit_token", s.SubmitToken)
	r.Post("/", s.Webhook)

	log.Info().Msg("HTTP routes registered")
	return r
}

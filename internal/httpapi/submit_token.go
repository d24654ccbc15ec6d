package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/topicrelay/topicrelay/internal/webapp"
)

// submitTokenReq is the body posted by the verify page. UserID is
// display-only and never trusted; the mode is resolved server-side from
// config, never from the client.
type submitTokenReq struct {
	Token    string `json:"token" validate:"required"`
	UserID   string `json:"userId"`
	InitData string `json:"initData" validate:"required"`
}

type submitTokenResp struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SubmitToken validates the captcha token and the session attestation,
// then advances the attested user past the captcha gate. The user id in
// the page URL is never trusted; only the initData identity counts.
func (s *Server) SubmitToken(w http.ResponseWriter, r *http.Request) {
	var req submitTokenReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, submitTokenResp{Error: "invalid request body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, submitTokenResp{Error: "token and initData are required"})
		return
	}

	ident, err := webapp.Verify(req.InitData, s.Env.BotToken, s.now())
	if err != nil {
		log.Warn().Err(err).Msg("initData attestation rejected")
		writeJSON(w, http.StatusBadRequest, submitTokenResp{Error: "session attestation failed"})
		return
	}

	mode := s.captchaMode(r.Context())
	ok, err := s.Captcha.Verify(r.Context(), mode, s.Env.SecretKey(string(mode)), req.Token, r.RemoteAddr)
	if err != nil {
		log.Error().Err(err).Msg("siteverify call failed")
		writeJSON(w, http.StatusBadGateway, submitTokenResp{Error: "verification service unavailable"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusBadRequest, submitTokenResp{Error: "captcha rejected"})
		return
	}

	uid := ident.UserIDString()
	if err := s.Admission.CompleteCaptcha(r.Context(), uid); err != nil {
		log.Error().Err(err).Str("user_id", uid).Msg("captcha completion failed")
		writeJSON(w, http.StatusInternalServerError, submitTokenResp{Error: "internal error"})
		return
	}

	log.Info().Str("user_id", uid).Str("mode", string(mode)).Msg("captcha passed")
	writeJSON(w, http.StatusOK, submitTokenResp{Success: true})
}

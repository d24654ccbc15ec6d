package httpapi

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/rs/zerolog/log"
)

//go:embed templates/verify.html
var templateFS embed.FS

var verifyTmpl = template.Must(template.ParseFS(templateFS, "templates/verify.html"))

type verifyPageData struct {
	Mode      string
	SiteKey   string
	UserID    string
	SubmitURL string
}

// VerifyPage serves the captcha widget page opened inside the chat
// client's web view. The user_id query parameter is display-only; the
// identity that counts comes from the signed initData at submit time.
func (s *Server) VerifyPage(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}

	mode := string(s.captchaMode(r.Context()))
	siteKey := s.Env.SiteKey(mode)
	if siteKey == "" {
		log.Warn().Str("mode", mode).Msg("verify page requested without a site key")
		http.Error(w, "captcha not configured", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := verifyTmpl.Execute(w, verifyPageData{
		Mode:      mode,
		SiteKey:   siteKey,
		UserID:    userID,
		SubmitURL: "/submit_token",
	})
	if err != nil {
		log.Error().Err(err).Msg("verify page render failed")
	}
}

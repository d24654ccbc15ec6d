package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/topicrelay/topicrelay/internal/tg"
)

// Webhook receives one update push. The platform retries on any
// non-200, so the response is written before processing starts; a
// handler failure must not cause a redelivery storm.
func (s *Server) Webhook(w http.ResponseWriter, r *http.Request) {
	var upd tg.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		log.Warn().Err(err).Msg("webhook body is not a valid update")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))

	log.Debug().Int64("update_id", upd.UpdateID).Msg("update received")
	s.Spawn(func(ctx context.Context) {
		s.Dispatch.Dispatch(ctx, &upd)
	})
}

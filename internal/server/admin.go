package server

import (
	"encoding/json"
	"net/http"

	"github.com/clubpass/membersync/internal/store"
	"github.com/rs/zerolog/log"
)

// handleHealthz is a liveness probe.
func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz checks database connectivity (readiness probe).
func handleReadyz(users *store.UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if err := users.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

type statusResponse struct {
	Version   string `json:"version"`
	Users     int    `json:"users"`
	Referrals int    `json:"referrals"`
}

// handleStatus reports aggregate store counts.
func handleStatus(users *store.UserStore, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userCount, err := users.CountUsers()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		referralCount, err := users.CountReferrals()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statusResponse{
			Version:   version,
			Users:     userCount,
			Referrals: referralCount,
		}); err != nil {
			log.Error().Err(err).Msg("server: encode status response")
		}
	}
}

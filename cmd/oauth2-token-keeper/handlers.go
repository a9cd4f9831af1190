package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/voxhome/oauth2-token-keeper/internal/credstore"
	"github.com/voxhome/oauth2-token-keeper/internal/deviceauth"
	"github.com/voxhome/oauth2-token-keeper/internal/tokenmgr"
)

// Health check handler
func (s *server) handleHealth() http.HandlerFunc {
	type healthResponse struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:  "ok",
			Version: Version,
		}

		if err := s.checkHealth(r.Context()); err != nil {
			resp.Status = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		writeJSON(w, resp)
	}
}

// handleStartAuthorization begins a new device authorization session and
// returns the user-facing codes
func (s *server) handleStartAuthorization() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth, err := s.poller.Start(r.Context())
		if err != nil {
			s.logger.Error("starting device authorization", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable",
				"Could not reach the identity provider. Please try again.")
			return
		}
		writeJSON(w, auth)
	}
}

// handlePollAuthorization reports one poll outcome. Pending and slow-down are
// ordinary statuses, not errors; the UI keeps polling at the returned interval.
func (s *server) handlePollAuthorization() http.HandlerFunc {
	type pollResponse struct {
		Status   deviceauth.Status `json:"status"`
		Interval int               `json:"interval,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		result := s.poller.Poll(r.Context())
		writeJSON(w, pollResponse{
			Status:   result.Status,
			Interval: int(result.Interval.Seconds()),
		})
	}
}

// handleAuthorizationStatus lets a stateless UI re-render flow progress
func (s *server) handleAuthorizationStatus() http.HandlerFunc {
	type statusResponse struct {
		State         deviceauth.State          `json:"state"`
		Authorization *deviceauth.Authorization `json:"authorization,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		state, auth := s.poller.Status()
		writeJSON(w, statusResponse{State: state, Authorization: auth})
	}
}

// handleCancelAuthorization discards any in-flight session
func (s *server) handleCancelAuthorization() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.poller.Cancel()
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleToken serves a currently-valid access token to internal callers
func (s *server) handleToken() http.HandlerFunc {
	type tokenResponse struct {
		AccessToken string `json:"access_token"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		token, err := s.manager.GetValidAccessToken(r.Context())
		if err != nil {
			switch {
			case errors.Is(err, tokenmgr.ErrNotAuthenticated):
				// Must reach the UI untouched so it can prompt reconnection
				writeError(w, http.StatusUnauthorized, "not_authenticated",
					"No connected account. Reconnect to continue.")
			case errors.Is(err, tokenmgr.ErrRefreshFailed), errors.Is(err, credstore.ErrStoreUnavailable):
				writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable",
					"A temporary error occurred. Please try again.")
			default:
				s.logger.Error("getting access token", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "server_error",
					"An unexpected error occurred.")
			}
			return
		}
		writeJSON(w, tokenResponse{AccessToken: token})
	}
}

// handleDisconnect removes the stored credential
func (s *server) handleDisconnect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.manager.Disconnect(r.Context()); err != nil {
			s.logger.Error("disconnecting credential", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable",
				"A temporary error occurred. Please try again.")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "error encoding response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

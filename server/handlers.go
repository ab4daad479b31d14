package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/onnwee/chat-tender/manager"
	"github.com/onnwee/chat-tender/telemetry"
	"github.com/onnwee/chat-tender/token"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

// statusResponse is the /status body.
type statusResponse struct {
	Current       string           `json:"current,omitempty"`
	Connections   []manager.Status `json:"connections"`
	TokenExpiry   *time.Time       `json:"token_expiry,omitempty"`
	RotationFails int64            `json:"rotation_failures"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{
		Current:       s.mgr.Current(),
		Connections:   s.mgr.Statuses(),
		RotationFails: s.tokens.RotationFailures(),
	}
	if resp.Connections == nil {
		resp.Connections = []manager.Status{}
	}
	if cred, ok := s.tokens.Current(); ok {
		resp.TokenExpiry = &cred.ExpiresAt
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("status encode failed", "err", err)
	}
}

// handleAuthStart kicks off the authorization code grant by redirecting the
// browser to the identity provider.
func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	authURL, _, err := s.tokens.BeginAuthorize()
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("begin authorize failed", "err", err)
		http.Error(w, "authorization unavailable", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleAuthCallback finishes the grant: the state is validated against the
// value issued at start, then the code is exchanged and persisted.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errMsg := q.Get("error"); errMsg != "" {
		http.Error(w, "authorization denied: "+errMsg, http.StatusBadRequest)
		return
	}
	cred, err := s.tokens.CompleteAuthorize(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		log := telemetry.LoggerWithCorr(r.Context())
		switch {
		case errors.Is(err, token.ErrStateMismatch):
			log.Warn("oauth callback state mismatch")
			http.Error(w, "state mismatch", http.StatusBadRequest)
		default:
			log.Error("oauth exchange failed", "err", err)
			http.Error(w, "exchange failed", http.StatusBadGateway)
		}
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "authorization complete; token valid until %s\n", cred.ExpiresAt.Format(time.RFC3339))
}

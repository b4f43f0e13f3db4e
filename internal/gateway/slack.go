package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openclaw/openclaw/internal/dispatch"
)

const slackSignatureSkew = 5 * time.Minute

func (s *Server) matchSlack(r *http.Request) bool {
	cfg := s.cfg.Holder.Current().Slack
	if !cfg.Enabled {
		return false
	}
	return r.URL.Path == cfg.BasePath || strings.HasPrefix(r.URL.Path, cfg.BasePath+"/")
}

// handleSlack receives Slack Events API callbacks: answers URL verification
// challenges and turns message events into wake dispatches.
func (s *Server) handleSlack(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Holder.Current().Slack

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if !s.verifySlackSignature(r, cfg.SigningSecret, body) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var event struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
		Event     struct {
			Type string `json:"type"`
			Text string `json:"text"`
			User string `json:"user"`
		} `json:"event"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "url_verification":
		writeJSON(w, http.StatusOK, map[string]any{"challenge": event.Challenge})
	case "event_callback":
		if event.Event.Type == "message" && event.Event.Text != "" {
			err := s.cfg.Dispatcher.Wake(r.Context(), dispatch.WakeAction{
				Text: fmt.Sprintf("[slack:%s] %s", event.Event.User, event.Event.Text),
				Mode: dispatch.ModeNow,
			})
			if err != nil {
				s.logger.Error("slack wake dispatch failed", "error", err)
			}
		}
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) verifySlackSignature(r *http.Request, secret string, body []byte) bool {
	if secret == "" {
		return false
	}
	ts := r.Header.Get("X-Slack-Request-Timestamp")
	signature := r.Header.Get("X-Slack-Signature")
	if ts == "" || signature == "" {
		return false
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if d := time.Since(time.Unix(unix, 0)); d > slackSignatureSkew || d < -slackSignatureSkew {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:%s", ts, body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

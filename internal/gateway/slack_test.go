package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/openclaw/openclaw/internal/bus"
)

const slackSecret = "slack-signing-secret"

func enableSlack(d *testDeps) {
	cfg := d.holder.Current()
	cfg.Slack.Enabled = true
	cfg.Slack.BasePath = "/slack"
	cfg.Slack.SigningSecret = slackSecret
	d.holder.Replace(cfg)
}

func signSlack(secret, ts, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:%s", ts, body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func postSlack(d *testDeps, body string, sign bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	if sign {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-Slack-Request-Timestamp", ts)
		req.Header.Set("X-Slack-Signature", signSlack(slackSecret, ts, body))
	}
	w := httptest.NewRecorder()
	d.server.ServeHTTP(w, req)
	return w
}

func TestSlackDisabledFallsThrough(t *testing.T) {
	d := newTestServer(t)
	w := postSlack(d, `{}`, false)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when slack is disabled", w.Code)
	}
}

func TestSlackRejectsUnsignedRequests(t *testing.T) {
	d := newTestServer(t)
	enableSlack(d)
	if w := postSlack(d, `{"type":"url_verification"}`, false); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without signature", w.Code)
	}
}

func TestSlackRejectsStaleTimestamp(t *testing.T) {
	d := newTestServer(t)
	enableSlack(d)

	body := `{"type":"url_verification","challenge":"x"}`
	ts := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", signSlack(slackSecret, ts, body))
	w := httptest.NewRecorder()
	d.server.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for stale timestamp", w.Code)
	}
}

func TestSlackURLVerification(t *testing.T) {
	d := newTestServer(t)
	enableSlack(d)

	w := postSlack(d, `{"type":"url_verification","challenge":"echo-me"}`, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "echo-me") {
		t.Fatalf("body = %q, want echoed challenge", w.Body.String())
	}
}

func TestSlackMessageBecomesWake(t *testing.T) {
	d := newTestServer(t)
	enableSlack(d)
	sub := d.eventBus.Subscribe(bus.TopicHookWake)
	defer d.eventBus.Unsubscribe(sub)

	body := `{"type":"event_callback","event":{"type":"message","text":"deploy is done","user":"U123"}}`
	w := postSlack(d, body, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	select {
	case ev := <-sub.Ch():
		wake := ev.Payload.(bus.WakeDispatched)
		if wake.Text != "[slack:U123] deploy is done" {
			t.Fatalf("wake text = %q", wake.Text)
		}
	default:
		t.Fatal("no wake event published for slack message")
	}
}

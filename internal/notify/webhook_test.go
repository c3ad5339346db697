package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testMessage() Message {
	return Message{
		Event:         EventViolationOpened,
		ExpectationID: "e1",
		Name:          "nightly backup",
		Type:          "schedule",
		Code:          "missed",
		Text:          "Expected a start within 60s (+10s); last start was 100s ago.",
		Evidence:      map[string]any{"age_s": 100},
		DetectedAt:    1234,
	}
}

func TestGenericWebhookPayload(t *testing.T) {
	var got map[string]any
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
	}))
	defer srv.Close()

	hook := Webhook{Config: WebhookConfig{URL: srv.URL, Secret: "hush"}}
	if err := hook.Deliver(context.Background(), "", "", "", testMessage()); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if got["expectation_id"] != "e1" || got["code"] != "missed" || got["detected_at"] != float64(1234) {
		t.Fatalf("payload = %v", got)
	}
	evidence, ok := got["evidence"].(map[string]any)
	if !ok || evidence["age_s"] != float64(100) {
		t.Fatalf("evidence = %v", got["evidence"])
	}
	if headers.Get("X-Rewire-Event") != EventViolationOpened {
		t.Fatalf("event header = %q", headers.Get("X-Rewire-Event"))
	}
	if headers.Get("X-Rewire-Secret") != "hush" {
		t.Fatalf("secret header = %q", headers.Get("X-Rewire-Secret"))
	}
	if headers.Get("X-Rewire-Delivery") == "" {
		t.Fatal("missing delivery id")
	}
}

func TestWebhookNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	hook := Webhook{Config: WebhookConfig{URL: srv.URL}}
	if err := hook.Deliver(context.Background(), "", "", "", testMessage()); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestSlackPayloadShape(t *testing.T) {
	payload := slackPayload(testMessage())
	attachments := payload["attachments"].([]map[string]any)
	if len(attachments) != 1 {
		t.Fatalf("attachments = %v", attachments)
	}
	if attachments[0]["color"] != "#dc2626" {
		t.Fatalf("color = %v", attachments[0]["color"])
	}
	blocks := attachments[0]["blocks"].([]map[string]any)
	if len(blocks) != 4 || blocks[0]["type"] != "header" {
		t.Fatalf("blocks = %v", blocks)
	}
}

func TestDiscordPayloadShape(t *testing.T) {
	payload := discordPayload(testMessage())
	embeds := payload["embeds"].([]map[string]any)
	if len(embeds) != 1 {
		t.Fatalf("embeds = %v", embeds)
	}
	if embeds[0]["color"] != 0xdc2626 {
		t.Fatalf("color = %v", embeds[0]["color"])
	}
}

func TestEventColors(t *testing.T) {
	if eventColorHex(EventTestSent) != "#2563eb" || eventColorInt(EventTestExpired) != 0xf59e0b {
		t.Fatal("unexpected event colors")
	}
	if eventColorHex("other") != "#6b7280" {
		t.Fatal("unknown events use the neutral color")
	}
}

type stubNotifier struct {
	calls int
	err   error
}

func (s *stubNotifier) Deliver(context.Context, string, string, string, Message) error {
	s.calls++
	return s.err
}

func TestFanoutDeliversToAllAndReportsFirstError(t *testing.T) {
	a := &stubNotifier{err: errors.New("a failed")}
	b := &stubNotifier{}
	err := Fanout{a, b}.Deliver(context.Background(), "ops@example.com", "s", "b", testMessage())
	if err == nil || err.Error() != "a failed" {
		t.Fatalf("err = %v", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("calls = %d/%d", a.calls, b.calls)
	}
}

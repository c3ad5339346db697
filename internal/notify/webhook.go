package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Webhook kinds.
const (
	WebhookGeneric = "generic"
	WebhookSlack   = "slack"
	WebhookDiscord = "discord"
)

// WebhookConfig describes one webhook endpoint.
type WebhookConfig struct {
	URL      string
	Kind     string // generic | slack | discord
	Secret   string
	TimeoutS int
}

// Webhook posts violation and trial messages to an HTTP endpoint. The
// destination argument of Deliver is ignored; the target URL comes from
// configuration.
type Webhook struct {
	Config WebhookConfig
	Client *http.Client
}

func (w Webhook) Deliver(ctx context.Context, _, _, _ string, msg Message) error {
	var payload any
	switch w.Config.Kind {
	case WebhookSlack:
		payload = slackPayload(msg)
	case WebhookDiscord:
		payload = discordPayload(msg)
	default:
		payload = genericPayload(msg)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Config.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Rewire-Event", msg.Event)
	req.Header.Set("X-Rewire-Delivery", uuid.NewString())
	if strings.TrimSpace(w.Config.Secret) != "" {
		req.Header.Set("X-Rewire-Secret", w.Config.Secret)
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", w.Config.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// genericPayload is the documented webhook contract.
func genericPayload(msg Message) map[string]any {
	evidence := msg.Evidence
	if evidence == nil {
		evidence = map[string]any{}
	}
	return map[string]any{
		"expectation_id": msg.ExpectationID,
		"name":           msg.Name,
		"type":           msg.Type,
		"code":           msg.Code,
		"message":        msg.Text,
		"evidence":       evidence,
		"detected_at":    msg.DetectedAt,
	}
}

func eventColorHex(event string) string {
	switch event {
	case EventViolationOpened, EventViolationRenote:
		return "#dc2626"
	case EventTestSent:
		return "#2563eb"
	case EventTestExpired:
		return "#f59e0b"
	}
	return "#6b7280"
}

func eventColorInt(event string) int {
	switch event {
	case EventViolationOpened, EventViolationRenote:
		return 0xdc2626
	case EventTestSent:
		return 0x2563eb
	case EventTestExpired:
		return 0xf59e0b
	}
	return 0x6b7280
}

func slackPayload(msg Message) map[string]any {
	label := msg.Code
	if label == "" {
		label = "Info"
	}
	return map[string]any{
		"attachments": []map[string]any{{
			"color": eventColorHex(msg.Event),
			"blocks": []map[string]any{
				{
					"type": "header",
					"text": map[string]any{"type": "plain_text", "text": "Rewire: " + msg.Event},
				},
				{
					"type": "section",
					"fields": []map[string]any{
						{"type": "mrkdwn", "text": "*Expectation:*\n" + msg.Name},
						{"type": "mrkdwn", "text": "*Type:*\n" + msg.Type},
					},
				},
				{
					"type": "section",
					"text": map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*%s:* %s", label, msg.Text)},
				},
				{
					"type": "context",
					"elements": []map[string]any{
						{"type": "mrkdwn", "text": "ID: `" + msg.ExpectationID + "`"},
					},
				},
			},
		}},
	}
}

func discordPayload(msg Message) map[string]any {
	label := msg.Code
	if label == "" {
		label = "Info"
	}
	return map[string]any{
		"embeds": []map[string]any{{
			"title": "Rewire: " + msg.Event,
			"color": eventColorInt(msg.Event),
			"fields": []map[string]any{
				{"name": "Expectation", "value": msg.Name, "inline": true},
				{"name": "Type", "value": msg.Type, "inline": true},
				{"name": label, "value": msg.Text},
			},
			"footer": map[string]any{"text": "ID: " + msg.ExpectationID},
		}},
	}
}

// Package trial owns the lifecycle of synthetic alert trials: issue a
// pending trial, acknowledge it through the ack URL, or expire it when the
// ack window closes.
package trial

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"rewire/internal/domain"
	"rewire/internal/events"
	"rewire/internal/store"
	"rewire/internal/token"
)

type Manager struct {
	Store   store.Store
	Events  events.Writer
	BaseURL string
}

// AckURL builds the acknowledgement link for a trial id.
func (m Manager) AckURL(trialID string) string {
	return strings.TrimRight(m.BaseURL, "/") + "/ack/" + trialID
}

// Issue creates a pending trial with an unguessable id and appends a ping
// observation whose meta carries the ack URL. The ping resets the
// alert path's test timer.
func (m Manager) Issue(ctx context.Context, exp domain.Expectation) (domain.AlertTrial, error) {
	id := token.New()
	t, err := m.Store.CreateTrial(ctx, id, exp.ID)
	if err != nil {
		return domain.AlertTrial{}, fmt.Errorf("create trial: %w", err)
	}
	meta, _ := json.Marshal(map[string]any{
		"sent_trial": id,
		"ack_url":    m.AckURL(id),
	})
	if _, err := m.Store.AppendObservation(ctx, exp.ID, domain.KindPing, string(meta)); err != nil {
		return domain.AlertTrial{}, fmt.Errorf("append ping: %w", err)
	}
	_ = m.Events.Append(ctx, "trial.issued", exp.ID, "trial", id, events.EventPayload{"sent_at": t.SentAt})
	return t, nil
}

// Ack transitions pending -> acked. Returns true exactly once per trial;
// re-acks and acks of expired trials return false.
func (m Manager) Ack(ctx context.Context, trialID string) (bool, error) {
	ok, err := m.Store.AckTrial(ctx, trialID)
	if err != nil {
		return false, err
	}
	if ok {
		t, gerr := m.Store.GetTrial(ctx, trialID)
		expID := ""
		if gerr == nil {
			expID = t.ExpectationID
		}
		_ = m.Events.Append(ctx, "trial.acked", expID, "trial", trialID, nil)
	}
	return ok, nil
}

// Expire transitions pending -> expired; a no-op for any other status.
func (m Manager) Expire(ctx context.Context, expectationID, trialID string) error {
	if err := m.Store.ExpireTrial(ctx, trialID); err != nil {
		return err
	}
	_ = m.Events.Append(ctx, "trial.expired", expectationID, "trial", trialID, nil)
	return nil
}

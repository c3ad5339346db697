// Package checker reconciles the violation ledger with the rule
// evaluator's verdicts. The reconciler handles one expectation per call;
// the loop drives it across all enabled expectations every tick.
package checker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"rewire/internal/clock"
	"rewire/internal/domain"
	"rewire/internal/events"
	"rewire/internal/notify"
	"rewire/internal/rules"
	"rewire/internal/store"
	"rewire/internal/trial"
)

// observationWindow bounds how much history one evaluation reads. The
// rules only look at the last two starts and their surrounding ends, so a
// window this size is far more than they can consume.
const observationWindow = 80

type Reconciler struct {
	Store          store.Store
	Trials         trial.Manager
	Events         events.Writer
	Notifier       notify.Notifier
	Clock          clock.Clock
	RenotifyAfterS int64
	DeliverTimeout time.Duration
	Logger         *log.Logger
}

func (r Reconciler) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// Reconcile runs one reconciliation pass for one expectation: evaluate,
// close cleared codes, open new ones, re-notify stale ones. Closes commit
// before opens so a flapping code is never represented by two open rows.
func (r Reconciler) Reconcile(ctx context.Context, exp domain.Expectation) error {
	switch exp.Type {
	case domain.TypeSchedule:
		return r.reconcileSchedule(ctx, exp)
	case domain.TypeAlertPath:
		return r.reconcileAlertPath(ctx, exp)
	}
	return fmt.Errorf("unknown expectation type %q", exp.Type)
}

func (r Reconciler) reconcileSchedule(ctx context.Context, exp domain.Expectation) error {
	obs, err := r.Store.RecentObservations(ctx, exp.ID, observationWindow)
	if err != nil {
		return fmt.Errorf("read observations: %w", err)
	}
	verdict, err := rules.EvaluateSchedule(exp, obs, r.Clock.Now())
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if err := r.closeCodes(ctx, exp, verdict.Close); err != nil {
		return err
	}
	return r.openFindings(ctx, exp, verdict.Open)
}

func (r Reconciler) reconcileAlertPath(ctx context.Context, exp domain.Expectation) error {
	params, err := domain.ParseAlertPathParams(exp.ParamsJSON)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	now := r.Clock.Now()

	lastObs, err := r.Store.LastObservationAt(ctx, exp.ID, "")
	if err != nil {
		return fmt.Errorf("read last observation: %w", err)
	}
	if rules.ShouldIssueTrial(params, lastObs, now) {
		if err := r.issueTrial(ctx, exp); err != nil {
			return err
		}
	}

	pending, err := r.Store.PendingTrials(ctx, exp.ID)
	if err != nil {
		return fmt.Errorf("read pending trials: %w", err)
	}
	resolved, err := r.Store.LatestResolvedTrial(ctx, exp.ID)
	if err != nil {
		return fmt.Errorf("read resolved trial: %w", err)
	}
	verdict, err := rules.EvaluateAlertPath(exp, pending, resolved, now)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	// Expire before opening no_ack so the ledger never cites a trial that
	// is still pending.
	for _, id := range verdict.Expire {
		if err := r.Trials.Expire(ctx, exp.ID, id); err != nil {
			return fmt.Errorf("expire trial %s: %w", id, err)
		}
	}
	if verdict.CloseNoAck {
		if err := r.closeCodes(ctx, exp, []string{domain.CodeNoAck}); err != nil {
			return err
		}
	}
	return r.openFindings(ctx, exp, verdict.Open)
}

func (r Reconciler) issueTrial(ctx context.Context, exp domain.Expectation) error {
	t, err := r.Trials.Issue(ctx, exp)
	if err != nil {
		return fmt.Errorf("issue trial: %w", err)
	}
	ackURL := r.Trials.AckURL(t.ID)
	subject := fmt.Sprintf("[rewire] Alert-path test: %s", exp.Name)
	body := "This is a synthetic Rewire alert-path test.\n\n" +
		fmt.Sprintf("Path: %s\n", exp.Name) +
		fmt.Sprintf("Expectation ID: %s\n", exp.ID) +
		"To acknowledge delivery, open this link:\n" +
		ackURL + "\n\n" +
		"If no ack is received in time, Rewire will open a violation.\n"
	msg := notify.Message{
		Event:         notify.EventTestSent,
		ExpectationID: exp.ID,
		Name:          exp.Name,
		Type:          exp.Type,
		Text:          "Synthetic alert-path test sent.",
		DetectedAt:    t.SentAt,
	}
	if err := r.deliver(ctx, exp.OwnerContact, subject, body, msg); err != nil {
		// The trial stands either way; an undeliverable test is exactly
		// what the ack window will expose.
		r.logger().Printf("checker: test notification for %s failed: %v", exp.ID, err)
	}
	return nil
}

func (r Reconciler) closeCodes(ctx context.Context, exp domain.Expectation, codes []string) error {
	if len(codes) == 0 {
		return nil
	}
	n, err := r.Store.CloseViolations(ctx, exp.ID, codes)
	if err != nil {
		return fmt.Errorf("close violations: %w", err)
	}
	if n > 0 {
		_ = r.Events.Append(ctx, "violation.closed", exp.ID, "violation", "", events.EventPayload{
			"codes":  codes,
			"closed": n,
		})
	}
	return nil
}

func (r Reconciler) openFindings(ctx context.Context, exp domain.Expectation, findings []rules.Finding) error {
	now := r.Clock.Now()
	for _, f := range findings {
		existing, err := r.Store.OpenViolation(ctx, exp.ID, f.Code)
		if errors.Is(err, store.ErrNotFound) {
			evidence, merr := json.Marshal(f.Evidence)
			if merr != nil {
				return fmt.Errorf("marshal evidence: %w", merr)
			}
			vid, cerr := r.Store.CreateViolation(ctx, exp.ID, f.Code, f.Message, string(evidence))
			if cerr != nil {
				return fmt.Errorf("create violation: %w", cerr)
			}
			_ = r.Events.Append(ctx, "violation.opened", exp.ID, "violation",
				fmt.Sprintf("%d", vid), events.EventPayload{"code": f.Code})
			r.notifyViolation(ctx, exp, vid, f.Code, f.Message, f.Evidence, notify.EventViolationOpened)
			continue
		}
		if err != nil {
			return fmt.Errorf("read open violation: %w", err)
		}
		// Already open. Retry a never-delivered notification, or
		// re-notify once the configured interval has elapsed. Either way
		// the message carries the original evidence, not refreshed facts.
		stale := existing.LastNotifiedAt == nil ||
			(r.RenotifyAfterS > 0 && now-*existing.LastNotifiedAt >= r.RenotifyAfterS)
		if stale {
			var evidence map[string]any
			_ = json.Unmarshal([]byte(existing.EvidenceJSON), &evidence)
			r.notifyViolation(ctx, exp, existing.ID, existing.Code, existing.Message, evidence, notify.EventViolationRenote)
		}
	}
	return nil
}

func (r Reconciler) notifyViolation(ctx context.Context, exp domain.Expectation, violationID int64, code, message string, evidence map[string]any, event string) {
	subject := fmt.Sprintf("[rewire] VIOLATION %s: %s", code, exp.Name)
	evidencePretty, _ := json.MarshalIndent(evidence, "", "  ")
	body := "Rewire detected an expectation violation.\n\n" +
		fmt.Sprintf("Name: %s\n", exp.Name) +
		fmt.Sprintf("Type: %s\n", exp.Type) +
		fmt.Sprintf("Code: %s\n", code) +
		fmt.Sprintf("Message: %s\n\n", message) +
		fmt.Sprintf("Evidence:\n%s\n\n", evidencePretty) +
		"Rewire reports only mismatches it can justify with evidence.\n"
	msg := notify.Message{
		Event:         event,
		ExpectationID: exp.ID,
		Name:          exp.Name,
		Type:          exp.Type,
		Code:          code,
		Text:          message,
		Evidence:      evidence,
		DetectedAt:    r.Clock.Now(),
	}
	if err := r.deliver(ctx, exp.OwnerContact, subject, body, msg); err != nil {
		// last_notified_at stays untouched so the next tick retries.
		r.logger().Printf("checker: notification for %s/%s failed: %v", exp.ID, code, err)
		return
	}
	if err := r.Store.MarkNotified(ctx, violationID); err != nil {
		r.logger().Printf("checker: mark notified %d: %v", violationID, err)
	}
}

func (r Reconciler) deliver(ctx context.Context, destination, subject, body string, msg notify.Message) error {
	if r.Notifier == nil {
		return nil
	}
	timeout := r.DeliverTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.Notifier.Deliver(dctx, destination, subject, body, msg)
}

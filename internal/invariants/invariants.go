// Package invariants audits a live database against the contracts the
// rest of the system is supposed to maintain: missed and longrun
// violations exist iff evidence justifies them, at most one violation per
// code is open, trial transitions are consistent, and the observation log
// is monotonic. It reads only; a failed check is a bug
// report, not something to repair in place.
package invariants

import (
	"context"
	"fmt"

	"rewire/internal/clock"
	"rewire/internal/domain"
	"rewire/internal/store"
)

type Result struct {
	Name    string         `json:"name"`
	Passed  bool           `json:"passed"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type Checker struct {
	Store store.Store
	Clock clock.Clock
}

// CheckAll runs every invariant check. Returns (passed, failed, results).
func (c Checker) CheckAll(ctx context.Context) (int, int, []Result, error) {
	var results []Result
	for _, fn := range []func(context.Context) ([]Result, error){
		c.checkMissedBiconditional,
		c.checkLongrunBiconditional,
		c.checkTrialStates,
		c.checkObservationMonotonicity,
		c.checkSingleOpenPerCode,
	} {
		rs, err := fn(ctx)
		if err != nil {
			return 0, 0, nil, err
		}
		results = append(results, rs...)
	}
	passed, failed := 0, 0
	for _, r := range results {
		if r.Passed {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed, results, nil
}

// A missed violation exists iff time since last start exceeds the
// threshold. With no start ever recorded no claim is justified.
func (c Checker) checkMissedBiconditional(ctx context.Context) ([]Result, error) {
	now := c.Clock.Now()
	exps, err := c.Store.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, exp := range exps {
		if exp.Type != domain.TypeSchedule {
			continue
		}
		threshold := exp.ExpectedIntervalS + exp.ToleranceS
		lastStart, err := c.Store.LastObservationAt(ctx, exp.ID, domain.KindStart)
		if err != nil {
			return nil, err
		}
		shouldBeMissed := lastStart != nil && now-*lastStart > threshold
		hasViolation, err := c.hasOpen(ctx, exp.ID, domain.CodeMissed)
		if err != nil {
			return nil, err
		}
		name := "missed_biconditional:" + exp.ID
		if shouldBeMissed == hasViolation {
			results = append(results, Result{Name: name, Passed: true, Message: "missed state matches evidence"})
			continue
		}
		details := map[string]any{"threshold": threshold, "now": now}
		if lastStart != nil {
			details["last_start"] = *lastStart
			details["age_s"] = now - *lastStart
		}
		results = append(results, Result{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("mismatch: should_be_missed=%v has_violation=%v", shouldBeMissed, hasViolation),
			Details: details,
		})
	}
	return results, nil
}

// A longrun violation exists iff the job appears running past max_runtime.
func (c Checker) checkLongrunBiconditional(ctx context.Context) ([]Result, error) {
	now := c.Clock.Now()
	exps, err := c.Store.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, exp := range exps {
		if exp.Type != domain.TypeSchedule {
			continue
		}
		params, err := domain.ParseScheduleParams(exp.ParamsJSON)
		if err != nil || params.MaxRuntimeS == 0 {
			continue
		}
		lastStart, err := c.Store.LastObservationAt(ctx, exp.ID, domain.KindStart)
		if err != nil {
			return nil, err
		}
		lastEnd, err := c.Store.LastObservationAt(ctx, exp.ID, domain.KindEnd)
		if err != nil {
			return nil, err
		}
		running := lastStart != nil && (lastEnd == nil || *lastStart > *lastEnd)
		shouldBeLongrun := running && now-*lastStart > params.MaxRuntimeS
		hasViolation, err := c.hasOpen(ctx, exp.ID, domain.CodeLongrun)
		if err != nil {
			return nil, err
		}
		name := "longrun_biconditional:" + exp.ID
		if shouldBeLongrun == hasViolation {
			results = append(results, Result{Name: name, Passed: true, Message: "longrun state matches evidence"})
			continue
		}
		results = append(results, Result{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("mismatch: should_be_longrun=%v has_violation=%v", shouldBeLongrun, hasViolation),
			Details: map[string]any{"running": running, "max_runtime_s": params.MaxRuntimeS},
		})
	}
	return results, nil
}

// Acked trials carry an ack timestamp no earlier than sent_at; expired
// trials carry none.
func (c Checker) checkTrialStates(ctx context.Context) ([]Result, error) {
	rows, err := c.Store.DB.QueryContext(ctx, `SELECT id,sent_at,acked_at,status FROM alert_trials`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []Result
	for rows.Next() {
		var id, status string
		var sentAt int64
		var ackedAt *int64
		if err := rows.Scan(&id, &sentAt, &ackedAt, &status); err != nil {
			return nil, err
		}
		switch status {
		case domain.TrialAcked:
			ok := ackedAt != nil && *ackedAt >= sentAt
			msg := "acked trial has consistent timestamp"
			if !ok {
				msg = "acked trial missing or inconsistent acked_at"
			}
			results = append(results, Result{Name: "acked_has_timestamp:" + id, Passed: ok, Message: msg})
		case domain.TrialExpired:
			ok := ackedAt == nil
			msg := "expired trial has no acked_at"
			if !ok {
				msg = fmt.Sprintf("expired trial has acked_at=%d", *ackedAt)
			}
			results = append(results, Result{Name: "expired_not_acked:" + id, Passed: ok, Message: msg})
		}
	}
	return results, rows.Err()
}

// Observations are append-only with non-decreasing timestamps.
func (c Checker) checkObservationMonotonicity(ctx context.Context) ([]Result, error) {
	exps, err := c.Store.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, exp := range exps {
		obs, err := c.Store.RecentObservations(ctx, exp.ID, 1000)
		if err != nil {
			return nil, err
		}
		monotonic := true
		for i := 1; i < len(obs); i++ {
			if obs[i].ObservedAt > obs[i-1].ObservedAt {
				monotonic = false
				break
			}
		}
		name := "observation_monotonic:" + exp.ID
		if monotonic {
			results = append(results, Result{Name: name, Passed: true,
				Message: fmt.Sprintf("observations monotonic (%d checked)", len(obs))})
		} else {
			results = append(results, Result{Name: name, Passed: false,
				Message: "observation timestamps not monotonic"})
		}
	}
	return results, nil
}

// At most one open violation per (expectation, code).
func (c Checker) checkSingleOpenPerCode(ctx context.Context) ([]Result, error) {
	rows, err := c.Store.DB.QueryContext(ctx, `SELECT expectation_id, code, COUNT(*)
FROM violations WHERE is_open=1 GROUP BY expectation_id, code HAVING COUNT(*) > 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []Result
	for rows.Next() {
		var expID, code string
		var n int
		if err := rows.Scan(&expID, &code, &n); err != nil {
			return nil, err
		}
		results = append(results, Result{
			Name:    "single_open_per_code:" + expID + "/" + code,
			Passed:  false,
			Message: fmt.Sprintf("%d open rows for one code", n),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		results = append(results, Result{
			Name:    "single_open_per_code",
			Passed:  true,
			Message: "no duplicate open violations",
		})
	}
	return results, nil
}

func (c Checker) hasOpen(ctx context.Context, expectationID, code string) (bool, error) {
	_, err := c.Store.OpenViolation(ctx, expectationID, code)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

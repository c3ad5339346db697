// Package rules is the rule evaluator: a pure, deterministic function of
// an expectation, its observation history, and the current time. It does
// no I/O; the checker feeds it snapshots and applies its verdicts.
package rules

import (
	"fmt"

	"rewire/internal/domain"
)

// Finding is one violation the evaluator wants open, with the evidence
// that justifies it.
type Finding struct {
	Code     string
	Message  string
	Evidence map[string]any
}

// Verdict is the evaluator's decision for one schedule expectation at one
// instant. Open and Close are disjoint: a code appears in at most one.
type Verdict struct {
	Open  []Finding
	Close []string
}

// AlertVerdict is the evaluator's decision for one alert-path expectation.
type AlertVerdict struct {
	Expire     []string
	Open       []Finding
	CloseNoAck bool
}

// EvaluateSchedule applies the missed, longrun, overlap and spacing rules
// against an observation history sorted newest first. Rules fire
// independently; thresholds are strict (age == threshold is not a breach).
func EvaluateSchedule(exp domain.Expectation, obs []domain.Observation, now int64) (Verdict, error) {
	params, err := domain.ParseScheduleParams(exp.ParamsJSON)
	if err != nil {
		return Verdict{}, err
	}

	var v Verdict
	threshold := exp.ExpectedIntervalS + exp.ToleranceS

	lastStart := firstOfKind(obs, domain.KindStart)

	// missed: with no start ever recorded there is no evidence either way.
	if lastStart != nil {
		age := now - lastStart.ObservedAt
		if age > threshold {
			v.Open = append(v.Open, Finding{
				Code: domain.CodeMissed,
				Message: fmt.Sprintf("Expected a start within %ds (+%ds); last start was %ds ago.",
					exp.ExpectedIntervalS, exp.ToleranceS, age),
				Evidence: map[string]any{
					"last_start_at": lastStart.ObservedAt,
					"age_s":         age,
					"expected_s":    exp.ExpectedIntervalS,
					"tolerance_s":   exp.ToleranceS,
				},
			})
		} else {
			v.Close = append(v.Close, domain.CodeMissed)
		}
	}

	var endAfter, endBefore *domain.Observation
	if lastStart != nil {
		endAfter = firstEndAtOrAfter(obs, lastStart.ObservedAt)
		endBefore = firstEndBefore(obs, lastStart.ObservedAt)
	}
	running := lastStart != nil && endAfter == nil

	// longrun: only meaningful while the job appears to be running.
	if params.MaxRuntimeS > 0 {
		if running {
			runFor := now - lastStart.ObservedAt
			if runFor > params.MaxRuntimeS {
				v.Open = append(v.Open, Finding{
					Code: domain.CodeLongrun,
					Message: fmt.Sprintf("Run exceeded max_runtime_s=%d; running for %ds.",
						params.MaxRuntimeS, runFor),
					Evidence: map[string]any{
						"start_at":      lastStart.ObservedAt,
						"running_for_s": runFor,
						"max_runtime_s": params.MaxRuntimeS,
					},
				})
			} else {
				v.Close = append(v.Close, domain.CodeLongrun)
			}
		} else {
			v.Close = append(v.Close, domain.CodeLongrun)
		}
	}

	// overlap: a second start with no intervening end while running.
	if !params.AllowOverlap {
		open := false
		if running {
			second := secondOfKind(obs, domain.KindStart)
			if second != nil && second.ObservedAt < lastStart.ObservedAt &&
				(endBefore == nil || second.ObservedAt >= endBefore.ObservedAt) {
				open = true
				v.Open = append(v.Open, Finding{
					Code:    domain.CodeOverlap,
					Message: "Detected overlapping runs.",
					Evidence: map[string]any{
						"newest_start_at": lastStart.ObservedAt,
						"other_start_at":  second.ObservedAt,
					},
				})
			}
		}
		if !open {
			v.Close = append(v.Close, domain.CodeOverlap)
		}
	}

	// spacing: judged only on a completed run.
	if params.MinSpacingS > 0 && endAfter != nil {
		open := false
		if endBefore != nil {
			gap := lastStart.ObservedAt - endBefore.ObservedAt
			if gap < params.MinSpacingS {
				open = true
				v.Open = append(v.Open, Finding{
					Code: domain.CodeSpacing,
					Message: fmt.Sprintf("Start occurred %ds after previous end; min_spacing_s=%d.",
						gap, params.MinSpacingS),
					Evidence: map[string]any{
						"gap_s":         gap,
						"min_spacing_s": params.MinSpacingS,
						"prev_end_at":   endBefore.ObservedAt,
						"start_at":      lastStart.ObservedAt,
					},
				})
			}
		}
		if !open {
			v.Close = append(v.Close, domain.CodeSpacing)
		}
	}

	return v, nil
}

// ShouldIssueTrial decides whether it is time to send a synthetic
// alert-path test. An observation of any kind resets the timer.
func ShouldIssueTrial(params domain.AlertPathParams, lastObservationAt *int64, now int64) bool {
	if lastObservationAt == nil {
		return true
	}
	return now-*lastObservationAt >= params.TestIntervalS
}

// EvaluateAlertPath decides which pending trials have outlived the ack
// window and whether no_ack should be open. A no_ack stays open until a
// later trial is acknowledged: the most recent resolved trial is the
// evidence for the path's current state.
func EvaluateAlertPath(exp domain.Expectation, pending []domain.AlertTrial, latestResolved *domain.AlertTrial, now int64) (AlertVerdict, error) {
	params, err := domain.ParseAlertPathParams(exp.ParamsJSON)
	if err != nil {
		return AlertVerdict{}, err
	}
	var v AlertVerdict
	window := params.AckWindowS + exp.ToleranceS
	for _, t := range pending {
		age := now - t.SentAt
		if age > window {
			v.Expire = append(v.Expire, t.ID)
			v.Open = append(v.Open, Finding{
				Code: domain.CodeNoAck,
				Message: fmt.Sprintf("No ACK received within %ds (+%ds).",
					params.AckWindowS, exp.ToleranceS),
				Evidence: map[string]any{
					"trial_id": t.ID,
					"sent_at":  t.SentAt,
					"age_s":    age,
				},
			})
		}
	}
	if len(v.Expire) == 0 {
		v.CloseNoAck = latestResolved == nil || latestResolved.Status == domain.TrialAcked
	}
	return v, nil
}

func firstOfKind(obs []domain.Observation, kind string) *domain.Observation {
	for i := range obs {
		if obs[i].Kind == kind {
			return &obs[i]
		}
	}
	return nil
}

func secondOfKind(obs []domain.Observation, kind string) *domain.Observation {
	seen := 0
	for i := range obs {
		if obs[i].Kind == kind {
			seen++
			if seen == 2 {
				return &obs[i]
			}
		}
	}
	return nil
}

func firstEndAtOrAfter(obs []domain.Observation, at int64) *domain.Observation {
	for i := range obs {
		if obs[i].Kind == domain.KindEnd && obs[i].ObservedAt >= at {
			return &obs[i]
		}
	}
	return nil
}

func firstEndBefore(obs []domain.Observation, at int64) *domain.Observation {
	for i := range obs {
		if obs[i].Kind == domain.KindEnd && obs[i].ObservedAt < at {
			return &obs[i]
		}
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"rewire/internal/clock"
	"rewire/internal/domain"
)

// Store is the transactional interface over the four entities. Every
// operation commits before returning; observed_at and detected_at are
// stamped from the Clock, never supplied by callers outside this package.
type Store struct {
	DB    *sql.DB
	Clock clock.Clock
}

var ErrNotFound = errors.New("not found")

func (s Store) now() int64 {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return clock.System{}.Now()
}

// === Expectations ===

func (s Store) CreateExpectation(ctx context.Context, e domain.Expectation) error {
	if !domain.ValidType(e.Type) {
		return fmt.Errorf("type must be schedule|alert_path")
	}
	if e.ExpectedIntervalS < 60 {
		return fmt.Errorf("expected_interval_s must be >= 60")
	}
	if e.ToleranceS < 0 {
		return fmt.Errorf("tolerance_s must be >= 0")
	}
	t := s.now()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO expectations
(id,type,name,owner_contact,expected_interval_s,tolerance_s,params_json,is_enabled,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,1,?,?)`,
		e.ID, e.Type, e.Name, e.OwnerContact, e.ExpectedIntervalS, e.ToleranceS, e.ParamsJSON, t, t)
	return err
}

func scanExpectation(row interface{ Scan(...any) error }) (domain.Expectation, error) {
	var e domain.Expectation
	var enabled int
	err := row.Scan(&e.ID, &e.Type, &e.Name, &e.OwnerContact, &e.ExpectedIntervalS,
		&e.ToleranceS, &e.ParamsJSON, &enabled, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.Enabled = enabled == 1
	return e, err
}

const expectationCols = `id,type,name,owner_contact,expected_interval_s,tolerance_s,params_json,is_enabled,created_at,updated_at`

func (s Store) GetExpectation(ctx context.Context, id string) (domain.Expectation, error) {
	return scanExpectation(s.DB.QueryRowContext(ctx,
		`SELECT `+expectationCols+` FROM expectations WHERE id=?`, id))
}

func (s Store) ListEnabled(ctx context.Context) ([]domain.Expectation, error) {
	return s.listExpectations(ctx, `SELECT `+expectationCols+` FROM expectations WHERE is_enabled=1 ORDER BY created_at, id`)
}

func (s Store) ListExpectations(ctx context.Context) ([]domain.Expectation, error) {
	return s.listExpectations(ctx, `SELECT `+expectationCols+` FROM expectations ORDER BY created_at, id`)
}

func (s Store) listExpectations(ctx context.Context, query string, args ...any) ([]domain.Expectation, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Expectation
	for rows.Next() {
		e, err := scanExpectation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// SetEnabled flips the enable flag. Returns ErrNotFound for unknown ids.
func (s Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE expectations SET is_enabled=?, updated_at=? WHERE id=?`,
		v, s.now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// === Observations ===

// AppendObservation records one observation, stamping observed_at from the
// Clock in the same statement that assigns the sequence number. Returns the
// assigned seq.
func (s Store) AppendObservation(ctx context.Context, expectationID, kind, meta string) (int64, error) {
	if !domain.ValidKind(kind) {
		return 0, fmt.Errorf("kind must be start|end|ping|ack")
	}
	if len(meta) > domain.MaxObservationMeta {
		return 0, fmt.Errorf("meta exceeds %d bytes", domain.MaxObservationMeta)
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO observations(expectation_id,kind,observed_at,meta) VALUES (?,?,?,?)`,
		expectationID, kind, s.now(), nullable(meta))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecentObservations returns up to limit observations, newest first.
func (s Store) RecentObservations(ctx context.Context, expectationID string, limit int) ([]domain.Observation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT seq,expectation_id,kind,observed_at,COALESCE(meta,'')
FROM observations WHERE expectation_id=? ORDER BY observed_at DESC, seq DESC LIMIT ?`, expectationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Observation
	for rows.Next() {
		var o domain.Observation
		if err := rows.Scan(&o.Seq, &o.ExpectationID, &o.Kind, &o.ObservedAt, &o.Meta); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// LastObservationAt returns the timestamp of the most recent observation,
// optionally filtered by kind (empty kind matches any). Returns nil when
// no observation exists.
func (s Store) LastObservationAt(ctx context.Context, expectationID, kind string) (*int64, error) {
	query := `SELECT observed_at FROM observations WHERE expectation_id=?`
	args := []any{expectationID}
	if kind != "" {
		query += ` AND kind=?`
		args = append(args, kind)
	}
	query += ` ORDER BY observed_at DESC, seq DESC LIMIT 1`
	var t int64
	err := s.DB.QueryRowContext(ctx, query, args...).Scan(&t)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// === Alert trials ===

func (s Store) CreateTrial(ctx context.Context, id, expectationID string) (domain.AlertTrial, error) {
	t := domain.AlertTrial{
		ID:            id,
		ExpectationID: expectationID,
		SentAt:        s.now(),
		Status:        domain.TrialPending,
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO alert_trials(id,expectation_id,sent_at,acked_at,status) VALUES (?,?,?,NULL,'pending')`,
		t.ID, t.ExpectationID, t.SentAt)
	return t, err
}

func (s Store) GetTrial(ctx context.Context, id string) (domain.AlertTrial, error) {
	var t domain.AlertTrial
	var acked sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		`SELECT id,expectation_id,sent_at,acked_at,status FROM alert_trials WHERE id=?`, id).
		Scan(&t.ID, &t.ExpectationID, &t.SentAt, &acked, &t.Status)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if acked.Valid {
		t.AckedAt = &acked.Int64
	}
	return t, err
}

// AckTrial transitions pending -> acked. The compare-and-set in the WHERE
// clause makes simultaneous acks safe: exactly one observes the
// transition; later attempts return false.
func (s Store) AckTrial(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE alert_trials SET acked_at=?, status='acked' WHERE id=? AND status='pending'`,
		s.now(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ExpireTrial transitions pending -> expired. acked_at stays NULL.
func (s Store) ExpireTrial(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE alert_trials SET status='expired' WHERE id=? AND status='pending'`, id)
	return err
}

func (s Store) PendingTrials(ctx context.Context, expectationID string) ([]domain.AlertTrial, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,expectation_id,sent_at,acked_at,status FROM alert_trials
WHERE expectation_id=? AND status='pending' ORDER BY sent_at, id`, expectationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AlertTrial
	for rows.Next() {
		var t domain.AlertTrial
		var acked sql.NullInt64
		if err := rows.Scan(&t.ID, &t.ExpectationID, &t.SentAt, &acked, &t.Status); err != nil {
			return nil, err
		}
		if acked.Valid {
			t.AckedAt = &acked.Int64
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// LatestResolvedTrial returns the most recently sent trial that is no
// longer pending, or nil when none exists. This is the evidence the
// evaluator uses to decide whether the alert path currently works.
func (s Store) LatestResolvedTrial(ctx context.Context, expectationID string) (*domain.AlertTrial, error) {
	var t domain.AlertTrial
	var acked sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		`SELECT id,expectation_id,sent_at,acked_at,status FROM alert_trials
WHERE expectation_id=? AND status != 'pending' ORDER BY sent_at DESC, id DESC LIMIT 1`, expectationID).
		Scan(&t.ID, &t.ExpectationID, &t.SentAt, &acked, &t.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if acked.Valid {
		t.AckedAt = &acked.Int64
	}
	return &t, nil
}

// === Violations ===

func scanViolation(row interface{ Scan(...any) error }) (domain.Violation, error) {
	var v domain.Violation
	var open int
	var notified sql.NullInt64
	err := row.Scan(&v.ID, &v.ExpectationID, &v.Code, &v.DetectedAt, &v.Message,
		&v.EvidenceJSON, &open, &notified)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	v.IsOpen = open == 1
	if notified.Valid {
		v.LastNotifiedAt = &notified.Int64
	}
	return v, err
}

const violationCols = `id,expectation_id,code,detected_at,message,evidence_json,is_open,last_notified_at`

// OpenViolation returns the open violation for (expectation, code), or
// ErrNotFound. At most one such row exists at any instant.
func (s Store) OpenViolation(ctx context.Context, expectationID, code string) (domain.Violation, error) {
	return scanViolation(s.DB.QueryRowContext(ctx,
		`SELECT `+violationCols+` FROM violations
WHERE expectation_id=? AND code=? AND is_open=1 ORDER BY detected_at DESC LIMIT 1`,
		expectationID, code))
}

func (s Store) CreateViolation(ctx context.Context, expectationID, code, message, evidenceJSON string) (int64, error) {
	if evidenceJSON == "" {
		return 0, fmt.Errorf("violation requires evidence")
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO violations
(expectation_id,code,detected_at,message,evidence_json,is_open,last_notified_at)
VALUES (?,?,?,?,?,1,NULL)`,
		expectationID, code, s.now(), message, evidenceJSON)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CloseViolations closes every currently-open row matching any of the
// codes. Closing a non-open code is a no-op; the call is idempotent.
// Returns the number of rows closed.
func (s Store) CloseViolations(ctx context.Context, expectationID string, codes []string) (int64, error) {
	if len(codes) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(codes)-1) + "?"
	args := make([]any, 0, len(codes)+1)
	args = append(args, expectationID)
	for _, c := range codes {
		args = append(args, c)
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE violations SET is_open=0 WHERE expectation_id=? AND is_open=1 AND code IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s Store) MarkNotified(ctx context.Context, violationID int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE violations SET last_notified_at=? WHERE id=?`, s.now(), violationID)
	return err
}

type ViolationFilters struct {
	ExpectationID string
	OpenOnly      bool
	Limit         int
}

func (s Store) ListViolations(ctx context.Context, f ViolationFilters) ([]domain.Violation, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ExpectationID != "" {
		clauses = append(clauses, "expectation_id=?")
		args = append(args, f.ExpectationID)
	}
	if f.OpenOnly {
		clauses = append(clauses, "is_open=1")
	}
	query := `SELECT ` + violationCols + ` FROM violations WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY detected_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// OpenViolationCount counts open violations, optionally for one expectation.
func (s Store) OpenViolationCount(ctx context.Context, expectationID string) (int, error) {
	query := `SELECT COUNT(*) FROM violations WHERE is_open=1`
	var args []any
	if expectationID != "" {
		query += ` AND expectation_id=?`
		args = append(args, expectationID)
	}
	var n int
	err := s.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

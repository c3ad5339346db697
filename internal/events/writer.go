package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"rewire/internal/clock"
	"rewire/internal/domain"
)

// Writer appends rows to the audit journal. Every state transition Rewire
// makes (expectation created, violation opened/closed, trial issued/acked/
// expired) lands here so operators can replay what happened and why.
type Writer struct {
	DB    *sql.DB
	Clock clock.Clock
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType, expectationID, entityKind, entityID string, payload EventPayload) error {
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	ts := int64(0)
	if w.Clock != nil {
		ts = w.Clock.Now()
	} else {
		ts = clock.System{}.Now()
	}
	_, err = w.DB.ExecContext(ctx,
		`INSERT INTO events(ts,type,expectation_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(expectationID), entityKind, nullable(entityID), string(data))
	return err
}

// Latest returns the newest events first, optionally filtered.
func (w Writer) Latest(ctx context.Context, limit int, expectationID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if expectationID != "" {
		clauses = append(clauses, "expectation_id=?")
		args = append(args, expectationID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := `SELECT id,ts,type,COALESCE(expectation_id,''),entity_kind,COALESCE(entity_id,''),payload_json
FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ExpectationID, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

package events_test

import (
	"context"
	"path/filepath"
	"testing"

	"rewire/internal/clock"
	"rewire/internal/db"
	"rewire/internal/events"
	"rewire/internal/migrate"
)

func newWriter(t *testing.T) (events.Writer, *clock.Fake) {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "rewire.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := &clock.Fake{T: 42}
	return events.Writer{DB: conn, Clock: clk}, clk
}

func TestAppendAndLatest(t *testing.T) {
	w, clk := newWriter(t)
	ctx := context.Background()

	if err := w.Append(ctx, "violation.opened", "e1", "violation", "7", events.EventPayload{"code": "missed"}); err != nil {
		t.Fatal(err)
	}
	clk.Advance(1)
	if err := w.Append(ctx, "trial.issued", "e2", "trial", "T1", nil); err != nil {
		t.Fatal(err)
	}

	all, err := w.Latest(ctx, 10, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Type != "trial.issued" || all[0].TS != 43 {
		t.Fatalf("all = %+v", all)
	}

	onlyE1, err := w.Latest(ctx, 10, "e1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyE1) != 1 || onlyE1[0].Payload != `{"code":"missed"}` {
		t.Fatalf("onlyE1 = %+v", onlyE1)
	}

	byType, err := w.Latest(ctx, 10, "", "trial.issued")
	if err != nil {
		t.Fatal(err)
	}
	if len(byType) != 1 || byType[0].EntityID != "T1" {
		t.Fatalf("byType = %+v", byType)
	}
}

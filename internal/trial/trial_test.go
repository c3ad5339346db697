package trial_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"rewire/internal/clock"
	"rewire/internal/db"
	"rewire/internal/domain"
	"rewire/internal/events"
	"rewire/internal/migrate"
	"rewire/internal/store"
	"rewire/internal/trial"
)

func newManager(t *testing.T) (trial.Manager, store.Store, *clock.Fake) {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "rewire.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := &clock.Fake{T: 100}
	st := store.Store{DB: conn, Clock: clk}
	m := trial.Manager{
		Store:   st,
		Events:  events.Writer{DB: conn, Clock: clk},
		BaseURL: "http://rewire.test/",
	}
	exp := domain.Expectation{
		ID:                "a1",
		Type:              domain.TypeAlertPath,
		Name:              "pager",
		OwnerContact:      "ops@example.com",
		ExpectedIntervalS: 3600,
		ParamsJSON:        `{"ack_window_s":300,"test_interval_s":3600}`,
	}
	if err := st.CreateExpectation(context.Background(), exp); err != nil {
		t.Fatalf("seed expectation: %v", err)
	}
	return m, st, clk
}

func TestIssueCreatesPendingAndPing(t *testing.T) {
	m, st, _ := newManager(t)
	ctx := context.Background()

	exp, _ := st.GetExpectation(ctx, "a1")
	tr, err := m.Issue(ctx, exp)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if tr.Status != domain.TrialPending || tr.SentAt != 100 {
		t.Fatalf("trial = %+v", tr)
	}
	if len(tr.ID) < 16 {
		t.Fatalf("trial id too short: %q", tr.ID)
	}

	obs, err := st.RecentObservations(ctx, "a1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(obs) != 1 || obs[0].Kind != domain.KindPing {
		t.Fatalf("observations = %+v", obs)
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(obs[0].Meta), &meta); err != nil {
		t.Fatalf("ping meta: %v", err)
	}
	if meta["ack_url"] != "http://rewire.test/ack/"+tr.ID {
		t.Fatalf("ack_url = %v", meta["ack_url"])
	}
	if meta["sent_trial"] != tr.ID {
		t.Fatalf("sent_trial = %v", meta["sent_trial"])
	}
}

func TestIssueIDsAreUnique(t *testing.T) {
	m, st, _ := newManager(t)
	ctx := context.Background()
	exp, _ := st.GetExpectation(ctx, "a1")
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		tr, err := m.Issue(ctx, exp)
		if err != nil {
			t.Fatal(err)
		}
		if seen[tr.ID] {
			t.Fatalf("duplicate trial id %q", tr.ID)
		}
		seen[tr.ID] = true
	}
}

func TestAckOnceThenNoOp(t *testing.T) {
	m, st, clk := newManager(t)
	ctx := context.Background()
	exp, _ := st.GetExpectation(ctx, "a1")
	tr, _ := m.Issue(ctx, exp)

	clk.Set(200)
	ok, err := m.Ack(ctx, tr.ID)
	if err != nil || !ok {
		t.Fatalf("first ack: ok=%v err=%v", ok, err)
	}
	ok, err = m.Ack(ctx, tr.ID)
	if err != nil || ok {
		t.Fatalf("re-ack must be a false no-op: ok=%v err=%v", ok, err)
	}

	got, _ := st.GetTrial(ctx, tr.ID)
	if got.Status != domain.TrialAcked || got.AckedAt == nil || *got.AckedAt != 200 {
		t.Fatalf("trial = %+v", got)
	}
}

func TestAckExpiredIsNoOp(t *testing.T) {
	m, st, _ := newManager(t)
	ctx := context.Background()
	exp, _ := st.GetExpectation(ctx, "a1")
	tr, _ := m.Issue(ctx, exp)

	if err := m.Expire(ctx, "a1", tr.ID); err != nil {
		t.Fatal(err)
	}
	ok, err := m.Ack(ctx, tr.ID)
	if err != nil || ok {
		t.Fatalf("ack of expired trial: ok=%v err=%v", ok, err)
	}
	got, _ := st.GetTrial(ctx, tr.ID)
	if got.Status != domain.TrialExpired || got.AckedAt != nil {
		t.Fatalf("trial = %+v", got)
	}
}

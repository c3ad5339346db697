package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rewire/internal/clock"
	"rewire/internal/config"
	"rewire/internal/db"
	"rewire/internal/domain"
	"rewire/internal/events"
	"rewire/internal/migrate"
	"rewire/internal/server"
	"rewire/internal/store"
	"rewire/internal/trial"
)

type testServer struct {
	URL    string
	Store  store.Store
	Clock  *clock.Fake
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "rewire.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := &clock.Fake{T: 1000}
	st := store.Store{DB: conn, Clock: clk}
	evw := events.Writer{DB: conn, Clock: clk}

	cfg := config.Default()
	cfg.AdminToken = "test-admin-token"
	cfg.JWTSecret = "test-jwt-secret"
	cfg.BaseURL = "http://rewire.test"

	handler, err := server.New(server.Config{
		Store:  st,
		Trials: trial.Manager{Store: st, Events: evw, BaseURL: cfg.BaseURL},
		Events: evw,
		Cfg:    cfg,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{
		URL:    "http://" + ln.Addr().String(),
		Store:  st,
		Clock:  clk,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *testServer) postForm(t *testing.T, path string, form url.Values, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.URL+path, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	return res, body
}

func (s *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	res, err := s.client.Get(s.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	return res, body
}

func (s *testServer) newSchedule(t *testing.T) string {
	t.Helper()
	res, body := s.postForm(t, "/admin/new", url.Values{
		"type":                {"schedule"},
		"name":                {"nightly backup"},
		"contact":             {"ops@example.com"},
		"expected_interval_s": {"60"},
		"tolerance_s":         {"10"},
		"params_json":         {`{"max_runtime_s":0,"min_spacing_s":0,"allow_overlap":false}`},
	}, "test-admin-token")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin/new: %d %s", res.StatusCode, body)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	id, _ := out["id"].(string)
	if id == "" {
		t.Fatalf("missing id in %s", body)
	}
	if got := out["observe_url"]; got != "http://rewire.test/observe/"+id {
		t.Fatalf("observe_url = %v", got)
	}
	return id
}

func TestStatusLiteral(t *testing.T) {
	s := newTestServer(t)
	res, body := s.get(t, "/status")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if string(body) != "rewire ok\n" {
		t.Fatalf("body = %q", body)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	s := newTestServer(t)
	res, _ := s.postForm(t, "/admin/new", url.Values{"type": {"schedule"}}, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: %d", res.StatusCode)
	}
	res, _ = s.postForm(t, "/admin/new", url.Values{"type": {"schedule"}}, "wrong")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", res.StatusCode)
	}
}

func TestAdminAcceptsJWT(t *testing.T) {
	s := newTestServer(t)
	tok, err := server.IssueAdminJWT("test-jwt-secret", "operator", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res, body := s.postForm(t, "/admin/new", url.Values{
		"type":                {"schedule"},
		"name":                {"jwt created"},
		"contact":             {"ops@example.com"},
		"expected_interval_s": {"60"},
	}, tok)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt auth: %d %s", res.StatusCode, body)
	}

	other, err := server.IssueAdminJWT("other-secret", "operator", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res, _ = s.postForm(t, "/admin/new", url.Values{"type": {"schedule"}}, other)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("foreign jwt: %d", res.StatusCode)
	}
}

func TestAdminNewValidation(t *testing.T) {
	s := newTestServer(t)
	cases := []url.Values{
		{"type": {"cron"}, "name": {"x"}, "contact": {"x"}, "expected_interval_s": {"60"}},
		{"type": {"schedule"}, "name": {""}, "contact": {"x"}, "expected_interval_s": {"60"}},
		{"type": {"schedule"}, "name": {"x"}, "contact": {"x"}, "expected_interval_s": {"30"}},
		{"type": {"schedule"}, "name": {"x"}, "contact": {"x"}, "expected_interval_s": {"60"}, "params_json": {"{oops"}},
		{"type": {"alert_path"}, "name": {"x"}, "contact": {"x"}, "expected_interval_s": {"60"}, "params_json": {"{}"}},
	}
	for i, form := range cases {
		res, body := s.postForm(t, "/admin/new", form, "test-admin-token")
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("case %d: %d %s", i, res.StatusCode, body)
		}
		var out map[string]any
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("case %d: %v (%s)", i, err, body)
		}
		if msg, ok := out["error"].(string); !ok || msg == "" {
			t.Fatalf("case %d: expected error envelope, got %s", i, body)
		}
	}
}

func TestObservePostAndGet(t *testing.T) {
	s := newTestServer(t)
	id := s.newSchedule(t)

	res, body := s.postForm(t, "/observe/"+id, url.Values{"kind": {"start"}}, "")
	if res.StatusCode != http.StatusOK || string(body) != "ok\n" {
		t.Fatalf("observe start: %d %q", res.StatusCode, body)
	}
	s.Clock.Advance(5)
	res, _ = s.postForm(t, "/observe/"+id, url.Values{"kind": {"end"}, "meta": {`{"rc":0}`}}, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("observe end: %d", res.StatusCode)
	}

	res, _ = s.postForm(t, "/observe/"+id, url.Values{"kind": {"reboot"}}, "")
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad kind: %d", res.StatusCode)
	}
	res, _ = s.postForm(t, "/observe/ghost", url.Values{"kind": {"start"}}, "")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown expectation: %d", res.StatusCode)
	}

	res, body = s.get(t, "/observe/"+id)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("observe get: %d", res.StatusCode)
	}
	var out struct {
		ID                 string `json:"id"`
		Type               string `json:"type"`
		RecentObservations []struct {
			Kind       string `json:"kind"`
			ObservedAt int64  `json:"observed_at"`
		} `json:"recent_observations"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, body)
	}
	if out.ID != id || out.Type != "schedule" {
		t.Fatalf("out = %+v", out)
	}
	if len(out.RecentObservations) != 2 || out.RecentObservations[0].Kind != "end" {
		t.Fatalf("observations = %+v", out.RecentObservations)
	}
}

func TestAckEndpoint(t *testing.T) {
	s := newTestServer(t)
	id := s.newSchedule(t)
	if _, err := s.Store.CreateTrial(context.Background(), "T1", id); err != nil {
		t.Fatal(err)
	}

	res, body := s.get(t, "/ack/T1")
	if res.StatusCode != http.StatusOK || string(body) != "acked\n" {
		t.Fatalf("first ack: %d %q", res.StatusCode, body)
	}
	res, _ = s.get(t, "/ack/T1")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("re-ack: %d", res.StatusCode)
	}
	res, _ = s.get(t, "/ack/ghost")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown trial: %d", res.StatusCode)
	}
}

func TestEnableDisable(t *testing.T) {
	s := newTestServer(t)
	id := s.newSchedule(t)

	res, _ := s.postForm(t, "/admin/disable", url.Values{"id": {id}}, "test-admin-token")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("disable: %d", res.StatusCode)
	}
	exp, err := s.Store.GetExpectation(context.Background(), id)
	if err != nil || exp.Enabled {
		t.Fatalf("exp = %+v err=%v", exp, err)
	}

	res, _ = s.postForm(t, "/admin/enable", url.Values{"id": {id}}, "test-admin-token")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("enable: %d", res.StatusCode)
	}
	exp, _ = s.Store.GetExpectation(context.Background(), id)
	if !exp.Enabled {
		t.Fatal("expected enabled")
	}

	res, _ = s.postForm(t, "/admin/enable", url.Values{"id": {"ghost"}}, "test-admin-token")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown id: %d", res.StatusCode)
	}
}

func TestReadAPI(t *testing.T) {
	s := newTestServer(t)
	id := s.newSchedule(t)
	s.postForm(t, "/observe/"+id, url.Values{"kind": {"start"}}, "")

	res, body := s.get(t, "/v1/expectations")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, body)
	}
	var items []domain.Expectation
	if err := json.Unmarshal(body, &items); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, body)
	}
	if len(items) != 1 || items[0].ID != id {
		t.Fatalf("items = %+v", items)
	}

	res, body = s.get(t, "/v1/expectations/"+id)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("detail: %d", res.StatusCode)
	}
	var detail struct {
		ID                 string               `json:"id"`
		RecentObservations []domain.Observation `json:"recent_observations"`
	}
	if err := json.Unmarshal(body, &detail); err != nil {
		t.Fatal(err)
	}
	if detail.ID != id || len(detail.RecentObservations) != 1 {
		t.Fatalf("detail = %+v", detail)
	}

	res, _ = s.get(t, "/v1/expectations/ghost")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown: %d", res.StatusCode)
	}

	res, body = s.get(t, "/v1/summary")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary: %d", res.StatusCode)
	}
	var summary map[string]any
	if err := json.Unmarshal(body, &summary); err != nil {
		t.Fatal(err)
	}
	if summary["expectations"] != float64(1) || summary["enabled"] != float64(1) {
		t.Fatalf("summary = %v", summary)
	}
}

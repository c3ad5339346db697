// Package server is the HTTP surface: unauthenticated observation and ack
// endpoints (the expectation id is the capability), bearer-gated admin
// endpoints, and a read-only JSON API with OpenAPI docs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"rewire/internal/config"
	"rewire/internal/domain"
	"rewire/internal/events"
	"rewire/internal/store"
	"rewire/internal/token"
	"rewire/internal/trial"
)

// requestTimeout bounds every request handled by the surface.
const requestTimeout = 10 * time.Second

type Config struct {
	Store  store.Store
	Trials trial.Manager
	Events events.Writer
	Cfg    *config.Config
	Logger *log.Logger
}

type server struct {
	store  store.Store
	trials trial.Manager
	events events.Writer
	cfg    *config.Config
	logger *log.Logger
}

// New returns the HTTP handler exposing the Rewire API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Cfg == nil {
		return nil, fmt.Errorf("server config required")
	}
	s := &server{
		store:  cfg.Store,
		trials: cfg.Trials,
		events: cfg.Events,
		cfg:    cfg.Cfg,
		logger: cfg.Logger,
	}
	if s.logger == nil {
		s.logger = log.Default()
	}

	router := chi.NewRouter()
	router.Use(withTimeout)

	router.Get("/status", s.handleStatus)
	router.Get("/observe/{id}", s.handleObserveGet)
	router.Post("/observe/{id}", s.handleObservePost)
	router.Get("/ack/{trial_id}", s.handleAck)

	router.Group(func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Post("/admin/new", s.handleAdminNew)
		r.Post("/admin/enable", s.handleAdminEnable(true))
		r.Post("/admin/disable", s.handleAdminEnable(false))
	})

	registerReadAPI(router, s)
	return router, nil
}

func withTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "rewire ok\n")
}

func (s *server) handleObserveGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exp, err := s.store.GetExpectation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		textError(w, http.StatusNotFound, "unknown expectation")
		return
	}
	if err != nil {
		s.storeError(w, err)
		return
	}
	obs, err := s.store.RecentObservations(r.Context(), id, 10)
	if err != nil {
		s.storeError(w, err)
		return
	}
	type obsOut struct {
		Kind       string `json:"kind"`
		ObservedAt int64  `json:"observed_at"`
		Meta       string `json:"meta,omitempty"`
	}
	out := make([]obsOut, 0, len(obs))
	for _, o := range obs {
		out = append(out, obsOut{Kind: o.Kind, ObservedAt: o.ObservedAt, Meta: o.Meta})
	}
	var params any
	if exp.ParamsJSON != "" && json.Valid([]byte(exp.ParamsJSON)) {
		params = json.RawMessage(exp.ParamsJSON)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                  exp.ID,
		"type":                exp.Type,
		"name":                exp.Name,
		"owner_contact":       exp.OwnerContact,
		"expected_interval_s": exp.ExpectedIntervalS,
		"tolerance_s":         exp.ToleranceS,
		"params":              params,
		"enabled":             exp.Enabled,
		"recent_observations": out,
	})
}

func (s *server) handleObservePost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetExpectation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			textError(w, http.StatusNotFound, "unknown expectation")
		} else {
			s.storeError(w, err)
		}
		return
	}
	if err := r.ParseForm(); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	kind := strings.TrimSpace(r.PostFormValue("kind"))
	meta := r.PostFormValue("meta")
	if !domain.ValidKind(kind) {
		jsonError(w, http.StatusBadRequest, "kind must be start|end|ping|ack")
		return
	}
	if len(meta) > domain.MaxObservationMeta {
		jsonError(w, http.StatusBadRequest, fmt.Sprintf("meta exceeds %d bytes", domain.MaxObservationMeta))
		return
	}
	if _, err := s.store.AppendObservation(r.Context(), id, kind, meta); err != nil {
		s.storeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "ok\n")
}

func (s *server) handleAck(w http.ResponseWriter, r *http.Request) {
	trialID := chi.URLParam(r, "trial_id")
	ok, err := s.trials.Ack(r.Context(), trialID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if !ok {
		textError(w, http.StatusNotFound, "unknown or not pending")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "acked\n")
}

func (s *server) handleAdminNew(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	expType := strings.TrimSpace(r.PostFormValue("type"))
	name := strings.TrimSpace(r.PostFormValue("name"))
	contact := strings.TrimSpace(r.PostFormValue("contact"))
	paramsJSON := r.PostFormValue("params_json")
	if paramsJSON == "" {
		paramsJSON = "{}"
	}
	expected := parseIntField(r.PostFormValue("expected_interval_s"))
	tolerance := parseIntField(r.PostFormValue("tolerance_s"))

	if !domain.ValidType(expType) {
		jsonError(w, http.StatusBadRequest, "type must be schedule|alert_path")
		return
	}
	if name == "" || contact == "" || expected < 60 {
		jsonError(w, http.StatusBadRequest, "need name,contact,expected_interval_s>=60")
		return
	}
	if tolerance < 0 {
		jsonError(w, http.StatusBadRequest, "tolerance_s must be >= 0")
		return
	}
	if err := domain.ValidateParams(expType, paramsJSON); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid params_json: "+err.Error())
		return
	}

	exp := domain.Expectation{
		ID:                token.New(),
		Type:              expType,
		Name:              name,
		OwnerContact:      contact,
		ExpectedIntervalS: expected,
		ToleranceS:        tolerance,
		ParamsJSON:        paramsJSON,
	}
	if err := s.store.CreateExpectation(r.Context(), exp); err != nil {
		s.storeError(w, err)
		return
	}
	_ = s.events.Append(r.Context(), "expectation.created", exp.ID, "expectation", exp.ID,
		events.EventPayload{"type": exp.Type, "name": exp.Name})
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          exp.ID,
		"observe_url": strings.TrimRight(s.cfg.BaseURL, "/") + "/observe/" + exp.ID,
	})
}

func (s *server) handleAdminEnable(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			jsonError(w, http.StatusBadRequest, "invalid form body")
			return
		}
		id := strings.TrimSpace(r.PostFormValue("id"))
		if id == "" {
			jsonError(w, http.StatusBadRequest, "need id")
			return
		}
		err := s.store.SetEnabled(r.Context(), id, enable)
		if errors.Is(err, store.ErrNotFound) {
			textError(w, http.StatusNotFound, "unknown expectation")
			return
		}
		if err != nil {
			s.storeError(w, err)
			return
		}
		evtType := "expectation.disabled"
		if enable {
			evtType = "expectation.enabled"
		}
		_ = s.events.Append(r.Context(), evtType, id, "expectation", id, nil)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enabled": enable})
	}
}

// storeError surfaces transient backend failures as 5xx; the instrumented
// job is expected to retry.
func (s *server) storeError(w http.ResponseWriter, err error) {
	s.logger.Printf("server: store error: %v", err)
	jsonError(w, http.StatusInternalServerError, "storage unavailable")
}

func parseIntField(v string) int64 {
	var n int64
	_, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n)
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func textError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, msg+"\n")
}

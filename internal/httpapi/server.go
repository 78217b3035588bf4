package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/engine"
	"github.com/PetoAdam/homenavi/alert-service/internal/ingest"
	"github.com/PetoAdam/homenavi/alert-service/internal/model"
	"github.com/PetoAdam/homenavi/alert-service/internal/rules"
	"github.com/PetoAdam/homenavi/alert-service/internal/store"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

// LatestReader serves cached current payloads.
type LatestReader interface {
	Get(ctx context.Context, deviceID, kind string) ([]byte, error)
}

// AckPublisher is told about acknowledged alerts.
type AckPublisher interface {
	PublishAck(a model.Alert)
}

type Options struct {
	Latest     LatestReader
	Stream     http.Handler
	Acks       AckPublisher
	Metrics    http.Handler
	Middleware []func(http.Handler) http.Handler
	Now        func() time.Time
}

type Server struct {
	repo      *store.Repo
	engine    *engine.Engine
	validator *ingest.Validator
	opts      Options
}

func New(repo *store.Repo, eng *engine.Engine, validator *ingest.Validator, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{repo: repo, engine: eng, validator: validator, opts: opts}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	for _, mw := range s.opts.Middleware {
		r.Use(mw)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Trace-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Route("/api/alerts", func(r chi.Router) {
		// NOTE: authentication happens at the API gateway.
		if s.opts.Stream != nil {
			r.Method(http.MethodGet, "/ws", s.opts.Stream)
		}
		r.Post("/events", s.handleIngest)
		r.Get("/events", s.handleListEvents)
		r.Get("/pending", s.handlePending)

		r.Post("/devices", s.handleRegisterDevice)
		r.Route("/devices/{device_id}", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Post("/evaluate", s.handleEvaluate)
			r.Post("/calibrate", s.handleCalibrate)
			r.Get("/latest", s.handleLatest)
			r.Get("/thresholds", s.handleListThresholds)
			r.Put("/thresholds", s.handlePutThresholds)
			r.Post("/commands", s.handleEnqueueCommand)
			r.Get("/commands/next", s.handleNextCommand)
		})

		r.Get("/settings/{tenant}", s.handleGetSettings)
		r.Put("/settings/{tenant}", s.handlePutSettings)
		r.Put("/{alert_id}/ack", s.handleAck)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.repo.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "db": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if !decodeBody(w, r, &req) {
		return
	}
	parsed, err := s.validator.Parse(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	ts := parsed.Timestamp
	if ts.IsZero() {
		ts = s.opts.Now().UTC()
	}
	res, err := s.engine.IngestEvent(r.Context(), parsed.DeviceID, parsed.Kind, ts, parsed.Payload)
	if err != nil {
		writeErr(w, err)
		return
	}
	if res.Alerts == nil {
		res.Alerts = []model.Alert{}
	}
	writeJSON(w, http.StatusCreated, res)
}

type eventDTO struct {
	ID            uuid.UUID       `json:"id"`
	Kind          string          `json:"kind"`
	TS            time.Time       `json:"ts"`
	Payload       json.RawMessage `json:"payload"`
	Correlated    bool            `json:"correlated"`
	LinkedEventID *uuid.UUID      `json:"linked_event_id,omitempty"`
}

type listEventsResponse struct {
	DeviceID   string     `json:"device_id"`
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
	Events     []eventDTO `json:"events"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := strings.TrimSpace(q.Get("device_id"))
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	from, fromPtr, err := parseTimePtr(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from")
		return
	}
	to, toPtr, err := parseTimePtr(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to")
		return
	}
	kind := ""
	if v := strings.TrimSpace(q.Get("kind")); v != "" {
		k, err := model.ParseKind(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid kind")
			return
		}
		kind = string(k)
	}
	limit := 500
	if v := q.Get("limit"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	desc := strings.EqualFold(strings.TrimSpace(q.Get("order")), "desc")
	cursor, err := store.DecodeCursor(q.Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}

	page, err := s.repo.ListEvents(r.Context(), deviceID, from, to, kind, limit, cursor, desc)
	if err != nil {
		slog.Error("event history query failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "could not query events")
		return
	}
	events := make([]eventDTO, 0, len(page.Events))
	for _, e := range page.Events {
		events = append(events, eventDTO{
			ID:            e.ID,
			Kind:          e.Kind,
			TS:            e.TS,
			Payload:       json.RawMessage(append([]byte(nil), e.Payload...)),
			Correlated:    e.Correlated,
			LinkedEventID: e.LinkedEventID,
		})
	}
	writeJSON(w, http.StatusOK, listEventsResponse{DeviceID: deviceID, From: fromPtr, To: toPtr, Events: events, NextCursor: page.NextCursor})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := strings.TrimSpace(q.Get("device_id"))
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	since, _, err := parseTimePtr(q.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since")
		return
	}
	var severities []model.Severity
	for _, raw := range q["severity"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			sev, err := model.ParseSeverity(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			severities = append(severities, sev)
		}
	}
	alerts, err := s.engine.GetPendingAlerts(r.Context(), deviceID, since, severities)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "alerts": alerts})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "alert_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}
	a, err := s.engine.AcknowledgeAlert(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if s.opts.Acks != nil {
		s.opts.Acks.PublishAck(a)
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var prof model.DeviceProfile
	if !decodeBody(w, r, &prof) {
		return
	}
	out, err := s.engine.RegisterDevice(r.Context(), prof)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	rec, err := s.repo.GetDevice(r.Context(), chi.URLParam(r, "device_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.Model())
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var snap rules.Snapshot
	if !decodeBody(w, r, &snap) {
		return
	}
	if snap.Vitals == nil && snap.Energy == nil && snap.Motion == nil {
		writeError(w, http.StatusBadRequest, "snapshot needs vitals, energy or motion")
		return
	}
	alerts, err := s.engine.EvaluateRules(r.Context(), chi.URLParam(r, "device_id"), snap)
	if err != nil {
		writeErr(w, err)
		return
	}
	if alerts == nil {
		alerts = []model.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RestingHR int `json:"resting_hr"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	deviceID := chi.URLParam(r, "device_id")
	if err := s.engine.SetRestingHR(r.Context(), deviceID, body.RestingHR); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "resting_hr": body.RestingHR})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if s.opts.Latest == nil {
		writeError(w, http.StatusServiceUnavailable, "latest cache not configured")
		return
	}
	deviceID := chi.URLParam(r, "device_id")
	kinds := model.AllKinds
	if v := strings.TrimSpace(r.URL.Query().Get("kind")); v != "" {
		k, err := model.ParseKind(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid kind")
			return
		}
		kinds = []model.EventKind{k}
	}
	out := map[string]json.RawMessage{}
	for _, k := range kinds {
		b, err := s.opts.Latest.Get(r.Context(), deviceID, k.Topic())
		if err != nil {
			slog.Warn("latest cache read failed", "device_id", deviceID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "latest cache unavailable")
			return
		}
		if b != nil {
			out[k.Topic()] = b
		}
	}
	if len(out) == 0 {
		writeError(w, http.StatusNotFound, "no recent telemetry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "latest": out})
}

func (s *Server) handleListThresholds(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	rows, err := s.repo.ListThresholds(r.Context(), deviceID)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]model.Threshold, 0, len(rows))
	for _, t := range rows {
		out = append(out, t.Model())
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "thresholds": out})
}

type thresholdInput struct {
	Type    string   `json:"threshold_type"`
	Value   *float64 `json:"value"`
	Enabled *bool    `json:"enabled"`
}

func (s *Server) handlePutThresholds(w http.ResponseWriter, r *http.Request) {
	var in []thresholdInput
	if !decodeBody(w, r, &in) {
		return
	}
	deviceID := chi.URLParam(r, "device_id")
	for _, t := range in {
		if t.Value == nil {
			writeError(w, http.StatusBadRequest, "value is required for "+t.Type)
			return
		}
		enabled := true
		if t.Enabled != nil {
			enabled = *t.Enabled
		}
		if err := s.engine.UpsertThreshold(r.Context(), model.Threshold{DeviceID: deviceID, Type: t.Type, Value: *t.Value, Enabled: enabled}); err != nil {
			writeErr(w, err)
			return
		}
	}
	s.handleListThresholds(w, r)
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Command    string          `json:"command"`
		Args       json.RawMessage `json:"args,omitempty"`
		TTLSeconds int             `json:"ttl_seconds,omitempty"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	cmd, err := s.engine.EnqueueCommand(r.Context(), chi.URLParam(r, "device_id"), body.Command, body.Args, time.Duration(body.TTLSeconds)*time.Second)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleNextCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.engine.NextCommand(r.Context(), chi.URLParam(r, "device_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if cmd == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// settingsView hides the bot token; callers only learn whether one is set.
type settingsView struct {
	model.TenantSettings
	TelegramBotToken   string `json:"telegram_bot_token,omitempty"`
	TelegramConfigured bool   `json:"telegram_configured"`
}

func viewSettings(s model.TenantSettings) settingsView {
	return settingsView{TenantSettings: s, TelegramConfigured: s.TelegramBotToken != "" && s.TelegramChatID != ""}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Settings(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSettings(st))
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	current, err := s.engine.Settings(r.Context(), tenant)
	if err != nil {
		writeErr(w, err)
		return
	}
	// Decode over the stored values so omitted fields keep them.
	next := current
	if !decodeBody(w, r, &next) {
		return
	}
	next.TenantID = current.TenantID
	if next.DailyLimitKWh < 0 {
		writeError(w, http.StatusBadRequest, "daily_limit_kwh must be positive")
		return
	}
	saved, err := s.engine.UpdateSettings(r.Context(), next)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSettings(saved))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

// writeErr maps domain errors onto status codes.
func writeErr(w http.ResponseWriter, err error) {
	var ve *ingest.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": ve.Error(), "field": ve.Field, "code": http.StatusBadRequest})
	case errors.Is(err, engine.ErrInvalidProfile), errors.Is(err, engine.ErrKindMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, engine.ErrStorage), errors.Is(err, context.DeadlineExceeded):
		slog.Error("storage unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable, retry later")
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseTimePtr(v string) (time.Time, *time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		ms, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return time.Time{}, nil, err
		}
		t = time.UnixMilli(ms)
	}
	t = t.UTC()
	return t, &t, nil
}

func parsePositiveInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty")
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.New("not a number")
		}
		n = n*10 + int(r-'0')
		if n > 1_000_000 {
			return 0, errors.New("too large")
		}
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}

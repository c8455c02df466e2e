package http

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pivot-monitor/internal/audit"
	"pivot-monitor/internal/auth"
	"pivot-monitor/internal/monitoring/application"
	monitoring "pivot-monitor/internal/monitoring/domain"
	"pivot-monitor/internal/monitoring/interfaces/export"
	"pivot-monitor/internal/observability/metrics"
)

const maxBodyBytes = 1 << 20

// Handler serves the monitoring read API and operator actions.
type Handler struct {
	engine      *application.Engine
	auditLogger audit.Logger
	logger      *log.Logger
}

// NewHandler constructs a handler.
func NewHandler(engine *application.Engine, auditLogger audit.Logger, logger *log.Logger) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("monitoring handler: nil engine")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{engine: engine, auditLogger: auditLogger, logger: logger}, nil
}

// Register mounts every route on mux. ingestAuth guards the gateway ingest route.
func (h *Handler) Register(mux *http.ServeMux, ingestAuth *auth.IngestAuthMiddleware) {
	mux.HandleFunc("/api/v1/state", h.handleState)
	mux.HandleFunc("/api/v1/pivots/", h.handlePivot)
	mux.HandleFunc("/api/v1/runs", h.handleRuns)
	mux.HandleFunc("/api/v1/runs/", h.handleRunAction)
	mux.HandleFunc("/api/v1/sessions", h.handleSessions)
	mux.HandleFunc("/api/v1/cloud2/filter-options", h.handleCloud2Options)
	mux.HandleFunc("/api/v1/probe-settings", h.handleProbeSettings)
	mux.HandleFunc("/api/v1/apply", h.handleApply)
	mux.HandleFunc("/api/v1/admin/purge", h.handlePurge)
	var ingest http.Handler = http.HandlerFunc(h.handleIngest)
	if ingestAuth != nil {
		ingest = ingestAuth.Wrap(ingest)
	}
	mux.Handle("/api/v1/ingest", ingest)
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	state, err := h.engine.State(r.Context(), r.URL.Query().Get("run_id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handlePivot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pivotID := strings.TrimPrefix(r.URL.Path, "/api/v1/pivots/")
	if pivotID == "" || strings.Contains(pivotID, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	query := r.URL.Query()
	panel, err := h.engine.Pivot(r.Context(), pivotID, query.Get("session_id"), query.Get("run_id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, panel)
}

type startRunRequest struct {
	Source string `json:"source"`
	Label  string `json:"label"`
}

func (h *Handler) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit, err := parseLimit(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		runs, err := h.engine.Runs(r.Context(), limit)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	case http.MethodPost:
		var req startRunRequest
		if !decodeBody(w, r, &req, true) {
			return
		}
		if req.Source == "" {
			req.Source = "manual"
		}
		run, err := h.engine.StartNewRun(r.Context(), req.Source, req.Label)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, run)
		h.logAudit(r, "run.start", "run", run.RunID, "", map[string]any{"source": req.Source, "label": req.Label})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleRunAction(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	runID, action := parts[0], parts[1]

	switch action {
	case "activate":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		run, err := h.engine.ActivateHistoryRun(r.Context(), runID)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
		h.logAudit(r, "run.activate", "run", runID, "", nil)
	case "export.xlsx", "export.pdf":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleExport(w, r, runID, action)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, runID, action string) {
	state, err := h.engine.State(r.Context(), runID)
	if err != nil {
		respondError(w, err)
		return
	}
	var (
		data        []byte
		contentType string
		filename    string
		format      = "xlsx"
	)
	start := time.Now()
	if action == "export.pdf" {
		format = "pdf"
		data, err = export.BuildRunPDF(state)
		contentType = "application/pdf"
		filename = "run-" + runID + ".pdf"
	} else {
		data, err = export.BuildRunXLSX(state)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		filename = "run-" + runID + ".xlsx"
	}
	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError, time.Since(start))
		h.logger.Printf("monitoring http: export failed run=%s err=%v", runID, err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	metrics.ObserveExport(format, metrics.ResultSuccess, time.Since(start))
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	_, _ = w.Write(data)
}

type startSessionRequest struct {
	PivotID string `json:"pivot_id"`
	Source  string `json:"source"`
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit, err := parseLimit(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		query := r.URL.Query()
		sessions, err := h.engine.Sessions(r.Context(), query.Get("pivot_id"), query.Get("run_id"), limit)
		if err != nil {
			respondError(w, err)
			return
		}
		if sessions == nil {
			sessions = []monitoring.Session{}
		}
		writeJSON(w, http.StatusOK, sessions)
	case http.MethodPost:
		var req startSessionRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		if req.PivotID == "" {
			http.Error(w, "pivot_id is required", http.StatusBadRequest)
			return
		}
		session, err := h.engine.StartNewSession(r.Context(), req.PivotID, req.Source)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, session)
		h.logAudit(r, "session.start", "session", session.SessionID, session.PivotID, nil)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCloud2Options(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	options, err := h.engine.Cloud2FilterOptions(r.Context(), r.URL.Query().Get("run_id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

type probeSettingRequest struct {
	PivotID     string  `json:"pivot_id"`
	Enabled     bool    `json:"enabled"`
	IntervalSec float64 `json:"interval_sec"`
}

func (h *Handler) handleProbeSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := h.engine.ProbeSettings(r.Context())
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPost:
		var req probeSettingRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		setting, err := h.engine.UpsertProbeSetting(r.Context(), monitoring.ProbeSetting{
			PivotID:     strings.TrimSpace(req.PivotID),
			Enabled:     req.Enabled,
			IntervalSec: req.IntervalSec,
		})
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, setting)
		h.logAudit(r, "probe.setting", "probe_setting", setting.PivotID, setting.PivotID, map[string]any{
			"enabled":      setting.Enabled,
			"interval_sec": setting.IntervalSec,
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := h.engine.Apply(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": h.engine.Mode()})
	h.logAudit(r, "monitoring.apply", "engine", "", "", nil)
}

type purgeRequest struct {
	Password string `json:"password"`
}

func (h *Handler) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req purgeRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if err := h.engine.PurgeAllData(r.Context(), req.Password); err != nil {
		respondError(w, err)
		if errors.Is(err, monitoring.ErrInvalidPassword) {
			h.logAudit(r, "data.purge_refused", "engine", "", "", nil)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": h.engine.Mode()})
	h.logAudit(r, "data.purge", "engine", "", "", nil)
}

type ingestRequest struct {
	Topic   string   `json:"topic"`
	Payload string   `json:"payload"`
	TS      *float64 `json:"ts"`
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req ingestRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Topic == "" {
		http.Error(w, "topic is required", http.StatusBadRequest)
		return
	}
	ts := h.engine.Now()
	if req.TS != nil && *req.TS > 0 {
		ts = *req.TS
	}
	result := h.engine.Ingest(r.Context(), req.Topic, req.Payload, ts)
	status := http.StatusOK
	if result.Accepted {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (h *Handler) logAudit(r *http.Request, action, resourceType, resourceID, pivotID string, metadata map[string]any) {
	if h.auditLogger == nil {
		return
	}
	entry := audit.FromRequest(r, audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		PivotID:      pivotID,
	}, metadata)
	if err := h.auditLogger.Log(r.Context(), entry); err != nil {
		h.logger.Printf("monitoring http: audit failed action=%s err=%v", action, err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return false
	}
	defer r.Body.Close()
	if len(strings.TrimSpace(string(body))) == 0 {
		if allowEmpty {
			return true
		}
		http.Error(w, "empty body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func parseLimit(r *http.Request) (int, error) {
	value := r.URL.Query().Get("limit")
	if value == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return limit, nil
}

func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, monitoring.ErrRunNotFound),
		errors.Is(err, monitoring.ErrSessionNotFound),
		errors.Is(err, monitoring.ErrPivotNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, monitoring.ErrInvalidPassword):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, monitoring.ErrForbiddenTopic),
		errors.Is(err, monitoring.ErrInvalidPivotID):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, monitoring.ErrIdle), errors.Is(err, monitoring.ErrNoActiveRun):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"pivot-monitor/internal/audit"
	"pivot-monitor/internal/auth"
	"pivot-monitor/internal/monitoring/application"
	monitoring "pivot-monitor/internal/monitoring/domain"
	"pivot-monitor/internal/monitoring/infrastructure/memory"
)

const ingestSecret = "gateway-secret"

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *recordingAudit) Log(ctx context.Context, entry audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	server *httptest.Server
	audit  *recordingAudit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine, err := application.NewEngine(memory.NewStore(), application.DefaultSettings(),
		application.WithClock(fixedClock{now: time.Unix(200, 0)}),
		application.WithLogger(log.New(io.Discard, "", 0)),
		application.WithPurgePassword("segredo"),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	rec := &recordingAudit{}
	handler, err := NewHandler(engine, rec, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	mux := http.NewServeMux()
	handler.Register(mux, auth.NewIngestAuthMiddleware([]byte(ingestSecret), 5*time.Minute))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return &fixture{server: server, audit: rec}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) ingest(t *testing.T, topic, payload string, ts float64) *http.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"topic": topic, "payload": payload, "ts": ts})
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	req, _ := http.NewRequest(http.MethodPost, f.server.URL+"/api/v1/ingest", bytes.NewReader(body))
	req.Header.Set("X-Ingest-Timestamp", stamp)
	req.Header.Set("X-Ingest-Signature", auth.SignIngest([]byte(ingestSecret), stamp, body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func discover(t *testing.T, f *fixture) {
	t.Helper()
	for i, ts := range []float64{1, 62, 122, 182} {
		resp := f.ingest(t, "cloudv2", "#01-PioneiraLEM_2-data"+strconv.Itoa(i)+"$", ts)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("ingest %d: expected 202, got %d", i, resp.StatusCode)
		}
	}
}

func TestHandler_IngestAndRead(t *testing.T) {
	f := newFixture(t)
	discover(t, f)

	dup := f.ingest(t, "cloudv2", "#01-PioneiraLEM_2-data3$", 183)
	var result application.IngestResult
	decode(t, dup, &result)
	if dup.StatusCode != http.StatusOK || !result.Duplicate {
		t.Fatalf("expected duplicate result, got %d %+v", dup.StatusCode, result)
	}

	resp := f.do(t, http.MethodGet, "/api/v1/state", nil)
	var state application.StatePayload
	decode(t, resp, &state)
	if resp.StatusCode != http.StatusOK || len(state.Pivots) != 1 || state.Pivots[0].PivotID != "PioneiraLEM_2" {
		t.Fatalf("unexpected state %d %+v", resp.StatusCode, state.Pivots)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/pivots/PioneiraLEM_2", nil)
	var panel monitoring.PanelPayload
	decode(t, resp, &panel)
	if resp.StatusCode != http.StatusOK || panel.Snapshot.MedianIntervalSec != 60 {
		t.Fatalf("unexpected panel %d %+v", resp.StatusCode, panel.Snapshot)
	}
	if resp := f.do(t, http.MethodGet, "/api/v1/pivots/Desconhecido_1", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown pivot, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/v1/cloud2/filter-options", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected filter options, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/v1/sessions?pivot_id=PioneiraLEM_2&limit=x", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestHandler_IngestRequiresSignature(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/api/v1/ingest", map[string]any{"topic": "cloudv2", "payload": "#01-PioneiraLEM_2-x$"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", resp.StatusCode)
	}
}

func TestHandler_RunsSessionsAndExport(t *testing.T) {
	f := newFixture(t)
	discover(t, f)

	var state application.StatePayload
	decode(t, f.do(t, http.MethodGet, "/api/v1/state", nil), &state)
	firstRun := state.RunID

	resp := f.do(t, http.MethodPost, "/api/v1/runs", map[string]string{"label": "troca de antena"})
	var run monitoring.Run
	decode(t, resp, &run)
	if resp.StatusCode != http.StatusCreated || run.RunID == firstRun || run.Source != "manual" {
		t.Fatalf("unexpected new run %d %+v", resp.StatusCode, run)
	}

	var runs []monitoring.Run
	decode(t, f.do(t, http.MethodGet, "/api/v1/runs?limit=10", nil), &runs)
	if len(runs) != 2 {
		t.Fatalf("expected two runs, got %+v", runs)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"pivot_id": "PioneiraLEM_2"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected session created, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"pivot_id": "Desconhecido_1"}); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown pivot, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/runs/"+firstRun+"/export.xlsx", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Fatalf("unexpected xlsx export %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	resp = f.do(t, http.MethodGet, "/api/v1/runs/"+firstRun+"/export.pdf", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/pdf" {
		t.Fatalf("unexpected pdf export %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/v1/runs/nao-existe/export.pdf", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 export for unknown run, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/runs/"+firstRun+"/activate", nil)
	decode(t, resp, &run)
	if resp.StatusCode != http.StatusOK || run.RunID != firstRun || !run.IsActive {
		t.Fatalf("unexpected activation %d %+v", resp.StatusCode, run)
	}

	actions := f.audit.actions()
	want := []string{"run.start", "session.start", "run.activate"}
	if len(actions) != len(want) {
		t.Fatalf("unexpected audit actions %v", actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("unexpected audit actions %v", actions)
		}
	}
}

func TestHandler_ProbeSettingsAndPurge(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/probe-settings", map[string]any{"pivot_id": "cloudv2", "enabled": true})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for monitored topic, got %d", resp.StatusCode)
	}
	resp = f.do(t, http.MethodPost, "/api/v1/probe-settings", map[string]any{"pivot_id": "PioneiraLEM_2", "enabled": true, "interval_sec": 10})
	var setting monitoring.ProbeSetting
	decode(t, resp, &setting)
	if resp.StatusCode != http.StatusOK || setting.IntervalSec != 30 {
		t.Fatalf("unexpected setting %d %+v", resp.StatusCode, setting)
	}
	var settings []monitoring.ProbeSetting
	decode(t, f.do(t, http.MethodGet, "/api/v1/probe-settings", nil), &settings)
	if len(settings) != 1 {
		t.Fatalf("expected one setting, got %+v", settings)
	}

	if resp := f.do(t, http.MethodPost, "/api/v1/admin/purge", map[string]string{"password": "errada"}); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong password, got %d", resp.StatusCode)
	}
	resp = f.do(t, http.MethodPost, "/api/v1/admin/purge", map[string]string{"password": "segredo"})
	var body map[string]string
	decode(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body["mode"] != string(monitoring.ModeIdle) {
		t.Fatalf("unexpected purge %d %+v", resp.StatusCode, body)
	}
	resp = f.do(t, http.MethodPost, "/api/v1/apply", nil)
	decode(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body["mode"] != string(monitoring.ModeLive) {
		t.Fatalf("unexpected apply %d %+v", resp.StatusCode, body)
	}

	actions := f.audit.actions()
	if len(actions) != 4 || actions[1] != "data.purge_refused" || actions[2] != "data.purge" {
		t.Fatalf("unexpected audit actions %v", actions)
	}
}

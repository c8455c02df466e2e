package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"os"
	"testing"

	monitoring "pivot-monitor/internal/monitoring/domain"
	"pivot-monitor/internal/monitoring/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openStore(t *testing.T) *postgres.Store {
	t.Helper()
	store, _ := openStoreDB(t)
	return store
}

func openStoreDB(t *testing.T) (*postgres.Store, *sql.DB) {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	logger := log.New(io.Discard, "", 0)
	if err := postgres.Migrate(ctx, db, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := postgres.NewStore(db, logger)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	_, _ = db.ExecContext(ctx, "DELETE FROM probe_settings")
	return store, db
}

func TestStore_Postgres_RunAndSessionLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if err := store.StartRun(ctx, monitoring.Run{RunID: "run-it-1", StartedAtTS: 1, Source: "auto", Metadata: map[string]any{"reason": "boot"}}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	pivot := monitoring.PivotRecord{PivotID: "PioneiraLEM_2", FirstSeenTS: 1, LastSeenTS: 1}
	first, created, err := store.EnsureSession(ctx, pivot, monitoring.Session{SessionID: "sess-it-1", RunID: "run-it-1", PivotID: "PioneiraLEM_2", StartedAtTS: 1, Source: "auto"})
	if err != nil || !created {
		t.Fatalf("ensure session: created=%v err=%v", created, err)
	}
	again, created, err := store.EnsureSession(ctx, pivot, monitoring.Session{SessionID: "sess-it-x", RunID: "run-it-1", PivotID: "PioneiraLEM_2", StartedAtTS: 5})
	if err != nil || created || again.SessionID != first.SessionID {
		t.Fatalf("expected reuse, got %+v created=%v err=%v", again, created, err)
	}

	if err := store.StartRun(ctx, monitoring.Run{RunID: "run-it-2", StartedAtTS: 50, Source: "manual"}); err != nil {
		t.Fatalf("start second run: %v", err)
	}
	old, err := store.GetRun(ctx, "run-it-1")
	if err != nil || old == nil || old.IsActive || old.EndedAtTS == nil || *old.EndedAtTS != 50 {
		t.Fatalf("expected run-it-1 ended, got %+v err=%v", old, err)
	}
	if old.SessionCount != 1 || old.PivotCount != 1 || old.Metadata["reason"] != "boot" {
		t.Fatalf("unexpected run counters %+v", old)
	}

	sessions, err := store.ActivateRun(ctx, "run-it-1", 60)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "sess-it-1" || !sessions[0].IsActive {
		t.Fatalf("unexpected reactivated sessions %+v", sessions)
	}
	if _, err := store.ActivateRun(ctx, "run-missing", 70); !errors.Is(err, monitoring.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	active, err := store.ActiveRun(ctx)
	if err != nil || active == nil || active.RunID != "run-it-1" {
		t.Fatalf("expected run-it-1 active, got %+v err=%v", active, err)
	}
}

func TestStore_Postgres_CommitPanelAndBaseline(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if err := store.StartRun(ctx, monitoring.Run{RunID: "run-it-1", StartedAtTS: 1, Source: "auto"}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	lat, lon := 12.5, 45.1
	pivot := monitoring.PivotRecord{PivotID: "PioneiraLEM_2", FirstSeenTS: 1, LastSeenTS: 1, Latitude: &lat, Longitude: &lon}
	if _, _, err := store.EnsureSession(ctx, pivot, monitoring.Session{SessionID: "sess-it-1", RunID: "run-it-1", PivotID: "PioneiraLEM_2", StartedAtTS: 1}); err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	rssi := 20
	latency := 12.0
	snap := monitoring.Snapshot{PivotID: "PioneiraLEM_2", SessionID: "sess-it-1", RunID: "run-it-1", UpdatedAtTS: 61, MedianIntervalSec: 60, SampleCount: 3, MedianLatched: true}
	snap.Status.Code = monitoring.CodeGreen
	batch := monitoring.Batch{
		Pivots: []monitoring.PivotRecord{{PivotID: "PioneiraLEM_2", FirstSeenTS: 61, LastSeenTS: 61}},
		Events: []monitoring.Event{
			{Seq: 1, PivotID: "PioneiraLEM_2", SessionID: "sess-it-1", TS: 1, Topic: "cloudv2", EventType: monitoring.EventMessage, Details: map[string]any{"idp": "01"}},
			{Seq: 2, PivotID: "PioneiraLEM_2", SessionID: "sess-it-1", TS: 61, Topic: "cloudv2", EventType: monitoring.EventMessage},
			{Seq: 3, PivotID: "PioneiraLEM_2", SessionID: "sess-it-1", TS: 62, Topic: "cloud2", EventType: monitoring.EventMessage},
		},
		ProbeEvents: []monitoring.ProbeEvent{
			{Seq: 1, PivotID: "PioneiraLEM_2", SessionID: "sess-it-1", TS: 40, Kind: monitoring.ProbeSent},
			{Seq: 2, PivotID: "PioneiraLEM_2", SessionID: "sess-it-1", TS: 52, Kind: monitoring.ProbeResponse, Topic: "cloudv2-network", LatencySec: &latency},
		},
		Cloud2Events: []monitoring.Cloud2Event{
			{Seq: 1, PivotID: "PioneiraLEM_2", SessionID: "sess-it-1", TS: 62, Record: monitoring.Cloud2Record{RSSI: &rssi, RSSIRaw: "20", Technology: "4G", Firmware: "v1.2"}},
		},
		Snapshots: []monitoring.Snapshot{snap, snap},
	}
	if err := store.Commit(ctx, batch); err != nil {
		t.Fatalf("commit: %v", err)
	}

	panel, err := store.Panel(ctx, "PioneiraLEM_2", "sess-it-1", 10, 100)
	if err != nil {
		t.Fatalf("panel: %v", err)
	}
	if len(panel.Timeline) != 3 || panel.Timeline[0].TS != 62 || panel.Timeline[2].Details["idp"] != "01" {
		t.Fatalf("unexpected timeline %+v", panel.Timeline)
	}
	if panel.Snapshot.Probe.Stats.ResponseCount != 1 || len(panel.Cloud2Events) != 1 || *panel.Cloud2Events[0].Record.RSSI != 20 {
		t.Fatalf("unexpected panel %+v", panel)
	}
	if _, err := store.Panel(ctx, "PioneiraLEM_2", "sess-missing", 10, 100); !errors.Is(err, monitoring.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	activity, err := store.ActivityTimestamps(ctx, "sess-it-1", 0)
	if err != nil || len(activity) != 2 {
		t.Fatalf("expected cloud2 excluded from activity, got %v err=%v", activity, err)
	}

	baseline, err := store.BestBaseline(ctx, "PioneiraLEM_2", "sess-other")
	if err != nil || baseline == nil || baseline.MedianIntervalSec != 60 {
		t.Fatalf("unexpected baseline %+v err=%v", baseline, err)
	}
	if none, err := store.BestBaseline(ctx, "PioneiraLEM_2", "sess-it-1"); err != nil || none != nil {
		t.Fatalf("expected no baseline outside excluded session, got %+v err=%v", none, err)
	}

	options, err := store.Cloud2FilterOptions(ctx, "run-it-1")
	if err != nil || len(options.Technologies) != 1 || options.Firmwares[0] != "v1.2" {
		t.Fatalf("unexpected cloud2 options %+v err=%v", options, err)
	}
	snaps, err := store.RunSnapshots(ctx, "run-it-1")
	if err != nil || len(snaps) != 1 {
		t.Fatalf("expected one snapshot, got %d err=%v", len(snaps), err)
	}
}

func TestStore_Postgres_PurgeKeepsProbeSettings(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	if err := store.StartRun(ctx, monitoring.Run{RunID: "run-it-1", StartedAtTS: 1, Source: "auto"}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := store.UpsertProbeSetting(ctx, monitoring.ProbeSetting{PivotID: "PioneiraLEM_2", Enabled: true, IntervalSec: 60, UpdatedAtTS: 1}); err != nil {
		t.Fatalf("upsert probe setting: %v", err)
	}
	if err := store.UpsertProbeSetting(ctx, monitoring.ProbeSetting{PivotID: "PioneiraLEM_2", Enabled: false, IntervalSec: 90, UpdatedAtTS: 2}); err != nil {
		t.Fatalf("upsert probe setting: %v", err)
	}
	if err := store.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	runs, err := store.ListRuns(ctx, 0)
	if err != nil || len(runs) != 0 {
		t.Fatalf("expected no runs, got %+v err=%v", runs, err)
	}
	settings, err := store.ProbeSettings(ctx)
	if err != nil || len(settings) != 1 || settings[0].Enabled || settings[0].IntervalSec != 90 {
		t.Fatalf("unexpected probe settings %+v err=%v", settings, err)
	}
}

func TestStore_Postgres_TableColumns(t *testing.T) {
	store, db := openStoreDB(t)
	ctx := context.Background()

	if err := store.StartRun(ctx, monitoring.Run{RunID: "run-it-1", StartedAtTS: 1, Source: "auto", Metadata: map[string]any{"reason": "boot"}}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	pivot := monitoring.PivotRecord{PivotID: "PioneiraLEM_2", FirstSeenTS: 1, LastSeenTS: 1}
	if _, _, err := store.EnsureSession(ctx, pivot, monitoring.Session{SessionID: "sess-it-1", RunID: "run-it-1", PivotID: "PioneiraLEM_2", StartedAtTS: 1}); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	batch := monitoring.Batch{
		Events: []monitoring.Event{{Seq: 1, PivotID: "PioneiraLEM_2", SessionID: "sess-it-1", TS: 1, Topic: "cloudv2", EventType: monitoring.EventMessage,
			Summary: "cloudv2 #01", Details: map[string]any{"idp": "01"}, ParsedPayload: map[string]any{"idp": "01"}}},
	}
	if err := store.Commit(ctx, batch); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var slug string
	var pivotCreated, pivotUpdated float64
	if err := db.QueryRowContext(ctx, `SELECT pivot_slug, created_at_ts, updated_at_ts FROM pivots WHERE pivot_id = $1`, "PioneiraLEM_2").
		Scan(&slug, &pivotCreated, &pivotUpdated); err != nil {
		t.Fatalf("select pivot: %v", err)
	}
	if slug != monitoring.PivotSlug("PioneiraLEM_2") || pivotCreated <= 0 || pivotUpdated < pivotCreated {
		t.Fatalf("unexpected pivot row slug=%q created=%v updated=%v", slug, pivotCreated, pivotUpdated)
	}

	var metadata string
	var runCreated, runUpdated float64
	if err := db.QueryRowContext(ctx, `SELECT metadata_json::text, created_at_ts, updated_at_ts FROM monitoring_runs WHERE run_id = $1`, "run-it-1").
		Scan(&metadata, &runCreated, &runUpdated); err != nil {
		t.Fatalf("select run: %v", err)
	}
	if metadata != `{"reason": "boot"}` || runCreated <= 0 || runUpdated <= 0 {
		t.Fatalf("unexpected run row metadata=%q created=%v updated=%v", metadata, runCreated, runUpdated)
	}

	var details, parsed, eventJSON string
	var eventCreated float64
	if err := db.QueryRowContext(ctx, `
SELECT details_json->>'idp', parsed_payload_json->>'idp', event_json->>'summary', created_at_ts
FROM connectivity_events WHERE session_id = $1`, "sess-it-1").Scan(&details, &parsed, &eventJSON, &eventCreated); err != nil {
		t.Fatalf("select event: %v", err)
	}
	if details != "01" || parsed != "01" || eventJSON != "cloudv2 #01" || eventCreated <= 0 {
		t.Fatalf("unexpected event row details=%q parsed=%q event=%q created=%v", details, parsed, eventJSON, eventCreated)
	}
}

package memory

import (
	"context"
	"errors"
	"testing"

	monitoring "pivot-monitor/internal/monitoring/domain"
)

func seedRun(t *testing.T, s *Store, runID string, ts float64) {
	t.Helper()
	if err := s.StartRun(context.Background(), monitoring.Run{RunID: runID, StartedAtTS: ts, Source: "test"}); err != nil {
		t.Fatalf("start run: %v", err)
	}
}

func TestStore_SnapshotUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedRun(t, s, "run-1", 1)
	pivot := monitoring.PivotRecord{PivotID: "PioneiraLEM_2", Slug: "pioneiralem-2", FirstSeenTS: 1, LastSeenTS: 1}
	session, created, err := s.EnsureSession(ctx, pivot, monitoring.Session{SessionID: "sess-1", RunID: "run-1", PivotID: "PioneiraLEM_2", StartedAtTS: 1})
	if err != nil || !created {
		t.Fatalf("ensure session: created=%v err=%v", created, err)
	}

	snap := monitoring.Snapshot{PivotID: "PioneiraLEM_2", SessionID: session.SessionID, RunID: "run-1", UpdatedAtTS: 10, MedianIntervalSec: 60, SampleCount: 3}
	for i := 0; i < 3; i++ {
		if err := s.Commit(ctx, monitoring.Batch{Snapshots: []monitoring.Snapshot{snap}}); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	snap.UpdatedAtTS = 20
	if err := s.Commit(ctx, monitoring.Batch{Snapshots: []monitoring.Snapshot{snap}}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	snaps, err := s.RunSnapshots(ctx, "run-1")
	if err != nil {
		t.Fatalf("run snapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].UpdatedAtTS != 20 {
		t.Fatalf("expected one upserted snapshot, got %+v", snaps)
	}
}

func TestStore_EnsureSessionReusesActive(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedRun(t, s, "run-1", 1)
	pivot := monitoring.PivotRecord{PivotID: "PioneiraLEM_2"}
	first, created, err := s.EnsureSession(ctx, pivot, monitoring.Session{SessionID: "sess-1", RunID: "run-1", PivotID: "PioneiraLEM_2", StartedAtTS: 1})
	if err != nil || !created {
		t.Fatalf("first ensure: created=%v err=%v", created, err)
	}
	second, created, err := s.EnsureSession(ctx, pivot, monitoring.Session{SessionID: "sess-2", RunID: "run-1", PivotID: "PioneiraLEM_2", StartedAtTS: 5})
	if err != nil || created || second.SessionID != first.SessionID {
		t.Fatalf("expected active session reused, got %+v created=%v err=%v", second, created, err)
	}

	if err := s.OpenSession(ctx, pivot, monitoring.Session{SessionID: "sess-3", RunID: "run-1", PivotID: "PioneiraLEM_2", StartedAtTS: 9}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	sessions, err := s.ListSessions(ctx, "PioneiraLEM_2", "run-1", 0)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	active := 0
	for _, session := range sessions {
		if session.IsActive {
			active++
			if session.SessionID != "sess-3" {
				t.Fatalf("expected sess-3 active, got %s", session.SessionID)
			}
		}
	}
	if active != 1 || len(sessions) != 2 {
		t.Fatalf("expected two sessions with one active, got %+v", sessions)
	}
}

func TestStore_StartRunEndsPrevious(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedRun(t, s, "run-1", 1)
	seedRun(t, s, "run-2", 50)

	active, err := s.ActiveRun(ctx)
	if err != nil || active == nil || active.RunID != "run-2" {
		t.Fatalf("expected run-2 active, got %+v err=%v", active, err)
	}
	old, err := s.GetRun(ctx, "run-1")
	if err != nil || old == nil || old.IsActive || old.EndedAtTS == nil || *old.EndedAtTS != 50 {
		t.Fatalf("expected run-1 ended at 50, got %+v err=%v", old, err)
	}
	if _, err := s.ActivateRun(ctx, "nao-existe", 60); !errors.Is(err, monitoring.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if missing, err := s.GetRun(ctx, "nao-existe"); err != nil || missing != nil {
		t.Fatalf("expected nil run, got %+v err=%v", missing, err)
	}
}

func TestStore_PanelAndPurge(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedRun(t, s, "run-1", 1)
	pivot := monitoring.PivotRecord{PivotID: "PioneiraLEM_2"}
	if _, _, err := s.EnsureSession(ctx, pivot, monitoring.Session{SessionID: "sess-1", RunID: "run-1", PivotID: "PioneiraLEM_2", StartedAtTS: 1}); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	batch := monitoring.Batch{
		Events: []monitoring.Event{
			{Seq: 1, PivotID: "PioneiraLEM_2", SessionID: "sess-1", TS: 1, Topic: "cloudv2", EventType: monitoring.EventMessage},
			{Seq: 2, PivotID: "PioneiraLEM_2", SessionID: "sess-1", TS: 61, Topic: "cloudv2", EventType: monitoring.EventMessage},
		},
		Snapshots: []monitoring.Snapshot{{PivotID: "PioneiraLEM_2", SessionID: "sess-1", RunID: "run-1"}},
	}
	if err := s.Commit(ctx, batch); err != nil {
		t.Fatalf("commit: %v", err)
	}
	panel, err := s.Panel(ctx, "PioneiraLEM_2", "sess-1", 10, 100)
	if err != nil {
		t.Fatalf("panel: %v", err)
	}
	if len(panel.Timeline) != 2 || panel.Timeline[0].TS != 61 {
		t.Fatalf("expected newest-first timeline, got %+v", panel.Timeline)
	}
	if _, err := s.Panel(ctx, "PioneiraLEM_2", "sess-x", 10, 100); !errors.Is(err, monitoring.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	if err := s.UpsertProbeSetting(ctx, monitoring.ProbeSetting{PivotID: "PioneiraLEM_2", Enabled: true, IntervalSec: 60}); err != nil {
		t.Fatalf("upsert probe setting: %v", err)
	}
	if err := s.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	runs, _ := s.ListRuns(ctx, 0)
	settings, _ := s.ProbeSettings(ctx)
	if len(runs) != 0 || len(settings) != 1 {
		t.Fatalf("expected runs purged and probe settings kept, got runs=%d settings=%d", len(runs), len(settings))
	}
}

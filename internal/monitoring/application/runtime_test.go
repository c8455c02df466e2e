package application

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	monitoring "pivot-monitor/internal/monitoring/domain"
	"pivot-monitor/internal/monitoring/infrastructure/memory"
)

func TestRuntime_RestoreRegistry(t *testing.T) {
	ctx := context.Background()
	rt := &memRuntime{}
	h := newHarness(t, DefaultSettings(), WithRuntimeStore(rt))
	discoverPioneira(t, h)
	h.ingest("cloudv2-ping", "#01-Outro_Pivo-20$", 150)
	before := h.snapshot(t, "PioneiraLEM_2")
	h.engine.flush(ctx, 182, true)
	if len(rt.data) == 0 {
		t.Fatalf("expected runtime registry saved")
	}

	restored := newHarnessAt(t, h.store, DefaultSettings(), 182, WithRuntimeStore(rt))
	if restored.engine.Mode() != monitoring.ModeLive {
		t.Fatalf("expected live after restoring a live registry")
	}
	after := restored.snapshot(t, "PioneiraLEM_2")
	if after.SessionID != before.SessionID || after.RunID != before.RunID {
		t.Fatalf("expected same session, got %s/%s", after.RunID, after.SessionID)
	}
	if !after.MedianReady || after.MedianIntervalSec != 60 {
		t.Fatalf("expected median restored, got %+v", after)
	}
	if res := restored.ingest("cloudv2", "#01-PioneiraLEM_2-dataD$", 183); !res.Duplicate {
		t.Fatalf("expected dedupe cache restored, got %+v", res)
	}
	state, err := restored.engine.State(ctx, "")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Counts.PendingPing != 1 || state.Counts.DuplicateDrops < 1 {
		t.Fatalf("expected pending ping and duplicate counters restored, got %+v", state.Counts)
	}
}

func TestRuntime_IgnoresRegistryOfAnotherRun(t *testing.T) {
	ctx := context.Background()
	rt := &memRuntime{}
	h := newHarness(t, DefaultSettings(), WithRuntimeStore(rt))
	discoverPioneira(t, h)
	h.engine.flush(ctx, 182, true)

	restored := newHarnessAt(t, memory.NewStore(), DefaultSettings(), 182, WithRuntimeStore(rt))
	if !bytes.Contains(restored.logs.Bytes(), []byte("does not match active run")) {
		t.Fatalf("expected mismatch log, got %q", restored.logs.String())
	}
	state, err := restored.engine.State(ctx, "")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if len(state.Pivots) != 0 {
		t.Fatalf("expected empty registry, got %+v", state.Pivots)
	}
}

func TestRuntime_RestoreFromStoredPanels(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	discoverPioneira(t, h)
	before := h.snapshot(t, "PioneiraLEM_2")

	restored := newHarnessAt(t, h.store, DefaultSettings(), 190)
	after := restored.snapshot(t, "PioneiraLEM_2")
	if after.SessionID != before.SessionID {
		t.Fatalf("expected session %s restored, got %s", before.SessionID, after.SessionID)
	}
	if !after.MedianReady || after.SampleCount < 3 {
		t.Fatalf("expected median restored from snapshot, got %+v", after)
	}
	if after.Status.Code != monitoring.CodeGreen {
		t.Fatalf("expected green after restore, got %+v", after.Status)
	}
	restored.mustIngest(t, "cloudv2", "#01-PioneiraLEM_2-dataE$", 242)
	if got := restored.snapshot(t, "PioneiraLEM_2").SessionID; got != before.SessionID {
		t.Fatalf("ingest after restore must keep the session, got %s", got)
	}
}

func TestRuntime_DashboardFilesThrottled(t *testing.T) {
	dash := &memDashboard{}
	h := newHarness(t, DefaultSettings(), WithDashboardWriter(dash))
	discoverPioneira(t, h)

	h.tick(200)
	if dash.writes != 1 {
		t.Fatalf("expected one dashboard write, got %d", dash.writes)
	}
	panel, ok := dash.last.Pivots["pioneiralem-2"]
	if !ok {
		t.Fatalf("expected pivot file keyed by slug, got %v", dash.last.Pivots)
	}
	var decoded monitoring.PanelPayload
	if err := json.Unmarshal(panel, &decoded); err != nil {
		t.Fatalf("decode panel: %v", err)
	}
	if decoded.Snapshot.PivotID != "PioneiraLEM_2" {
		t.Fatalf("unexpected panel %+v", decoded.Snapshot)
	}
	var state StatePayload
	if err := json.Unmarshal(dash.last.State, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(state.Pivots) != 1 || state.Counts.Pivots != 1 {
		t.Fatalf("unexpected state %+v", state.Counts)
	}

	h.mustIngest(t, "cloudv2", "#01-PioneiraLEM_2-dataE$", 202)
	h.tick(203)
	if dash.writes != 1 {
		t.Fatalf("expected write throttled, got %d", dash.writes)
	}
	h.tick(206)
	if dash.writes != 2 {
		t.Fatalf("expected second write after refresh period, got %d", dash.writes)
	}
}

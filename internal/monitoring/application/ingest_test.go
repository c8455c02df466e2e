package application

import (
	"context"
	"errors"
	"testing"

	"pivot-monitor/internal/eventing"
	monitoring "pivot-monitor/internal/monitoring/domain"
)

func TestIngest_DiscoveryAndDedupe(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	discoverPioneira(t, h)

	state, err := h.engine.State(context.Background(), "")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if len(state.Pivots) != 1 || state.Pivots[0].PivotID != "PioneiraLEM_2" {
		t.Fatalf("expected one pivot, got %+v", state.Pivots)
	}
	if state.Counts.DuplicateDrops < 1 {
		t.Fatalf("expected duplicate drops, got %d", state.Counts.DuplicateDrops)
	}
	snap := state.Pivots[0].Snapshot
	if snap.TopicCounters["cloudv2"] != 4 {
		t.Fatalf("expected 4 counted cloudv2 messages, got %d", snap.TopicCounters["cloudv2"])
	}
	if !snap.MedianReady || snap.SampleCount != 3 {
		t.Fatalf("expected median ready with 3 samples, got ready=%v count=%d", snap.MedianReady, snap.SampleCount)
	}
	if snap.Status.Code != monitoring.CodeGreen {
		t.Fatalf("expected green status, got %+v", snap.Status)
	}

	stored := h.store.Events(snap.SessionID)
	if got := countEvents(stored, monitoring.EventMessage); got != 4 {
		t.Fatalf("expected 4 persisted messages, got %d", got)
	}
	if got := countEvents(stored, monitoring.EventSessionStarted); got != 1 {
		t.Fatalf("expected one session_started entry, got %d", got)
	}
}

func TestIngest_PingBeforeDiscoveryStaysPending(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	res := h.ingest("cloudv2-ping", "#10-PendingPivot_1-ping$", 1)
	if res.Accepted || res.Reason != ReasonPendingDiscovery {
		t.Fatalf("expected pending result, got %+v", res)
	}

	state, err := h.engine.State(context.Background(), "")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if len(state.Pivots) != 0 {
		t.Fatalf("expected no pivots, got %d", len(state.Pivots))
	}
	if len(state.PendingPing) != 1 || state.PendingPing[0].PivotID != "PendingPivot_1" {
		t.Fatalf("expected one pending ping, got %+v", state.PendingPing)
	}

	h.mustIngest(t, "cloudv2", "#01-PendingPivot_1-data$", 10)
	state, _ = h.engine.State(context.Background(), "")
	if len(state.Pivots) != 1 || len(state.PendingPing) != 0 {
		t.Fatalf("expected discovery to clear pending, got pivots=%d pending=%d", len(state.Pivots), len(state.PendingPing))
	}
}

func TestIngest_OnlyCloudV2CreatesPivots(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	cases := []struct {
		topic   string
		payload string
		reason  string
	}{
		{topic: "cloud2", payload: "#02-Novo_1-17, LTE, 0, fw1, 2024-01-01$", reason: ReasonUnknownPivot},
		{topic: "cloudv2-network", payload: "#11-Novo_1-20-wifi$", reason: ReasonUnknownPivot},
		{topic: "cloudv2-info", payload: "#11-Novo_1-20-wifi$", reason: ReasonUnknownPivot},
		{topic: "cloudv2-ping", payload: "#10-Novo_1-ping$", reason: ReasonPendingDiscovery},
	}
	for i, tc := range cases {
		res := h.ingest(tc.topic, tc.payload, float64(10+i*10))
		if res.Accepted || res.Reason != tc.reason {
			t.Fatalf("%s: expected %q, got %+v", tc.topic, tc.reason, res)
		}
	}
	state, _ := h.engine.State(context.Background(), "")
	if len(state.Pivots) != 0 {
		t.Fatalf("expected no pivots, got %d", len(state.Pivots))
	}
}

func TestIngest_Rejections(t *testing.T) {
	h := newHarness(t, DefaultSettings())

	if res := h.ingest("telemetry", "#01-PioneiraLEM_2-x$", 1); res.Reason != ReasonUnknownTopic {
		t.Fatalf("expected unknown topic, got %+v", res)
	}
	for i, payload := range []string{"", "01-PioneiraLEM_2-x", "#01$", "#01-pivo invalido$"} {
		res := h.ingest("cloudv2", payload, float64(10+i*10))
		if res.Accepted || !res.Malformed {
			t.Fatalf("payload %q: expected malformed, got %+v", payload, res)
		}
	}
	state, _ := h.engine.State(context.Background(), "")
	if state.Counts.Malformed != 4 || len(state.Malformed) != 4 {
		t.Fatalf("expected 4 malformed entries, got %d", state.Counts.Malformed)
	}
}

func TestIngest_IdleUntilApply(t *testing.T) {
	settings := DefaultSettings()
	settings.RequireApplyToStart = true
	h := newHarness(t, settings)

	if h.engine.Mode() != monitoring.ModeIdle {
		t.Fatalf("expected idle mode")
	}
	if res := h.ingest("cloudv2", "#01-PioneiraLEM_2-a$", 1); res.Reason != ReasonIdle {
		t.Fatalf("expected idle rejection, got %+v", res)
	}
	if err := h.engine.Apply(context.Background()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	h.mustIngest(t, "cloudv2", "#01-PioneiraLEM_2-a$", 10)
}

func TestIngest_Cloud2DropAndConcentrator(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	discoverPioneira(t, h)
	h.mustIngest(t, "cloud2", "#02-PioneiraLEM_2-17, Concentrador LTE, 01:30, fw1.2, 2024-01-01 10:00$", 200)

	panel, err := h.engine.Pivot(context.Background(), "PioneiraLEM_2", "", "")
	if err != nil {
		t.Fatalf("pivot: %v", err)
	}
	snap := panel.Snapshot
	if !snap.IsConcentrator {
		t.Fatalf("expected concentrator flag")
	}
	if snap.LastCloud2 == nil || snap.LastCloud2.Firmware != "fw1.2" {
		t.Fatalf("unexpected last cloud2 %+v", snap.LastCloud2)
	}
	if snap.SignalTechnology != "17 / Concentrador LTE" {
		t.Fatalf("unexpected signal/technology %q", snap.SignalTechnology)
	}
	if snap.Drops.Count24h != 1 || snap.Drops.LastDurationSec == nil || *snap.Drops.LastDurationSec != 90 {
		t.Fatalf("unexpected drops %+v", snap.Drops)
	}
	if len(panel.RSSI) != 1 || panel.RSSI[0].RSSI != 17 {
		t.Fatalf("expected one rssi point, got %+v", panel.RSSI)
	}
	if len(panel.Cloud2Events) != 1 || len(panel.Drops) != 1 {
		t.Fatalf("expected cloud2 and drop events, got %d/%d", len(panel.Cloud2Events), len(panel.Drops))
	}
	if snap.TopicCounters["cloud2"] != 1 {
		t.Fatalf("expected cloud2 counter")
	}

	options, err := h.engine.Cloud2FilterOptions(context.Background(), "")
	if err != nil {
		t.Fatalf("filter options: %v", err)
	}
	if len(options.Technologies) != 2 || options.Technologies[0] != "Concentrador LTE" || options.Technologies[1] != "concentrador" {
		t.Fatalf("expected cloud2 technology plus concentrador option, got %+v", options)
	}
	if len(options.Firmwares) != 1 || options.Firmwares[0] != "fw1.2" {
		t.Fatalf("unexpected firmwares %+v", options.Firmwares)
	}
}

func TestIngest_InfoSetsSignalAndCoordinates(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	discoverPioneira(t, h)
	h.mustIngest(t, "cloudv2-info", "#11-PioneiraLEM_2-22-4G-lat=21.5-lon=47.25$", 190)

	snap := h.snapshot(t, "PioneiraLEM_2")
	if snap.Signal != "22" || snap.Technology != "4G" {
		t.Fatalf("unexpected signal %q technology %q", snap.Signal, snap.Technology)
	}
	if snap.SignalTechnology != "22 / 4G" {
		t.Fatalf("unexpected signal/technology %q", snap.SignalTechnology)
	}
	if snap.LastInfoTS == nil || *snap.LastInfoTS != 190 {
		t.Fatalf("expected last info ts")
	}
	if snap.Latitude == nil || *snap.Latitude != 21.5 || snap.Longitude == nil || *snap.Longitude != 47.25 {
		t.Fatalf("expected coordinates, got %v %v", snap.Latitude, snap.Longitude)
	}
}

func TestIngest_TimelineNewestFirst(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	first := h.mustIngest(t, "cloudv2", "#01-PioneiraLEM_2-a$", 10)
	h.mustIngest(t, "cloudv2-ping", "#10-PioneiraLEM_2-15$", 20)
	last := h.mustIngest(t, "cloudv2", "#01-PioneiraLEM_2-b$", 30)

	panel, err := h.engine.Pivot(context.Background(), "PioneiraLEM_2", "", "")
	if err != nil {
		t.Fatalf("pivot: %v", err)
	}
	if len(panel.Timeline) == 0 {
		t.Fatalf("empty timeline")
	}
	for i := 1; i < len(panel.Timeline); i++ {
		a, b := panel.Timeline[i-1], panel.Timeline[i]
		if a.TS < b.TS || (a.TS == b.TS && a.Seq < b.Seq) {
			t.Fatalf("timeline not newest first at %d: %+v then %+v", i, a, b)
		}
	}
	foundFirst, foundLast := false, false
	for _, evt := range panel.Timeline {
		if evt.Seq == first.Event.Seq {
			foundFirst = true
		}
		if evt.Seq == last.Event.Seq {
			foundLast = true
		}
	}
	if !foundFirst || !foundLast {
		t.Fatalf("ingested events missing from timeline")
	}
	if len(panel.RSSI) != 1 || panel.RSSI[0].RSSI != 15 {
		t.Fatalf("expected ping rssi point, got %+v", panel.RSSI)
	}
}

func TestIngest_CriticalThenRecovery(t *testing.T) {
	settings := DefaultSettings()
	settings.PingExpectedSec = 60
	settings.ToleranceFactor = 1.5
	settings.MinSamples = 3
	settings.AttentionWindowHours = 1
	settings.AttentionPct = 20
	settings.CriticalPct = 50
	h := newHarness(t, settings)

	const pivot = "Fazenda_Sul_3"
	h.mustIngest(t, "cloudv2", "#01-Fazenda_Sul_3-boot$", 1000)

	ts := 1000.0 + 7200
	h.mustIngest(t, "cloudv2-ping", "#10-Fazenda_Sul_3-ping$", ts)
	h.mustIngest(t, "cloudv2", "#01-Fazenda_Sul_3-data$", ts)
	snap := h.snapshot(t, pivot)
	if snap.Quality.Code != monitoring.CodeCritical || snap.DisconnectedPct <= 50 {
		t.Fatalf("expected critical after idle burst, got %s pct=%.1f", snap.Quality.Code, snap.DisconnectedPct)
	}

	cycle := func(n int) {
		for i := 0; i < n; i++ {
			ts += 60
			h.mustIngest(t, "cloudv2-ping", "#10-Fazenda_Sul_3-ping$", ts)
			h.mustIngest(t, "cloudv2", "#01-Fazenda_Sul_3-data$", ts)
		}
	}
	cycle(35)
	snap = h.snapshot(t, pivot)
	if snap.Quality.Code != monitoring.CodeYellow {
		t.Fatalf("expected yellow after 35 cycles, got %s pct=%.1f", snap.Quality.Code, snap.DisconnectedPct)
	}
	cycle(15)
	snap = h.snapshot(t, pivot)
	if snap.Quality.Code != monitoring.CodeGreen || snap.DisconnectedPct > 20 {
		t.Fatalf("expected green after 50 cycles, got %s pct=%.1f", snap.Quality.Code, snap.DisconnectedPct)
	}

	var critical bool
	for _, evt := range h.publisher.Events() {
		if change, ok := evt.(eventing.StatusChanged); ok && change.Dimension == eventing.DimensionQuality && change.ToCode == monitoring.CodeCritical {
			critical = true
		}
	}
	if !critical {
		t.Fatalf("expected a critical quality notification")
	}
}

func TestIngest_CommitFailureIsRetried(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	h.mustIngest(t, "cloudv2", "#01-PioneiraLEM_2-a$", 10)
	sessionID := h.snapshot(t, "PioneiraLEM_2").SessionID

	h.store.CommitErr = errors.New("db down")
	h.mustIngest(t, "cloudv2", "#01-PioneiraLEM_2-b$", 70)
	if got := countEvents(h.store.Events(sessionID), monitoring.EventMessage); got != 1 {
		t.Fatalf("expected only the first message persisted, got %d", got)
	}

	h.store.CommitErr = nil
	h.tick(71)
	if got := countEvents(h.store.Events(sessionID), monitoring.EventMessage); got != 2 {
		t.Fatalf("expected retried commit, got %d messages", got)
	}
}

func TestIngest_ConcentratorFilterOption(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultSettings())
	discoverPioneira(t, h)
	h.mustIngest(t, "cloud2", "#02-PioneiraLEM_2-20, LTE, 0, fw2.0$", 200)

	options, err := h.engine.Cloud2FilterOptions(ctx, "")
	if err != nil {
		t.Fatalf("filter options: %v", err)
	}
	if len(options.Technologies) != 1 || options.Technologies[0] != "LTE" {
		t.Fatalf("expected no concentrador option without a flagged pivot, got %+v", options)
	}

	h.mustIngest(t, "cloud2", "#02-PioneiraLEM_2-20, Concentrador, 0, fw2.0$", 210)
	firstRun := h.snapshot(t, "PioneiraLEM_2").RunID
	h.clock.Set(220)
	if _, err := h.engine.StartNewRun(ctx, "", ""); err != nil {
		t.Fatalf("start new run: %v", err)
	}

	options, err = h.engine.Cloud2FilterOptions(ctx, firstRun)
	if err != nil {
		t.Fatalf("historical filter options: %v", err)
	}
	want := []string{"Concentrador", "LTE", "concentrador"}
	if len(options.Technologies) != len(want) {
		t.Fatalf("unexpected technologies %+v", options.Technologies)
	}
	for i := range want {
		if options.Technologies[i] != want[i] {
			t.Fatalf("unexpected technologies %+v", options.Technologies)
		}
	}
}

package application

import (
	"context"
	"math"
	"sort"

	monitoring "pivot-monitor/internal/monitoring/domain"
)

const (
	defaultListLimit   = 50
	concentratorOption = "concentrador"
)

// PivotSummary is a snapshot with its state sparkline.
type PivotSummary struct {
	monitoring.Snapshot
	Sparkline []monitoring.Segment `json:"timeline_sparkline"`
}

// StateCounts aggregates the pivots of a state payload.
type StateCounts struct {
	Pivots         int   `json:"pivots"`
	Online         int   `json:"online"`
	Initial        int   `json:"initial"`
	Offline        int   `json:"offline"`
	Healthy        int   `json:"healthy"`
	Attention      int   `json:"attention"`
	Critical       int   `json:"critical"`
	ProbeAlerts    int   `json:"probe_alerts"`
	Concentrators  int   `json:"concentrators"`
	PendingPing    int   `json:"pending_ping"`
	Malformed      int   `json:"malformed"`
	DuplicateDrops int64 `json:"duplicate_drops"`
}

// StatePayload lists every pivot of a run.
type StatePayload struct {
	GeneratedAtTS float64                     `json:"generated_at_ts"`
	UpdatedAtTS   float64                     `json:"updated_at_ts"`
	Mode          monitoring.Mode             `json:"mode"`
	RunID         string                      `json:"run_id,omitempty"`
	Run           *monitoring.Run             `json:"run,omitempty"`
	Live          bool                        `json:"live"`
	Settings      Settings                    `json:"settings"`
	Counts        StateCounts                 `json:"counts"`
	Pivots        []PivotSummary              `json:"pivots"`
	PendingPing   []monitoring.PendingPing    `json:"pending_ping_pivots,omitempty"`
	Malformed     []monitoring.MalformedEntry `json:"malformed_recent,omitempty"`
}

// State returns the state payload of runID, or of the active run when empty.
func (e *Engine) State(ctx context.Context, runID string) (StatePayload, error) {
	now := e.Now()
	e.mu.Lock()
	if runID == "" || (e.run != nil && e.run.RunID == runID) {
		payload := e.stateLocked(now)
		e.mu.Unlock()
		return payload, nil
	}
	mode := e.mode
	e.mu.Unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return StatePayload{}, err
	}
	if run == nil {
		return StatePayload{}, monitoring.ErrRunNotFound
	}
	snapshots, err := e.store.RunSnapshots(ctx, runID)
	if err != nil {
		return StatePayload{}, err
	}
	end := now
	if run.EndedAtTS != nil {
		end = *run.EndedAtTS
	}
	payload := StatePayload{
		GeneratedAtTS: now,
		Mode:          mode,
		RunID:         run.RunID,
		Run:           run,
		Settings:      e.settings,
	}
	for _, snap := range snapshots {
		start := sparklineStart(end, snap.FirstSeenTS)
		timestamps, err := e.store.ActivityTimestamps(ctx, snap.SessionID, start-snap.DisconnectThresholdSec)
		if err != nil {
			return StatePayload{}, err
		}
		payload.Pivots = append(payload.Pivots, PivotSummary{
			Snapshot:  snap,
			Sparkline: monitoring.Sparkline(timestamps, start, end, snap.DisconnectThresholdSec, monitoring.SparklineMaxBins),
		})
		if snap.UpdatedAtTS > payload.UpdatedAtTS {
			payload.UpdatedAtTS = snap.UpdatedAtTS
		}
	}
	sortSummaries(payload.Pivots)
	payload.Counts = countSummaries(payload.Pivots)
	return payload, nil
}

func (e *Engine) stateLocked(now float64) StatePayload {
	payload := StatePayload{
		GeneratedAtTS: now,
		UpdatedAtTS:   e.updatedAtTS,
		Mode:          e.mode,
		Live:          true,
		Settings:      e.settings,
		Pivots:        make([]PivotSummary, 0, len(e.pivots)),
	}
	if e.run != nil {
		run := *e.run
		payload.Run = &run
		payload.RunID = run.RunID
	}
	for _, id := range e.sortedPivotIDsLocked() {
		payload.Pivots = append(payload.Pivots, e.summaryLocked(e.pivots[id], now))
	}
	sortSummaries(payload.Pivots)
	payload.Counts = countSummaries(payload.Pivots)
	if e.settings.ShowPendingPingPivots {
		for _, pending := range e.pending {
			payload.PendingPing = append(payload.PendingPing, *pending)
		}
		sort.Slice(payload.PendingPing, func(i, j int) bool {
			return payload.PendingPing[i].PivotID < payload.PendingPing[j].PivotID
		})
	}
	payload.Counts.PendingPing = len(e.pending)
	payload.Malformed = append([]monitoring.MalformedEntry(nil), e.malformed...)
	payload.Counts.Malformed = len(e.malformed)
	payload.Counts.DuplicateDrops = e.duplicateDrops
	return payload
}

func (e *Engine) summaryLocked(p *monitoring.PivotState, now float64) PivotSummary {
	eval := p.Evaluate(e.params, now)
	start := sparklineStart(now, p.FirstSeenTS)
	return PivotSummary{
		Snapshot:  p.Snapshot(eval, now),
		Sparkline: monitoring.Sparkline(p.ActivityTimestamps(), start, now, eval.DisconnectThresholdSec, monitoring.SparklineMaxBins),
	}
}

// Pivot returns the panel of a pivot. Without ids the live session is used,
// falling back to the latest stored session.
func (e *Engine) Pivot(ctx context.Context, pivotID, sessionID, runID string) (*monitoring.PanelPayload, error) {
	now := e.Now()
	e.mu.Lock()
	if p := e.pivots[pivotID]; p != nil &&
		(sessionID == "" || sessionID == p.SessionID) &&
		(runID == "" || runID == p.RunID) {
		panel := e.panelLocked(p, now)
		e.mu.Unlock()
		return &panel, nil
	}
	e.mu.Unlock()

	if sessionID == "" {
		session, err := e.store.LatestSession(ctx, runID, pivotID)
		if err != nil {
			return nil, err
		}
		if session == nil {
			return nil, monitoring.ErrPivotNotFound
		}
		sessionID = session.SessionID
	}
	panel, err := e.store.Panel(ctx, pivotID, sessionID, e.settings.PanelEventLimit, now)
	if err != nil {
		return nil, err
	}
	if panel == nil {
		return nil, monitoring.ErrSessionNotFound
	}
	return panel, nil
}

func (e *Engine) panelLocked(p *monitoring.PivotState, now float64) monitoring.PanelPayload {
	limit := e.settings.PanelEventLimit
	timeline := monitoring.NewestFirst(p.Timeline)
	if len(timeline) > limit {
		timeline = timeline[:limit]
	}
	return monitoring.PanelPayload{
		Snapshot:     p.Snapshot(p.Evaluate(e.params, now), now),
		Timeline:     timeline,
		ProbeEvents:  newestFirst(p.Probe.Events, limit),
		Cloud2Events: newestFirst(p.Cloud2Events, limit),
		Drops:        newestFirst(p.Drops, limit),
		RSSI:         newestFirst(p.RSSI, limit),
		DelayPoints:  newestFirst(p.DelayPoints, limit),
	}
}

// Runs lists runs, most recent first.
func (e *Engine) Runs(ctx context.Context, limit int) ([]monitoring.Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return e.store.ListRuns(ctx, limit)
}

// Sessions lists sessions filtered by pivot and run, most recent first.
func (e *Engine) Sessions(ctx context.Context, pivotID, runID string, limit int) ([]monitoring.Session, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return e.store.ListSessions(ctx, pivotID, runID, limit)
}

// Cloud2FilterOptions lists distinct technologies and firmwares of a run.
func (e *Engine) Cloud2FilterOptions(ctx context.Context, runID string) (monitoring.Cloud2Options, error) {
	if runID == "" {
		e.mu.Lock()
		if e.run != nil {
			runID = e.run.RunID
		}
		e.mu.Unlock()
	}
	if runID == "" {
		return monitoring.Cloud2Options{Technologies: []string{}, Firmwares: []string{}}, nil
	}
	options, err := e.store.Cloud2FilterOptions(ctx, runID)
	if err != nil {
		return options, err
	}
	flagged, err := e.runHasConcentrator(ctx, runID)
	if err != nil {
		return options, err
	}
	if flagged {
		options.Technologies = withOption(options.Technologies, concentratorOption)
	}
	return options, nil
}

func (e *Engine) runHasConcentrator(ctx context.Context, runID string) (bool, error) {
	e.mu.Lock()
	if e.run != nil && e.run.RunID == runID {
		for _, p := range e.pivots {
			if p.IsConcentrator {
				e.mu.Unlock()
				return true, nil
			}
		}
	}
	e.mu.Unlock()
	snapshots, err := e.store.RunSnapshots(ctx, runID)
	if err != nil {
		return false, err
	}
	for _, snap := range snapshots {
		if snap.IsConcentrator {
			return true, nil
		}
	}
	return false, nil
}

func withOption(values []string, option string) []string {
	for _, v := range values {
		if v == option {
			return values
		}
	}
	out := append(append([]string(nil), values...), option)
	sort.Strings(out)
	return out
}

func sparklineStart(now, firstSeen float64) float64 {
	return math.Max(now-monitoring.SparklineWindowSec, firstSeen)
}

func sortSummaries(items []PivotSummary) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PivotID < items[j].PivotID
	})
}

func countSummaries(items []PivotSummary) StateCounts {
	counts := StateCounts{Pivots: len(items)}
	for _, s := range items {
		switch s.Status.Code {
		case monitoring.CodeGreen:
			counts.Online++
		case monitoring.CodeGray:
			counts.Initial++
		case monitoring.CodeRed:
			counts.Offline++
		}
		switch s.Quality.Code {
		case monitoring.CodeGreen:
			counts.Healthy++
		case monitoring.CodeYellow:
			counts.Attention++
		case monitoring.CodeCritical:
			counts.Critical++
		}
		if s.Probe.Alert {
			counts.ProbeAlerts++
		}
		if s.IsConcentrator {
			counts.Concentrators++
		}
	}
	return counts
}

func newestFirst[T any](items []T, limit int) []T {
	n := len(items)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]T, 0, n)
	for i := len(items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, items[i])
	}
	return out
}

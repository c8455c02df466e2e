package application

import (
	"context"
	"encoding/json"
	"fmt"

	monitoring "pivot-monitor/internal/monitoring/domain"
	"pivot-monitor/internal/observability/metrics"
)

const runtimeStateVersion = 1

// runtimeState is the registry persisted between restarts.
type runtimeState struct {
	Version        int                                `json:"version"`
	SavedAtTS      float64                            `json:"saved_at_ts"`
	Mode           monitoring.Mode                    `json:"mode"`
	RunID          string                             `json:"run_id,omitempty"`
	Seq            int64                              `json:"seq"`
	DuplicateDrops int64                              `json:"duplicate_drops"`
	UpdatedAtTS    float64                            `json:"updated_at_ts"`
	Pivots         map[string]*monitoring.PivotState  `json:"pivots"`
	PendingPing    map[string]*monitoring.PendingPing `json:"pending_ping"`
	Malformed      []monitoring.MalformedEntry        `json:"malformed_recent,omitempty"`
	Dedupe         map[string]float64                 `json:"dedupe,omitempty"`
}

// flush renders dashboard files and the runtime registry when dirty and the
// refresh period elapsed. Rendering happens under the lock, writing after.
func (e *Engine) flush(ctx context.Context, now float64, force bool) {
	e.mu.Lock()
	if !e.dirty || (!force && now-e.lastWriteTS < e.settings.DashboardRefreshSec) {
		e.mu.Unlock()
		return
	}
	if e.dashboard == nil && e.runtime == nil {
		e.dirty = false
		e.mu.Unlock()
		return
	}
	files, runtimeData, err := e.renderLocked(now)
	e.dirty = false
	e.lastWriteTS = now
	e.mu.Unlock()

	if err != nil {
		e.logger.Printf("monitoring: render failed: %v", err)
		metrics.IncDashboardWrite(metrics.ResultError)
		return
	}
	failed := false
	if e.dashboard != nil {
		if err := e.dashboard.WriteDashboard(ctx, files); err != nil {
			e.logger.Printf("monitoring: dashboard write failed: %v", err)
			failed = true
		}
	}
	if e.runtime != nil {
		if err := e.runtime.Save(ctx, runtimeData); err != nil {
			e.logger.Printf("monitoring: runtime store save failed: %v", err)
			failed = true
		}
	}
	if failed {
		metrics.IncDashboardWrite(metrics.ResultError)
		e.mu.Lock()
		e.dirty = true
		e.mu.Unlock()
		return
	}
	metrics.IncDashboardWrite(metrics.ResultSuccess)
}

func (e *Engine) renderLocked(now float64) (DashboardFiles, []byte, error) {
	files := DashboardFiles{Pivots: make(map[string][]byte, len(e.pivots))}
	if e.dashboard != nil {
		state, err := json.Marshal(e.stateLocked(now))
		if err != nil {
			return files, nil, fmt.Errorf("render state: %w", err)
		}
		files.State = state
		for _, p := range e.pivots {
			panel, err := json.Marshal(e.panelLocked(p, now))
			if err != nil {
				return files, nil, fmt.Errorf("render pivot %s: %w", p.PivotID, err)
			}
			files.Pivots[p.Slug] = panel
		}
	}
	if e.runtime == nil {
		return files, nil, nil
	}
	st := runtimeState{
		Version:        runtimeStateVersion,
		SavedAtTS:      now,
		Mode:           e.mode,
		Seq:            e.seq,
		DuplicateDrops: e.duplicateDrops,
		UpdatedAtTS:    e.updatedAtTS,
		Pivots:         e.pivots,
		PendingPing:    e.pending,
		Malformed:      e.malformed,
		Dedupe:         e.dedupe.entries(),
	}
	if e.run != nil {
		st.RunID = e.run.RunID
	}
	data, err := json.Marshal(st)
	if err != nil {
		return files, nil, fmt.Errorf("render runtime state: %w", err)
	}
	return files, data, nil
}

// restoreRuntimeLocked reloads the registry saved for the stored active run
// and reports whether the engine was live when it was saved.
func (e *Engine) restoreRuntimeLocked(ctx context.Context) bool {
	if e.runtime == nil {
		return false
	}
	data, err := e.runtime.Load(ctx)
	if err != nil {
		e.logger.Printf("monitoring: runtime store load failed: %v", err)
		return false
	}
	if len(data) == 0 {
		return false
	}
	var st runtimeState
	if err := json.Unmarshal(data, &st); err != nil {
		e.logger.Printf("monitoring: runtime store unreadable, ignoring: %v", err)
		return false
	}
	if st.Version != runtimeStateVersion {
		e.logger.Printf("monitoring: runtime store version %d unsupported, ignoring", st.Version)
		return false
	}
	active, err := e.store.ActiveRun(ctx)
	if err != nil {
		e.logger.Printf("monitoring: active run lookup failed: %v", err)
		return false
	}
	if active == nil || active.RunID != st.RunID {
		e.logger.Printf("monitoring: runtime store run=%q does not match active run, ignoring registry", st.RunID)
		return false
	}

	e.run = active
	for id, p := range st.Pivots {
		if p == nil || p.RunID != st.RunID {
			continue
		}
		p.Normalize(e.params.MedianWindow)
		e.pivots[id] = p
	}
	for id, pending := range st.PendingPing {
		if pending != nil {
			e.pending[id] = pending
		}
	}
	e.malformed = st.Malformed
	if len(e.malformed) > malformedRingSize {
		e.malformed = e.malformed[len(e.malformed)-malformedRingSize:]
	}
	e.seq = st.Seq
	e.duplicateDrops = st.DuplicateDrops
	e.updatedAtTS = st.UpdatedAtTS
	e.dedupe.restore(st.Dedupe)
	e.logger.Printf("monitoring: restored runtime registry run=%s pivots=%d", st.RunID, len(e.pivots))
	return st.Mode == monitoring.ModeLive
}

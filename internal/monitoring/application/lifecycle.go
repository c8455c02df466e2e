package application

import (
	"context"
	"crypto/subtle"
	"fmt"

	monitoring "pivot-monitor/internal/monitoring/domain"
	"pivot-monitor/internal/observability/metrics"
)

// ensureActiveRunLocked returns the run persistence reports as active. The
// cached run is replaced when the store disagrees; a new run is created when
// none is active.
func (e *Engine) ensureActiveRunLocked(ctx context.Context, now float64) (*monitoring.Run, error) {
	run, err := e.store.ActiveRun(ctx)
	if err != nil {
		metrics.IncStoreError("active_run")
		return nil, err
	}
	if run != nil {
		if e.run != nil && e.run.RunID != run.RunID {
			e.logger.Printf("monitoring: active run changed in store from=%s to=%s", e.run.RunID, run.RunID)
		}
		e.run = run
		return run, nil
	}
	if e.run != nil && e.run.IsActive {
		e.logger.Printf("monitoring: run=%s no longer active in store", e.run.RunID)
	}
	run = &monitoring.Run{
		RunID:       e.newID(),
		StartedAtTS: now,
		IsActive:    true,
		Source:      "auto",
	}
	if err := e.store.StartRun(ctx, *run); err != nil {
		metrics.IncStoreError("start_run")
		return nil, err
	}
	e.run = run
	e.logger.Printf("monitoring: no active run, created run=%s", run.RunID)
	return run, nil
}

// attachSessionLocked binds p to the active session of (run, pivot). An
// existing session is resumed from its persisted panel; a new one is seeded
// from the best historical baseline.
func (e *Engine) attachSessionLocked(ctx context.Context, p *monitoring.PivotState, run *monitoring.Run, ts float64, source string, batch *Batch) (*monitoring.PivotState, error) {
	candidate := monitoring.Session{
		SessionID:   e.newID(),
		RunID:       run.RunID,
		PivotID:     p.PivotID,
		StartedAtTS: ts,
		IsActive:    true,
		Source:      source,
	}
	session, created, err := e.store.EnsureSession(ctx, p.Record(), candidate)
	if err != nil {
		return nil, err
	}

	if !created {
		panel, err := e.store.Panel(ctx, p.PivotID, session.SessionID, e.settings.PanelEventLimit, ts)
		if err != nil {
			e.logger.Printf("monitoring: resume session=%s panel failed: %v", session.SessionID, err)
		}
		if panel != nil && panel.Snapshot.PivotID != "" {
			restored := monitoring.RestorePivotState(*panel, e.params.MedianWindow, e.params.MinSamples, ts)
			restored.Probe.Enabled = p.Probe.Enabled
			restored.Probe.IntervalSec = p.Probe.IntervalSec
			restored.Touch(p.FirstSeenTS)
			p = restored
		} else if p.SessionID != "" {
			p.ResetSession(run.RunID, session.SessionID, e.params.MedianWindow)
		}
		p.RunID = run.RunID
		p.SessionID = session.SessionID
		e.logger.Printf("monitoring: resumed session=%s pivot=%s", session.SessionID, p.PivotID)
		return p, nil
	}

	if p.SessionID != "" {
		p.ResetSession(run.RunID, session.SessionID, e.params.MedianWindow)
	}
	p.RunID = run.RunID
	p.SessionID = session.SessionID
	e.seedBaselineLocked(ctx, p, ts)
	e.sessionStartedLocked(p, batch, ts, source)
	return p, nil
}

// openSessionLocked closes the pivot's current session and starts a new one.
func (e *Engine) openSessionLocked(ctx context.Context, p *monitoring.PivotState, session monitoring.Session, now float64, batch *Batch, notes *[]any) error {
	if p.SessionID != "" {
		final := p.Snapshot(p.Evaluate(e.params, now), now)
		e.commitLocked(ctx, Batch{Snapshots: []monitoring.Snapshot{final}})
	}
	if err := e.store.OpenSession(ctx, p.Record(), session); err != nil {
		metrics.IncStoreError("open_session")
		return err
	}
	p.ResetSession(session.RunID, session.SessionID, e.params.MedianWindow)
	e.seedBaselineLocked(ctx, p, now)
	e.sessionStartedLocked(p, batch, now, session.Source)
	e.finishPivotLocked(p, now, batch, notes)
	return nil
}

func (e *Engine) seedBaselineLocked(ctx context.Context, p *monitoring.PivotState, now float64) {
	baseline, err := e.store.BestBaseline(ctx, p.PivotID, p.SessionID)
	if err != nil {
		e.logger.Printf("monitoring: baseline lookup pivot=%s failed: %v", p.PivotID, err)
		return
	}
	if baseline == nil {
		return
	}
	p.ApplyBaseline(*baseline, e.params.MedianWindow, e.params.MinSamples, now)
	e.logger.Printf("monitoring: baseline pivot=%s from session=%s median=%.1fs samples=%d",
		p.PivotID, baseline.SessionID, baseline.MedianIntervalSec, baseline.SampleCount)
}

func (e *Engine) sessionStartedLocked(p *monitoring.PivotState, batch *Batch, ts float64, source string) {
	e.appendEventLocked(p, batch, monitoring.Event{
		TS:        ts,
		EventType: monitoring.EventSessionStarted,
		Summary:   fmt.Sprintf("sessao iniciada (%s)", source),
		Details:   map[string]any{"run_id": p.RunID, "source": source},
	})
}

// StartNewRun ends the active run and opens a new run with a fresh session
// for every known pivot.
func (e *Engine) StartNewRun(ctx context.Context, source, label string) (*monitoring.Run, error) {
	now := e.Now()
	e.mu.Lock()
	var notes []any
	run, err := e.startNewRunLocked(ctx, now, source, label, &notes)
	e.mu.Unlock()
	e.publish(ctx, notes)
	if err != nil {
		return nil, err
	}
	out := *run
	return &out, nil
}

func (e *Engine) startNewRunLocked(ctx context.Context, now float64, source, label string, notes *[]any) (*monitoring.Run, error) {
	if source == "" {
		source = "manual"
	}
	run := &monitoring.Run{
		RunID:       e.newID(),
		StartedAtTS: now,
		IsActive:    true,
		Source:      source,
		Label:       label,
	}
	for _, p := range e.pivots {
		if p.SessionID != "" {
			final := p.Snapshot(p.Evaluate(e.params, now), now)
			e.commitLocked(ctx, Batch{Snapshots: []monitoring.Snapshot{final}})
		}
	}
	if err := e.store.StartRun(ctx, *run); err != nil {
		metrics.IncStoreError("start_run")
		return nil, err
	}
	e.run = run

	batch := &Batch{}
	for _, id := range e.sortedPivotIDsLocked() {
		p := e.pivots[id]
		p.SessionID = ""
		session := monitoring.Session{
			SessionID:   e.newID(),
			RunID:       run.RunID,
			PivotID:     id,
			StartedAtTS: now,
			IsActive:    true,
			Source:      source,
		}
		if err := e.openSessionLocked(ctx, p, session, now, batch, notes); err != nil {
			e.logger.Printf("monitoring: open session pivot=%s run=%s failed: %v", id, run.RunID, err)
		}
	}
	e.commitLocked(ctx, *batch)
	e.mode = monitoring.ModeLive
	e.dirty = true
	e.logger.Printf("monitoring: started run=%s source=%s pivots=%d", run.RunID, source, len(e.pivots))
	return run, nil
}

// StartNewSession opens a new session for one pivot within the active run.
func (e *Engine) StartNewSession(ctx context.Context, pivotID, source string) (*monitoring.Session, error) {
	if source == "" {
		source = "manual"
	}
	now := e.Now()
	e.mu.Lock()
	var notes []any
	session, err := e.startNewSessionLocked(ctx, pivotID, source, now, &notes)
	e.mu.Unlock()
	e.publish(ctx, notes)
	return session, err
}

func (e *Engine) startNewSessionLocked(ctx context.Context, pivotID, source string, now float64, notes *[]any) (*monitoring.Session, error) {
	p := e.pivots[pivotID]
	if p == nil {
		return nil, monitoring.ErrPivotNotFound
	}
	run, err := e.ensureActiveRunLocked(ctx, now)
	if err != nil {
		return nil, err
	}
	session := monitoring.Session{
		SessionID:   e.newID(),
		RunID:       run.RunID,
		PivotID:     pivotID,
		StartedAtTS: now,
		IsActive:    true,
		Source:      source,
	}
	batch := &Batch{}
	if err := e.openSessionLocked(ctx, p, session, now, batch, notes); err != nil {
		return nil, err
	}
	e.commitLocked(ctx, *batch)
	e.dirty = true
	e.logger.Printf("monitoring: started session=%s pivot=%s", session.SessionID, pivotID)
	return &session, nil
}

// ActivateHistoryRun makes a past run active again and reloads its pivots.
func (e *Engine) ActivateHistoryRun(ctx context.Context, runID string) (*monitoring.Run, error) {
	now := e.Now()
	e.mu.Lock()
	var notes []any
	run, err := e.activateRunLocked(ctx, runID, now, &notes)
	e.mu.Unlock()
	e.publish(ctx, notes)
	if err != nil {
		return nil, err
	}
	out := *run
	return &out, nil
}

func (e *Engine) activateRunLocked(ctx context.Context, runID string, now float64, notes *[]any) (*monitoring.Run, error) {
	for _, p := range e.pivots {
		if p.SessionID != "" {
			final := p.Snapshot(p.Evaluate(e.params, now), now)
			e.commitLocked(ctx, Batch{Snapshots: []monitoring.Snapshot{final}})
		}
	}
	sessions, err := e.store.ActivateRun(ctx, runID, now)
	if err != nil {
		return nil, err
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, monitoring.ErrRunNotFound
	}
	e.run = run
	e.pivots = make(map[string]*monitoring.PivotState)
	e.loadSessionsLocked(ctx, sessions, now)

	batch := &Batch{}
	for _, id := range e.sortedPivotIDsLocked() {
		e.finishPivotLocked(e.pivots[id], now, batch, notes)
	}
	e.commitLocked(ctx, *batch)
	e.dirty = true
	e.logger.Printf("monitoring: activated run=%s pivots=%d", runID, len(e.pivots))
	return run, nil
}

// restoreActiveRunLocked loads the active sessions of the stored active run.
func (e *Engine) restoreActiveRunLocked(ctx context.Context, now float64) error {
	run, err := e.store.ActiveRun(ctx)
	if err != nil || run == nil {
		return err
	}
	sessions, err := e.store.ListSessions(ctx, "", run.RunID, 0)
	if err != nil {
		return err
	}
	active := sessions[:0]
	for _, s := range sessions {
		if s.IsActive {
			active = append(active, s)
		}
	}
	e.run = run
	e.loadSessionsLocked(ctx, active, now)
	if len(e.pivots) > 0 {
		e.logger.Printf("monitoring: restored run=%s pivots=%d from store", run.RunID, len(e.pivots))
	}
	return nil
}

func (e *Engine) loadSessionsLocked(ctx context.Context, sessions []monitoring.Session, now float64) {
	for _, s := range sessions {
		panel, err := e.store.Panel(ctx, s.PivotID, s.SessionID, e.settings.PanelEventLimit, now)
		if err != nil {
			e.logger.Printf("monitoring: load session=%s failed: %v", s.SessionID, err)
			continue
		}
		var p *monitoring.PivotState
		if panel != nil && panel.Snapshot.PivotID != "" {
			p = monitoring.RestorePivotState(*panel, e.params.MedianWindow, e.params.MinSamples, now)
		} else {
			p = monitoring.NewPivotState(s.PivotID, s.StartedAtTS, e.params.MedianWindow)
		}
		p.RunID = s.RunID
		p.SessionID = s.SessionID
		e.applyProbeSettingLocked(p)
		e.pivots[s.PivotID] = p
	}
}

// PurgeAllData deletes every stored run, session and event, clears the
// registry and returns the engine to idle.
func (e *Engine) PurgeAllData(ctx context.Context, password string) error {
	if e.purgePassword == "" || subtle.ConstantTimeCompare([]byte(password), []byte(e.purgePassword)) != 1 {
		e.logger.Printf("monitoring: purge refused")
		return monitoring.ErrInvalidPassword
	}

	e.mu.Lock()
	if err := e.store.Purge(ctx); err != nil {
		e.mu.Unlock()
		metrics.IncStoreError("purge")
		return err
	}
	e.run = nil
	e.mode = monitoring.ModeIdle
	e.pivots = make(map[string]*monitoring.PivotState)
	e.pending = make(map[string]*monitoring.PendingPing)
	e.malformed = nil
	e.dedupe = newDedupeCache(e.settings.DedupeWindowSec)
	e.retry = nil
	e.seq = 0
	e.duplicateDrops = 0
	e.updatedAtTS = 0
	e.dirty = true
	e.mu.Unlock()

	e.logger.Printf("monitoring: all data purged, waiting for apply")
	e.flush(ctx, e.Now(), true)
	return nil
}

package application

import (
	"context"
	"fmt"
	"sort"
	"time"

	"pivot-monitor/internal/eventing"
	monitoring "pivot-monitor/internal/monitoring/domain"
	"pivot-monitor/internal/observability/metrics"
)

const tickInterval = time.Second

// Run ticks until ctx is cancelled and flushes once more before returning.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.flush(context.Background(), e.Now(), true)
			e.logger.Printf("monitoring: ticker stopped")
			return
		case <-ticker.C:
			e.Tick(ctx, e.Now())
		}
	}
}

// Tick expires probes, refreshes every pivot, sends due probes and flushes
// dashboard files when due.
func (e *Engine) Tick(ctx context.Context, now float64) {
	start := time.Now()
	due, notes := e.tick(ctx, now)
	e.publish(ctx, notes)
	for _, pivotID := range due {
		e.sendProbe(ctx, pivotID, now)
	}
	e.flush(ctx, now, false)
	metrics.ObserveTick(time.Since(start))
}

func (e *Engine) tick(ctx context.Context, now float64) (due []string, notes []any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("monitoring: tick panic: %v", r)
			due = nil
		}
	}()

	batch := &Batch{}
	live := e.mode == monitoring.ModeLive
	for _, id := range e.sortedPivotIDsLocked() {
		p := e.pivots[id]
		timedOut := e.checkTimeoutLocked(p, now, batch, &notes)
		eval, changed := e.refreshLocked(p, now, batch, &notes)
		p.Prune(now-e.params.RetentionSec, e.params.MaxEventsPerPivot)
		if timedOut || changed {
			batch.Snapshots = append(batch.Snapshots, p.Snapshot(eval, now))
			e.dirty = true
		}
		if live && !timedOut && p.Probe.Eligible(now) {
			due = append(due, id)
		}
	}
	e.prunePendingLocked(now)
	e.commitLocked(ctx, *batch)
	return due, notes
}

// refreshLocked re-evaluates the pivot and records status or quality changes.
func (e *Engine) refreshLocked(p *monitoring.PivotState, now float64, batch *Batch, notes *[]any) (monitoring.Evaluation, bool) {
	eval := p.Evaluate(e.params, now)
	prev := p.Cache
	statusChanged := prev.Status.Changed(eval.Status)
	qualityChanged := prev.Quality.Changed(eval.Quality)
	p.Cache.DisconnectedPct = eval.DisconnectedPct
	p.Cache.UpdatedAtTS = now
	if !statusChanged && !qualityChanged {
		return eval, false
	}
	p.Cache.Status = eval.Status
	p.Cache.Quality = eval.Quality

	details := map[string]any{"disconnected_pct": eval.DisconnectedPct}
	if statusChanged {
		details["status_from"] = prev.Status.Code
		details["status_to"] = eval.Status.Code
		*notes = append(*notes, e.statusNote(p, eventing.DimensionStatus, prev.Status, eval, now))
		metrics.IncStatusTransition(eventing.DimensionStatus, eval.Status.Code)
		if prev.Status.Code != eval.Status.Code {
			e.logger.Printf("monitoring: status pivot=%s %s -> %s reason=%q", p.PivotID, codeOrNone(prev.Status.Code), eval.Status.Code, eval.Status.Reason)
		}
	}
	if qualityChanged {
		details["quality_from"] = prev.Quality.Code
		details["quality_to"] = eval.Quality.Code
		*notes = append(*notes, e.statusNote(p, eventing.DimensionQuality, prev.Quality, eval, now))
		metrics.IncStatusTransition(eventing.DimensionQuality, eval.Quality.Code)
		if prev.Quality.Code != eval.Quality.Code {
			e.logger.Printf("monitoring: quality pivot=%s %s -> %s disconnected=%.1f%%", p.PivotID, codeOrNone(prev.Quality.Code), eval.Quality.Code, eval.DisconnectedPct)
		}
	}
	e.appendEventLocked(p, batch, monitoring.Event{
		TS:        now,
		EventType: monitoring.EventStatusChange,
		Summary:   fmt.Sprintf("status %s, qualidade %s", eval.Status.Label, eval.Quality.Label),
		Details:   details,
	})
	return eval, true
}

func (e *Engine) statusNote(p *monitoring.PivotState, dimension string, prev monitoring.StatusInfo, eval monitoring.Evaluation, now float64) eventing.StatusChanged {
	to := eval.Status
	if dimension == eventing.DimensionQuality {
		to = eval.Quality
	}
	return eventing.StatusChanged{
		PivotID:         p.PivotID,
		SessionID:       p.SessionID,
		RunID:           p.RunID,
		Dimension:       dimension,
		FromCode:        prev.Code,
		ToCode:          to.Code,
		ToLabel:         to.Label,
		Reason:          to.Reason,
		DisconnectedPct: eval.DisconnectedPct,
		TS:              now,
		OccurredAt:      e.clock.Now().UTC(),
	}
}

func (e *Engine) sortedPivotIDsLocked() []string {
	ids := make([]string, 0, len(e.pivots))
	for id := range e.pivots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func codeOrNone(code string) string {
	if code == "" {
		return "none"
	}
	return code
}

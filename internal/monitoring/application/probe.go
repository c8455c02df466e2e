package application

import (
	"context"
	"fmt"
	"sort"

	"pivot-monitor/internal/eventing"
	monitoring "pivot-monitor/internal/monitoring/domain"
	"pivot-monitor/internal/observability/metrics"
)

// applyProbeSettingLocked copies the persisted schedule onto the pivot.
func (e *Engine) applyProbeSettingLocked(p *monitoring.PivotState) {
	if setting, ok := e.probeSettings[p.PivotID]; ok {
		p.Probe.Enabled = setting.Enabled
		p.Probe.IntervalSec = e.settings.ClampProbeInterval(setting.IntervalSec)
		return
	}
	if p.Probe.IntervalSec <= 0 {
		p.Probe.IntervalSec = e.settings.ProbeDefaultIntervalSec
	}
}

// correlateProbeLocked matches a network/info arrival against the pending probe.
func (e *Engine) correlateProbeLocked(p *monitoring.PivotState, topic monitoring.Topic, ts float64, batch *Batch) {
	probe := &p.Probe
	if probe.Pending() && probe.PendingDeadlineTS != nil && ts >= *probe.PendingSentTS && ts <= *probe.PendingDeadlineTS {
		sent := *probe.PendingSentTS
		latency := ts - sent
		respTS := ts
		probe.PendingSentTS = nil
		probe.PendingDeadlineTS = nil
		probe.TimeoutStreak = 0
		probe.Alert = false
		probe.LastResponseTS = &respTS
		probe.LastResult = monitoring.ProbeResponse
		probe.DelaySum += latency
		probe.DelayCount++

		e.appendProbeEventLocked(p, batch, monitoring.ProbeEvent{
			TS:         ts,
			Kind:       monitoring.ProbeResponse,
			Topic:      string(topic),
			LatencySec: &latency,
			SentTS:     &sent,
		})
		e.appendEventLocked(p, batch, monitoring.Event{
			TS:          ts,
			Topic:       string(topic),
			EventType:   monitoring.EventProbeResponse,
			Summary:     fmt.Sprintf("resposta ao probe em %.1fs", latency),
			Details:     map[string]any{"latency_sec": latency, "sent_ts": sent},
			SourceTopic: string(topic),
		})
		point := monitoring.ProbeDelayPoint{
			PivotID:     p.PivotID,
			SessionID:   p.SessionID,
			TS:          ts,
			LatencySec:  latency,
			AvgSec:      probe.DelaySum / float64(probe.DelayCount),
			SampleCount: probe.DelayCount,
		}
		p.DelayPoints = append(p.DelayPoints, point)
		batch.DelayPoints = append(batch.DelayPoints, point)
		metrics.IncProbeEvent(monitoring.ProbeResponse)
		return
	}

	e.appendProbeEventLocked(p, batch, monitoring.ProbeEvent{
		TS:    ts,
		Kind:  monitoring.ProbeResponseUnmatched,
		Topic: string(topic),
	})
	e.appendEventLocked(p, batch, monitoring.Event{
		TS:          ts,
		Topic:       string(topic),
		EventType:   monitoring.EventProbeUnmatched,
		Summary:     "resposta sem probe pendente",
		SourceTopic: string(topic),
	})
	metrics.IncProbeEvent(monitoring.ProbeResponseUnmatched)
}

// checkTimeoutLocked expires a pending probe whose deadline has passed.
func (e *Engine) checkTimeoutLocked(p *monitoring.PivotState, now float64, batch *Batch, notes *[]any) bool {
	probe := &p.Probe
	if !probe.Pending() || probe.PendingDeadlineTS == nil || !(*probe.PendingDeadlineTS < now) {
		return false
	}
	sent := *probe.PendingSentTS
	deadline := *probe.PendingDeadlineTS
	probe.PendingSentTS = nil
	probe.PendingDeadlineTS = nil
	probe.TimeoutStreak++
	probe.LastResult = monitoring.ProbeTimeout

	e.appendProbeEventLocked(p, batch, monitoring.ProbeEvent{
		TS:         now,
		Kind:       monitoring.ProbeTimeout,
		DeadlineTS: &deadline,
		SentTS:     &sent,
	})
	e.appendEventLocked(p, batch, monitoring.Event{
		TS:        now,
		EventType: monitoring.EventProbeTimeout,
		Summary:   fmt.Sprintf("probe sem resposta (sequencia %d)", probe.TimeoutStreak),
		Details:   map[string]any{"timeout_streak": probe.TimeoutStreak, "deadline_ts": deadline},
	})
	metrics.IncProbeEvent(monitoring.ProbeTimeout)

	if probe.TimeoutStreak >= e.params.TimeoutStreakAlert && !probe.Alert {
		probe.Alert = true
		e.logger.Printf("probe: alert pivot=%s streak=%d", p.PivotID, probe.TimeoutStreak)
		*notes = append(*notes, eventing.ProbeAlertRaised{
			PivotID:       p.PivotID,
			SessionID:     p.SessionID,
			RunID:         p.RunID,
			TimeoutStreak: probe.TimeoutStreak,
			TS:            now,
			OccurredAt:    e.clock.Now().UTC(),
		})
	}
	return true
}

// sendProbe publishes the probe with the lock released and records it on success.
func (e *Engine) sendProbe(ctx context.Context, pivotID string, now float64) {
	if monitoring.IsMonitoredTopic(pivotID) {
		e.logger.Printf("probe: refusing publish on monitored topic %q", pivotID)
		metrics.IncProbeEvent("refused")
		return
	}
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink == nil {
		return
	}
	if !sink.Publish(ctx, pivotID, monitoring.ProbePayload) {
		e.logger.Printf("probe: publish failed pivot=%s", pivotID)
		metrics.IncProbeEvent("publish_failed")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.pivots[pivotID]
	if p == nil || p.Probe.Pending() {
		return
	}
	sent := now
	deadline := now + p.Probe.IntervalSec*e.params.ProbeTimeoutFactor
	p.Probe.LastSentTS = &sent
	p.Probe.PendingSentTS = &sent
	p.Probe.PendingDeadlineTS = &deadline
	p.Probe.LastResult = monitoring.ProbeSent

	batch := &Batch{}
	e.appendProbeEventLocked(p, batch, monitoring.ProbeEvent{
		TS:         now,
		Kind:       monitoring.ProbeSent,
		Topic:      pivotID,
		DeadlineTS: &deadline,
	})
	e.appendEventLocked(p, batch, monitoring.Event{
		TS:        now,
		Topic:     pivotID,
		EventType: monitoring.EventProbeSent,
		Summary:   "probe enviado",
		Details:   map[string]any{"deadline_ts": deadline},
	})
	batch.Snapshots = append(batch.Snapshots, p.Snapshot(p.Evaluate(e.params, now), now))
	e.commitLocked(ctx, *batch)
	e.dirty = true
	metrics.IncProbeEvent(monitoring.ProbeSent)
}

func (e *Engine) appendProbeEventLocked(p *monitoring.PivotState, batch *Batch, evt monitoring.ProbeEvent) {
	evt.Seq = e.nextSeqLocked()
	evt.PivotID = p.PivotID
	evt.SessionID = p.SessionID
	p.Probe.Record(evt)
	batch.ProbeEvents = append(batch.ProbeEvents, evt)
}

// ProbeSettings lists the configured probe schedules ordered by pivot.
func (e *Engine) ProbeSettings(ctx context.Context) ([]monitoring.ProbeSetting, error) {
	_ = ctx
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]monitoring.ProbeSetting, 0, len(e.probeSettings))
	for _, setting := range e.probeSettings {
		out = append(out, setting)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PivotID < out[j].PivotID })
	return out, nil
}

// UpsertProbeSetting stores a pivot's probe schedule and applies it.
func (e *Engine) UpsertProbeSetting(ctx context.Context, setting monitoring.ProbeSetting) (monitoring.ProbeSetting, error) {
	if monitoring.IsMonitoredTopic(setting.PivotID) {
		return monitoring.ProbeSetting{}, monitoring.ErrForbiddenTopic
	}
	if !monitoring.ValidPivotID(setting.PivotID) {
		return monitoring.ProbeSetting{}, monitoring.ErrInvalidPivotID
	}
	setting.IntervalSec = e.settings.ClampProbeInterval(setting.IntervalSec)
	setting.UpdatedAtTS = e.Now()
	if err := e.store.UpsertProbeSetting(ctx, setting); err != nil {
		metrics.IncStoreError("probe_setting")
		return monitoring.ProbeSetting{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.probeSettings[setting.PivotID] = setting
	if p := e.pivots[setting.PivotID]; p != nil {
		e.applyProbeSettingLocked(p)
		now := setting.UpdatedAtTS
		e.commitLocked(ctx, Batch{Snapshots: []monitoring.Snapshot{p.Snapshot(p.Evaluate(e.params, now), now)}})
		e.dirty = true
	}
	e.logger.Printf("probe: setting pivot=%s enabled=%v interval=%.0fs", setting.PivotID, setting.Enabled, setting.IntervalSec)
	return setting, nil
}

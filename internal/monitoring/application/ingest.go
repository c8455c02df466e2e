package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	monitoring "pivot-monitor/internal/monitoring/domain"
	"pivot-monitor/internal/observability/metrics"
)

const (
	rawExcerptLimit     = 160
	pendingExcerptLimit = 120
)

// inbound is a parsed message on a monitored topic.
type inbound struct {
	Topic   monitoring.Topic
	Raw     string
	Payload monitoring.DevicePayload
	TS      float64
}

type topicHandler func(ctx context.Context, msg inbound, batch *Batch) IngestResult

// Ingest runs one bus message through parse, dedupe and dispatch.
func (e *Engine) Ingest(ctx context.Context, topic, payload string, ts float64) IngestResult {
	start := time.Now()
	res, notes := e.ingest(ctx, topic, payload, ts)
	e.publish(ctx, notes)

	result := metrics.IngestAccepted
	switch {
	case res.Duplicate:
		result = metrics.IngestDuplicate
	case res.Malformed:
		result = metrics.IngestMalformed
		metrics.IncIngestError("malformed")
	case !res.Accepted:
		result = metrics.IngestRejected
		metrics.IncIngestError(res.Reason)
	}
	label := topic
	if !monitoring.IsMonitoredTopic(topic) {
		label = "other"
	}
	metrics.ObserveIngest(label, result, time.Since(start))
	return res
}

func (e *Engine) ingest(ctx context.Context, topic, payload string, ts float64) (res IngestResult, notes []any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("monitoring: ingest panic topic=%s: %v", topic, r)
			res = IngestResult{Reason: ReasonInternal}
			notes = nil
		}
	}()

	if e.mode != monitoring.ModeLive {
		return IngestResult{Reason: ReasonIdle}, nil
	}
	t, ok := monitoring.ParseTopic(topic)
	if !ok {
		return IngestResult{Reason: ReasonUnknownTopic}, nil
	}
	if e.dedupe.Seen(topic, payload, ts) {
		e.duplicateDrops++
		e.dirty = true
		return IngestResult{Reason: ReasonDuplicate, Duplicate: true}, nil
	}
	parsed, err := monitoring.ParseDevicePayload(payload)
	if err != nil {
		e.recordMalformedLocked(ts, topic, err.Error(), payload)
		return IngestResult{Reason: err.Error(), Malformed: true}, nil
	}

	batch := &Batch{}
	res = e.handlers[t](ctx, inbound{Topic: t, Raw: payload, Payload: parsed, TS: ts}, batch)
	if res.Accepted {
		if p := e.pivots[res.PivotID]; p != nil {
			e.finishPivotLocked(p, ts, batch, &notes)
		}
		e.dirty = true
		if ts > e.updatedAtTS {
			e.updatedAtTS = ts
		}
	}
	e.commitLocked(ctx, *batch)
	return res, notes
}

// finishPivotLocked refreshes, prunes and stages the pivot row and snapshot.
func (e *Engine) finishPivotLocked(p *monitoring.PivotState, now float64, batch *Batch, notes *[]any) {
	eval, _ := e.refreshLocked(p, now, batch, notes)
	p.Prune(now-e.params.RetentionSec, e.params.MaxEventsPerPivot)
	batch.Pivots = append(batch.Pivots, p.Record())
	batch.Snapshots = append(batch.Snapshots, p.Snapshot(eval, now))
}

func (e *Engine) handleCloudV2(ctx context.Context, msg inbound, batch *Batch) IngestResult {
	p, err := e.discoverLocked(ctx, msg.Payload.PivotID, msg.TS, batch)
	if err != nil {
		e.logger.Printf("monitoring: discovery failed pivot=%s: %v", msg.Payload.PivotID, err)
		metrics.IncStoreError("session")
		return IngestResult{Reason: ReasonInternal, PivotID: msg.Payload.PivotID}
	}
	p.RecordArrival(monitoring.TopicCloudV2, msg.TS)
	evt := e.messageEventLocked(p, msg, batch, "cloudv2 recebido", nil)
	return accepted(p, evt)
}

func (e *Engine) handlePing(ctx context.Context, msg inbound, batch *Batch) IngestResult {
	p, err := e.knownPivotLocked(ctx, msg.Payload.PivotID, msg.TS, batch)
	if err != nil {
		e.logger.Printf("monitoring: session check failed pivot=%s: %v", msg.Payload.PivotID, err)
		return IngestResult{Reason: ReasonInternal, PivotID: msg.Payload.PivotID}
	}
	if p == nil {
		e.trackPendingPingLocked(msg)
		return IngestResult{Reason: ReasonPendingDiscovery, PivotID: msg.Payload.PivotID}
	}
	p.RecordArrival(monitoring.TopicCloudV2Ping, msg.TS)
	var details map[string]any
	if len(msg.Payload.Fields) > 0 {
		if rssi, ok := monitoring.ParseRSSIPoint(msg.Payload.Fields[0]); ok {
			e.appendRSSILocked(p, batch, msg.TS, rssi, msg.Topic)
			details = map[string]any{"rssi": rssi}
		}
	}
	evt := e.messageEventLocked(p, msg, batch, "ping recebido", details)
	return accepted(p, evt)
}

func (e *Engine) handleCloud2(ctx context.Context, msg inbound, batch *Batch) IngestResult {
	p, err := e.knownPivotLocked(ctx, msg.Payload.PivotID, msg.TS, batch)
	if err != nil {
		e.logger.Printf("monitoring: session check failed pivot=%s: %v", msg.Payload.PivotID, err)
		return IngestResult{Reason: ReasonInternal, PivotID: msg.Payload.PivotID}
	}
	if p == nil {
		return IngestResult{Reason: ReasonUnknownPivot, PivotID: msg.Payload.PivotID}
	}

	rec := monitoring.ParseCloud2Tail(msg.Payload.Tail)
	rec.TS = msg.TS
	p.RecordArrival(monitoring.TopicCloud2, msg.TS)
	p.LastCloud2 = &rec
	if strings.Contains(strings.ToLower(rec.Technology), "concentrador") {
		p.IsConcentrator = true
	}

	c2 := monitoring.Cloud2Event{
		Seq:        e.nextSeqLocked(),
		PivotID:    p.PivotID,
		SessionID:  p.SessionID,
		TS:         msg.TS,
		Record:     rec,
		RawPayload: msg.Raw,
	}
	p.Cloud2Events = append(p.Cloud2Events, c2)
	batch.Cloud2Events = append(batch.Cloud2Events, c2)

	if rec.RSSI != nil && *rec.RSSI >= 0 && *rec.RSSI <= 31 {
		e.appendRSSILocked(p, batch, msg.TS, *rec.RSSI, msg.Topic)
	}

	summary := fmt.Sprintf("cloud2 rssi=%s tecnologia=%s", dash(rec.RSSIRaw), dash(rec.Technology))
	evt := e.messageEventLocked(p, msg, batch, summary, map[string]any{
		"firmware":   rec.Firmware,
		"event_date": rec.EventDate,
	})

	if rec.HasDrop() {
		drop := monitoring.DropEvent{
			PivotID:     p.PivotID,
			SessionID:   p.SessionID,
			TS:          msg.TS,
			DurationSec: *rec.DropDurationSec,
			DurationRaw: rec.DropDurationRaw,
		}
		p.Drops = append(p.Drops, drop)
		batch.Drops = append(batch.Drops, drop)
		e.appendEventLocked(p, batch, monitoring.Event{
			TS:          msg.TS,
			Topic:       string(msg.Topic),
			EventType:   monitoring.EventDrop,
			Summary:     fmt.Sprintf("queda de conectividade de %.0fs", drop.DurationSec),
			Details:     map[string]any{"duration_sec": drop.DurationSec, "duration_raw": drop.DurationRaw},
			SourceTopic: string(msg.Topic),
		})
	}
	return accepted(p, evt)
}

// handleProbeTopic serves cloudv2-network and cloudv2-info.
func (e *Engine) handleProbeTopic(ctx context.Context, msg inbound, batch *Batch) IngestResult {
	p, err := e.knownPivotLocked(ctx, msg.Payload.PivotID, msg.TS, batch)
	if err != nil {
		e.logger.Printf("monitoring: session check failed pivot=%s: %v", msg.Payload.PivotID, err)
		return IngestResult{Reason: ReasonInternal, PivotID: msg.Payload.PivotID}
	}
	if p == nil {
		return IngestResult{Reason: ReasonUnknownPivot, PivotID: msg.Payload.PivotID}
	}

	p.RecordArrival(msg.Topic, msg.TS)
	fields := msg.Payload.Fields
	if len(fields) > 0 && fields[0] != "" && !strings.Contains(fields[0], "=") {
		p.Signal = fields[0]
	}
	if len(fields) > 1 && fields[1] != "" && !strings.Contains(fields[1], "=") {
		p.Technology = fields[1]
	}
	if msg.Topic == monitoring.TopicCloudV2Info {
		if lat, lon, ok := monitoring.ParseCoordinates(fields); ok {
			p.Latitude = &lat
			p.Longitude = &lon
		}
	}

	evt := e.messageEventLocked(p, msg, batch, string(msg.Topic)+" recebido", nil)
	e.correlateProbeLocked(p, msg.Topic, msg.TS, batch)
	return accepted(p, evt)
}

// knownPivotLocked returns the pivot when discovered, making sure it is
// attached to a session of the active run.
func (e *Engine) knownPivotLocked(ctx context.Context, pivotID string, ts float64, batch *Batch) (*monitoring.PivotState, error) {
	p := e.pivots[pivotID]
	if p == nil {
		return nil, nil
	}
	run, err := e.ensureActiveRunLocked(ctx, ts)
	if err != nil {
		return nil, err
	}
	if p.SessionID != "" && p.RunID == run.RunID {
		return p, nil
	}
	e.logger.Printf("monitoring: pivot=%s lost its session, reattaching to run=%s", pivotID, run.RunID)
	restored, err := e.attachSessionLocked(ctx, p, run, ts, "recovery", batch)
	if err != nil {
		return nil, err
	}
	e.pivots[pivotID] = restored
	return restored, nil
}

// discoverLocked returns the pivot, creating it on first cloudv2 arrival.
func (e *Engine) discoverLocked(ctx context.Context, pivotID string, ts float64, batch *Batch) (*monitoring.PivotState, error) {
	if _, ok := e.pivots[pivotID]; ok {
		return e.knownPivotLocked(ctx, pivotID, ts, batch)
	}
	run, err := e.ensureActiveRunLocked(ctx, ts)
	if err != nil {
		return nil, err
	}
	p := monitoring.NewPivotState(pivotID, ts, e.params.MedianWindow)
	e.applyProbeSettingLocked(p)
	p, err = e.attachSessionLocked(ctx, p, run, ts, "discovery", batch)
	if err != nil {
		return nil, err
	}
	e.pivots[pivotID] = p
	if pending, ok := e.pending[pivotID]; ok {
		e.logger.Printf("monitoring: pivot=%s discovered after %d pending pings", pivotID, pending.Count)
		delete(e.pending, pivotID)
	}
	e.logger.Printf("monitoring: pivot discovered pivot=%s session=%s", pivotID, p.SessionID)
	return p, nil
}

func (e *Engine) trackPendingPingLocked(msg inbound) {
	id := msg.Payload.PivotID
	pending := e.pending[id]
	if pending == nil {
		pending = &monitoring.PendingPing{PivotID: id, FirstSeenTS: msg.TS, LastSeenTS: msg.TS}
		e.pending[id] = pending
	}
	if msg.TS < pending.FirstSeenTS {
		pending.FirstSeenTS = msg.TS
	}
	if msg.TS > pending.LastSeenTS {
		pending.LastSeenTS = msg.TS
	}
	pending.Count++
	pending.Excerpt = monitoring.Excerpt(msg.Raw, pendingExcerptLimit)
	e.dirty = true
}

func (e *Engine) prunePendingLocked(now float64) {
	cutoff := now - e.settings.PendingPingRetentionSec
	for id, pending := range e.pending {
		if pending.LastSeenTS < cutoff {
			delete(e.pending, id)
			e.dirty = true
		}
	}
}

func (e *Engine) recordMalformedLocked(ts float64, topic, reason, raw string) {
	e.malformed = append(e.malformed, monitoring.MalformedEntry{
		TS:      ts,
		Topic:   topic,
		Reason:  reason,
		Excerpt: monitoring.Excerpt(raw, rawExcerptLimit),
	})
	if len(e.malformed) > malformedRingSize {
		e.malformed = append([]monitoring.MalformedEntry(nil), e.malformed[len(e.malformed)-malformedRingSize:]...)
	}
	e.dirty = true
}

// appendEventLocked stamps evt with sequence and session and stages it.
func (e *Engine) appendEventLocked(p *monitoring.PivotState, batch *Batch, evt monitoring.Event) monitoring.Event {
	evt.Seq = e.nextSeqLocked()
	evt.PivotID = p.PivotID
	evt.SessionID = p.SessionID
	p.AppendEvent(evt)
	batch.Events = append(batch.Events, evt)
	return evt
}

func (e *Engine) messageEventLocked(p *monitoring.PivotState, msg inbound, batch *Batch, summary string, details map[string]any) monitoring.Event {
	return e.appendEventLocked(p, batch, monitoring.Event{
		TS:            msg.TS,
		Topic:         string(msg.Topic),
		EventType:     monitoring.EventMessage,
		Summary:       summary,
		Details:       details,
		SourceTopic:   string(msg.Topic),
		RawPayload:    msg.Raw,
		ParsedPayload: msg.Payload,
	})
}

func (e *Engine) appendRSSILocked(p *monitoring.PivotState, batch *Batch, ts float64, rssi int, topic monitoring.Topic) {
	point := monitoring.RSSIPoint{
		PivotID:   p.PivotID,
		SessionID: p.SessionID,
		TS:        ts,
		RSSI:      rssi,
		Topic:     string(topic),
	}
	p.RSSI = append(p.RSSI, point)
	batch.RSSI = append(batch.RSSI, point)
}

func accepted(p *monitoring.PivotState, evt monitoring.Event) IngestResult {
	return IngestResult{
		Accepted:  true,
		PivotID:   p.PivotID,
		SessionID: p.SessionID,
		Event:     &evt,
	}
}

func dash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

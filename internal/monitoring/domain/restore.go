package monitoring

import "sort"

// RestorePivotState rebuilds in-memory state from a persisted panel payload.
func RestorePivotState(panel PanelPayload, window, minSamples int, now float64) *PivotState {
	s := panel.Snapshot
	p := NewPivotState(s.PivotID, s.FirstSeenTS, window)
	p.LastSeenTS = s.LastSeenTS
	p.RunID = s.RunID
	p.SessionID = s.SessionID
	p.IsConcentrator = s.IsConcentrator
	p.Latitude = s.Latitude
	p.Longitude = s.Longitude
	p.Signal = s.Signal
	p.Technology = s.Technology
	p.LastActivityTS = s.LastActivityTS
	for k, v := range s.TopicCounters {
		p.TopicCounters[k] = v
	}
	if s.LastCloud2 != nil {
		rec := *s.LastCloud2
		p.LastCloud2 = &rec
	}
	for topic, ts := range map[Topic]*float64{
		TopicCloudV2:        s.LastCloudV2TS,
		TopicCloudV2Ping:    s.LastPingTS,
		TopicCloudV2Info:    s.LastInfoTS,
		TopicCloudV2Network: s.LastNetworkTS,
		TopicCloud2:         s.LastCloud2TS,
	} {
		if ts != nil {
			p.LastByTopic[topic] = *ts
		}
	}
	if s.MedianLatched {
		p.MedianLatched = true
		p.LatchedMedian = s.MedianIntervalSec
	}
	p.SeedBaseline(s.MedianIntervalSec, s.SampleCount, window, minSamples, now)

	p.Timeline = append([]Event(nil), panel.Timeline...)
	sort.SliceStable(p.Timeline, func(i, j int) bool { return eventLess(p.Timeline[i], p.Timeline[j]) })
	for _, evt := range p.Timeline {
		topic, ok := ParseTopic(evt.Topic)
		if ok && topic.IsConnectivity() && evt.EventType == EventMessage {
			p.Activity = append(p.Activity, ActivityMark{TS: evt.TS, Topic: topic})
		}
	}
	p.Probe = ProbeState{
		Enabled:           s.Probe.Enabled,
		IntervalSec:       s.Probe.IntervalSec,
		LastSentTS:        s.Probe.LastSentTS,
		LastResponseTS:    s.Probe.LastResponseTS,
		PendingSentTS:     s.Probe.PendingSentTS,
		PendingDeadlineTS: s.Probe.PendingDeadlineTS,
		TimeoutStreak:     s.Probe.TimeoutStreak,
		LastResult:        s.Probe.LastResult,
		Alert:             s.Probe.Alert,
		Events:            append([]ProbeEvent(nil), panel.ProbeEvents...),
	}
	sort.SliceStable(p.Probe.Events, func(i, j int) bool { return p.Probe.Events[i].TS < p.Probe.Events[j].TS })
	p.Probe.StatsEvents = append([]ProbeEvent(nil), panel.ProbeWindow...)
	sort.SliceStable(p.Probe.StatsEvents, func(i, j int) bool { return p.Probe.StatsEvents[i].TS < p.Probe.StatsEvents[j].TS })
	for _, d := range panel.DelayPoints {
		p.Probe.DelaySum += d.LatencySec
		p.Probe.DelayCount++
	}
	p.Cloud2Events = append([]Cloud2Event(nil), panel.Cloud2Events...)
	p.Drops = append([]DropEvent(nil), panel.Drops...)
	p.RSSI = append([]RSSIPoint(nil), panel.RSSI...)
	p.DelayPoints = append([]ProbeDelayPoint(nil), panel.DelayPoints...)
	sort.SliceStable(p.Cloud2Events, func(i, j int) bool { return p.Cloud2Events[i].TS < p.Cloud2Events[j].TS })
	sort.SliceStable(p.Drops, func(i, j int) bool { return p.Drops[i].TS < p.Drops[j].TS })
	sort.SliceStable(p.RSSI, func(i, j int) bool { return p.RSSI[i].TS < p.RSSI[j].TS })
	sort.SliceStable(p.DelayPoints, func(i, j int) bool { return p.DelayPoints[i].TS < p.DelayPoints[j].TS })
	p.Cache = StatusCache{Status: s.Status, Quality: s.Quality, DisconnectedPct: s.DisconnectedPct, UpdatedAtTS: s.UpdatedAtTS}
	return p
}

func eventLess(a, b Event) bool {
	if a.TS != b.TS {
		return a.TS < b.TS
	}
	return a.Seq < b.Seq
}

// NewestFirst orders timeline events in reverse chronological order, with
// insertion sequence as tie-break.
func NewestFirst(events []Event) []Event {
	out := append([]Event(nil), events...)
	sort.SliceStable(out, func(i, j int) bool { return eventLess(out[j], out[i]) })
	return out
}

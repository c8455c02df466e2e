package monitoring

import "sort"

// Mode is the engine operating mode.
type Mode string

const (
	ModeIdle Mode = "idle"
	ModeLive Mode = "live"
)

// Timeline event types.
const (
	EventMessage        = "message"
	EventDrop           = "drop"
	EventProbeSent      = "probe_sent"
	EventProbeResponse  = "probe_response"
	EventProbeTimeout   = "probe_timeout"
	EventProbeUnmatched = "probe_response_unmatched"
	EventSessionStarted = "session_started"
	EventStatusChange   = "status_change"
)

// Probe event kinds.
const (
	ProbeSent              = "sent"
	ProbeResponse          = "response"
	ProbeTimeout           = "timeout"
	ProbeResponseUnmatched = "response_unmatched"
)

// maxActivityMarks bounds the connectivity history kept for quality windows.
const maxActivityMarks = 50000

// Event is an append-only connectivity/timeline record.
type Event struct {
	Seq           int64          `json:"seq"`
	PivotID       string         `json:"pivot_id"`
	SessionID     string         `json:"session_id"`
	TS            float64        `json:"ts"`
	Topic         string         `json:"topic"`
	EventType     string         `json:"event_type"`
	Summary       string         `json:"summary"`
	Details       map[string]any `json:"details,omitempty"`
	SourceTopic   string         `json:"source_topic,omitempty"`
	RawPayload    string         `json:"raw_payload,omitempty"`
	ParsedPayload any            `json:"parsed_payload,omitempty"`
}

// ProbeEvent is one step of the probe protocol.
type ProbeEvent struct {
	Seq        int64    `json:"seq"`
	PivotID    string   `json:"pivot_id"`
	SessionID  string   `json:"session_id"`
	TS         float64  `json:"ts"`
	Kind       string   `json:"kind"`
	Topic      string   `json:"topic,omitempty"`
	LatencySec *float64 `json:"latency_sec,omitempty"`
	DeadlineTS *float64 `json:"deadline_ts,omitempty"`
	SentTS     *float64 `json:"sent_ts,omitempty"`
}

// ProbeDelayPoint records a probe latency with the running mean.
type ProbeDelayPoint struct {
	PivotID     string  `json:"pivot_id"`
	SessionID   string  `json:"session_id"`
	TS          float64 `json:"ts"`
	LatencySec  float64 `json:"latency_sec"`
	AvgSec      float64 `json:"avg_sec"`
	SampleCount int     `json:"sample_count"`
}

// RSSIPoint is a signal reading in 0..31.
type RSSIPoint struct {
	PivotID   string  `json:"pivot_id"`
	SessionID string  `json:"session_id"`
	TS        float64 `json:"ts"`
	RSSI      int     `json:"rssi"`
	Topic     string  `json:"topic,omitempty"`
}

// Cloud2Event is a persisted cloud2 record.
type Cloud2Event struct {
	Seq        int64        `json:"seq"`
	PivotID    string       `json:"pivot_id"`
	SessionID  string       `json:"session_id"`
	TS         float64      `json:"ts"`
	Record     Cloud2Record `json:"record"`
	RawPayload string       `json:"raw_payload,omitempty"`
}

// DropEvent is derived from a cloud2 record with a positive drop duration.
type DropEvent struct {
	PivotID     string  `json:"pivot_id"`
	SessionID   string  `json:"session_id"`
	TS          float64 `json:"ts"`
	DurationSec float64 `json:"duration_sec"`
	DurationRaw string  `json:"duration_raw,omitempty"`
}

// ActivityMark is an arrival on a connectivity topic.
type ActivityMark struct {
	TS    float64 `json:"ts"`
	Topic Topic   `json:"topic"`
}

// ProbeState is the per-pivot probe protocol state.
type ProbeState struct {
	Enabled           bool         `json:"enabled"`
	IntervalSec       float64      `json:"interval_sec"`
	LastSentTS        *float64     `json:"last_sent_ts,omitempty"`
	LastResponseTS    *float64     `json:"last_response_ts,omitempty"`
	PendingSentTS     *float64     `json:"pending_sent_ts,omitempty"`
	PendingDeadlineTS *float64     `json:"pending_deadline_ts,omitempty"`
	TimeoutStreak     int          `json:"timeout_streak"`
	LastResult        string       `json:"last_result,omitempty"`
	Alert             bool         `json:"alert"`
	Events            []ProbeEvent `json:"events,omitempty"`
	StatsEvents       []ProbeEvent `json:"stats_events,omitempty"`
	DelaySum          float64      `json:"delay_sum"`
	DelayCount        int          `json:"delay_count"`
}

// Record appends evt to the event log and to the statistics window. The
// window is bounded by ProbeStatsWindowSec only, so history retention and
// the per-pivot event cap do not shrink it.
func (p *ProbeState) Record(evt ProbeEvent) {
	p.Events = append(p.Events, evt)
	p.StatsEvents = append(p.StatsEvents, evt)
	cutoff := evt.TS - ProbeStatsWindowSec
	p.StatsEvents = pruneSlice(p.StatsEvents, 0, func(e ProbeEvent) bool { return e.TS >= cutoff })
}

// Pending reports whether a probe awaits its response.
func (p ProbeState) Pending() bool {
	return p.PendingSentTS != nil
}

// Eligible reports whether a probe can be sent at now.
func (p ProbeState) Eligible(now float64) bool {
	if !p.Enabled || p.Pending() {
		return false
	}
	return p.LastSentTS == nil || now-*p.LastSentTS >= p.IntervalSec
}

// StatusCache keeps the last published status and quality.
type StatusCache struct {
	Status          StatusInfo `json:"status"`
	Quality         StatusInfo `json:"quality"`
	DisconnectedPct float64    `json:"disconnected_pct"`
	UpdatedAtTS     float64    `json:"updated_at_ts"`
}

// PivotState is the in-memory state of one pivot within its active session.
type PivotState struct {
	PivotID        string   `json:"pivot_id"`
	Slug           string   `json:"pivot_slug"`
	IsConcentrator bool     `json:"is_concentrator"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	FirstSeenTS    float64  `json:"first_seen_ts"`
	LastSeenTS     float64  `json:"last_seen_ts"`
	RunID          string   `json:"run_id"`
	SessionID      string   `json:"session_id"`

	LastByTopic    map[Topic]float64         `json:"last_by_topic"`
	LastActivityTS float64                   `json:"last_activity_ts"`
	CloudV2        IntervalWindow            `json:"cloudv2_intervals"`
	TopicIntervals map[Topic]*IntervalWindow `json:"topic_intervals"`
	MedianLatched  bool                      `json:"median_latched_ready"`
	LatchedMedian  float64                   `json:"latched_median_sec"`
	TopicCounters  map[string]int            `json:"topic_counters"`
	Signal         string                    `json:"signal,omitempty"`
	Technology     string                    `json:"technology,omitempty"`
	LastCloud2     *Cloud2Record             `json:"last_cloud2,omitempty"`

	Timeline     []Event           `json:"timeline,omitempty"`
	Activity     []ActivityMark    `json:"activity,omitempty"`
	Cloud2Events []Cloud2Event     `json:"cloud2_events,omitempty"`
	Drops        []DropEvent       `json:"drops,omitempty"`
	RSSI         []RSSIPoint       `json:"rssi,omitempty"`
	DelayPoints  []ProbeDelayPoint `json:"delay_points,omitempty"`
	Probe        ProbeState        `json:"probe"`
	Cache        StatusCache       `json:"status_cache"`
}

// NewPivotState creates the state of a pivot first seen at ts.
func NewPivotState(pivotID string, ts float64, window int) *PivotState {
	p := &PivotState{
		PivotID:     pivotID,
		Slug:        PivotSlug(pivotID),
		FirstSeenTS: ts,
		LastSeenTS:  ts,
		CloudV2:     NewIntervalWindow(window),
	}
	p.ensureMaps(window)
	return p
}

// ensureMaps initializes maps after construction or JSON decoding.
func (p *PivotState) ensureMaps(window int) {
	if p.LastByTopic == nil {
		p.LastByTopic = make(map[Topic]float64)
	}
	if p.TopicCounters == nil {
		p.TopicCounters = make(map[string]int)
	}
	if p.TopicIntervals == nil {
		p.TopicIntervals = make(map[Topic]*IntervalWindow)
	}
	for _, topic := range []Topic{TopicCloudV2Ping, TopicCloudV2Info, TopicCloudV2Network} {
		if p.TopicIntervals[topic] == nil {
			w := NewIntervalWindow(window)
			p.TopicIntervals[topic] = &w
		}
	}
}

// Normalize repairs nil maps and window sizes, e.g. after decoding.
func (p *PivotState) Normalize(window int) {
	p.ensureMaps(window)
	p.CloudV2.Resize(window)
	for _, w := range p.TopicIntervals {
		w.Resize(window)
	}
	if p.Slug == "" {
		p.Slug = PivotSlug(p.PivotID)
	}
}

// LastTS returns the last arrival on topic.
func (p *PivotState) LastTS(topic Topic) (float64, bool) {
	ts, ok := p.LastByTopic[topic]
	return ts, ok
}

// Touch extends first/last seen bounds.
func (p *PivotState) Touch(ts float64) {
	if p.FirstSeenTS == 0 || ts < p.FirstSeenTS {
		p.FirstSeenTS = ts
	}
	if ts > p.LastSeenTS {
		p.LastSeenTS = ts
	}
}

// RecordArrival updates intervals, last timestamps, counters and activity.
func (p *PivotState) RecordArrival(topic Topic, ts float64) {
	p.Touch(ts)
	p.TopicCounters[string(topic)]++
	prev, hadPrev := p.LastByTopic[topic]
	if hadPrev && ts > prev {
		switch topic {
		case TopicCloudV2:
			p.CloudV2.Push(ts, ts-prev)
		default:
			if w := p.TopicIntervals[topic]; w != nil {
				w.Push(ts, ts-prev)
			}
		}
	}
	if !hadPrev || ts > prev {
		p.LastByTopic[topic] = ts
	}
	if topic.IsConnectivity() {
		if ts > p.LastActivityTS {
			p.LastActivityTS = ts
		}
		p.Activity = append(p.Activity, ActivityMark{TS: ts, Topic: topic})
		if n := len(p.Activity); n > 1 && p.Activity[n-2].TS > ts {
			sort.SliceStable(p.Activity, func(i, j int) bool { return p.Activity[i].TS < p.Activity[j].TS })
		}
	}
}

// SeedBaseline fills the cloudv2 window with a historical median so that the
// evaluation stays informative before new samples arrive.
func (p *PivotState) SeedBaseline(medianSec float64, baselineCount, window, minSamples int, ts float64) {
	if medianSec <= 0 {
		return
	}
	n := baselineCount
	if n < minSamples {
		n = minSamples
	}
	if n > window {
		n = window
	}
	p.CloudV2 = NewIntervalWindow(window)
	for i := 0; i < n; i++ {
		p.CloudV2.Push(ts, medianSec)
	}
}

// AppendEvent appends a timeline entry.
func (p *PivotState) AppendEvent(evt Event) {
	p.Timeline = append(p.Timeline, evt)
}

// Prune drops entries older than cutoff and caps event collections.
func (p *PivotState) Prune(cutoff float64, maxEvents int) {
	p.CloudV2.PruneBefore(cutoff)
	for _, w := range p.TopicIntervals {
		w.PruneBefore(cutoff)
	}
	p.Timeline = pruneSlice(p.Timeline, maxEvents, func(e Event) bool { return e.TS >= cutoff })
	p.Activity = pruneSlice(p.Activity, maxActivityMarks, func(m ActivityMark) bool { return m.TS >= cutoff })
	p.Cloud2Events = pruneSlice(p.Cloud2Events, maxEvents, func(e Cloud2Event) bool { return e.TS >= cutoff })
	p.Drops = pruneSlice(p.Drops, maxEvents, func(e DropEvent) bool { return e.TS >= cutoff })
	p.RSSI = pruneSlice(p.RSSI, maxEvents, func(e RSSIPoint) bool { return e.TS >= cutoff })
	p.DelayPoints = pruneSlice(p.DelayPoints, maxEvents, func(e ProbeDelayPoint) bool { return e.TS >= cutoff })
	p.Probe.Events = pruneSlice(p.Probe.Events, maxEvents, func(e ProbeEvent) bool { return e.TS >= cutoff })
}

// ResetSession clears per-session collections while keeping identity.
func (p *PivotState) ResetSession(runID, sessionID string, window int) {
	p.RunID = runID
	p.SessionID = sessionID
	p.LastByTopic = make(map[Topic]float64)
	p.LastActivityTS = 0
	p.CloudV2 = NewIntervalWindow(window)
	p.TopicIntervals = nil
	p.MedianLatched = false
	p.LatchedMedian = 0
	p.TopicCounters = make(map[string]int)
	p.LastCloud2 = nil
	p.Timeline = nil
	p.Activity = nil
	p.Cloud2Events = nil
	p.Drops = nil
	p.RSSI = nil
	p.DelayPoints = nil
	p.Probe = ProbeState{Enabled: p.Probe.Enabled, IntervalSec: p.Probe.IntervalSec}
	p.Cache = StatusCache{}
	p.ensureMaps(window)
}

func pruneSlice[T any](items []T, limit int, keep func(T) bool) []T {
	if len(items) == 0 {
		return items
	}
	kept := items[:0]
	for _, item := range items {
		if keep(item) {
			kept = append(kept, item)
		}
	}
	if limit > 0 && len(kept) > limit {
		kept = append([]T(nil), kept[len(kept)-limit:]...)
	}
	return kept
}

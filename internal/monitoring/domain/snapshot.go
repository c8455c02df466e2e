package monitoring

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const (
	// ProbeStatsWindowSec is the rolling window of probe statistics.
	ProbeStatsWindowSec = 30 * 24 * 3600.0
	// SparklineWindowSec is the span of the state timeline sparkline.
	SparklineWindowSec = 30 * 24 * 3600.0
	// SparklineMaxBins bounds the sparkline resolution.
	SparklineMaxBins = 96

	day  = 24 * 3600.0
	week = 7 * day
)

// ProbeStats summarizes probe outcomes over a rolling window.
type ProbeStats struct {
	SentCount        int      `json:"sent_count"`
	ResponseCount    int      `json:"response_count"`
	TimeoutCount     int      `json:"timeout_count"`
	UnmatchedCount   int      `json:"unmatched_count"`
	ResponseRatio    float64  `json:"response_ratio"`
	LatencyLastSec   *float64 `json:"latency_last_sec,omitempty"`
	LatencyAvgSec    *float64 `json:"latency_avg_sec,omitempty"`
	LatencyMedianSec *float64 `json:"latency_median_sec,omitempty"`
	LatencyMinSec    *float64 `json:"latency_min_sec,omitempty"`
	LatencyMaxSec    *float64 `json:"latency_max_sec,omitempty"`
	WindowSec        float64  `json:"window_sec"`
}

// ComputeProbeStats aggregates events with ts >= since, in any order.
func ComputeProbeStats(events []ProbeEvent, since float64) ProbeStats {
	stats := ProbeStats{WindowSec: ProbeStatsWindowSec}
	var latencies []float64
	lastTS := math.Inf(-1)
	for _, evt := range events {
		if evt.TS < since {
			continue
		}
		switch evt.Kind {
		case ProbeSent:
			stats.SentCount++
		case ProbeResponse:
			stats.ResponseCount++
			if evt.LatencySec != nil {
				latencies = append(latencies, *evt.LatencySec)
				if evt.TS >= lastTS {
					lastTS = evt.TS
					v := *evt.LatencySec
					stats.LatencyLastSec = &v
				}
			}
		case ProbeTimeout:
			stats.TimeoutCount++
		case ProbeResponseUnmatched:
			stats.UnmatchedCount++
		}
	}
	if stats.SentCount > 0 {
		stats.ResponseRatio = float64(stats.ResponseCount) / float64(stats.SentCount)
	}
	if len(latencies) > 0 {
		sum, lo, hi := 0.0, latencies[0], latencies[0]
		for _, v := range latencies {
			sum += v
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		avg := sum / float64(len(latencies))
		med, _ := Median(latencies)
		stats.LatencyAvgSec = &avg
		stats.LatencyMedianSec = &med
		stats.LatencyMinSec = &lo
		stats.LatencyMaxSec = &hi
	}
	return stats
}

// DropMetrics summarizes recent drops.
type DropMetrics struct {
	Count24h        int      `json:"count_24h"`
	Count7d         int      `json:"count_7d"`
	LastDurationSec *float64 `json:"last_duration_sec,omitempty"`
	LastDropTS      *float64 `json:"last_drop_ts,omitempty"`
}

// ComputeDropMetrics counts drops relative to now.
func ComputeDropMetrics(drops []DropEvent, now float64) DropMetrics {
	var m DropMetrics
	for _, d := range drops {
		if d.TS > now {
			continue
		}
		if now-d.TS <= day {
			m.Count24h++
		}
		if now-d.TS <= week {
			m.Count7d++
		}
		if m.LastDropTS == nil || d.TS >= *m.LastDropTS {
			ts, dur := d.TS, d.DurationSec
			m.LastDropTS = &ts
			m.LastDurationSec = &dur
		}
	}
	return m
}

// ProbeSummary is the probe sub-object of a snapshot.
type ProbeSummary struct {
	Enabled           bool       `json:"enabled"`
	IntervalSec       float64    `json:"interval_sec"`
	LastSentTS        *float64   `json:"last_sent_ts,omitempty"`
	LastResponseTS    *float64   `json:"last_response_ts,omitempty"`
	PendingSentTS     *float64   `json:"pending_sent_ts,omitempty"`
	PendingDeadlineTS *float64   `json:"pending_deadline_ts,omitempty"`
	TimeoutStreak     int        `json:"timeout_streak"`
	LastResult        string     `json:"last_result,omitempty"`
	Alert             bool       `json:"alert"`
	Stats             ProbeStats `json:"stats"`
}

// Snapshot is the canonical derived summary of a (pivot, session).
type Snapshot struct {
	PivotID        string   `json:"pivot_id"`
	PivotSlug      string   `json:"pivot_slug"`
	SessionID      string   `json:"session_id"`
	RunID          string   `json:"run_id"`
	IsConcentrator bool     `json:"is_concentrator"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	FirstSeenTS    float64  `json:"first_seen_ts"`
	LastSeenTS     float64  `json:"last_seen_ts"`
	UpdatedAtTS    float64  `json:"updated_at_ts"`

	Status                 StatusInfo         `json:"status"`
	Quality                StatusInfo         `json:"quality"`
	PingOK                 bool               `json:"ping_ok"`
	CloudV2OK              bool               `json:"cloudv2_ok"`
	MedianIntervalSec      float64            `json:"median_interval_sec"`
	SampleCount            int                `json:"sample_count"`
	MedianReady            bool               `json:"median_ready"`
	MedianLatched          bool               `json:"median_latched_ready"`
	ExpectedByTopic        map[string]float64 `json:"expected_by_topic"`
	MaxExpectedIntervalSec float64            `json:"max_expected_interval_sec"`
	DisconnectThresholdSec float64            `json:"disconnect_threshold_sec"`
	MonitoredAgeSec        *float64           `json:"monitored_age_sec,omitempty"`
	DisconnectedPct        float64            `json:"disconnected_pct"`
	QualityWindowSec       float64            `json:"quality_window_sec"`
	AttentionByOnlyAux     bool               `json:"attention_by_only_aux_topics"`

	LastPingTS     *float64       `json:"last_ping_ts,omitempty"`
	LastCloudV2TS  *float64       `json:"last_cloudv2_ts,omitempty"`
	LastInfoTS     *float64       `json:"last_info_ts,omitempty"`
	LastNetworkTS  *float64       `json:"last_network_ts,omitempty"`
	LastCloud2TS   *float64       `json:"last_cloud2_ts,omitempty"`
	LastActivityTS float64        `json:"last_activity_ts"`
	LastCloud2     *Cloud2Record  `json:"last_cloud2,omitempty"`
	TopicCounters  map[string]int `json:"topic_counters"`

	Signal           string       `json:"signal,omitempty"`
	Technology       string       `json:"technology,omitempty"`
	SignalTechnology string       `json:"signal_technology"`
	Probe            ProbeSummary `json:"probe"`
	Drops            DropMetrics  `json:"drops"`
}

// Snapshot packages the pivot state with its evaluation.
func (p *PivotState) Snapshot(eval Evaluation, now float64) Snapshot {
	s := Snapshot{
		PivotID:                p.PivotID,
		PivotSlug:              p.Slug,
		SessionID:              p.SessionID,
		RunID:                  p.RunID,
		IsConcentrator:         p.IsConcentrator,
		Latitude:               p.Latitude,
		Longitude:              p.Longitude,
		FirstSeenTS:            p.FirstSeenTS,
		LastSeenTS:             p.LastSeenTS,
		UpdatedAtTS:            now,
		Status:                 eval.Status,
		Quality:                eval.Quality,
		PingOK:                 eval.PingOK,
		CloudV2OK:              eval.CloudV2OK,
		MedianIntervalSec:      eval.MedianIntervalSec,
		SampleCount:            eval.SampleCount,
		MedianReady:            eval.MedianReady,
		MedianLatched:          eval.MedianLatched,
		ExpectedByTopic:        eval.ExpectedByTopic,
		MaxExpectedIntervalSec: eval.MaxExpectedIntervalSec,
		DisconnectThresholdSec: eval.DisconnectThresholdSec,
		MonitoredAgeSec:        eval.MonitoredAgeSec,
		DisconnectedPct:        eval.DisconnectedPct,
		QualityWindowSec:       eval.QualityWindowSec,
		AttentionByOnlyAux:     eval.AttentionByOnlyAux,
		LastPingTS:             p.lastPtr(TopicCloudV2Ping),
		LastCloudV2TS:          p.lastPtr(TopicCloudV2),
		LastInfoTS:             p.lastPtr(TopicCloudV2Info),
		LastNetworkTS:          p.lastPtr(TopicCloudV2Network),
		LastCloud2TS:           p.lastPtr(TopicCloud2),
		LastActivityTS:         p.LastActivityTS,
		LastCloud2:             p.LastCloud2,
		TopicCounters:          make(map[string]int, len(p.TopicCounters)),
		Signal:                 p.Signal,
		Technology:             p.Technology,
		Drops:                  ComputeDropMetrics(p.Drops, now),
	}
	for k, v := range p.TopicCounters {
		s.TopicCounters[k] = v
	}
	s.SignalTechnology = FormatSignalTechnology(p.Signal, p.Technology, p.LastCloud2, "")
	s.Probe = ProbeSummary{
		Enabled:           p.Probe.Enabled,
		IntervalSec:       p.Probe.IntervalSec,
		LastSentTS:        p.Probe.LastSentTS,
		LastResponseTS:    p.Probe.LastResponseTS,
		PendingSentTS:     p.Probe.PendingSentTS,
		PendingDeadlineTS: p.Probe.PendingDeadlineTS,
		TimeoutStreak:     p.Probe.TimeoutStreak,
		LastResult:        p.Probe.LastResult,
		Alert:             p.Probe.Alert,
		Stats:             ComputeProbeStats(p.Probe.StatsEvents, now-ProbeStatsWindowSec),
	}
	return s
}

func (p *PivotState) lastPtr(topic Topic) *float64 {
	ts, ok := p.LastByTopic[topic]
	if !ok {
		return nil
	}
	return &ts
}

// FormatSignalTechnology renders "<rssi|-> / <technology|->".
func FormatSignalTechnology(signal, technology string, last *Cloud2Record, combined string) string {
	signal = strings.TrimSpace(signal)
	technology = strings.TrimSpace(technology)
	if last != nil {
		if signal == "" {
			if last.RSSI != nil {
				signal = strconv.Itoa(*last.RSSI)
			} else {
				signal = strings.TrimSpace(last.RSSIRaw)
			}
		}
		if technology == "" {
			technology = strings.TrimSpace(last.Technology)
		}
	}
	if (signal == "" || technology == "") && combined != "" {
		left, right, found := strings.Cut(combined, "/")
		if found {
			if signal == "" {
				signal = strings.TrimSpace(left)
			}
			if technology == "" {
				technology = strings.TrimSpace(right)
			}
		}
	}
	if signal == "" || signal == "-" {
		signal = "-"
	}
	if technology == "" || technology == "-" {
		technology = "-"
	}
	return fmt.Sprintf("%s / %s", signal, technology)
}

// BaselineBetter reports whether a ranks above b as a baseline source.
func BaselineBetter(a, b Snapshot) bool {
	if a.MedianLatched != b.MedianLatched {
		return a.MedianLatched
	}
	ad, bd := decisiveStatus(a.Status.Code), decisiveStatus(b.Status.Code)
	if ad != bd {
		return ad
	}
	if a.SampleCount != b.SampleCount {
		return a.SampleCount > b.SampleCount
	}
	return a.UpdatedAtTS > b.UpdatedAtTS
}

func decisiveStatus(code string) bool {
	return code == CodeGreen || code == CodeRed
}

// ApplyBaseline seeds a fresh session from a historical snapshot.
func (p *PivotState) ApplyBaseline(s Snapshot, window, minSamples int, now float64) {
	if s.LastPingTS != nil {
		p.LastByTopic[TopicCloudV2Ping] = *s.LastPingTS
		p.Activity = append(p.Activity, ActivityMark{TS: *s.LastPingTS, Topic: TopicCloudV2Ping})
	}
	if s.LastCloudV2TS != nil {
		p.LastByTopic[TopicCloudV2] = *s.LastCloudV2TS
		p.Activity = append(p.Activity, ActivityMark{TS: *s.LastCloudV2TS, Topic: TopicCloudV2})
	}
	sort.SliceStable(p.Activity, func(i, j int) bool { return p.Activity[i].TS < p.Activity[j].TS })
	if s.LastActivityTS > p.LastActivityTS {
		p.LastActivityTS = s.LastActivityTS
	}
	if s.LastCloud2 != nil {
		rec := *s.LastCloud2
		p.LastCloud2 = &rec
	}
	if p.Signal == "" {
		p.Signal = s.Signal
	}
	if p.Technology == "" {
		p.Technology = s.Technology
	}
	p.SeedBaseline(s.MedianIntervalSec, s.SampleCount, window, minSamples, now)
}

// PanelPayload is the snapshot of a (pivot, session) with its recent streams.
type PanelPayload struct {
	Snapshot     Snapshot          `json:"snapshot"`
	Timeline     []Event           `json:"timeline"`
	ProbeEvents  []ProbeEvent      `json:"probe_events"`
	Cloud2Events []Cloud2Event     `json:"cloud2_events"`
	Drops        []DropEvent       `json:"drop_events"`
	RSSI         []RSSIPoint       `json:"rssi_series"`
	DelayPoints  []ProbeDelayPoint `json:"probe_delay_points"`

	// ProbeWindow holds the session's probe events inside ProbeStatsWindowSec.
	ProbeWindow []ProbeEvent `json:"-"`
}

// Segment is a collapsed run of identical sparkline states.
type Segment struct {
	State string  `json:"state"`
	Ratio float64 `json:"ratio"`
}

// Sparkline states.
const (
	SparkOnline  = "online"
	SparkOffline = "offline"
)

// Sparkline buckets [start, now] into bins and collapses runs of equal state.
// A bin is online when the coverage [ts, ts+threshold] of any timestamp
// intersects it.
func Sparkline(timestamps []float64, start, now, threshold float64, bins int) []Segment {
	if len(timestamps) == 0 || now <= start || bins <= 0 {
		return []Segment{{State: SparkOffline, Ratio: 1}}
	}
	if bins > SparklineMaxBins {
		bins = SparklineMaxBins
	}
	sorted := append([]float64(nil), timestamps...)
	sort.Float64s(sorted)

	width := (now - start) / float64(bins)
	states := make([]string, bins)
	for i := 0; i < bins; i++ {
		binStart := start + float64(i)*width
		binEnd := binStart + width
		idx := sort.SearchFloat64s(sorted, binStart-threshold)
		if idx < len(sorted) && sorted[idx] <= binEnd {
			states[i] = SparkOnline
		} else {
			states[i] = SparkOffline
		}
	}

	var segments []Segment
	count := 0
	for i, state := range states {
		count++
		if i == len(states)-1 || states[i+1] != state {
			segments = append(segments, Segment{State: state, Ratio: float64(count) / float64(bins)})
			count = 0
		}
	}
	return segments
}

package monitoring

import (
	"fmt"
	"math"
	"sort"
)

const (
	// DefaultExpectedIntervalSec is used when no topic has an expected interval.
	DefaultExpectedIntervalSec = 180.0
	// MinDisconnectThresholdSec floors the disconnect threshold.
	MinDisconnectThresholdSec = 30.0
)

// StatusInfo is a classified dimension of a pivot.
type StatusInfo struct {
	Code   string `json:"code"`
	Label  string `json:"label"`
	Rank   int    `json:"rank"`
	Reason string `json:"reason"`
}

// Status and quality codes.
const (
	CodeGreen    = "green"
	CodeGray     = "gray"
	CodeRed      = "red"
	CodeYellow   = "yellow"
	CodeCritical = "critical"
)

func statusOnline(reason string) StatusInfo {
	return StatusInfo{Code: CodeGreen, Label: "Online", Rank: 0, Reason: reason}
}

func statusInitial(reason string) StatusInfo {
	return StatusInfo{Code: CodeGray, Label: "Initial", Rank: 1, Reason: reason}
}

func statusOffline(reason string) StatusInfo {
	return StatusInfo{Code: CodeRed, Label: "Offline", Rank: 2, Reason: reason}
}

func qualityHealthy(reason string) StatusInfo {
	return StatusInfo{Code: CodeGreen, Label: "Healthy", Rank: 0, Reason: reason}
}

func qualityAttention(reason string) StatusInfo {
	return StatusInfo{Code: CodeYellow, Label: "Attention", Rank: 1, Reason: reason}
}

func qualityCritical(reason string) StatusInfo {
	return StatusInfo{Code: CodeCritical, Label: "Critical", Rank: 2, Reason: reason}
}

// Params are the evaluation parameters derived from configuration.
type Params struct {
	PingExpectedSec     float64
	ToleranceFactor     float64
	MedianWindow        int
	MinSamples          int
	RetentionSec        float64
	AttentionWindowSec  float64
	AttentionPct        float64
	CriticalPct         float64
	TimeoutStreakAlert  int
	ProbeTimeoutFactor  float64
	MaxEventsPerPivot   int
	ProbeMinIntervalSec float64
}

// QualityWindowSec is the span used for the disconnected percentage.
func (p Params) QualityWindowSec() float64 {
	window := p.AttentionWindowSec
	if p.RetentionSec > 0 && (window <= 0 || p.RetentionSec < window) {
		window = p.RetentionSec
	}
	return window
}

// Evaluation is the derived view of a pivot at a point in time.
type Evaluation struct {
	Status                 StatusInfo         `json:"status"`
	Quality                StatusInfo         `json:"quality"`
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
	PingOK                 bool               `json:"ping_ok"`
	CloudV2OK              bool               `json:"cloudv2_ok"`
}

// CloudV2Median computes the adaptive median and maintains the latch.
func (p *PivotState) CloudV2Median(minSamples int) (AdaptiveMedian, bool) {
	am, ok := ComputeAdaptiveMedian(p.CloudV2.Values())
	if ok && am.SampleCount >= minSamples {
		p.MedianLatched = true
		p.LatchedMedian = am.MedianSec
		return am, true
	}
	if p.MedianLatched {
		am.MedianSec = p.LatchedMedian
		return am, true
	}
	return am, false
}

// ExpectedIntervals returns the expected interval per connectivity topic.
func (p *PivotState) ExpectedIntervals(params Params) (map[Topic]float64, AdaptiveMedian, bool) {
	expected := make(map[Topic]float64)
	am, ready := p.CloudV2Median(params.MinSamples)
	if ready && am.MedianSec > 0 {
		expected[TopicCloudV2] = am.MedianSec
	}
	for _, topic := range []Topic{TopicCloudV2Ping, TopicCloudV2Info, TopicCloudV2Network} {
		w := p.TopicIntervals[topic]
		if w != nil && w.Len() >= params.MinSamples {
			if m, ok := w.Median(); ok && m > 0 {
				expected[topic] = m
				continue
			}
		}
		if topic == TopicCloudV2Ping && params.PingExpectedSec > 0 {
			if _, seen := p.LastByTopic[TopicCloudV2Ping]; seen {
				expected[topic] = params.PingExpectedSec
			}
		}
	}
	return expected, am, ready
}

// DisconnectThreshold turns the expected intervals into the tolerated silence.
func DisconnectThreshold(expected map[Topic]float64, tolerance float64) (maxExpected, threshold float64) {
	if tolerance < 1 {
		tolerance = 1
	}
	for _, v := range expected {
		if v > maxExpected {
			maxExpected = v
		}
	}
	if maxExpected <= 0 {
		maxExpected = DefaultExpectedIntervalSec
	}
	threshold = maxExpected * tolerance
	if threshold < MinDisconnectThresholdSec {
		threshold = MinDisconnectThresholdSec
	}
	return maxExpected, threshold
}

// Evaluate derives status and quality at now. It mutates only the median latch.
func (p *PivotState) Evaluate(params Params, now float64) Evaluation {
	expected, am, ready := p.ExpectedIntervals(params)
	maxExpected, threshold := DisconnectThreshold(expected, params.ToleranceFactor)

	eval := Evaluation{
		MedianIntervalSec:      am.MedianSec,
		SampleCount:            am.SampleCount,
		MedianReady:            ready,
		MedianLatched:          p.MedianLatched,
		ExpectedByTopic:        make(map[string]float64, len(expected)),
		MaxExpectedIntervalSec: maxExpected,
		DisconnectThresholdSec: threshold,
	}
	for topic, v := range expected {
		eval.ExpectedByTopic[string(topic)] = v
	}

	lastConn, hasConn := p.lastConnectivityTS()
	tolerance := math.Max(params.ToleranceFactor, 1)
	if ts, ok := p.LastByTopic[TopicCloudV2Ping]; ok {
		limit := threshold
		if e, ok := expected[TopicCloudV2Ping]; ok {
			limit = math.Max(e*tolerance, MinDisconnectThresholdSec)
		}
		eval.PingOK = now-ts <= limit
	}
	if ts, ok := p.LastByTopic[TopicCloudV2]; ok {
		limit := threshold
		if e, ok := expected[TopicCloudV2]; ok {
			limit = math.Max(e*tolerance, MinDisconnectThresholdSec)
		}
		eval.CloudV2OK = now-ts <= limit
	}

	switch {
	case !hasConn || now-lastConn > threshold:
		if hasConn {
			age := now - lastConn
			eval.MonitoredAgeSec = &age
		}
		eval.Status = statusOffline(fmt.Sprintf("sem mensagens recentes acima do limite de %.0fs", threshold))
	case !ready:
		age := now - lastConn
		eval.MonitoredAgeSec = &age
		eval.Status = statusInitial(fmt.Sprintf("amostras insuficientes de cloudv2 (%d/%d)", am.SampleCount, params.MinSamples))
	default:
		age := now - lastConn
		eval.MonitoredAgeSec = &age
		if p.withinExpectedWindows(expected, tolerance, now) {
			eval.Status = statusOnline("dentro das janelas esperadas")
		} else {
			eval.Status = statusOnline("online por atividade recente")
		}
	}

	window := params.QualityWindowSec()
	eval.QualityWindowSec = window
	eval.DisconnectedPct, _ = DisconnectedPct(p.activityTimestamps(), now, window, threshold)
	eval.AttentionByOnlyAux = p.onlyAuxInWindow(now-window, now)
	eval.Quality = ClassifyQuality(eval.DisconnectedPct, eval.AttentionByOnlyAux, params)
	return eval
}

func (p *PivotState) withinExpectedWindows(expected map[Topic]float64, tolerance, now float64) bool {
	if len(expected) == 0 {
		return false
	}
	for topic, interval := range expected {
		ts, ok := p.LastByTopic[topic]
		if !ok {
			return false
		}
		if now-ts > math.Max(interval*tolerance, MinDisconnectThresholdSec) {
			return false
		}
	}
	return true
}

func (p *PivotState) lastConnectivityTS() (float64, bool) {
	var last float64
	found := false
	for _, topic := range ConnectivityTopics() {
		if ts, ok := p.LastByTopic[topic]; ok && (!found || ts > last) {
			last = ts
			found = true
		}
	}
	return last, found
}

func (p *PivotState) activityTimestamps() []float64 {
	out := make([]float64, len(p.Activity))
	for i, m := range p.Activity {
		out[i] = m.TS
	}
	return out
}

func (p *PivotState) onlyAuxInWindow(start, now float64) bool {
	aux := false
	for _, m := range p.Activity {
		if m.TS < start || m.TS > now {
			continue
		}
		if m.Topic == TopicCloudV2 {
			return false
		}
		if m.Topic.IsAuxiliary() {
			aux = true
		}
	}
	return aux
}

// ActivityTimestamps exposes the connectivity arrival times.
func (p *PivotState) ActivityTimestamps() []float64 {
	return p.activityTimestamps()
}

// DisconnectedPct returns the share of the window not covered by any
// connectivity event, where each event covers [ts, ts+threshold].
func DisconnectedPct(timestamps []float64, now, window, threshold float64) (pct, connected float64) {
	if window <= 0 {
		return 100, 0
	}
	start := now - window
	var relevant []float64
	for _, ts := range timestamps {
		if ts >= start-threshold && ts <= now {
			relevant = append(relevant, ts)
		}
	}
	if len(relevant) == 0 {
		return 100, 0
	}
	sort.Float64s(relevant)

	var curStart, curEnd float64
	open := false
	for _, ts := range relevant {
		s := math.Max(start, ts)
		e := math.Min(now, ts+threshold)
		if e <= s {
			continue
		}
		if !open {
			curStart, curEnd, open = s, e, true
			continue
		}
		if s <= curEnd {
			if e > curEnd {
				curEnd = e
			}
			continue
		}
		connected += curEnd - curStart
		curStart, curEnd = s, e
	}
	if open {
		connected += curEnd - curStart
	}
	connected = math.Min(math.Max(connected, 0), window)
	pct = (window - connected) / window * 100
	return math.Min(math.Max(pct, 0), 100), connected
}

// ClassifyQuality maps the disconnected percentage to a quality class.
func ClassifyQuality(pct float64, onlyAux bool, params Params) StatusInfo {
	switch {
	case pct > params.CriticalPct:
		return qualityCritical(fmt.Sprintf("desconectado acima de %.0f%% da janela", params.CriticalPct))
	case pct > params.AttentionPct:
		return qualityAttention(fmt.Sprintf("desconectado acima de %.0f%% da janela", params.AttentionPct))
	case onlyAux:
		return qualityAttention("apenas topicos auxiliares na janela, sem cloudv2")
	default:
		return qualityHealthy("conectividade dentro do esperado")
	}
}

// Changed reports whether code or reason differ.
func (s StatusInfo) Changed(other StatusInfo) bool {
	return s.Code != other.Code || s.Reason != other.Reason
}

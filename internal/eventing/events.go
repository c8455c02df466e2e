package eventing

import "time"

// Dimensions of a status transition.
const (
	DimensionStatus  = "status"
	DimensionQuality = "quality"
)

// StatusChanged is published when a pivot's status or quality changes.
type StatusChanged struct {
	PivotID         string    `json:"pivot_id"`
	SessionID       string    `json:"session_id"`
	RunID           string    `json:"run_id"`
	Dimension       string    `json:"dimension"`
	FromCode        string    `json:"from_code"`
	ToCode          string    `json:"to_code"`
	ToLabel         string    `json:"to_label"`
	Reason          string    `json:"reason"`
	DisconnectedPct float64   `json:"disconnected_pct"`
	TS              float64   `json:"ts"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// ProbeAlertRaised is published when consecutive probe timeouts reach the alert streak.
type ProbeAlertRaised struct {
	PivotID       string    `json:"pivot_id"`
	SessionID     string    `json:"session_id"`
	RunID         string    `json:"run_id"`
	TimeoutStreak int       `json:"timeout_streak"`
	TS            float64   `json:"ts"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Scope implements Scoped.
func (e StatusChanged) Scope() Scope {
	return Scope{PivotID: e.PivotID, SessionID: e.SessionID, RunID: e.RunID, TS: e.TS, OccurredAt: e.OccurredAt}
}

// Scope implements Scoped.
func (e ProbeAlertRaised) Scope() Scope {
	return Scope{PivotID: e.PivotID, SessionID: e.SessionID, RunID: e.RunID, TS: e.TS, OccurredAt: e.OccurredAt}
}

package monitoring

// History modes applied when monitoring starts.
const (
	HistoryMerge = "merge"
	HistoryFresh = "fresh"
)

// Run is a globally scoped monitoring epoch.
type Run struct {
	RunID        string         `json:"run_id"`
	StartedAtTS  float64        `json:"started_at_ts"`
	EndedAtTS    *float64       `json:"ended_at_ts,omitempty"`
	IsActive     bool           `json:"is_active"`
	Source       string         `json:"source"`
	Label        string         `json:"label,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	SessionCount int            `json:"session_count"`
	PivotCount   int            `json:"pivot_count"`
}

// Session is a per-(run, pivot) epoch.
type Session struct {
	SessionID   string   `json:"session_id"`
	RunID       string   `json:"run_id"`
	PivotID     string   `json:"pivot_id"`
	StartedAtTS float64  `json:"started_at_ts"`
	EndedAtTS   *float64 `json:"ended_at_ts,omitempty"`
	IsActive    bool     `json:"is_active"`
	Source      string   `json:"source"`
}

// ProbeSetting is the persisted per-pivot probe schedule.
type ProbeSetting struct {
	PivotID     string  `json:"pivot_id"`
	Enabled     bool    `json:"enabled"`
	IntervalSec float64 `json:"interval_sec"`
	UpdatedAtTS float64 `json:"updated_at_ts"`
}

// PivotRecord is the persisted identity row of a pivot.
type PivotRecord struct {
	PivotID        string   `json:"pivot_id"`
	Slug           string   `json:"pivot_slug"`
	FirstSeenTS    float64  `json:"first_seen_ts"`
	LastSeenTS     float64  `json:"last_seen_ts"`
	IsConcentrator bool     `json:"is_concentrator"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
}

// Record returns the identity row of the pivot.
func (p *PivotState) Record() PivotRecord {
	return PivotRecord{
		PivotID:        p.PivotID,
		Slug:           p.Slug,
		FirstSeenTS:    p.FirstSeenTS,
		LastSeenTS:     p.LastSeenTS,
		IsConcentrator: p.IsConcentrator,
		Latitude:       p.Latitude,
		Longitude:      p.Longitude,
	}
}

// MergeRecord combines two identity rows keeping first_seen minimal and
// last_seen maximal.
func MergeRecord(stored, incoming PivotRecord) PivotRecord {
	out := incoming
	if stored.FirstSeenTS > 0 && (out.FirstSeenTS == 0 || stored.FirstSeenTS < out.FirstSeenTS) {
		out.FirstSeenTS = stored.FirstSeenTS
	}
	if stored.LastSeenTS > out.LastSeenTS {
		out.LastSeenTS = stored.LastSeenTS
	}
	if out.Latitude == nil {
		out.Latitude = stored.Latitude
	}
	if out.Longitude == nil {
		out.Longitude = stored.Longitude
	}
	out.IsConcentrator = out.IsConcentrator || stored.IsConcentrator
	if out.Slug == "" {
		out.Slug = stored.Slug
	}
	return out
}

// PendingPing tracks pings from pivots not yet discovered through cloudv2.
type PendingPing struct {
	PivotID     string  `json:"pivot_id"`
	FirstSeenTS float64 `json:"first_seen_ts"`
	LastSeenTS  float64 `json:"last_seen_ts"`
	Count       int     `json:"count"`
	Excerpt     string  `json:"excerpt"`
}

// MalformedEntry is a rejected payload kept for diagnostics.
type MalformedEntry struct {
	TS      float64 `json:"ts"`
	Topic   string  `json:"topic"`
	Reason  string  `json:"reason"`
	Excerpt string  `json:"excerpt"`
}

// Cloud2Options lists the distinct cloud2 attributes of a run.
type Cloud2Options struct {
	Technologies []string `json:"technologies"`
	Firmwares    []string `json:"firmwares"`
}

package memory

import (
	"context"
	"sort"
	"sync"

	monitoring "pivot-monitor/internal/monitoring/domain"
)

type snapshotKey struct {
	pivotID   string
	sessionID string
}

// Store is an in-memory monitoring store for tests and DB-less runs.
type Store struct {
	mu sync.RWMutex

	pivots        map[string]monitoring.PivotRecord
	runs          []*monitoring.Run
	sessions      []*monitoring.Session
	snapshots     map[snapshotKey]monitoring.Snapshot
	events        []monitoring.Event
	probeEvents   []monitoring.ProbeEvent
	delayPoints   []monitoring.ProbeDelayPoint
	rssi          []monitoring.RSSIPoint
	cloud2Events  []monitoring.Cloud2Event
	drops         []monitoring.DropEvent
	probeSettings map[string]monitoring.ProbeSetting

	// CommitErr, when set, fails every Commit.
	CommitErr error
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		pivots:        make(map[string]monitoring.PivotRecord),
		snapshots:     make(map[snapshotKey]monitoring.Snapshot),
		probeSettings: make(map[string]monitoring.ProbeSetting),
	}
}

// ActiveRun returns the active run, if any.
func (s *Store) ActiveRun(ctx context.Context) (*monitoring.Run, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.runs {
		if run.IsActive {
			return s.runCopyLocked(run), nil
		}
	}
	return nil, nil
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (*monitoring.Run, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *monitoring.Run
	for _, run := range s.runs {
		if latest == nil || run.StartedAtTS >= latest.StartedAtTS {
			latest = run
		}
	}
	if latest == nil {
		return nil, nil
	}
	return s.runCopyLocked(latest), nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*monitoring.Run, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if run := s.findRunLocked(runID); run != nil {
		return s.runCopyLocked(run), nil
	}
	return nil, nil
}

// ListRuns lists runs, most recent first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]monitoring.Run, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitoring.Run, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0; i-- {
		out = append(out, *s.runCopyLocked(s.runs[i]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAtTS > out[j].StartedAtTS })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StartRun ends every active run and session and inserts run as active.
func (s *Store) StartRun(ctx context.Context, run monitoring.Run) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endAllLocked(run.StartedAtTS)
	run.IsActive = true
	run.EndedAtTS = nil
	s.runs = append(s.runs, &run)
	return nil
}

// ActivateRun makes runID the only active run and reactivates the latest
// session of each of its pivots.
func (s *Store) ActivateRun(ctx context.Context, runID string, ts float64) ([]monitoring.Session, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.findRunLocked(runID)
	if run == nil {
		return nil, monitoring.ErrRunNotFound
	}
	s.endAllLocked(ts)
	run.IsActive = true
	run.EndedAtTS = nil

	latest := make(map[string]*monitoring.Session)
	for _, session := range s.sessions {
		if session.RunID != runID {
			continue
		}
		if cur := latest[session.PivotID]; cur == nil || session.StartedAtTS >= cur.StartedAtTS {
			latest[session.PivotID] = session
		}
	}
	out := make([]monitoring.Session, 0, len(latest))
	for _, session := range latest {
		session.IsActive = true
		session.EndedAtTS = nil
		out = append(out, *session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PivotID < out[j].PivotID })
	return out, nil
}

// EnsureSession returns the active session of (run, pivot), reactivating the
// latest one, or inserts candidate.
func (s *Store) EnsureSession(ctx context.Context, pivot monitoring.PivotRecord, candidate monitoring.Session) (monitoring.Session, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertPivotLocked(pivot)

	var latest *monitoring.Session
	for _, session := range s.sessions {
		if session.RunID != candidate.RunID || session.PivotID != candidate.PivotID {
			continue
		}
		if session.IsActive {
			return *session, false, nil
		}
		if latest == nil || session.StartedAtTS >= latest.StartedAtTS {
			latest = session
		}
	}
	s.endPivotSessionsLocked(candidate.PivotID, candidate.StartedAtTS)
	if latest != nil {
		latest.IsActive = true
		latest.EndedAtTS = nil
		return *latest, false, nil
	}
	candidate.IsActive = true
	s.sessions = append(s.sessions, &candidate)
	return candidate, true, nil
}

// OpenSession ends the pivot's active sessions and inserts session.
func (s *Store) OpenSession(ctx context.Context, pivot monitoring.PivotRecord, session monitoring.Session) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertPivotLocked(pivot)
	s.endPivotSessionsLocked(session.PivotID, session.StartedAtTS)
	session.IsActive = true
	session.EndedAtTS = nil
	s.sessions = append(s.sessions, &session)
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*monitoring.Session, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if session := s.findSessionLocked(sessionID); session != nil {
		out := *session
		return &out, nil
	}
	return nil, nil
}

// LatestSession returns the most recent session of the pivot, within runID
// when given.
func (s *Store) LatestSession(ctx context.Context, runID, pivotID string) (*monitoring.Session, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *monitoring.Session
	for _, session := range s.sessions {
		if session.PivotID != pivotID || (runID != "" && session.RunID != runID) {
			continue
		}
		if latest == nil || session.StartedAtTS >= latest.StartedAtTS {
			latest = session
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

// ListSessions lists sessions, most recent first.
func (s *Store) ListSessions(ctx context.Context, pivotID, runID string, limit int) ([]monitoring.Session, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitoring.Session
	for i := len(s.sessions) - 1; i >= 0; i-- {
		session := s.sessions[i]
		if (pivotID != "" && session.PivotID != pivotID) || (runID != "" && session.RunID != runID) {
			continue
		}
		out = append(out, *session)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAtTS > out[j].StartedAtTS })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// BestBaseline returns the best historical snapshot of the pivot.
func (s *Store) BestBaseline(ctx context.Context, pivotID, excludeSessionID string) (*monitoring.Snapshot, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *monitoring.Snapshot
	for key, snap := range s.snapshots {
		if key.pivotID != pivotID || key.sessionID == excludeSessionID || snap.MedianIntervalSec <= 0 {
			continue
		}
		if best == nil || monitoring.BaselineBetter(snap, *best) {
			candidate := snap
			best = &candidate
		}
	}
	return best, nil
}

// Commit stores every row of the batch.
func (s *Store) Commit(ctx context.Context, batch monitoring.Batch) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CommitErr != nil {
		return s.CommitErr
	}
	for _, pivot := range batch.Pivots {
		s.upsertPivotLocked(pivot)
	}
	s.events = append(s.events, batch.Events...)
	s.probeEvents = append(s.probeEvents, batch.ProbeEvents...)
	s.delayPoints = append(s.delayPoints, batch.DelayPoints...)
	s.rssi = append(s.rssi, batch.RSSI...)
	s.cloud2Events = append(s.cloud2Events, batch.Cloud2Events...)
	s.drops = append(s.drops, batch.Drops...)
	for _, snap := range batch.Snapshots {
		s.snapshots[snapshotKey{pivotID: snap.PivotID, sessionID: snap.SessionID}] = snap
	}
	return nil
}

// Panel returns the snapshot and latest events of a (pivot, session).
func (s *Store) Panel(ctx context.Context, pivotID, sessionID string, limit int, now float64) (*monitoring.PanelPayload, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	session := s.findSessionLocked(sessionID)
	if session == nil || session.PivotID != pivotID {
		return nil, monitoring.ErrSessionNotFound
	}
	panel := &monitoring.PanelPayload{
		Snapshot:     s.snapshots[snapshotKey{pivotID: pivotID, sessionID: sessionID}],
		Timeline:     []monitoring.Event{},
		ProbeEvents:  latest(s.probeEvents, limit, func(e monitoring.ProbeEvent) bool { return e.SessionID == sessionID }),
		Cloud2Events: latest(s.cloud2Events, limit, func(e monitoring.Cloud2Event) bool { return e.SessionID == sessionID }),
		Drops:        latest(s.drops, limit, func(e monitoring.DropEvent) bool { return e.SessionID == sessionID }),
		RSSI:         latest(s.rssi, limit, func(e monitoring.RSSIPoint) bool { return e.SessionID == sessionID }),
		DelayPoints:  latest(s.delayPoints, limit, func(e monitoring.ProbeDelayPoint) bool { return e.SessionID == sessionID }),
	}
	var timeline []monitoring.Event
	for _, evt := range s.events {
		if evt.SessionID == sessionID {
			timeline = append(timeline, evt)
		}
	}
	timeline = monitoring.NewestFirst(timeline)
	if limit > 0 && len(timeline) > limit {
		timeline = timeline[:limit]
	}
	if timeline != nil {
		panel.Timeline = timeline
	}
	var all []monitoring.ProbeEvent
	for _, evt := range s.probeEvents {
		if evt.SessionID == sessionID {
			all = append(all, evt)
		}
	}
	if panel.Snapshot.PivotID != "" {
		since := now - monitoring.ProbeStatsWindowSec
		for _, evt := range all {
			if evt.TS >= since {
				panel.ProbeWindow = append(panel.ProbeWindow, evt)
			}
		}
		panel.Snapshot.Probe.Stats = monitoring.ComputeProbeStats(panel.ProbeWindow, since)
	}
	return panel, nil
}

// RunSnapshots returns the latest snapshot of every session of the run.
func (s *Store) RunSnapshots(ctx context.Context, runID string) ([]monitoring.Snapshot, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := make(map[string]*monitoring.Session)
	for _, session := range s.sessions {
		if session.RunID != runID {
			continue
		}
		if cur := latest[session.PivotID]; cur == nil || session.StartedAtTS >= cur.StartedAtTS {
			latest[session.PivotID] = session
		}
	}
	var out []monitoring.Snapshot
	for pivotID, session := range latest {
		if snap, ok := s.snapshots[snapshotKey{pivotID: pivotID, sessionID: session.SessionID}]; ok {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PivotID < out[j].PivotID })
	return out, nil
}

// ActivityTimestamps returns connectivity arrivals of a session since ts.
func (s *Store) ActivityTimestamps(ctx context.Context, sessionID string, since float64) ([]float64, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []float64
	for _, evt := range s.events {
		if evt.SessionID != sessionID || evt.EventType != monitoring.EventMessage || evt.TS < since {
			continue
		}
		if topic, ok := monitoring.ParseTopic(evt.Topic); ok && topic.IsConnectivity() {
			out = append(out, evt.TS)
		}
	}
	sort.Float64s(out)
	return out, nil
}

// ProbeSettings lists the persisted probe schedules.
func (s *Store) ProbeSettings(ctx context.Context) ([]monitoring.ProbeSetting, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitoring.ProbeSetting, 0, len(s.probeSettings))
	for _, setting := range s.probeSettings {
		out = append(out, setting)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PivotID < out[j].PivotID })
	return out, nil
}

// UpsertProbeSetting stores a probe schedule.
func (s *Store) UpsertProbeSetting(ctx context.Context, setting monitoring.ProbeSetting) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeSettings[setting.PivotID] = setting
	return nil
}

// Cloud2FilterOptions lists distinct technologies and firmwares of a run.
func (s *Store) Cloud2FilterOptions(ctx context.Context, runID string) (monitoring.Cloud2Options, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make(map[string]bool)
	for _, session := range s.sessions {
		if session.RunID == runID {
			sessions[session.SessionID] = true
		}
	}
	techs := make(map[string]bool)
	firmwares := make(map[string]bool)
	for _, evt := range s.cloud2Events {
		if !sessions[evt.SessionID] {
			continue
		}
		if evt.Record.Technology != "" {
			techs[evt.Record.Technology] = true
		}
		if evt.Record.Firmware != "" {
			firmwares[evt.Record.Firmware] = true
		}
	}
	return monitoring.Cloud2Options{Technologies: sortedKeys(techs), Firmwares: sortedKeys(firmwares)}, nil
}

// Purge deletes everything except probe settings.
func (s *Store) Purge(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pivots = make(map[string]monitoring.PivotRecord)
	s.runs = nil
	s.sessions = nil
	s.snapshots = make(map[snapshotKey]monitoring.Snapshot)
	s.events = nil
	s.probeEvents = nil
	s.delayPoints = nil
	s.rssi = nil
	s.cloud2Events = nil
	s.drops = nil
	return nil
}

// Pivot returns the stored identity row of a pivot.
func (s *Store) Pivot(pivotID string) (monitoring.PivotRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pivot, ok := s.pivots[pivotID]
	return pivot, ok
}

// Events returns the stored timeline events of a session in insertion order.
func (s *Store) Events(sessionID string) []monitoring.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitoring.Event
	for _, evt := range s.events {
		if evt.SessionID == sessionID {
			out = append(out, evt)
		}
	}
	return out
}

func (s *Store) upsertPivotLocked(pivot monitoring.PivotRecord) {
	if stored, ok := s.pivots[pivot.PivotID]; ok {
		pivot = monitoring.MergeRecord(stored, pivot)
	}
	s.pivots[pivot.PivotID] = pivot
}

func (s *Store) endAllLocked(ts float64) {
	for _, run := range s.runs {
		if run.IsActive {
			ended := ts
			run.IsActive = false
			run.EndedAtTS = &ended
		}
	}
	for _, session := range s.sessions {
		if session.IsActive {
			ended := ts
			session.IsActive = false
			session.EndedAtTS = &ended
		}
	}
}

func (s *Store) endPivotSessionsLocked(pivotID string, ts float64) {
	for _, session := range s.sessions {
		if session.PivotID == pivotID && session.IsActive {
			ended := ts
			session.IsActive = false
			session.EndedAtTS = &ended
		}
	}
}

func (s *Store) findRunLocked(runID string) *monitoring.Run {
	for _, run := range s.runs {
		if run.RunID == runID {
			return run
		}
	}
	return nil
}

func (s *Store) findSessionLocked(sessionID string) *monitoring.Session {
	for _, session := range s.sessions {
		if session.SessionID == sessionID {
			return session
		}
	}
	return nil
}

func (s *Store) runCopyLocked(run *monitoring.Run) *monitoring.Run {
	out := *run
	pivots := make(map[string]bool)
	out.SessionCount = 0
	for _, session := range s.sessions {
		if session.RunID == run.RunID {
			out.SessionCount++
			pivots[session.PivotID] = true
		}
	}
	out.PivotCount = len(pivots)
	return &out
}

func latest[T any](items []T, limit int, keep func(T) bool) []T {
	out := []T{}
	for i := len(items) - 1; i >= 0; i-- {
		if !keep(items[i]) {
			continue
		}
		out = append(out, items[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	monitoring "pivot-monitor/internal/monitoring/domain"
)

// Store persists monitoring data in Postgres. Writes are serialized.
type Store struct {
	db      *sql.DB
	logger  *log.Logger
	writeMu sync.Mutex
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// NewStore constructs a Store.
func NewStore(db *sql.DB, logger *log.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("monitoring store: nil db")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

const runColumns = `r.run_id, r.started_at_ts, r.ended_at_ts, r.is_active, r.source, r.label, r.metadata_json,
	(SELECT COUNT(*) FROM monitoring_sessions s WHERE s.run_id = r.run_id),
	(SELECT COUNT(DISTINCT s.pivot_id) FROM monitoring_sessions s WHERE s.run_id = r.run_id)`

const sessionColumns = `session_id, run_id, pivot_id, started_at_ts, ended_at_ts, is_active, source`

// ActiveRun returns the active run, or nil.
func (s *Store) ActiveRun(ctx context.Context) (*monitoring.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM monitoring_runs r WHERE r.is_active LIMIT 1`)
	return scanRun(row)
}

// LatestRun returns the most recently started run, or nil.
func (s *Store) LatestRun(ctx context.Context) (*monitoring.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM monitoring_runs r ORDER BY r.started_at_ts DESC LIMIT 1`)
	return scanRun(row)
}

// GetRun loads a run, or nil when missing.
func (s *Store) GetRun(ctx context.Context, runID string) (*monitoring.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM monitoring_runs r WHERE r.run_id = $1`, runID)
	return scanRun(row)
}

// ListRuns lists runs, most recent first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]monitoring.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+runColumns+`
FROM monitoring_runs r
ORDER BY r.started_at_ts DESC
LIMIT NULLIF($1::int, 0)`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []monitoring.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		if run != nil {
			result = append(result, *run)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// StartRun ends every active run and session and inserts run as active.
func (s *Store) StartRun(ctx context.Context, run monitoring.Run) error {
	metadata, err := jsonValue(run.Metadata)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := endAll(ctx, tx, run.StartedAtTS); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO monitoring_runs (run_id, started_at_ts, ended_at_ts, is_active, source, label, metadata_json)
VALUES ($1, $2, NULL, TRUE, $3, $4, $5)`,
			run.RunID, run.StartedAtTS, run.Source, run.Label, metadata)
		return err
	})
}

// ActivateRun makes runID the only active run and reactivates the latest
// session of each of its pivots.
func (s *Store) ActivateRun(ctx context.Context, runID string, ts float64) ([]monitoring.Session, error) {
	var sessions []monitoring.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM monitoring_runs WHERE run_id = $1)`, runID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return monitoring.ErrRunNotFound
		}
		if err := endAll(ctx, tx, ts); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE monitoring_runs SET is_active = TRUE, ended_at_ts = NULL, updated_at_ts = EXTRACT(EPOCH FROM now())
WHERE run_id = $1`, runID); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
UPDATE monitoring_sessions SET is_active = TRUE, ended_at_ts = NULL
WHERE session_id IN (
	SELECT DISTINCT ON (pivot_id) session_id
	FROM monitoring_sessions
	WHERE run_id = $1
	ORDER BY pivot_id, started_at_ts DESC
)
RETURNING `+sessionColumns, runID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			session, err := scanSession(rows)
			if err != nil {
				return err
			}
			sessions = append(sessions, *session)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].PivotID < sessions[j].PivotID })
	return sessions, nil
}

// EnsureSession returns the active session of (run, pivot), reactivating the
// latest one, or inserts candidate.
func (s *Store) EnsureSession(ctx context.Context, pivot monitoring.PivotRecord, candidate monitoring.Session) (monitoring.Session, bool, error) {
	var out monitoring.Session
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertPivot(ctx, tx, pivot); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM monitoring_sessions
WHERE run_id = $1 AND pivot_id = $2
ORDER BY is_active DESC, started_at_ts DESC
LIMIT 1`, candidate.RunID, candidate.PivotID)
		existing, err := scanSession(row)
		if err != nil {
			return err
		}
		if existing != nil && existing.IsActive {
			out = *existing
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE monitoring_sessions SET is_active = FALSE, ended_at_ts = $2
WHERE pivot_id = $1 AND is_active`, candidate.PivotID, candidate.StartedAtTS); err != nil {
			return err
		}
		if existing != nil {
			if _, err := tx.ExecContext(ctx, `
UPDATE monitoring_sessions SET is_active = TRUE, ended_at_ts = NULL WHERE session_id = $1`, existing.SessionID); err != nil {
				return err
			}
			existing.IsActive = true
			existing.EndedAtTS = nil
			out = *existing
			return nil
		}
		candidate.IsActive = true
		candidate.EndedAtTS = nil
		if err := insertSession(ctx, tx, candidate); err != nil {
			return err
		}
		out = candidate
		created = true
		return nil
	})
	if err != nil {
		return monitoring.Session{}, false, err
	}
	return out, created, nil
}

// OpenSession ends the pivot's active sessions and inserts session.
func (s *Store) OpenSession(ctx context.Context, pivot monitoring.PivotRecord, session monitoring.Session) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertPivot(ctx, tx, pivot); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE monitoring_sessions SET is_active = FALSE, ended_at_ts = $2
WHERE pivot_id = $1 AND is_active`, session.PivotID, session.StartedAtTS); err != nil {
			return err
		}
		session.IsActive = true
		session.EndedAtTS = nil
		return insertSession(ctx, tx, session)
	})
}

// GetSession loads a session by id, or nil.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*monitoring.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM monitoring_sessions WHERE session_id = $1`, sessionID)
	return scanSession(row)
}

// LatestSession returns the most recent session of the pivot, within runID
// when given.
func (s *Store) LatestSession(ctx context.Context, runID, pivotID string) (*monitoring.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM monitoring_sessions
WHERE pivot_id = $1 AND ($2 = '' OR run_id = $2)
ORDER BY started_at_ts DESC
LIMIT 1`, pivotID, runID)
	return scanSession(row)
}

// ListSessions lists sessions, most recent first.
func (s *Store) ListSessions(ctx context.Context, pivotID, runID string, limit int) ([]monitoring.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM monitoring_sessions
WHERE ($1 = '' OR pivot_id = $1) AND ($2 = '' OR run_id = $2)
ORDER BY started_at_ts DESC
LIMIT NULLIF($3::int, 0)`, pivotID, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []monitoring.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// BestBaseline returns the best historical snapshot of the pivot.
func (s *Store) BestBaseline(ctx context.Context, pivotID, excludeSessionID string) (*monitoring.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT snapshot
FROM pivot_snapshots
WHERE pivot_id = $1 AND session_id <> $2 AND median_interval_sec > 0
ORDER BY median_latched DESC,
	(status_code IN ('green', 'red')) DESC,
	sample_count DESC,
	updated_at_ts DESC
LIMIT 1`, pivotID, excludeSessionID)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var snap monitoring.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode baseline snapshot: %w", err)
	}
	return &snap, nil
}

// Commit writes the rows of one ingest or tick in a single transaction.
func (s *Store) Commit(ctx context.Context, batch monitoring.Batch) error {
	if batch.Empty() {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, pivot := range batch.Pivots {
			if err := upsertPivot(ctx, tx, pivot); err != nil {
				return fmt.Errorf("upsert pivot %s: %w", pivot.PivotID, err)
			}
		}
		for _, evt := range batch.Events {
			if err := insertEvent(ctx, tx, evt); err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
		}
		for _, evt := range batch.ProbeEvents {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO probe_events (seq, pivot_id, session_id, ts, kind, topic, latency_sec, deadline_ts, sent_ts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				evt.Seq, evt.PivotID, evt.SessionID, evt.TS, evt.Kind, evt.Topic,
				nullFloat(evt.LatencySec), nullFloat(evt.DeadlineTS), nullFloat(evt.SentTS)); err != nil {
				return fmt.Errorf("insert probe event: %w", err)
			}
		}
		for _, p := range batch.DelayPoints {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO probe_delay_points (pivot_id, session_id, ts, latency_sec, avg_sec, sample_count)
VALUES ($1, $2, $3, $4, $5, $6)`,
				p.PivotID, p.SessionID, p.TS, p.LatencySec, p.AvgSec, p.SampleCount); err != nil {
				return fmt.Errorf("insert delay point: %w", err)
			}
		}
		for _, p := range batch.RSSI {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO ping_rssi_points (pivot_id, session_id, ts, rssi, topic)
VALUES ($1, $2, $3, $4, $5)`,
				p.PivotID, p.SessionID, p.TS, p.RSSI, p.Topic); err != nil {
				return fmt.Errorf("insert rssi point: %w", err)
			}
		}
		for _, evt := range batch.Cloud2Events {
			if err := insertCloud2(ctx, tx, evt); err != nil {
				return fmt.Errorf("insert cloud2 event: %w", err)
			}
		}
		for _, d := range batch.Drops {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO drop_events (pivot_id, session_id, ts, duration_sec, duration_raw)
VALUES ($1, $2, $3, $4, $5)`,
				d.PivotID, d.SessionID, d.TS, d.DurationSec, d.DurationRaw); err != nil {
				return fmt.Errorf("insert drop event: %w", err)
			}
		}
		for _, snap := range batch.Snapshots {
			if err := upsertSnapshot(ctx, tx, snap); err != nil {
				return fmt.Errorf("upsert snapshot %s/%s: %w", snap.PivotID, snap.SessionID, err)
			}
		}
		return nil
	})
}

// Panel returns the snapshot and latest events of a (pivot, session).
func (s *Store) Panel(ctx context.Context, pivotID, sessionID string, limit int, now float64) (*monitoring.PanelPayload, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.PivotID != pivotID {
		return nil, monitoring.ErrSessionNotFound
	}

	panel := &monitoring.PanelPayload{}
	var data []byte
	err = s.db.QueryRowContext(ctx, `
SELECT snapshot FROM pivot_snapshots WHERE pivot_id = $1 AND session_id = $2`, pivotID, sessionID).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(data, &panel.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
	}

	if panel.Timeline, err = s.timeline(ctx, sessionID, limit); err != nil {
		return nil, err
	}
	if panel.ProbeEvents, err = s.probeEvents(ctx, sessionID, limit, nil); err != nil {
		return nil, err
	}
	if panel.Cloud2Events, err = s.cloud2Events(ctx, sessionID, limit); err != nil {
		return nil, err
	}
	if panel.Drops, err = s.drops(ctx, sessionID, limit); err != nil {
		return nil, err
	}
	if panel.RSSI, err = s.rssi(ctx, sessionID, limit); err != nil {
		return nil, err
	}
	if panel.DelayPoints, err = s.delayPoints(ctx, sessionID, limit); err != nil {
		return nil, err
	}
	if panel.Snapshot.PivotID != "" {
		since := now - monitoring.ProbeStatsWindowSec
		window, err := s.probeEvents(ctx, sessionID, 0, &since)
		if err != nil {
			return nil, err
		}
		panel.ProbeWindow = window
		panel.Snapshot.Probe.Stats = monitoring.ComputeProbeStats(window, since)
	}
	return panel, nil
}

// RunSnapshots returns the snapshot of the latest session of every pivot of the run.
func (s *Store) RunSnapshots(ctx context.Context, runID string) ([]monitoring.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT ps.snapshot
FROM (
	SELECT DISTINCT ON (pivot_id) pivot_id, session_id
	FROM monitoring_sessions
	WHERE run_id = $1
	ORDER BY pivot_id, started_at_ts DESC
) latest
JOIN pivot_snapshots ps ON ps.pivot_id = latest.pivot_id AND ps.session_id = latest.session_id
ORDER BY latest.pivot_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []monitoring.Snapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var snap monitoring.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		result = append(result, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ActivityTimestamps returns connectivity arrivals of a session since ts.
func (s *Store) ActivityTimestamps(ctx context.Context, sessionID string, since float64) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT ts
FROM connectivity_events
WHERE session_id = $1 AND event_type = $2 AND ts >= $3 AND topic IN (`+connectivityTopicList()+`)
ORDER BY ts ASC`, sessionID, monitoring.EventMessage, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []float64
	for rows.Next() {
		var ts float64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		result = append(result, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ProbeSettings lists the persisted probe schedules.
func (s *Store) ProbeSettings(ctx context.Context) ([]monitoring.ProbeSetting, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT pivot_id, enabled, interval_sec, updated_at_ts
FROM probe_settings
ORDER BY pivot_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []monitoring.ProbeSetting{}
	for rows.Next() {
		var setting monitoring.ProbeSetting
		if err := rows.Scan(&setting.PivotID, &setting.Enabled, &setting.IntervalSec, &setting.UpdatedAtTS); err != nil {
			return nil, err
		}
		result = append(result, setting)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpsertProbeSetting stores a probe schedule.
func (s *Store) UpsertProbeSetting(ctx context.Context, setting monitoring.ProbeSetting) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO probe_settings (pivot_id, enabled, interval_sec, updated_at_ts)
VALUES ($1, $2, $3, $4)
ON CONFLICT (pivot_id)
DO UPDATE SET
	enabled = EXCLUDED.enabled,
	interval_sec = EXCLUDED.interval_sec,
	updated_at_ts = EXCLUDED.updated_at_ts`,
		setting.PivotID, setting.Enabled, setting.IntervalSec, setting.UpdatedAtTS)
	return err
}

// Cloud2FilterOptions lists distinct technologies and firmwares of a run.
func (s *Store) Cloud2FilterOptions(ctx context.Context, runID string) (monitoring.Cloud2Options, error) {
	out := monitoring.Cloud2Options{Technologies: []string{}, Firmwares: []string{}}
	for _, target := range []struct {
		column string
		dest   *[]string
	}{
		{"technology", &out.Technologies},
		{"firmware", &out.Firmwares},
	} {
		rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT c.`+target.column+`
FROM cloud2_events c
JOIN monitoring_sessions m ON m.session_id = c.session_id
WHERE m.run_id = $1 AND c.`+target.column+` <> ''
ORDER BY 1`, runID)
		if err != nil {
			return out, err
		}
		for rows.Next() {
			var value string
			if err := rows.Scan(&value); err != nil {
				rows.Close()
				return out, err
			}
			*target.dest = append(*target.dest, value)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// Purge truncates runtime tables and resets their sequences. Probe settings survive.
func (s *Store) Purge(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
TRUNCATE TABLE
	connectivity_events,
	probe_events,
	probe_delay_points,
	ping_rssi_points,
	cloud2_events,
	drop_events,
	pivot_snapshots,
	monitoring_sessions,
	monitoring_runs,
	pivots
RESTART IDENTITY`)
	if err == nil {
		s.logger.Printf("monitoring store: purged runtime tables")
	}
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) timeline(ctx context.Context, sessionID string, limit int) ([]monitoring.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, pivot_id, session_id, ts, topic, event_type, summary, details_json, source_topic, raw_payload, parsed_payload_json
FROM connectivity_events
WHERE session_id = $1
ORDER BY ts DESC, id DESC
LIMIT NULLIF($2::int, 0)`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []monitoring.Event{}
	for rows.Next() {
		var evt monitoring.Event
		var details, parsed []byte
		if err := rows.Scan(&evt.Seq, &evt.PivotID, &evt.SessionID, &evt.TS, &evt.Topic, &evt.EventType,
			&evt.Summary, &details, &evt.SourceTopic, &evt.RawPayload, &parsed); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &evt.Details); err != nil {
				return nil, fmt.Errorf("decode event details: %w", err)
			}
		}
		if len(parsed) > 0 {
			var v any
			if err := json.Unmarshal(parsed, &v); err != nil {
				return nil, fmt.Errorf("decode parsed payload: %w", err)
			}
			evt.ParsedPayload = v
		}
		result = append(result, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) probeEvents(ctx context.Context, sessionID string, limit int, since *float64) ([]monitoring.ProbeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, pivot_id, session_id, ts, kind, topic, latency_sec, deadline_ts, sent_ts
FROM probe_events
WHERE session_id = $1 AND ($3::double precision IS NULL OR ts >= $3)
ORDER BY ts DESC, id DESC
LIMIT NULLIF($2::int, 0)`, sessionID, limit, nullFloat(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []monitoring.ProbeEvent{}
	for rows.Next() {
		var evt monitoring.ProbeEvent
		var latency, deadline, sent sql.NullFloat64
		if err := rows.Scan(&evt.Seq, &evt.PivotID, &evt.SessionID, &evt.TS, &evt.Kind, &evt.Topic,
			&latency, &deadline, &sent); err != nil {
			return nil, err
		}
		evt.LatencySec = floatPtr(latency)
		evt.DeadlineTS = floatPtr(deadline)
		evt.SentTS = floatPtr(sent)
		result = append(result, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) cloud2Events(ctx context.Context, sessionID string, limit int) ([]monitoring.Cloud2Event, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, pivot_id, session_id, ts, rssi, rssi_raw, technology, drop_duration_raw, drop_duration_sec,
	firmware, event_date, record_ts, raw_payload
FROM cloud2_events
WHERE session_id = $1
ORDER BY ts DESC, id DESC
LIMIT NULLIF($2::int, 0)`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []monitoring.Cloud2Event{}
	for rows.Next() {
		var evt monitoring.Cloud2Event
		var rssi sql.NullInt64
		var drop sql.NullFloat64
		rec := &evt.Record
		if err := rows.Scan(&evt.Seq, &evt.PivotID, &evt.SessionID, &evt.TS, &rssi, &rec.RSSIRaw, &rec.Technology,
			&rec.DropDurationRaw, &drop, &rec.Firmware, &rec.EventDate, &rec.TS, &evt.RawPayload); err != nil {
			return nil, err
		}
		if rssi.Valid {
			v := int(rssi.Int64)
			rec.RSSI = &v
		}
		rec.DropDurationSec = floatPtr(drop)
		result = append(result, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) drops(ctx context.Context, sessionID string, limit int) ([]monitoring.DropEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT pivot_id, session_id, ts, duration_sec, duration_raw
FROM drop_events
WHERE session_id = $1
ORDER BY ts DESC, id DESC
LIMIT NULLIF($2::int, 0)`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []monitoring.DropEvent{}
	for rows.Next() {
		var d monitoring.DropEvent
		if err := rows.Scan(&d.PivotID, &d.SessionID, &d.TS, &d.DurationSec, &d.DurationRaw); err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) rssi(ctx context.Context, sessionID string, limit int) ([]monitoring.RSSIPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT pivot_id, session_id, ts, rssi, topic
FROM ping_rssi_points
WHERE session_id = $1
ORDER BY ts DESC, id DESC
LIMIT NULLIF($2::int, 0)`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []monitoring.RSSIPoint{}
	for rows.Next() {
		var p monitoring.RSSIPoint
		if err := rows.Scan(&p.PivotID, &p.SessionID, &p.TS, &p.RSSI, &p.Topic); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) delayPoints(ctx context.Context, sessionID string, limit int) ([]monitoring.ProbeDelayPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT pivot_id, session_id, ts, latency_sec, avg_sec, sample_count
FROM probe_delay_points
WHERE session_id = $1
ORDER BY ts DESC, id DESC
LIMIT NULLIF($2::int, 0)`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []monitoring.ProbeDelayPoint{}
	for rows.Next() {
		var p monitoring.ProbeDelayPoint
		if err := rows.Scan(&p.PivotID, &p.SessionID, &p.TS, &p.LatencySec, &p.AvgSec, &p.SampleCount); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func endAll(ctx context.Context, q queryer, ts float64) error {
	if _, err := q.ExecContext(ctx, `
UPDATE monitoring_sessions SET is_active = FALSE, ended_at_ts = $1 WHERE is_active`, ts); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `
UPDATE monitoring_runs SET is_active = FALSE, ended_at_ts = $1, updated_at_ts = EXTRACT(EPOCH FROM now())
WHERE is_active`, ts)
	return err
}

func insertSession(ctx context.Context, q queryer, session monitoring.Session) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO monitoring_sessions (session_id, run_id, pivot_id, started_at_ts, ended_at_ts, is_active, source)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.SessionID, session.RunID, session.PivotID, session.StartedAtTS,
		nullFloat(session.EndedAtTS), session.IsActive, session.Source)
	return err
}

func upsertPivot(ctx context.Context, q queryer, pivot monitoring.PivotRecord) error {
	slug := pivot.Slug
	if slug == "" {
		slug = monitoring.PivotSlug(pivot.PivotID)
	}
	_, err := q.ExecContext(ctx, `
INSERT INTO pivots (pivot_id, pivot_slug, first_seen_ts, last_seen_ts, is_concentrator, latitude, longitude)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (pivot_id)
DO UPDATE SET
	pivot_slug = EXCLUDED.pivot_slug,
	first_seen_ts = CASE
		WHEN pivots.first_seen_ts > 0 AND (EXCLUDED.first_seen_ts = 0 OR pivots.first_seen_ts < EXCLUDED.first_seen_ts)
		THEN pivots.first_seen_ts ELSE EXCLUDED.first_seen_ts END,
	last_seen_ts = GREATEST(pivots.last_seen_ts, EXCLUDED.last_seen_ts),
	is_concentrator = pivots.is_concentrator OR EXCLUDED.is_concentrator,
	latitude = COALESCE(EXCLUDED.latitude, pivots.latitude),
	longitude = COALESCE(EXCLUDED.longitude, pivots.longitude),
	updated_at_ts = EXTRACT(EPOCH FROM now())`,
		pivot.PivotID, slug, pivot.FirstSeenTS, pivot.LastSeenTS, pivot.IsConcentrator,
		nullFloat(pivot.Latitude), nullFloat(pivot.Longitude))
	return err
}

func insertEvent(ctx context.Context, q queryer, evt monitoring.Event) error {
	details, err := jsonValue(evt.Details)
	if err != nil {
		return err
	}
	parsed, err := jsonValue(evt.ParsedPayload)
	if err != nil {
		return err
	}
	full, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
INSERT INTO connectivity_events (
	seq, pivot_id, session_id, ts, topic, event_type, summary,
	details_json, source_topic, raw_payload, parsed_payload_json, event_json
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		evt.Seq, evt.PivotID, evt.SessionID, evt.TS, evt.Topic, evt.EventType, evt.Summary,
		details, evt.SourceTopic, evt.RawPayload, parsed, string(full))
	return err
}

func insertCloud2(ctx context.Context, q queryer, evt monitoring.Cloud2Event) error {
	rec := evt.Record
	var rssi any
	if rec.RSSI != nil {
		rssi = *rec.RSSI
	}
	_, err := q.ExecContext(ctx, `
INSERT INTO cloud2_events (
	seq, pivot_id, session_id, ts, rssi, rssi_raw, technology, drop_duration_raw,
	drop_duration_sec, firmware, event_date, record_ts, raw_payload
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		evt.Seq, evt.PivotID, evt.SessionID, evt.TS, rssi, rec.RSSIRaw, rec.Technology, rec.DropDurationRaw,
		nullFloat(rec.DropDurationSec), rec.Firmware, rec.EventDate, rec.TS, evt.RawPayload)
	return err
}

func upsertSnapshot(ctx context.Context, q queryer, snap monitoring.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
INSERT INTO pivot_snapshots (
	pivot_id, session_id, run_id, status_code, quality_code, median_interval_sec,
	sample_count, median_latched, probe_alert, updated_at_ts, snapshot
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (pivot_id, session_id)
DO UPDATE SET
	run_id = EXCLUDED.run_id,
	status_code = EXCLUDED.status_code,
	quality_code = EXCLUDED.quality_code,
	median_interval_sec = EXCLUDED.median_interval_sec,
	sample_count = EXCLUDED.sample_count,
	median_latched = EXCLUDED.median_latched,
	probe_alert = EXCLUDED.probe_alert,
	updated_at_ts = EXCLUDED.updated_at_ts,
	snapshot = EXCLUDED.snapshot`,
		snap.PivotID, snap.SessionID, snap.RunID, snap.Status.Code, snap.Quality.Code, snap.MedianIntervalSec,
		snap.SampleCount, snap.MedianLatched, snap.Probe.Alert, snap.UpdatedAtTS, string(data))
	return err
}

func scanRun(row scanner) (*monitoring.Run, error) {
	var run monitoring.Run
	var ended sql.NullFloat64
	var metadata []byte
	if err := row.Scan(&run.RunID, &run.StartedAtTS, &ended, &run.IsActive, &run.Source, &run.Label,
		&metadata, &run.SessionCount, &run.PivotCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	run.EndedAtTS = floatPtr(ended)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &run.Metadata); err != nil {
			return nil, fmt.Errorf("decode run metadata: %w", err)
		}
	}
	return &run, nil
}

func scanSession(row scanner) (*monitoring.Session, error) {
	var session monitoring.Session
	var ended sql.NullFloat64
	if err := row.Scan(&session.SessionID, &session.RunID, &session.PivotID, &session.StartedAtTS,
		&ended, &session.IsActive, &session.Source); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	session.EndedAtTS = floatPtr(ended)
	return &session, nil
}

func connectivityTopicList() string {
	topics := monitoring.ConnectivityTopics()
	quoted := make([]string, 0, len(topics))
	for _, topic := range topics {
		quoted = append(quoted, "'"+string(topic)+"'")
	}
	return strings.Join(quoted, ", ")
}

func jsonValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typed := v.(type) {
	case map[string]any:
		if typed == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	out := v.Float64
	return &out
}

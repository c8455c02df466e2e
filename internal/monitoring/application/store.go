package application

import (
	"context"

	monitoring "pivot-monitor/internal/monitoring/domain"
)

// Store persists runs, sessions, event streams and snapshots.
type Store interface {
	ActiveRun(ctx context.Context) (*monitoring.Run, error)
	LatestRun(ctx context.Context) (*monitoring.Run, error)
	GetRun(ctx context.Context, runID string) (*monitoring.Run, error)
	ListRuns(ctx context.Context, limit int) ([]monitoring.Run, error)
	// StartRun ends every active run and session and inserts run as active.
	StartRun(ctx context.Context, run monitoring.Run) error
	// ActivateRun makes runID the only active run and reactivates the latest
	// session of each of its pivots.
	ActivateRun(ctx context.Context, runID string, ts float64) ([]monitoring.Session, error)

	// EnsureSession returns the active session of (run, pivot), reactivating
	// the most recent one when none is active. The candidate is inserted only
	// when the pair has no session at all; created reports that case.
	EnsureSession(ctx context.Context, pivot monitoring.PivotRecord, candidate monitoring.Session) (session monitoring.Session, created bool, err error)
	// OpenSession ends the pivot's active sessions and inserts session.
	OpenSession(ctx context.Context, pivot monitoring.PivotRecord, session monitoring.Session) error
	GetSession(ctx context.Context, sessionID string) (*monitoring.Session, error)
	LatestSession(ctx context.Context, runID, pivotID string) (*monitoring.Session, error)
	ListSessions(ctx context.Context, pivotID, runID string, limit int) ([]monitoring.Session, error)

	BestBaseline(ctx context.Context, pivotID, excludeSessionID string) (*monitoring.Snapshot, error)
	// Commit writes one ingest or tick worth of changes atomically.
	Commit(ctx context.Context, batch Batch) error
	Panel(ctx context.Context, pivotID, sessionID string, limit int, now float64) (*monitoring.PanelPayload, error)
	RunSnapshots(ctx context.Context, runID string) ([]monitoring.Snapshot, error)
	ActivityTimestamps(ctx context.Context, sessionID string, since float64) ([]float64, error)

	ProbeSettings(ctx context.Context) ([]monitoring.ProbeSetting, error)
	UpsertProbeSetting(ctx context.Context, setting monitoring.ProbeSetting) error
	Cloud2FilterOptions(ctx context.Context, runID string) (monitoring.Cloud2Options, error)

	// Purge deletes all runtime data and resets sequences.
	Purge(ctx context.Context) error
}

// Batch groups the rows produced by one ingest or tick.
type Batch = monitoring.Batch

// Sink publishes probe payloads on the bus.
type Sink interface {
	// Publish must refuse monitored topics and report false.
	Publish(ctx context.Context, topic, payload string) bool
}

// EventPublisher publishes domain notifications.
type EventPublisher interface {
	Publish(ctx context.Context, event any) error
}

// DashboardFiles are rendered JSON documents for file-based consumers.
type DashboardFiles struct {
	State  []byte
	Pivots map[string][]byte
}

// DashboardWriter persists dashboard files.
type DashboardWriter interface {
	WriteDashboard(ctx context.Context, files DashboardFiles) error
}

// RuntimeStore persists the in-memory registry across restarts.
type RuntimeStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

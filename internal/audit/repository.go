package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const insertEntry = `
INSERT INTO audit_logs (
	id, actor, role, action, resource_type, resource_id, pivot_id,
	metadata, payload_digest, ip, user_agent, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO NOTHING`

// Repository persists operator actions in audit_logs.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository constructs an audit repository. It returns nil without a db.
func NewRepository(db *sql.DB) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{db: db, now: time.Now}
}

// Log inserts entry. Replaying an entry with a known id is a no-op.
func (r *Repository) Log(ctx context.Context, entry Entry) error {
	if r == nil || r.db == nil {
		return errors.New("audit: nil db")
	}
	entry = entry.complete(r.now())
	var metadata sql.NullString
	if len(entry.Metadata) > 0 {
		metadata = sql.NullString{String: string(entry.Metadata), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, insertEntry,
		entry.ID, entry.Actor, entry.Role, entry.Action, entry.ResourceType, entry.ResourceID, entry.PivotID,
		metadata, entry.PayloadDigest, entry.IP, entry.UserAgent, entry.CreatedAt)
	return err
}

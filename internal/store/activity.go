package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cipher-x-sudo/cybernexus/internal/errors"
	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

// ActivityStore persists the per-user append-only action trail.
type ActivityStore struct {
	db *DB
}

// NewActivityStore returns an activity store over db.
func NewActivityStore(db *DB) *ActivityStore {
	return &ActivityStore{db: db}
}

// Record appends one activity entry.
func (s *ActivityStore) Record(ctx context.Context, entry *models.ActivityEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.execContext(ctx, `
		INSERT INTO activity_log (tenant_id, user_id, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.TenantID, entry.UserID, entry.Action, nullString(entry.Detail), entry.CreatedAt.UTC())
	if err != nil {
		return errors.E(errors.KindInternal, "activity.record", err).WithTenant(entry.TenantID)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// List returns a tenant's activity, newest first; userID narrows to one user.
func (s *ActivityStore) List(ctx context.Context, tenantID, userID string, limit, offset int) ([]*models.ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, tenant_id, user_id, action, detail, created_at FROM activity_log WHERE tenant_id = ?`
	args := []any{tenantID}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.queryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.E(errors.KindInternal, "activity.list", err)
	}
	defer rows.Close()

	var entries []*models.ActivityEntry
	for rows.Next() {
		var entry models.ActivityEntry
		var detail sql.NullString
		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.UserID,
			&entry.Action, &detail, &entry.CreatedAt); err != nil {
			return nil, errors.E(errors.KindInternal, "activity.list", err)
		}
		entry.Detail = stringOf(detail)
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

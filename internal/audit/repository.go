package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for audit events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record persists an event. Duplicate event ids are silently ignored so
// at-least-once delivery stays idempotent.
func (r *Repository) Record(ctx context.Context, e Entry) error {
	if e.EventID == "" || e.Type == "" {
		return fmt.Errorf("audit: entry requires event_id and type")
	}
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_events (event_id, event_type, user_id, actor_id, tenant_id, resource, action, granted, reason, role_id, permission_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.Type, e.UserID, e.ActorID, e.TenantID, e.Resource, e.Action, e.Granted, e.Reason, e.RoleID, e.PermissionID, at)
	return err
}

// TimelineWindow returns one page of events, newest first. The caller asks
// for one row beyond the page size to detect a next page.
func (r *Repository) TimelineWindow(ctx context.Context, f TimelineFilters, offset, limit int) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, event_type, user_id, actor_id, tenant_id, resource, action, granted, reason, role_id, permission_id, occurred_at
		FROM audit_events
		WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
		  AND ($2::timestamptz IS NULL OR occurred_at <= $2)
		  AND ($3::bigint = 0 OR user_id = $3)
		  AND ($4::bigint = 0 OR tenant_id = $4)
		  AND ($5::text = '' OR event_type = $5)
		ORDER BY occurred_at DESC, id DESC
		OFFSET $6 LIMIT $7`,
		nullableTime(f.From), nullableTime(f.To), f.UserID, f.TenantID, f.Type, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EventID, &e.Type, &e.UserID, &e.ActorID, &e.TenantID, &e.Resource, &e.Action, &e.Granted, &e.Reason, &e.RoleID, &e.PermissionID, &e.At); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PurgeOlderThan removes events past the retention cutoff.
func (r *Repository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM audit_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

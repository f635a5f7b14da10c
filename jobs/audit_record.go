package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/authgrid/authgrid/internal/audit"
	"github.com/authgrid/authgrid/internal/events"
)

// Recorder persists audit entries. Satisfied by audit.Repository.
type Recorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

// HandleAuditRecordTask returns the handler for TaskAuditRecord tasks.
func HandleAuditRecordTask(recorder Recorder, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var ev events.Event
		if err := json.Unmarshal(t.Payload(), &ev); err != nil {
			// A malformed payload never becomes valid on retry.
			return asynq.SkipRetry
		}
		entry := audit.Entry{
			EventID:      ev.ID,
			Type:         string(ev.Type),
			UserID:       ev.UserID,
			ActorID:      ev.ActorID,
			TenantID:     ev.TenantID,
			Resource:     ev.Resource,
			Action:       ev.Action,
			Granted:      ev.Granted,
			Reason:       ev.Reason,
			RoleID:       ev.RoleID,
			PermissionID: ev.PermissionID,
			At:           ev.At,
		}
		if err := recorder.Record(ctx, entry); err != nil {
			if logger != nil {
				logger.Error("record audit event", slog.String("event_id", ev.ID), slog.Any("error", err))
			}
			return err
		}
		return nil
	}
}

// Purger removes expired audit entries. Satisfied by audit.Repository.
type Purger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// HandleAuditRetentionTask returns the handler for TaskAuditRetention tasks.
func HandleAuditRetentionTask(purger Purger, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload RetentionPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.Days <= 0 {
			return nil
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -payload.Days)
		removed, err := purger.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			if logger != nil {
				logger.Error("audit retention purge", slog.Any("error", err))
			}
			return err
		}
		if logger != nil {
			logger.Info("audit retention purge", slog.Int64("removed", removed), slog.Time("cutoff", cutoff))
		}
		return nil
	}
}

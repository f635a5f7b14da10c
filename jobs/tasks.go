package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/authgrid/authgrid/internal/events"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuditRecord persists a single audit event.
	TaskAuditRecord = "audit:record"
	// TaskAuditRetention prunes audit events past the retention window.
	TaskAuditRetention = "audit:retention"
)

// RetentionPayload carries the retention window for a purge run.
type RetentionPayload struct {
	Days int `json:"days"`
}

// NewAuditRecordTask wraps an audit event into an Asynq task.
func NewAuditRecordTask(ev events.Event) (*asynq.Task, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRecord, data), nil
}

// NewAuditRetentionTask constructs a retention purge task.
func NewAuditRetentionTask(days int) (*asynq.Task, error) {
	data, err := json.Marshal(RetentionPayload{Days: days})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRetention, data), nil
}

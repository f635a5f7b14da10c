// Package audit is the engine-side sink for permission events: an idempotent
// recorder fed by the delivery worker and a timeline query for operators. The
// audit dashboard itself is an external collaborator.
package audit

import "time"

// Entry is one recorded permission event. EventID deduplicates at-least-once
// delivery.
type Entry struct {
	EventID      string
	Type         string
	UserID       int64
	ActorID      int64
	TenantID     int64
	Resource     string
	Action       string
	Granted      *bool
	Reason       string
	RoleID       int64
	PermissionID int64
	At           time.Time
}

// TimelineFilters holds the timeline query filters.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	UserID   int64
	TenantID int64
	Type     string
	Page     int
	PageSize int
}

// PagingInfo carries pagination metadata.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Result bundles timeline rows with paging information.
type Result struct {
	Rows   []Entry
	Paging PagingInfo
}

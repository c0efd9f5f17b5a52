package audit

import (
	"context"
	"time"
)

// Result classifies the outcome an event records.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultError   = "error"
	ResultWarning = "warning"
)

// Event categories.
const (
	CategoryHierarchy  = "hierarchy"
	CategoryCatalog    = "catalog"
	CategoryAssignment = "assignment"
	CategoryRevocation = "revocation"
	CategoryResolution = "resolution"
	CategorySweep      = "sweep"
)

// Event is an immutable audit record. Rows are write-once: nothing in the
// engine updates or deletes them except time-based retention via Purge.
type Event struct {
	ID           string
	EventType    string
	Category     string
	ActorUserID  string
	ActorOrgID   string
	ResourceType string
	ResourceID   string
	Action       string
	Result       string
	Details      map[string]any
	OccurredAt   time.Time
}

// Store appends immutable events and enforces time-based retention.
type Store interface {
	Append(ctx context.Context, evt *Event) error
	// Purge removes events older than the cutoff and returns how many were
	// dropped. Retention is the only sanctioned deletion path.
	Purge(ctx context.Context, before time.Time) (int, error)
}

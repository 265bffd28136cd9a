package audit

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for audit store operations.
var (
	// ErrDateRangeExceeded is returned when the query date range exceeds the maximum allowed.
	ErrDateRangeExceeded = errors.New("date range exceeds maximum of 7 days")
)

// AuditStore persists audit records.
// Interface owned by domain per hexagonal architecture.
// Implementation handles batching and async writes.
type AuditStore interface {
	// Append stores audit records. Must be non-blocking from caller perspective.
	Append(ctx context.Context, records ...AuditRecord) error

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// AuditFilter specifies query parameters for audit log queries.
type AuditFilter struct {
	// StartTime is the beginning of the time range (required).
	StartTime time.Time
	// EndTime is the end of the time range (required).
	EndTime time.Time
	// UserID filters by identity ID (optional).
	UserID string
	// SessionID filters by session ID (optional).
	SessionID string
	// ToolName filters by tool name (optional).
	ToolName string
	// Decision filters by decision (optional: "allow" or "deny").
	Decision string
	// Protocol filters by originating protocol (optional: "mcp", "http", "websocket", "runtime").
	Protocol string
	// Limit is the maximum number of records to return (default 100, max 100).
	Limit int
	// Cursor is the pagination cursor for fetching next page (optional).
	Cursor string
}

// ToolCallStats contains per-tool audit statistics.
type ToolCallStats struct {
	// Calls is the total number of calls to this tool.
	Calls int64
	// Allowed is the number of calls that were allowed.
	Allowed int64
	// Denied is the number of calls that were denied.
	Denied int64
}

// DetectionStats contains content scanning detection counts.
type DetectionStats struct {
	// SecretsFound is the count of secret detections.
	SecretsFound int64
	// PIIFound is the count of PII detections.
	PIIFound int64
	// InjectionsFound is the count of injection attempt detections.
	InjectionsFound int64
}

// AuditStats contains aggregated audit statistics for a time period.
// Used for transparency reporting per EU AI Act requirements.
type AuditStats struct {
	// TotalCalls is the total number of tool call audit records.
	TotalCalls int64
	// UniqueIdentities is the count of distinct identity IDs.
	UniqueIdentities int64
	// UniqueSessions is the count of distinct session IDs.
	UniqueSessions int64
	// ByTool maps tool names to per-tool statistics.
	ByTool map[string]ToolCallStats
	// ByDecision maps decision values to counts.
	ByDecision map[string]int64
	// Detections contains content scanning detection counts.
	Detections DetectionStats
}

// AuditQueryStore provides read access to audit logs for admin queries.
// This interface is separate from AuditStore which handles writes.
type AuditQueryStore interface {
	// Query retrieves audit records matching the filter.
	// Returns records, next cursor (empty if no more pages), and error.
	// Returns ErrDateRangeExceeded if EndTime - StartTime > 7 days.
	Query(ctx context.Context, filter AuditFilter) ([]AuditRecord, string, error)

	// QueryStats returns aggregated statistics for the given time range.
	// This supports EU AI Act transparency reporting requirements.
	QueryStats(ctx context.Context, start, end time.Time) (*AuditStats, error)
}


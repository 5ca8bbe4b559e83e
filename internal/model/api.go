package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Field length limits for memorized content. These keep a single oversized
// field from exhausting the embedding pipeline or filling Postgres TEXT
// columns with caller-controlled garbage.
const (
	MaxTableNameLen = 128
	MaxTopicLen     = 1024
	MaxTextLen      = 64 * 1024 // 64 KB
)

var tableNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateTableName checks that a table name is a safe lowercase identifier.
func ValidateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name is required")
	}
	if len(name) > MaxTableNameLen {
		return fmt.Errorf("table name exceeds maximum length of %d characters", MaxTableNameLen)
	}
	if !tableNameRe.MatchString(name) {
		return fmt.Errorf("table name must match %s", tableNameRe.String())
	}
	return nil
}

// ErrorCode constants for the tool failure envelope.
const (
	ErrCodeConsentDenied = "CONSENT_DENIED"
	ErrCodeInvalidArgs   = "INVALID_ARGS"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeSchemaError   = "SCHEMA_ERROR"
)

// ToolError is a typed failure that the tool facade resolves into a failure
// envelope. Errors of any other type are wrapped as INTERNAL_ERROR.
type ToolError struct {
	Code      string
	Message   string
	Retryable bool
	Details   any
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewToolError builds a ToolError with retryability derived from the code:
// only INTERNAL_ERROR and RATE_LIMITED are safe to resend.
func NewToolError(code, message string) *ToolError {
	return &ToolError{
		Code:      code,
		Message:   message,
		Retryable: code == ErrCodeInternalError || code == ErrCodeRateLimited,
	}
}

// ToolSuccess is the uniform success envelope returned by every tool.
type ToolSuccess struct {
	Success bool      `json:"success"`
	Data    any       `json:"data"`
	Message string    `json:"message,omitempty"`
	Meta    *ToolMeta `json:"meta,omitempty"`
}

// ToolFailure is the uniform failure envelope returned by every tool.
type ToolFailure struct {
	Success   bool   `json:"success"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
}

// ToolMeta carries per-call metadata (warnings, budget used, timing).
type ToolMeta struct {
	Warnings []string  `json:"warnings,omitempty"`
	Budget   string    `json:"budget,omitempty"`
	Elapsed  string    `json:"elapsed,omitempty"`
	At       time.Time `json:"at"`
}

// Profile is the latest profile document for a user.
type Profile struct {
	UserID    uuid.UUID      `json:"user_id"`
	Doc       map[string]any `json:"doc"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// WriteResult is the outcome of a memorize or review write. WriteID lets the
// caller check the status of the write and its background indexing.
type WriteResult struct {
	RecordID    uuid.UUID `json:"record_id"`
	SourceRef   string    `json:"source_ref"`
	WriteID     uuid.UUID `json:"write_id"`
	WriteStatus string    `json:"write_status"` // committed | failed
	JobID       *int64    `json:"job_id,omitempty"`

	// Entities/edges the ontology engine derived from the write.
	Entities    int `json:"entities_extracted"`
	Quarantined int `json:"edges_quarantined"`
}

// AuditEntry is an append-only record of a tool invocation.
type AuditEntry struct {
	UserID   uuid.UUID      `json:"user_id"`
	AgentID  string         `json:"agent_id"`
	Action   string         `json:"action"`
	Resource string         `json:"resource"`
	Details  map[string]any `json:"details,omitempty"`
}

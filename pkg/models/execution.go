package models

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of a CommandExecution.
type ExecutionStatus string

const (
	ExecutionPending  ExecutionStatus = "pending"
	ExecutionSuccess  ExecutionStatus = "success"
	ExecutionFailed   ExecutionStatus = "failed"
	ExecutionTimeout  ExecutionStatus = "timeout"
	ExecutionRejected ExecutionStatus = "rejected"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s != ExecutionPending
}

// RejectionReason explains why admission control dropped a candidate.
type RejectionReason string

const (
	RejectDisabled     RejectionReason = "disabled"
	RejectNoPermission RejectionReason = "no_permission"
	RejectRateLimited  RejectionReason = "rate_limited"
	RejectBlocked      RejectionReason = "blocked"
)

// CommandExecution is one dispatch attempt. Rows are append-only apart from
// the single pending -> terminal transition.
type CommandExecution struct {
	ID             uuid.UUID       `json:"id"`
	SessionID      uuid.UUID       `json:"session_id"`
	CommandID      *uuid.UUID      `json:"command_id,omitempty"`
	RuleID         *uuid.UUID      `json:"rule_id,omitempty"`
	EntityID       uuid.UUID       `json:"entity_id"`
	UserID         string          `json:"user_id,omitempty"`
	RequestPayload map[string]any  `json:"request_payload"`
	Status         ExecutionStatus `json:"status"`
	ErrorDetail    string          `json:"error_detail,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	DurationMs     *int64          `json:"duration_ms,omitempty"`
	RetryCount     int             `json:"retry_count"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// ResponseKind classifies an asynchronous module response.
type ResponseKind string

const (
	ResponseChat    ResponseKind = "chat"
	ResponseMedia   ResponseKind = "media"
	ResponseTicker  ResponseKind = "ticker"
	ResponseGeneral ResponseKind = "general"
	ResponseForm    ResponseKind = "form"
)

// IsValid reports whether k is a supported response kind.
func (k ResponseKind) IsValid() bool {
	switch k {
	case ResponseChat, ResponseMedia, ResponseTicker, ResponseGeneral, ResponseForm:
		return true
	}
	return false
}

// ForwardsToDisplay reports whether responses of this kind go to the display collaborator.
func (k ResponseKind) ForwardsToDisplay() bool {
	switch k {
	case ResponseMedia, ResponseTicker, ResponseGeneral, ResponseForm:
		return true
	}
	return false
}

// ModuleResponse is an asynchronous result correlated to exactly one execution.
type ModuleResponse struct {
	ID           uuid.UUID      `json:"id"`
	ExecutionID  uuid.UUID      `json:"execution_id"`
	SessionID    uuid.UUID      `json:"session_id"`
	Success      bool           `json:"success"`
	ResponseKind ResponseKind   `json:"response_kind"`
	Payload      map[string]any `json:"payload"`
	ReceivedAt   time.Time      `json:"received_at"`
}

// Session binds an inbound event to its entity and downstream responses.
type Session struct {
	ID          uuid.UUID   `json:"id"`
	EntityID    uuid.UUID   `json:"entity_id"`
	MessageType MessageType `json:"message_type"`
	UserID      string      `json:"user_id,omitempty"`
	OpenedAt    time.Time   `json:"opened_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// IsExpired reports whether the session has passed its TTL at now.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

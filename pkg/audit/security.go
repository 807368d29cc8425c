// Package audit provides security audit logging for SIEM consumption.
// It logs security-relevant events in structured JSON format for easy parsing
// and integration with security information and event management systems.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-router/pkg/auth"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventInvalidSession is logged when a response names an unknown or expired session.
	EventInvalidSession SecurityEventType = "invalid_session"
	// EventExecutionMismatch is logged when a response names an execution of another session.
	EventExecutionMismatch SecurityEventType = "execution_mismatch"
	// EventClaimOwnership is logged when a collector reports on an entity it does not hold.
	EventClaimOwnership SecurityEventType = "claim_ownership_violation"
)

// SecurityEvent represents an auditable security event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp   time.Time         `json:"timestamp"`
	EventType   SecurityEventType `json:"event_type"`
	SessionID   *uuid.UUID        `json:"session_id,omitempty"`
	ExecutionID *uuid.UUID        `json:"execution_id,omitempty"`
	EntityID    *uuid.UUID        `json:"entity_id,omitempty"`
	CollectorID string            `json:"collector_id,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	Severity    string            `json:"severity"` // info, warning, critical
}

// SecurityAuditor logs security events for SIEM consumption.
type SecurityAuditor struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewSecurityAuditor creates a new security auditor under the "security_audit"
// logger namespace.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{
		logger: logger.Named("security_audit"),
		now:    time.Now,
	}
}

// LogInvalidSession records a module response for a session that does not
// exist or has expired.
func (a *SecurityAuditor) LogInvalidSession(ctx context.Context, sessionID, executionID uuid.UUID) {
	a.log(ctx, "Response for invalid or expired session", SecurityEvent{
		EventType:   EventInvalidSession,
		SessionID:   &sessionID,
		ExecutionID: &executionID,
		Severity:    "warning",
	})
}

// LogExecutionMismatch records a module response whose execution belongs to
// a different session, or to none.
func (a *SecurityAuditor) LogExecutionMismatch(ctx context.Context, sessionID, executionID uuid.UUID) {
	a.log(ctx, "Response for execution outside its session", SecurityEvent{
		EventType:   EventExecutionMismatch,
		SessionID:   &sessionID,
		ExecutionID: &executionID,
		Severity:    "warning",
	})
}

// LogClaimOwnership records a collector acting on an entity it does not hold.
func (a *SecurityAuditor) LogClaimOwnership(ctx context.Context, collectorID string, entityID uuid.UUID) {
	a.log(ctx, "Collector acted on an entity it does not hold", SecurityEvent{
		EventType:   EventClaimOwnership,
		EntityID:    &entityID,
		CollectorID: collectorID,
		Severity:    "warning",
	})
}

func (a *SecurityAuditor) log(ctx context.Context, msg string, event SecurityEvent) {
	event.Timestamp = a.now().UTC()
	event.Subject = auth.GetSubjectFromContext(ctx)

	// Marshaling known types cannot fail.
	eventJSON, _ := json.Marshal(event)

	fields := []zap.Field{
		zap.Bool("security_event", true),
		zap.String("event_type", string(event.EventType)),
		zap.String("event_json", string(eventJSON)),
		zap.String("subject", event.Subject),
		zap.String("severity", event.Severity),
	}
	if event.SessionID != nil {
		fields = append(fields, zap.String("session_id", event.SessionID.String()))
	}
	if event.ExecutionID != nil {
		fields = append(fields, zap.String("execution_id", event.ExecutionID.String()))
	}
	if event.EntityID != nil {
		fields = append(fields, zap.String("entity_id", event.EntityID.String()))
	}
	if event.CollectorID != "" {
		fields = append(fields, zap.String("collector_id", event.CollectorID))
	}

	if event.Severity == "critical" {
		a.logger.Error(msg, fields...)
		return
	}
	a.logger.Warn(msg, fields...)
}

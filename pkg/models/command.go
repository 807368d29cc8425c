package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// PrefixClass determines which chat prefix triggers a command.
type PrefixClass string

const (
	PrefixLocal     PrefixClass = "local"     // "!" commands
	PrefixCommunity PrefixClass = "community" // "#" commands
)

// BackendType is the closed set of execution backends a command can target.
type BackendType string

const (
	BackendContainer BackendType = "container"
	BackendLambda    BackendType = "lambda"
	BackendOpenWhisk BackendType = "openwhisk"
	BackendWebhook   BackendType = "webhook"
)

// ValidBackendTypes lists every supported backend type.
var ValidBackendTypes = []BackendType{BackendContainer, BackendLambda, BackendOpenWhisk, BackendWebhook}

// IsValid reports whether b is a supported backend type.
func (b BackendType) IsValid() bool {
	return slices.Contains(ValidBackendTypes, b)
}

// TriggerType controls whether a command fires on chat commands, events, or both.
type TriggerType string

const (
	TriggerCommand TriggerType = "command"
	TriggerEvent   TriggerType = "event"
	TriggerBoth    TriggerType = "both"
)

// ExecutionMode controls how a command is scheduled relative to its siblings.
type ExecutionMode string

const (
	ExecutionSequential ExecutionMode = "sequential"
	ExecutionParallel   ExecutionMode = "parallel"
)

// DefaultCommandTimeout is used when a command does not declare a timeout.
const DefaultCommandTimeout = 10 * time.Second

// Command is a versioned trigger definition. Only one version per name is
// active at a time. Read-only to the dispatch path.
type Command struct {
	ID                uuid.UUID     `json:"id"`
	Name              string        `json:"name"`
	PrefixClass       PrefixClass   `json:"prefix_class"`
	BackendType       BackendType   `json:"backend_type"`
	Location          string        `json:"location"`
	TimeoutMs         int           `json:"timeout_ms"`
	RateLimit         int           `json:"rate_limit"`
	RateWindowSeconds int           `json:"rate_window_seconds"`
	TriggerType       TriggerType   `json:"trigger_type"`
	EventTypes        []MessageType `json:"event_types"`
	Priority          int           `json:"priority"`
	ExecutionMode     ExecutionMode `json:"execution_mode"`
	IsActive          bool          `json:"is_active"`
	Version           int           `json:"version"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Timeout returns the invocation timeout for this command.
func (c *Command) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return DefaultCommandTimeout
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// HasRateLimit reports whether the command declares a rate limit.
func (c *Command) HasRateLimit() bool {
	return c.RateLimit > 0 && c.RateWindowSeconds > 0
}

// RateWindow returns the declared rate-limit window.
func (c *Command) RateWindow() time.Duration {
	return time.Duration(c.RateWindowSeconds) * time.Second
}

// RespondsToCommand reports whether an explicit chat invocation can trigger this command.
func (c *Command) RespondsToCommand() bool {
	return c.TriggerType == TriggerCommand || c.TriggerType == TriggerBoth
}

// RespondsToEvent reports whether the command fires for the given event type.
// An empty EventTypes list matches every non-chat event type. Chat types fire
// only when listed explicitly.
func (c *Command) RespondsToEvent(t MessageType) bool {
	if c.TriggerType != TriggerEvent && c.TriggerType != TriggerBoth {
		return false
	}
	if len(c.EventTypes) == 0 {
		return !t.IsChat()
	}
	return slices.Contains(c.EventTypes, t)
}

// CommandPermission records a command's enablement on one entity.
type CommandPermission struct {
	ID              uuid.UUID      `json:"id"`
	CommandID       uuid.UUID      `json:"command_id"`
	EntityID        uuid.UUID      `json:"entity_id"`
	IsEnabled       bool           `json:"is_enabled"`
	ConfigOverrides map[string]any `json:"config_overrides"`
	UsageCount      int64          `json:"usage_count"`
	LastUsedAt      *time.Time     `json:"last_used_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// InstalledCommand pairs the active version of a command with its permission
// row on one entity. Permissions installed against any version of a command
// name apply to whichever version is active.
type InstalledCommand struct {
	Command    *Command           `json:"command"`
	Permission *CommandPermission `json:"permission"`
}

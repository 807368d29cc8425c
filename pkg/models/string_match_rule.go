package models

import (
	"time"

	"github.com/google/uuid"
)

// MatchType selects how a StringMatchRule pattern is compared to content.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchContains MatchType = "contains"
	MatchWord     MatchType = "word"
	MatchRegex    MatchType = "regex"
	MatchAny      MatchType = "*"
)

// RuleAction is the outcome of a matched StringMatchRule.
type RuleAction string

const (
	RuleActionWarn    RuleAction = "warn"
	RuleActionBlock   RuleAction = "block"
	RuleActionCommand RuleAction = "command"
	RuleActionWebhook RuleAction = "webhook"
)

// IsValid reports whether t is a supported match type.
func (t MatchType) IsValid() bool {
	switch t {
	case MatchExact, MatchContains, MatchWord, MatchRegex, MatchAny:
		return true
	}
	return false
}

// IsValid reports whether a is a supported rule action.
func (a RuleAction) IsValid() bool {
	switch a {
	case RuleActionWarn, RuleActionBlock, RuleActionCommand, RuleActionWebhook:
		return true
	}
	return false
}

// StringMatchRule is a content-moderation or auto-response trigger.
// An empty EntityIDs list applies the rule to every entity.
type StringMatchRule struct {
	ID            uuid.UUID      `json:"id"`
	Pattern       string         `json:"pattern"`
	MatchType     MatchType      `json:"match_type"`
	CaseSensitive bool           `json:"case_sensitive"`
	EntityIDs     []uuid.UUID    `json:"entity_ids"`
	Action        RuleAction     `json:"action"`
	ActionParams  map[string]any `json:"action_params"`
	Additive      bool           `json:"additive"`
	Priority      int            `json:"priority"`
	IsActive      bool           `json:"is_active"`
	MatchCount    int64          `json:"match_count"`
	LastMatchedAt *time.Time     `json:"last_matched_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// IsGlobal reports whether the rule applies to every entity.
func (r *StringMatchRule) IsGlobal() bool {
	return len(r.EntityIDs) == 0
}

// AppliesTo reports whether the rule is in scope for entityID.
func (r *StringMatchRule) AppliesTo(entityID uuid.UUID) bool {
	if r.IsGlobal() {
		return true
	}
	for _, id := range r.EntityIDs {
		if id == entityID {
			return true
		}
	}
	return false
}

package matcher

import (
	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-router/pkg/models"
)

// Action is what a matched rule asks the dispatcher to do.
type Action struct {
	RuleID   uuid.UUID         `json:"rule_id"`
	Type     models.RuleAction `json:"type"`
	Params   map[string]any    `json:"params,omitempty"`
	Priority int               `json:"priority"`
	Additive bool              `json:"additive"`
}

// CommandName returns the command a `command` action triggers.
func (a Action) CommandName() string {
	return stringParam(a.Params, "command")
}

// CommandArgs returns the arguments passed with a `command` action.
func (a Action) CommandArgs() []string {
	raw, ok := a.Params["args"].([]any)
	if !ok {
		if args, ok := a.Params["args"].([]string); ok {
			return args
		}
		return nil
	}
	args := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			args = append(args, s)
		}
	}
	return args
}

// WebhookTarget returns the URL a `webhook` action posts to.
func (a Action) WebhookTarget() string {
	return stringParam(a.Params, "target")
}

// Message returns the optional user-facing text of a `warn` or `block` action.
func (a Action) Message() string {
	return stringParam(a.Params, "message")
}

func stringParam(params map[string]any, name string) string {
	if v, ok := params[name].(string); ok {
		return v
	}
	return ""
}

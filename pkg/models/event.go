// Package models contains domain types for ekaya-router.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-router/pkg/apperrors"
)

// MessageType classifies a normalized platform event.
type MessageType string

const (
	MessageTypeChat          MessageType = "chat"
	MessageTypeMessage       MessageType = "message"
	MessageTypeWhisper       MessageType = "whisper"
	MessageTypeFollow        MessageType = "follow"
	MessageTypeSubscribe     MessageType = "subscribe"
	MessageTypeRaid          MessageType = "raid"
	MessageTypeCheer         MessageType = "cheer"
	MessageTypeJoin          MessageType = "join"
	MessageTypeLeave         MessageType = "leave"
	MessageTypeStreamOnline  MessageType = "stream_online"
	MessageTypeStreamOffline MessageType = "stream_offline"
	MessageTypeCustom        MessageType = "custom"
)

var chatMessageTypes = map[MessageType]bool{
	MessageTypeChat:    true,
	MessageTypeMessage: true,
	MessageTypeWhisper: true,
}

// KnownMessageTypes is the set of message types the router accepts.
var KnownMessageTypes = map[MessageType]bool{
	MessageTypeChat:          true,
	MessageTypeMessage:       true,
	MessageTypeWhisper:       true,
	MessageTypeFollow:        true,
	MessageTypeSubscribe:     true,
	MessageTypeRaid:          true,
	MessageTypeCheer:         true,
	MessageTypeJoin:          true,
	MessageTypeLeave:         true,
	MessageTypeStreamOnline:  true,
	MessageTypeStreamOffline: true,
	MessageTypeCustom:        true,
}

// IsChat reports whether the type carries user-authored chat content.
func (t MessageType) IsChat() bool {
	return chatMessageTypes[t]
}

// IsKnown reports whether the router understands this message type.
func (t MessageType) IsKnown() bool {
	return KnownMessageTypes[t]
}

// EntityRef identifies the entity an event was observed on.
// Either ID or the full (Platform, ServerID, ChannelID) identity must be set.
type EntityRef struct {
	ID        *uuid.UUID `json:"id,omitempty"`
	Platform  string     `json:"platform,omitempty"`
	ServerID  string     `json:"server_id,omitempty"`
	ChannelID string     `json:"channel_id,omitempty"`
}

// HasIdentity reports whether the natural identity tuple is complete.
func (r EntityRef) HasIdentity() bool {
	return r.Platform != "" && r.ServerID != "" && r.ChannelID != ""
}

// Event is a normalized platform event submitted by a collector.
type Event struct {
	Entity      EntityRef      `json:"entity"`
	MessageType MessageType    `json:"message_type"`
	UserID      string         `json:"user_id,omitempty"`
	Username    string         `json:"username,omitempty"`
	Content     string         `json:"content,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	ReceivedAt  time.Time      `json:"received_at"`
}

// Validate rejects events that can never be dispatched.
// All returned errors wrap apperrors.ErrMalformedEvent.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: empty event", apperrors.ErrMalformedEvent)
	}
	if e.MessageType == "" {
		return fmt.Errorf("%w: missing message_type", apperrors.ErrMalformedEvent)
	}
	if !e.MessageType.IsKnown() {
		return fmt.Errorf("%w: unknown message_type %q", apperrors.ErrMalformedEvent, e.MessageType)
	}
	if (e.Entity.ID == nil || *e.Entity.ID == uuid.Nil) && !e.Entity.HasIdentity() {
		return fmt.Errorf("%w: missing entity reference", apperrors.ErrMalformedEvent)
	}
	return nil
}

// CommandInvocation is a parsed "!name args" or "#name args" chat message.
type CommandInvocation struct {
	Prefix PrefixClass
	Name   string
	Args   []string
}

// ParseCommand extracts a command invocation from chat content.
// Returns false if the content does not start with a known prefix.
func ParseCommand(content string) (CommandInvocation, bool) {
	content = strings.TrimSpace(content)
	if len(content) < 2 {
		return CommandInvocation{}, false
	}

	var prefix PrefixClass
	switch content[0] {
	case '!':
		prefix = PrefixLocal
	case '#':
		prefix = PrefixCommunity
	default:
		return CommandInvocation{}, false
	}

	fields := strings.Fields(content[1:])
	if len(fields) == 0 {
		return CommandInvocation{}, false
	}

	return CommandInvocation{
		Prefix: prefix,
		Name:   strings.ToLower(fields[0]),
		Args:   fields[1:],
	}, true
}

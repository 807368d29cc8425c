package models

import (
	"time"

	"github.com/google/uuid"
)

// Entity is a monitored (platform, server, channel) tuple.
// Identity is immutable once created; only IsActive, OwnerID and Config change.
type Entity struct {
	ID        uuid.UUID      `json:"id"`
	Platform  string         `json:"platform"`
	ServerID  string         `json:"server_id"`
	ChannelID string         `json:"channel_id"`
	OwnerID   string         `json:"owner_id,omitempty"`
	IsActive  bool           `json:"is_active"`
	Config    map[string]any `json:"config"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Ref returns an EntityRef pointing at this entity.
func (e *Entity) Ref() EntityRef {
	id := e.ID
	return EntityRef{
		ID:        &id,
		Platform:  e.Platform,
		ServerID:  e.ServerID,
		ChannelID: e.ChannelID,
	}
}

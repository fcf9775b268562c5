package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Audit actions.
const (
	ActionCreate = "create"
	ActionEdit   = "edit"
	ActionDelete = "delete"
	ActionSent   = "sent"
	ActionFailed = "failed"
)

// AuditEntry records one post lifecycle step.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At          time.Time `json:"at"`
	ActorID     int64     `json:"actor_id"`
	Action      string    `json:"action"`
	PostID      string    `json:"post_id"`
	Destination string    `json:"destination,omitempty"`
	Recurrence  string    `json:"recurrence,omitempty"`
	TimeOfDay   string    `json:"time,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Error       string    `json:"error,omitempty"`
}

package models

import "time"

// PresenceRecord mirrors a user's presence in both the relational store and the cache.
type PresenceRecord struct {
	UserID        string     `json:"user_id" msgpack:"user_id"`
	IsOnline      bool       `json:"is_online" msgpack:"is_online"`
	ConnectionID  string     `json:"connection_id,omitempty" msgpack:"connection_id"`
	LastSeen      *time.Time `json:"last_seen,omitempty" msgpack:"last_seen"`
	InvisibleMode bool       `json:"invisible_mode" msgpack:"invisible_mode"`
	LastActivity  time.Time  `json:"last_activity" msgpack:"last_activity"`
}

// Visible reports the status other users are allowed to see.
func (p PresenceRecord) Visible() bool {
	return p.IsOnline && !p.InvisibleMode
}

// PresenceEvent is one presence change produced by a connection.
type PresenceEvent struct {
	UserID       string    `json:"user_id"`
	IsOnline     bool      `json:"is_online"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// SessionEndInactivity is recorded on sessions closed by the stale sweep.
const SessionEndInactivity = "inactivity timeout"

package domain

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleEmployee Role = "employee"
	RoleClient   Role = "client"
)

var Roles = []Role{RoleAdmin, RoleManager, RoleEmployee, RoleClient}

func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

func RoleNames() []string {
	names := make([]string, 0, len(Roles))
	for _, r := range Roles {
		names = append(names, string(r))
	}
	return names
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// Inbound control event types.
const (
	EventAuth           = "auth"
	EventJoinRoom       = "join-room"
	EventLeaveRoom      = "leave-room"
	EventDirectMessage  = "direct-message"
	EventPresenceUpdate = "presence-update"
	EventDocumentUpdate = "document-update"
	EventCursorMove     = "cursor-move"
)

// Outbound event types emitted by the manager itself.
const (
	EventUserPresence    = "user-presence"
	EventDocumentUpdated = "document-updated"
	EventCursorMoved     = "cursor-moved"
	EventJoinRoomDenied  = "join-room-denied"
	EventError           = "error"
)

// Identity is the authenticated principal bound to one live connection.
type Identity struct {
	UserID       string `json:"userId"`
	Email        string `json:"email,omitempty"`
	Role         Role   `json:"role"`
	CompanyID    string `json:"companyId,omitempty"`
	ConnectionID string `json:"-"`
}

func (i Identity) HasCompany() bool {
	return i.CompanyID != ""
}

// Envelope is the uniform shape of every message written to a connection.
type Envelope struct {
	Type      string         `json:"type"`
	Data      any            `json:"data,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	CompanyID string         `json:"companyId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// InboundEvent is an envelope as read from a client; Data is decoded per type.
// Metadata is passed through on document-updated and cursor-moved.
type InboundEvent struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

type AuthPayload struct {
	Token string `json:"token"`
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

type DirectMessagePayload struct {
	TargetUserID string          `json:"targetUserId"`
	Message      json.RawMessage `json:"message"`
}

type PresencePayload struct {
	Status PresenceStatus `json:"status"`
}

type DocumentPayload struct {
	DocumentID string `json:"documentId"`
}

type CursorMovePayload struct {
	DocumentID string          `json:"documentId"`
	Position   json.RawMessage `json:"position"`
}

type DirectMessage struct {
	From      Identity        `json:"from"`
	Message   json.RawMessage `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

type PresenceChange struct {
	UserID    string         `json:"userId"`
	Status    PresenceStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
}

type CursorMoved struct {
	UserID   string          `json:"userId"`
	Position json.RawMessage `json:"position"`
	User     Identity        `json:"user"`
}

type JoinDenied struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Stats is a point-in-time snapshot of the connection and room indices.
type Stats struct {
	TotalConnections  int            `json:"totalConnections"`
	TotalRooms        int            `json:"totalRooms"`
	ConnectionsByRole map[string]int `json:"connectionsByRole"`
	Rooms             map[string]int `json:"rooms"`
}

// LifecycleEvent is published to the event bus when connections open/close or
// presence changes.
type LifecycleEvent struct {
	Kind         string         `json:"kind"`
	UserID       string         `json:"userId"`
	CompanyID    string         `json:"companyId,omitempty"`
	Role         Role           `json:"role"`
	ConnectionID string         `json:"connectionId"`
	Status       PresenceStatus `json:"status,omitempty"`
	At           time.Time      `json:"at"`
}

const (
	LifecycleConnectionOpened = "connection.opened"
	LifecycleConnectionClosed = "connection.closed"
	LifecyclePresenceUpdated  = "presence.updated"
)

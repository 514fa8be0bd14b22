package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

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

type Presence struct {
	UserID       uuid.UUID       `json:"userId"`
	Status       PresenceStatus  `json:"status"`
	CustomStatus string          `json:"customStatus,omitempty"`
	Activity     json.RawMessage `json:"activity,omitempty"`
	LastSeen     time.Time       `json:"lastSeen"`
}

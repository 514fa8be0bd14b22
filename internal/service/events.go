package service

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"chat_realtime/internal/domain"
)

// Исходящие события. Имена - контракт с существующими клиентами.
const (
	EventAuthenticated = "authenticated"
	EventError         = "error"

	EventNewMessage           = "new_message"
	EventMessageEdited        = "message:edited"
	EventMessageEditedLegacy  = "message_edited"
	EventMessageDeleted       = "message_deleted"
	EventMessageReaction      = "message:reaction"
	EventMessageReactionAlias = "message_reaction"

	EventUserTyping     = "user_typing"
	EventUserStopTyping = "user_stop_typing"

	EventPresenceUpdate     = "presence:update"
	EventUserStatusUpdate   = "user_status_update"
	EventActivityUpdate     = "activity:update"
	EventActivityClear      = "activity:clear"
	EventPresenceOnline     = "presence:online_users"
	EventPresenceRequest    = "presence:request"
	EventPresenceResponse   = "presence:response"
	EventServerMemberRemove = "server:member_removed"

	EventVoiceJoined       = "voice:joined"
	EventVoiceLeft         = "voice:left"
	EventVoiceUserJoined   = "voice:user_joined"
	EventVoiceUserLeft     = "voice:user_left"
	EventVoiceUserMuted    = "voice:user_muted"
	EventVoiceUserDeafened = "voice:user_deafened"
	EventVoiceUserStatus   = "voice:user_status"
	EventVoiceOffer        = "voice:offer"
	EventVoiceAnswer       = "voice:answer"
	EventVoiceICECandidate = "voice:ice-candidate"
	EventVoiceError        = "voice:error"
	EventScreenStarted     = "screen:started"
	EventScreenStopped     = "screen:stopped"
)

// Статусы в voice:user_status
const (
	VoiceStatusJoined       = "joined"
	VoiceStatusLeft         = "left"
	VoiceStatusDisconnected = "disconnected"
	VoiceStatusRemoved      = "removed"
)

type ErrorPayload struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

type AuthenticatedPayload struct {
	ConnectionID uuid.UUID      `json:"connectionId"`
	User         domain.Profile `json:"user"`
	Servers      []uuid.UUID    `json:"servers"`
}

type MessageDeletedPayload struct {
	MessageID uuid.UUID `json:"messageId"`
	ChannelID uuid.UUID `json:"channelId"`
}

type ReactionPayload struct {
	MessageID uuid.UUID         `json:"messageId"`
	ChannelID uuid.UUID         `json:"channelId"`
	Reactions []domain.Reaction `json:"reactions"`
}

type TypingPayload struct {
	UserID    uuid.UUID `json:"userId"`
	Username  string    `json:"username,omitempty"`
	ChannelID uuid.UUID `json:"channelId"`
}

type PresencePayload struct {
	UserID       uuid.UUID             `json:"userId"`
	Username     string                `json:"username"`
	Status       domain.PresenceStatus `json:"status"`
	CustomStatus string                `json:"customStatus,omitempty"`
	LastSeen     *time.Time            `json:"lastSeen,omitempty"`
	Timestamp    time.Time             `json:"timestamp"`
}

type ActivityPayload struct {
	UserID    uuid.UUID       `json:"userId"`
	Username  string          `json:"username"`
	Activity  json.RawMessage `json:"activity,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type OnlineUser struct {
	domain.Profile
	Status   domain.PresenceStatus `json:"status"`
	IsOnline bool                  `json:"isOnline"`
}

type OnlineUsersPayload struct {
	ServerID uuid.UUID    `json:"serverId"`
	Users    []OnlineUser `json:"users"`
}

type PresenceRequestPayload struct {
	RequesterID       uuid.UUID `json:"requesterId"`
	RequesterUsername string    `json:"requesterUsername"`
}

type PresenceResponsePayload struct {
	domain.Profile
	Status       domain.PresenceStatus `json:"status"`
	CustomStatus string                `json:"customStatus,omitempty"`
	Activity     json.RawMessage       `json:"activity,omitempty"`
	LastSeen     *time.Time            `json:"lastSeen,omitempty"`
}

type MemberRemovedPayload struct {
	ServerID uuid.UUID `json:"serverId"`
	UserID   uuid.UUID `json:"userId"`
}

type VoiceJoinedPayload struct {
	ChannelID uuid.UUID                 `json:"channelId"`
	Users     []domain.VoiceParticipant `json:"users"`
}

type VoiceLeftPayload struct {
	ChannelID uuid.UUID `json:"channelId"`
}

type VoiceUserPayload struct {
	UserID    uuid.UUID `json:"userId"`
	Username  string    `json:"username"`
	ChannelID uuid.UUID `json:"channelId"`
}

type VoiceMutedPayload struct {
	VoiceUserPayload
	Muted bool `json:"muted"`
}

type VoiceDeafenedPayload struct {
	VoiceUserPayload
	Deafened bool `json:"deafened"`
	Muted    bool `json:"muted"`
}

type VoiceStatusPayload struct {
	VoiceUserPayload
	Status string `json:"status"`
}

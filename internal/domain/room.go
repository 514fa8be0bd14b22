package domain

import (
	"github.com/google/uuid"
)

type Channel struct {
	ID           uuid.UUID   `json:"id"`
	ServerID     *uuid.UUID  `json:"server,omitempty"`
	Name         string      `json:"name"`
	Type         string      `json:"type"`
	UserLimit    int         `json:"userLimit"`
	Participants []uuid.UUID `json:"participants,omitempty"`
}

const (
	ChannelTypeText     = "text"
	ChannelTypeVoice    = "voice"
	ChannelTypeCategory = "category"
	ChannelTypeDM       = "dm"
	ChannelTypeGroupDM  = "group_dm"
)

func (c *Channel) IsDirect() bool {
	return c.Type == ChannelTypeDM || c.Type == ChannelTypeGroupDM
}

func (c *Channel) HasParticipant(userID uuid.UUID) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// Ключи комнат мультиплексора
const (
	RoomPrefixUser    = "user:"
	RoomPrefixServer  = "server:"
	RoomPrefixChannel = "channel:"
	RoomPrefixVoice   = "voice:"
)

func UserRoom(id uuid.UUID) string    { return RoomPrefixUser + id.String() }
func ServerRoom(id uuid.UUID) string  { return RoomPrefixServer + id.String() }
func ChannelRoom(id uuid.UUID) string { return RoomPrefixChannel + id.String() }
func VoiceRoom(id uuid.UUID) string   { return RoomPrefixVoice + id.String() }

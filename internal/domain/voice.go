package domain

import "github.com/google/uuid"

// VoiceParticipant - запись ростера голосовой комнаты. Состояние эфемерное.
type VoiceParticipant struct {
	Profile
	ChannelID uuid.UUID `json:"channelId"`
	Muted     bool      `json:"muted"`
	Deafened  bool      `json:"deafened"`
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message - уже сохраненное CRUD-слоем сообщение, которое нужно разослать
type Message struct {
	ID          uuid.UUID         `json:"id"`
	Content     string            `json:"content"`
	Author      Profile           `json:"author"`
	ChannelID   uuid.UUID         `json:"channel"`
	ServerID    *uuid.UUID        `json:"server,omitempty"`
	Type        string            `json:"type"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Reference   *MessageReference `json:"reference,omitempty"`
	Reactions   []Reaction        `json:"reactions,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	EditedAt    *time.Time        `json:"editedAt,omitempty"`
}

type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
}

type MessageReference struct {
	MessageID uuid.UUID  `json:"messageId"`
	ChannelID uuid.UUID  `json:"channelId"`
	ServerID  *uuid.UUID `json:"serverId,omitempty"`
}

const (
	MessageTypeDefault = "default"
	MessageTypeSystem  = "system"
	MessageTypeReply   = "reply"
)

// Reaction - агрегат одной эмодзи на сообщении
type Reaction struct {
	Emoji string      `json:"emoji"`
	Count int         `json:"count"`
	Users []uuid.UUID `json:"users"`
}

// MessageMeta - то, что ядру нужно знать о сохраненном сообщении для реакций
type MessageMeta struct {
	ID        uuid.UUID
	ChannelID uuid.UUID
	ServerID  *uuid.UUID
	Reactions []Reaction
}

// ReactionSet - хранимый агрегат реакций сообщения.
// Order хранит позицию первого использования эмодзи и не удаляется
// при обнулении счетчика, поэтому повторное добавление возвращает эмодзи на место.
type ReactionSet struct {
	Reactions []Reaction     `json:"reactions"`
	Order     map[string]int `json:"order"`
}

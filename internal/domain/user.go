package domain

import (
	"time"

	"github.com/google/uuid"
)

// User - профиль identity, как его отдает CRUD-слой.
// Ядро реального времени только читает эти данные.
type User struct {
	ID          uuid.UUID  `json:"id"`
	Email       string     `json:"email"`
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName"`
	Avatar      *string    `json:"avatar,omitempty"`
	GlobalRole  string     `json:"globalRole"`
	IsActive    bool       `json:"-"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

// Profile - короткая карточка пользователя для событий
type Profile struct {
	UserID      uuid.UUID `json:"userId"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName,omitempty"`
	Avatar      *string   `json:"avatar,omitempty"`
}

func (u *User) Profile() Profile {
	return Profile{
		UserID:      u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Avatar:      u.Avatar,
	}
}

const (
	GlobalRoleUser      = "user"
	GlobalRoleModerator = "moderator"
	GlobalRoleStaff     = "staff"
	GlobalRoleAdmin     = "admin"
	GlobalRoleOwner     = "owner"
)

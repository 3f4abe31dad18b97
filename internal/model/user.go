package model

import "time"

type User struct {
	ID           string    `json:"id"`
	Nickname     string    `json:"nickname"`
	DisplayName  string    `json:"display_name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone,omitempty"`
	PasswordHash string    `json:"-"`
	Online       bool      `json:"online"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	CreatedAt    time.Time `json:"created_at"`
}

type UserPublic struct {
	ID          string    `json:"id"`
	Nickname    string    `json:"nickname"`
	DisplayName string    `json:"display_name"`
	Online      bool      `json:"online"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:          u.ID,
		Nickname:    u.Nickname,
		DisplayName: u.DisplayName,
		Online:      u.Online,
		LastSeenAt:  u.LastSeenAt,
	}
}

// Identity: проверенный владелец bearer-токена.
type Identity struct {
	UserID    string
	TokenID   string
	ExpiresAt time.Time
}

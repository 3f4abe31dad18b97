package model

import (
	"slices"
	"time"
)

type ChatType string

const (
	ChatTypeDirect ChatType = "direct"
	ChatTypeGroup  ChatType = "group"
)

type Chat struct {
	ID           string    `json:"id"`
	Type         ChatType  `json:"chat_type"`
	Name         string    `json:"name,omitempty"`
	Description  string    `json:"description,omitempty"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	CreatedBy    string    `json:"created_by"`
	Participants []string  `json:"participants"`
	DirectKey    string    `json:"-"`
	LastSeq      int64     `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasParticipant reports whether userID is in the chat's membership set.
func (c *Chat) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// IsAdmin: only the creator may change group settings.
func (c *Chat) IsAdmin(userID string) bool {
	return c.Type == ChatTypeGroup && c.CreatedBy == userID
}

// DirectKey returns the lookup key of a direct chat between two users, independent of order.
func DirectKey(userA, userB string) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return userA + ":" + userB
}

// ChatSettingsPatch: изменяемые поля группы; nil означает «не менять».
type ChatSettingsPatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

func (p ChatSettingsPatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.AvatarURL == nil
}

// Apply writes the non-nil fields of p into c.
func (p ChatSettingsPatch) Apply(c *Chat) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.AvatarURL != nil {
		c.AvatarURL = *p.AvatarURL
	}
}

type ChatSummary struct {
	Chat         Chat         `json:"chat"`
	LastMessage  *Message     `json:"last_message,omitempty"`
	Participants []UserPublic `json:"participants"`
	UnreadCount  int          `json:"unread_count"`
}

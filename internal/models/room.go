package models

import "time"

// Room is a chat room as listed by the REST collaborator
type Room struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Members     []string `json:"members"`
	UnreadCount int      `json:"unread_count"`
}

// Presence is the last known online state of a user
type Presence struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// User is a search result from the user directory
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

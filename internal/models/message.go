package models

import "time"

// Message is one chat entry. A message without a server id is pending:
// it was created locally and has not been acknowledged yet.
type Message struct {
	ID            string    `json:"id,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	RoomID        string    `json:"room_id,omitempty"`
	SenderID      string    `json:"sender"`
	Content       string    `json:"content"`
	AttachmentURL string    `json:"attachment_url,omitempty"`
	SentAt        time.Time `json:"sent_at"`
	Delivered     bool      `json:"delivered,omitempty"`
	Read          bool      `json:"read,omitempty"`
	Deleted       bool      `json:"deleted,omitempty"`
}

// IsPending reports whether the message still awaits confirmation
func (m *Message) IsPending() bool {
	return m.ID == ""
}

// Before orders confirmed messages by sent-at, ties broken by id
func (m *Message) Before(other *Message) bool {
	if !m.SentAt.Equal(other.SentAt) {
		return m.SentAt.Before(other.SentAt)
	}
	return m.ID < other.ID
}

// Attachment is a file uploaded alongside a message body
type Attachment struct {
	FileName    string
	ContentType string
	Data        []byte
}

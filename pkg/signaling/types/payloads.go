package types

import "time"

// WireMessage is a chat message as carried in chat_message frames
type WireMessage struct {
	ID            string    `json:"id,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	Sender        string    `json:"sender"`
	Content       string    `json:"content"`
	AttachmentURL string    `json:"attachment_url,omitempty"`
	SentAt        time.Time `json:"sent_at"`
}

type ChatMessage struct {
	RoomID  string      `json:"room_id"`
	Message WireMessage `json:"message"`
}

// MarkAsRead is sent by the client with MessageIDs or LastReadID, and
// echoed by the server with the authoritative UnreadCount.
type MarkAsRead struct {
	RoomID      string   `json:"room_id"`
	MessageIDs  []string `json:"message_ids,omitempty"`
	LastReadID  string   `json:"last_read_id,omitempty"`
	UnreadCount *int     `json:"unread_count,omitempty"`
	ReaderID    string   `json:"reader_id,omitempty"`
}

type UserStatus struct {
	UserID   string    `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

type DeleteMessage struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

// Offer carries an SDP offer for call_offer and webrtc_offer
type Offer struct {
	CallID       string `json:"call_id,omitempty"`
	RoomID       string `json:"room_id,omitempty"`
	StreamID     string `json:"stream_id,omitempty"`
	SenderID     string `json:"sender_id"`
	TargetUserID string `json:"target_user_id,omitempty"`
	SDP          string `json:"sdp"`
}

// Answer carries an SDP answer for call_answer and webrtc_answer
type Answer struct {
	CallID       string `json:"call_id,omitempty"`
	RoomID       string `json:"room_id,omitempty"`
	StreamID     string `json:"stream_id,omitempty"`
	SenderID     string `json:"sender_id"`
	TargetUserID string `json:"target_user_id"`
	SDP          string `json:"sdp"`
}

// Candidate mirrors the browser RTCIceCandidateInit shape
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type ICECandidate struct {
	CallID       string    `json:"call_id,omitempty"`
	RoomID       string    `json:"room_id,omitempty"`
	StreamID     string    `json:"stream_id,omitempty"`
	SenderID     string    `json:"sender_id"`
	TargetUserID string    `json:"target_user_id,omitempty"`
	Candidate    Candidate `json:"candidate"`
}

type CallEnded struct {
	CallID     string `json:"call_id"`
	RoomID     string `json:"room_id"`
	SenderID   string `json:"sender_id,omitempty"`
	CallStatus string `json:"call_status"`
	Duration   int    `json:"duration"`
}

// StreamPresence is used by join_stream, leave_stream, viewer_update and
// stream_ended.
type StreamPresence struct {
	StreamID    string `json:"stream_id"`
	SenderID    string `json:"sender_id,omitempty"`
	ViewerCount int    `json:"viewer_count,omitempty"`
}

type StreamMessage struct {
	StreamID string    `json:"stream_id"`
	SenderID string    `json:"sender_id"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at"`
}

type ErrorFrame struct {
	Error string `json:"error"`
}

package models

import "time"

// CallStatus is carried in call_ended frames and call history
type CallStatus string

const (
	CallStatusCompleted CallStatus = "completed"
	CallStatusCancelled CallStatus = "cancelled"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusMissed    CallStatus = "missed"
	CallStatusBusy      CallStatus = "busy"
	CallStatusFailed    CallStatus = "failed"
)

// CallRecord is one entry of a room's call history
type CallRecord struct {
	CallID        string     `json:"call_id"`
	RoomID        string     `json:"room_id"`
	CounterpartID string     `json:"counterpart_id"`
	Outgoing      bool       `json:"outgoing"`
	Status        CallStatus `json:"status"`
	DurationSec   int        `json:"duration"`
	EndedAt       time.Time  `json:"ended_at"`
}

// StreamInfo is returned when a broadcast is started or joined
type StreamInfo struct {
	ID          string `json:"id"`
	HostID      string `json:"host_id"`
	Title       string `json:"title,omitempty"`
	ViewerCount int    `json:"viewer_count"`
}

// Package types defines the JSON frames exchanged over the signaling
// connection. Every frame is a single JSON object tagged by "type".
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type FrameType string

const (
	TypeChatMessage   FrameType = "chat_message"
	TypeMarkAsRead    FrameType = "mark_as_read"
	TypeUserStatus    FrameType = "user_status"
	TypeDeleteMessage FrameType = "delete_message"

	TypeCallOffer    FrameType = "call_offer"
	TypeCallAnswer   FrameType = "call_answer"
	TypeICECandidate FrameType = "ice_candidate"
	TypeCallEnded    FrameType = "call_ended"

	TypeWebRTCOffer   FrameType = "webrtc_offer"
	TypeWebRTCAnswer  FrameType = "webrtc_answer"
	TypeJoinStream    FrameType = "join_stream"
	TypeLeaveStream   FrameType = "leave_stream"
	TypeViewerUpdate  FrameType = "viewer_update"
	TypeStreamEnded   FrameType = "stream_ended"
	TypeStreamMessage FrameType = "stream_message"

	TypeError FrameType = "error"
)

// Frame is one decoded signaling message. Raw holds the complete JSON
// object including the "type" member.
type Frame struct {
	Type FrameType
	Raw  json.RawMessage
}

// Parse reads the type tag of a raw frame
func Parse(data []byte) (Frame, error) {
	var env struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}
	if env.Type == "" {
		return Frame{}, fmt.Errorf("invalid frame: missing type")
	}
	return Frame{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}, nil
}

// Decode unmarshals the frame body into v
func (f Frame) Decode(v interface{}) error {
	if err := json.Unmarshal(f.Raw, v); err != nil {
		return fmt.Errorf("failed to decode %s frame: %w", f.Type, err)
	}
	return nil
}

// Encode marshals payload and injects the type tag. payload must marshal
// to a JSON object.
func Encode(t FrameType, payload interface{}) ([]byte, error) {
	body := []byte("{}")
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("failed to encode %s frame: %w", t, err)
		}
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("failed to encode %s frame: payload is not an object", t)
	}

	tag, err := json.Marshal(string(t))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if rest := bytes.TrimSpace(body[1:]); len(rest) > 0 && rest[0] != '}' {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

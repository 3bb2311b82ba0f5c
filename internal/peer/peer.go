// Package peer hides the WebRTC stack behind a small capability interface so
// call and broadcast logic can be driven by fakes in tests.
package peer

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	ErrClosed           = errors.New("peer connection closed")
	ErrNoRemoteDesc     = errors.New("remote description not set")
	ErrEmptySDP         = errors.New("empty session description")
	ErrMediaUnavailable = errors.New("local media unavailable")
	ErrStreamStopped    = errors.New("media stream already stopped")
)

// Candidate is a trickled ICE candidate in the browser's RTCIceCandidateInit shape
type Candidate = webrtc.ICECandidateInit

// SDPKind distinguishes remote offers from answers
type SDPKind int

const (
	SDPOffer SDPKind = iota
	SDPAnswer
)

// State is the aggregate connection state of a peer connection
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the connection can no longer carry media
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// RemoteTrack describes media received from the remote side
type RemoteTrack struct {
	ID       string
	Kind     string
	StreamID string
}

// Connection is the negotiated media channel between two endpoints.
// CreateOffer and CreateAnswer set the local description and return its SDP;
// candidates are trickled through OnICECandidate.
type Connection interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(kind SDPKind, sdp string) error
	AddICECandidate(c Candidate) error
	AddTracks(stream Stream) error
	OnICECandidate(fn func(Candidate))
	OnStateChange(fn func(State))
	OnRemoteTrack(fn func(RemoteTrack))
	Close() error
}

// Factory creates peer connections. label identifies the connection in logs.
type Factory interface {
	NewConnection(ctx context.Context, label string) (Connection, error)
}

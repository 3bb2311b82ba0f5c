package call

import (
	"errors"
	"fmt"
	"time"

	"linkup/internal/models"
)

var (
	ErrBusy              = errors.New("another call or broadcast is in progress")
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrNoCall            = errors.New("no call in progress")
	ErrCancelled         = errors.New("call ended during negotiation")
	ErrNegotiating       = errors.New("call negotiation already in progress")
)

// State is one of Idle, Outgoing, Incoming, Active or Ended
type State interface {
	Name() string
	// CallID is empty for Idle
	CallID() string
	state()
}

type Idle struct{}

type Outgoing struct {
	ID       string
	RoomID   string
	CalleeID string
}

type Incoming struct {
	ID       string
	RoomID   string
	CallerID string
	// Offer is the remote SDP applied on accept
	Offer string
}

type Active struct {
	ID        string
	RoomID    string
	PeerID    string
	Outgoing  bool
	StartedAt time.Time
}

type Ended struct {
	ID       string
	RoomID   string
	PeerID   string
	Outgoing bool
	Status   models.CallStatus
	Duration time.Duration
}

func (Idle) Name() string     { return "idle" }
func (Outgoing) Name() string { return "outgoing" }
func (Incoming) Name() string { return "incoming" }
func (Active) Name() string   { return "active" }
func (Ended) Name() string    { return "ended" }

func (Idle) CallID() string       { return "" }
func (s Outgoing) CallID() string { return s.ID }
func (s Incoming) CallID() string { return s.ID }
func (s Active) CallID() string   { return s.ID }
func (s Ended) CallID() string    { return s.ID }

func (Idle) state()     {}
func (Outgoing) state() {}
func (Incoming) state() {}
func (Active) state()   {}
func (Ended) state()    {}

// event is an input to the state machine
type event interface {
	event()
}

type startEvent struct {
	callID, roomID, calleeID string
}

type offerEvent struct {
	callID, roomID, callerID, sdp string
}

type acceptEvent struct {
	callID string
}

type answerEvent struct {
	callID string
}

type endEvent struct {
	callID string
	status models.CallStatus
}

type resetEvent struct{}

func (startEvent) event()  {}
func (offerEvent) event()  {}
func (acceptEvent) event() {}
func (answerEvent) event() {}
func (endEvent) event()    {}
func (resetEvent) event()  {}

// idle reports whether a new call may begin from s
func idle(s State) bool {
	switch s.(type) {
	case Idle, Ended:
		return true
	default:
		return false
	}
}

// transition is the pure call state machine. It never mutates its input.
func transition(s State, e event, now time.Time) (State, error) {
	switch e := e.(type) {
	case startEvent:
		if !idle(s) {
			return s, ErrBusy
		}
		return Outgoing{ID: e.callID, RoomID: e.roomID, CalleeID: e.calleeID}, nil

	case offerEvent:
		if !idle(s) {
			return s, ErrBusy
		}
		return Incoming{ID: e.callID, RoomID: e.roomID, CallerID: e.callerID, Offer: e.sdp}, nil

	case acceptEvent:
		if in, ok := s.(Incoming); ok && in.ID == e.callID {
			return Active{ID: in.ID, RoomID: in.RoomID, PeerID: in.CallerID, StartedAt: now}, nil
		}

	case answerEvent:
		if out, ok := s.(Outgoing); ok && out.ID == e.callID {
			return Active{ID: out.ID, RoomID: out.RoomID, PeerID: out.CalleeID, Outgoing: true, StartedAt: now}, nil
		}

	case endEvent:
		switch cur := s.(type) {
		case Outgoing:
			if cur.ID == e.callID {
				return Ended{ID: cur.ID, RoomID: cur.RoomID, PeerID: cur.CalleeID, Outgoing: true, Status: e.status}, nil
			}
		case Incoming:
			if cur.ID == e.callID {
				return Ended{ID: cur.ID, RoomID: cur.RoomID, PeerID: cur.CallerID, Status: e.status}, nil
			}
		case Active:
			if cur.ID == e.callID {
				return Ended{
					ID:       cur.ID,
					RoomID:   cur.RoomID,
					PeerID:   cur.PeerID,
					Outgoing: cur.Outgoing,
					Status:   e.status,
					Duration: now.Sub(cur.StartedAt),
				}, nil
			}
		}

	case resetEvent:
		if _, ok := s.(Ended); ok {
			return Idle{}, nil
		}
	}
	return s, fmt.Errorf("%w: %T in %s", ErrInvalidTransition, e, s.Name())
}

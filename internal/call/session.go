// Package call runs the single-active-call state machine on top of the
// signaling channel and the peer connection abstraction.
package call

import (
	"context"
	"sync"
	"time"

	"linkup/internal/constants"
	apperrors "linkup/internal/errors"
	"linkup/internal/metrics"
	"linkup/internal/models"
	"linkup/internal/peer"
	"linkup/internal/privacy"
	"linkup/pkg/api"
	"linkup/pkg/signaling"
	"linkup/pkg/signaling/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Gate is the activity slot shared with broadcasts. At most one owner holds
// it at a time.
type Gate interface {
	Acquire(owner string) bool
	Release(owner string)
}

type Channel interface {
	Send(t types.FrameType, payload interface{}) error
	Subscribe(t types.FrameType, handler signaling.Handler) *signaling.Subscription
}

// API is the call bookkeeping part of the REST client
type API interface {
	StartCall(ctx context.Context, req api.StartCallRequest) error
	EndCall(ctx context.Context, callID string, status models.CallStatus, durationSec int) error
	GetCallHistory(ctx context.Context, roomID string) ([]models.CallRecord, error)
}

// Store keeps call history locally. Optional.
type Store interface {
	SaveCallRecord(ctx context.Context, rec models.CallRecord) error
	GetCallHistory(ctx context.Context, roomID string, limit int) ([]models.CallRecord, error)
}

type Config struct {
	UserID string
	// RingTimeout ends an unanswered call as missed
	RingTimeout time.Duration
	// DurationTick is the interval of duration updates while Active
	DurationTick time.Duration
	// EndedMemory bounds how many ended call ids are remembered
	EndedMemory int
}

// Deps are the collaborators of a call session. Store and Gate may be nil.
type Deps struct {
	Channel Channel
	API     API
	Store   Store
	Peers   peer.Factory
	Media   peer.MediaSource
	Gate    Gate
}

type Session struct {
	cfg    Config
	deps   Deps
	logger *logrus.Logger

	// reporting tracks background call record writes
	reporting sync.WaitGroup

	mu          sync.Mutex
	state       State
	pc          peer.Connection
	stream      peer.Stream
	negotiating bool
	ringTimer   *time.Timer
	stopTicker  chan struct{}
	ended       map[string]struct{}
	endedOrder  []string
	listeners   []func(State)
	tickers     []func(callID string, elapsed time.Duration)
	subs        []*signaling.Subscription

	// ice buffers remote candidates of the current call until its remote
	// description is set; out holds local candidates until our offer or
	// answer has been sent
	ice peer.CandidateBuffer
	out peer.CandidateBuffer
}

// New creates an idle call session subscribed to call frames
func New(cfg Config, deps Deps, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = time.Duration(constants.DefaultOfferWaitSec) * time.Second
	}
	if cfg.DurationTick <= 0 {
		cfg.DurationTick = constants.DurationTick
	}
	if cfg.EndedMemory <= 0 {
		cfg.EndedMemory = constants.DefaultEndedCallMemory
	}

	s := &Session{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		state:  Idle{},
		ended:  make(map[string]struct{}),
	}
	s.subs = []*signaling.Subscription{
		deps.Channel.Subscribe(types.TypeCallOffer, s.handleOffer),
		deps.Channel.Subscribe(types.TypeCallAnswer, s.handleAnswer),
		deps.Channel.Subscribe(types.TypeICECandidate, s.handleCandidate),
		deps.Channel.Subscribe(types.TypeCallEnded, s.handleEnded),
	}
	return s
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether a call is in progress
func (s *Session) Busy() bool {
	return !idle(s.State())
}

// OnStateChange registers a listener called after every transition,
// including the transient Ended state.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// OnDuration registers a listener for elapsed-time updates while Active
func (s *Session) OnDuration(fn func(callID string, elapsed time.Duration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickers = append(s.tickers, fn)
}

func (s *Session) notify(st State) {
	s.mu.Lock()
	listeners := make([]func(State), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}

// applyLocked runs the state machine and installs the result
func (s *Session) applyLocked(e event) (State, error) {
	next, err := transition(s.state, e, time.Now())
	if err != nil {
		return s.state, err
	}
	s.state = next
	return next, nil
}

func (s *Session) acquireGate(callID string) bool {
	if s.deps.Gate == nil {
		return true
	}
	return s.deps.Gate.Acquire(callID)
}

func (s *Session) releaseGate(callID string) {
	if s.deps.Gate != nil {
		s.deps.Gate.Release(callID)
	}
}

// StartCall places an outgoing call and returns its id once the offer is
// sent. It fails with ErrBusy while another call or a broadcast exists.
func (s *Session) StartCall(ctx context.Context, roomID, calleeID string) (string, error) {
	if roomID == "" {
		return "", apperrors.NewValidationError("room_id", "", "room id is required")
	}
	callID := uuid.NewString()

	s.mu.Lock()
	if !idle(s.state) || !s.acquireGate(callID) {
		s.mu.Unlock()
		return "", apperrors.NewConflictError("call rejected", ErrBusy)
	}
	st, _ := s.applyLocked(startEvent{callID: callID, roomID: roomID, calleeID: calleeID})
	s.ice.Reset()
	s.out.Reset()
	s.armRingLocked(callID)
	s.mu.Unlock()

	metrics.IncrementCounter(metrics.CallsStarted, map[string]string{"direction": "outgoing"})
	s.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"room_id": roomID,
		"callee":  privacy.MaskUserID(calleeID),
	}).Info("Starting call")
	s.notify(st)

	if err := s.deps.API.StartCall(ctx, api.StartCallRequest{CallID: callID, RoomID: roomID, CalleeID: calleeID}); err != nil {
		s.finish(callID, models.CallStatusFailed, false)
		return "", err
	}

	pc, err := s.prepare(ctx, callID, calleeID, roomID)
	if err != nil {
		s.finish(callID, models.CallStatusFailed, false)
		return "", err
	}

	sdp, err := pc.CreateOffer(ctx)
	if err != nil {
		s.finish(callID, models.CallStatusFailed, false)
		return "", apperrors.NewNegotiationError("create offer", err)
	}

	if err := s.deps.Channel.Send(types.TypeCallOffer, types.Offer{
		CallID:       callID,
		RoomID:       roomID,
		SenderID:     s.cfg.UserID,
		TargetUserID: calleeID,
		SDP:          sdp,
	}); err != nil {
		s.finish(callID, models.CallStatusFailed, false)
		return "", apperrors.NewNegotiationError("send offer", err)
	}
	if err := s.out.Flush(s.sendCandidate(callID, roomID, calleeID)); err != nil {
		s.logger.WithError(err).WithField("call_id", callID).Debug("Failed to send ICE candidate")
	}
	return callID, nil
}

// prepare acquires media and a peer connection for callID and installs them
// on the session. Resources are released here if the call ended meanwhile.
func (s *Session) prepare(ctx context.Context, callID, peerID, roomID string) (peer.Connection, error) {
	stream, err := s.deps.Media.Acquire(ctx, peer.MediaAudioVideo)
	if err != nil {
		return nil, apperrors.NewNegotiationError("acquire media", err)
	}
	pc, err := s.deps.Peers.NewConnection(ctx, "call:"+callID)
	if err != nil {
		stream.Stop()
		return nil, apperrors.NewNegotiationError("create peer connection", err)
	}

	pc.OnICECandidate(func(c peer.Candidate) {
		if s.State().CallID() != callID {
			return
		}
		if _, err := s.out.Add(c); err != nil {
			s.logger.WithError(err).WithField("call_id", callID).Debug("Failed to send ICE candidate")
		}
	})
	pc.OnStateChange(func(state peer.State) {
		if state == peer.StateFailed {
			s.logger.WithField("call_id", callID).Warn("Peer connection failed, ending call")
			s.finish(callID, models.CallStatusFailed, true)
		}
	})
	if err := pc.AddTracks(stream); err != nil {
		_ = pc.Close()
		stream.Stop()
		return nil, apperrors.NewNegotiationError("add tracks", err)
	}

	s.mu.Lock()
	if s.state.CallID() != callID || idle(s.state) {
		s.mu.Unlock()
		_ = pc.Close()
		stream.Stop()
		return nil, ErrCancelled
	}
	s.pc = pc
	s.stream = stream
	s.mu.Unlock()
	return pc, nil
}

// sendCandidate returns the sender for local candidates of callID
func (s *Session) sendCandidate(callID, roomID, peerID string) func(peer.Candidate) error {
	return func(c peer.Candidate) error {
		return s.deps.Channel.Send(types.TypeICECandidate, types.ICECandidate{
			CallID:       callID,
			RoomID:       roomID,
			SenderID:     s.cfg.UserID,
			TargetUserID: peerID,
			Candidate:    types.Candidate(c),
		})
	}
}

// Accept answers the ringing call
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	in, ok := s.state.(Incoming)
	if !ok {
		s.mu.Unlock()
		return ErrNoCall
	}
	if s.negotiating {
		s.mu.Unlock()
		return ErrNegotiating
	}
	s.negotiating = true
	s.stopRingLocked()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.negotiating = false
		s.mu.Unlock()
	}()

	pc, err := s.prepare(ctx, in.ID, in.CallerID, in.RoomID)
	if err != nil {
		s.finish(in.ID, models.CallStatusFailed, true)
		return err
	}
	if err := pc.SetRemoteDescription(peer.SDPOffer, in.Offer); err != nil {
		s.finish(in.ID, models.CallStatusFailed, true)
		return apperrors.NewNegotiationError("apply offer", err)
	}
	sdp, err := pc.CreateAnswer(ctx)
	if err != nil {
		s.finish(in.ID, models.CallStatusFailed, true)
		return apperrors.NewNegotiationError("create answer", err)
	}
	if err := s.ice.Flush(pc.AddICECandidate); err != nil {
		s.logger.WithError(err).WithField("call_id", in.ID).Warn("Buffered ICE candidate rejected")
	}

	s.mu.Lock()
	st, err := s.applyLocked(acceptEvent{callID: in.ID})
	if err != nil {
		s.mu.Unlock()
		return ErrCancelled
	}
	s.startTickerLocked(in.ID)
	s.mu.Unlock()

	if err := s.deps.Channel.Send(types.TypeCallAnswer, types.Answer{
		CallID:       in.ID,
		RoomID:       in.RoomID,
		SenderID:     s.cfg.UserID,
		TargetUserID: in.CallerID,
		SDP:          sdp,
	}); err != nil {
		s.finish(in.ID, models.CallStatusFailed, false)
		return apperrors.NewNegotiationError("send answer", err)
	}
	if err := s.out.Flush(s.sendCandidate(in.ID, in.RoomID, in.CallerID)); err != nil {
		s.logger.WithError(err).WithField("call_id", in.ID).Debug("Failed to send ICE candidate")
	}

	s.logger.WithField("call_id", in.ID).Info("Call accepted")
	s.notify(st)
	return nil
}

// Reject declines the ringing call
func (s *Session) Reject() error {
	s.mu.Lock()
	in, ok := s.state.(Incoming)
	s.mu.Unlock()
	if !ok {
		return ErrNoCall
	}
	s.finish(in.ID, models.CallStatusRejected, true)
	return nil
}

// End hangs up the current call: an active call completes, an outgoing
// call is cancelled and an incoming one rejected. Ending twice is a no-op.
func (s *Session) End() error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	switch st := st.(type) {
	case Active:
		s.finish(st.ID, models.CallStatusCompleted, true)
	case Outgoing:
		s.finish(st.ID, models.CallStatusCancelled, true)
	case Incoming:
		s.finish(st.ID, models.CallStatusRejected, true)
	default:
		return ErrNoCall
	}
	return nil
}

// Close ends any call, detaches from the channel and waits for pending
// call records to be written
func (s *Session) Close() {
	_ = s.End()
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.reporting.Wait()
}

// finish moves callID to Ended, releases its resources, optionally tells
// the counterpart, records history and returns to Idle. It runs at most
// once per call id.
func (s *Session) finish(callID string, status models.CallStatus, notifyPeer bool) {
	s.mu.Lock()
	if _, done := s.ended[callID]; done || s.state.CallID() != callID {
		s.mu.Unlock()
		return
	}
	st, err := s.applyLocked(endEvent{callID: callID, status: status})
	if err != nil {
		s.mu.Unlock()
		return
	}
	ended := st.(Ended)
	s.rememberEndedLocked(callID)
	s.stopRingLocked()
	s.stopTickerLocked()
	pc, stream := s.pc, s.stream
	s.pc, s.stream = nil, nil
	s.ice.Reset()
	s.out.Reset()
	s.releaseGate(callID)
	s.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			s.logger.WithError(err).WithField("call_id", callID).Debug("Peer connection close failed")
		}
	}

	seconds := int(ended.Duration / time.Second)
	if notifyPeer {
		if err := s.deps.Channel.Send(types.TypeCallEnded, types.CallEnded{
			CallID:     callID,
			RoomID:     ended.RoomID,
			SenderID:   s.cfg.UserID,
			CallStatus: string(status),
			Duration:   seconds,
		}); err != nil {
			s.logger.WithError(err).WithField("call_id", callID).Warn("Failed to send call_ended")
		}
	}

	metrics.IncrementCounter(metrics.CallsEnded, map[string]string{"status": string(status)})
	s.logger.WithFields(logrus.Fields{
		"call_id":  callID,
		"status":   status,
		"duration": seconds,
	}).Info("Call ended")

	s.notify(ended)
	s.record(ended, notifyPeer || ended.Outgoing)

	s.mu.Lock()
	idleState, err := s.applyLocked(resetEvent{})
	s.mu.Unlock()
	if err == nil {
		s.notify(idleState)
	}
}

func (s *Session) rememberEndedLocked(callID string) {
	s.ended[callID] = struct{}{}
	s.endedOrder = append(s.endedOrder, callID)
	if len(s.endedOrder) > s.cfg.EndedMemory {
		delete(s.ended, s.endedOrder[0])
		s.endedOrder = s.endedOrder[1:]
	}
}

func (s *Session) armRingLocked(callID string) {
	s.stopRingLocked()
	s.ringTimer = time.AfterFunc(s.cfg.RingTimeout, func() {
		s.logger.WithField("call_id", callID).Info("Call not answered")
		s.finish(callID, models.CallStatusMissed, true)
	})
}

func (s *Session) stopRingLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *Session) startTickerLocked(callID string) {
	s.stopTickerLocked()
	stop := make(chan struct{})
	s.stopTicker = stop
	started := time.Now()
	go func() {
		t := time.NewTicker(s.cfg.DurationTick)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-t.C:
				select {
				case <-stop:
					return
				default:
				}
				s.mu.Lock()
				tickers := make([]func(string, time.Duration), len(s.tickers))
				copy(tickers, s.tickers)
				s.mu.Unlock()
				for _, fn := range tickers {
					fn(callID, now.Sub(started))
				}
			}
		}
	}()
}

func (s *Session) stopTickerLocked() {
	if s.stopTicker != nil {
		close(s.stopTicker)
		s.stopTicker = nil
	}
}

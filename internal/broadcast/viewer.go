package broadcast

import (
	"context"

	apperrors "linkup/internal/errors"
	"linkup/internal/peer"
	"linkup/pkg/signaling/types"

	"github.com/sirupsen/logrus"
)

// Viewer watches one host's stream over a single inbound connection
type Viewer struct {
	core

	hostID   string
	pc       peer.Connection
	ice      peer.CandidateBuffer
	out      peer.CandidateBuffer
	trackFns []func(peer.RemoteTrack)
}

func NewViewer(cfg Config, deps Deps, logger *logrus.Logger) *Viewer {
	v := &Viewer{}
	v.init(cfg, deps, logger)
	return v
}

// HostID is known once the join was confirmed by the server
func (v *Viewer) HostID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hostID
}

// OnTrack registers a listener for media arriving from the host
func (v *Viewer) OnTrack(fn func(peer.RemoteTrack)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.trackFns = append(v.trackFns, fn)
}

// Join waits for the channel to open, registers as a viewer and asks the
// host for an offer. The wait is bounded by Config.JoinWait.
func (v *Viewer) Join(ctx context.Context, streamID string) error {
	if streamID == "" {
		return apperrors.NewValidationError("stream_id", "", "stream id is required")
	}

	v.mu.Lock()
	if v.state != StateIdle {
		v.mu.Unlock()
		return ErrStarted
	}
	if !v.acquireGate(gateOwner(streamID)) {
		v.mu.Unlock()
		return apperrors.NewConflictError("join rejected", ErrBusy)
	}
	v.streamID = streamID
	v.state = StatePreparing
	v.mu.Unlock()

	v.subscribe(types.TypeWebRTCOffer, v.handleOffer)
	v.subscribe(types.TypeICECandidate, v.handleCandidate)
	v.subscribe(types.TypeViewerUpdate, v.handleViewerUpdate)
	v.subscribe(types.TypeStreamEnded, v.handleEnded)
	v.subscribe(types.TypeStreamMessage, v.handleChat)
	v.notify(StatePreparing)

	waitCtx, cancel := context.WithTimeout(ctx, v.cfg.JoinWait)
	err := v.deps.Channel.WaitOpen(waitCtx)
	cancel()
	if err != nil {
		v.finish()
		return apperrors.NewTransportError("join stream", err)
	}

	info, err := v.deps.API.JoinStream(ctx, streamID)
	if err != nil {
		v.finish()
		return err
	}

	v.mu.Lock()
	if v.state != StatePreparing {
		v.mu.Unlock()
		return ErrNotActive
	}
	if info != nil {
		v.hostID = info.HostID
		v.viewerCount = info.ViewerCount
	}
	v.state = StateLive
	v.mu.Unlock()

	if err := v.deps.Channel.Send(types.TypeJoinStream, types.StreamPresence{
		StreamID: streamID,
		SenderID: v.cfg.UserID,
	}); err != nil {
		v.finish()
		if leaveErr := v.deps.API.LeaveStream(ctx, streamID); leaveErr != nil {
			v.logger.WithError(leaveErr).WithField("stream_id", streamID).Warn("Failed to withdraw from stream")
		}
		return apperrors.NewTransportError("join stream", err)
	}

	v.logger.WithField("stream_id", streamID).Info("Joined broadcast")
	v.notify(StateLive)
	return nil
}

// handleOffer answers the host. A repeated offer replaces the connection.
func (v *Viewer) handleOffer(frame types.Frame) {
	var p types.Offer
	if err := frame.Decode(&p); err != nil {
		v.logger.WithError(err).Warn("Malformed webrtc_offer frame")
		return
	}
	if p.SenderID == v.cfg.UserID || p.SDP == "" {
		return
	}
	if p.TargetUserID != "" && p.TargetUserID != v.cfg.UserID {
		return
	}

	v.mu.Lock()
	if v.state != StateLive || !v.activeLocked(p.StreamID) {
		v.mu.Unlock()
		return
	}
	if v.hostID == "" {
		v.hostID = p.SenderID
	}
	if p.SenderID != v.hostID {
		v.mu.Unlock()
		return
	}
	old := v.pc
	v.pc = nil
	v.ice.Reset()
	v.out.Reset()
	streamID, hostID := v.streamID, v.hostID
	v.mu.Unlock()

	log := v.logger.WithField("stream_id", streamID)
	if old != nil {
		log.Info("Host renegotiated, replacing connection")
		_ = old.Close()
	}

	ctx := context.Background()
	pc, err := v.deps.Peers.NewConnection(ctx, "stream:"+streamID)
	if err != nil {
		log.WithError(err).Warn("Failed to create stream connection")
		return
	}
	pc.OnICECandidate(func(c peer.Candidate) {
		if _, err := v.out.Add(c); err != nil {
			log.WithError(err).Debug("Failed to send ICE candidate")
		}
	})
	pc.OnRemoteTrack(func(t peer.RemoteTrack) {
		v.mu.Lock()
		fns := make([]func(peer.RemoteTrack), len(v.trackFns))
		copy(fns, v.trackFns)
		v.mu.Unlock()
		for _, fn := range fns {
			fn(t)
		}
	})
	pc.OnStateChange(func(s peer.State) {
		if s == peer.StateFailed {
			log.Warn("Stream connection failed, waiting for a new offer")
		}
	})

	if err := pc.SetRemoteDescription(peer.SDPOffer, p.SDP); err != nil {
		log.WithError(err).Warn("Failed to apply host offer")
		_ = pc.Close()
		return
	}
	sdp, err := pc.CreateAnswer(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to create answer")
		_ = pc.Close()
		return
	}

	v.mu.Lock()
	if v.state != StateLive {
		v.mu.Unlock()
		_ = pc.Close()
		return
	}
	v.pc = pc
	v.mu.Unlock()

	if err := v.ice.Flush(pc.AddICECandidate); err != nil {
		log.WithError(err).Debug("Buffered host candidate rejected")
	}
	if err := v.deps.Channel.Send(types.TypeWebRTCAnswer, types.Answer{
		StreamID:     streamID,
		SenderID:     v.cfg.UserID,
		TargetUserID: hostID,
		SDP:          sdp,
	}); err != nil {
		log.WithError(err).Warn("Failed to send answer")
		return
	}
	err = v.out.Flush(func(c peer.Candidate) error {
		return v.deps.Channel.Send(types.TypeICECandidate, types.ICECandidate{
			StreamID:     streamID,
			SenderID:     v.cfg.UserID,
			TargetUserID: hostID,
			Candidate:    types.Candidate(c),
		})
	})
	if err != nil {
		log.WithError(err).Debug("Failed to send ICE candidate")
	}
}

func (v *Viewer) handleCandidate(frame types.Frame) {
	var p types.ICECandidate
	if err := frame.Decode(&p); err != nil {
		v.logger.WithError(err).Warn("Malformed ice_candidate frame")
		return
	}
	v.mu.Lock()
	ok := v.activeLocked(p.StreamID) && p.SenderID != "" && p.SenderID == v.hostID
	v.mu.Unlock()
	if !ok {
		return
	}
	if _, err := v.ice.Add(peer.Candidate(p.Candidate)); err != nil {
		v.logger.WithError(err).WithField("stream_id", p.StreamID).Debug("Host candidate rejected")
	}
}

func (v *Viewer) handleEnded(frame types.Frame) {
	var p types.StreamPresence
	if err := frame.Decode(&p); err != nil {
		v.logger.WithError(err).Warn("Malformed stream_ended frame")
		return
	}
	v.mu.Lock()
	ok := v.activeLocked(p.StreamID)
	v.mu.Unlock()
	if !ok {
		return
	}
	v.logger.WithField("stream_id", p.StreamID).Info("Host ended the broadcast")
	v.finish()
}

// finish moves the viewer to Ended and releases its connection. It reports
// false when the viewer had already ended.
func (v *Viewer) finish() bool {
	v.mu.Lock()
	if v.state != StatePreparing && v.state != StateLive {
		v.mu.Unlock()
		return false
	}
	v.state = StateEnded
	pc := v.pc
	v.pc = nil
	v.ice.Reset()
	v.out.Reset()
	streamID := v.streamID
	v.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			v.logger.WithError(err).WithField("stream_id", streamID).Debug("Stream connection close failed")
		}
	}
	v.unsubscribe()
	v.releaseGate(gateOwner(streamID))
	v.notify(StateEnded)
	return true
}

// Leave closes the viewer's own connection and tells the server. Other
// viewers are unaffected.
func (v *Viewer) Leave(ctx context.Context) error {
	streamID := v.StreamID()
	if !v.finish() {
		return ErrNotActive
	}
	if err := v.deps.Channel.Send(types.TypeLeaveStream, types.StreamPresence{
		StreamID: streamID,
		SenderID: v.cfg.UserID,
	}); err != nil {
		v.logger.WithError(err).WithField("stream_id", streamID).Warn("Failed to send leave_stream")
	}
	if err := v.deps.API.LeaveStream(ctx, streamID); err != nil {
		v.logger.WithError(err).WithField("stream_id", streamID).Warn("Failed to report leave")
		return err
	}
	v.logger.WithField("stream_id", streamID).Info("Left broadcast")
	return nil
}

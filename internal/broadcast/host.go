package broadcast

import (
	"context"
	"sort"

	apperrors "linkup/internal/errors"
	"linkup/internal/metrics"
	"linkup/internal/peer"
	"linkup/internal/privacy"
	"linkup/pkg/signaling/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// viewerConn is the host's outbound connection to one viewer. ice holds the
// viewer's candidates until its answer is applied; out holds ours until the
// offer is sent.
type viewerConn struct {
	id  string
	pc  peer.Connection
	ice peer.CandidateBuffer
	out peer.CandidateBuffer
}

// Host streams local media to every viewer that joins
type Host struct {
	core

	stream  peer.Stream
	viewers map[string]*viewerConn
	// waiting holds viewers that joined before media was ready
	waiting []string
}

func NewHost(cfg Config, deps Deps, logger *logrus.Logger) *Host {
	h := &Host{viewers: make(map[string]*viewerConn)}
	h.init(cfg, deps, logger)
	return h
}

// Start takes the activity slot, announces the stream and goes live once
// local media is available. An empty streamID gets a generated one.
func (h *Host) Start(ctx context.Context, streamID string) error {
	if streamID == "" {
		streamID = uuid.NewString()
	}

	h.mu.Lock()
	if h.state != StateIdle {
		h.mu.Unlock()
		return ErrStarted
	}
	if !h.acquireGate(gateOwner(streamID)) {
		h.mu.Unlock()
		return apperrors.NewConflictError("broadcast rejected", ErrBusy)
	}
	h.streamID = streamID
	h.state = StatePreparing
	h.mu.Unlock()

	h.subscribe(types.TypeJoinStream, h.handleJoin)
	h.subscribe(types.TypeLeaveStream, h.handleLeave)
	h.subscribe(types.TypeWebRTCAnswer, h.handleAnswer)
	h.subscribe(types.TypeICECandidate, h.handleCandidate)
	h.subscribe(types.TypeViewerUpdate, h.handleViewerUpdate)
	h.subscribe(types.TypeStreamMessage, h.handleChat)

	h.logger.WithField("stream_id", streamID).Info("Preparing broadcast")
	h.notify(StatePreparing)

	if _, err := h.deps.API.StartStream(ctx, streamID); err != nil {
		h.abort()
		return err
	}
	stream, err := h.deps.Media.Acquire(ctx, peer.MediaAudioVideo)
	if err != nil {
		h.abort()
		if endErr := h.deps.API.EndStream(ctx, streamID); endErr != nil {
			h.logger.WithError(endErr).WithField("stream_id", streamID).Warn("Failed to withdraw stream")
		}
		return apperrors.NewNegotiationError("acquire media", err)
	}

	h.mu.Lock()
	if h.state != StatePreparing {
		h.mu.Unlock()
		stream.Stop()
		return ErrNotActive
	}
	h.stream = stream
	h.state = StateLive
	waiting := h.waiting
	h.waiting = nil
	h.mu.Unlock()

	h.logger.WithField("stream_id", streamID).Info("Broadcast live")
	h.notify(StateLive)

	for _, id := range waiting {
		h.connectViewer(ctx, id)
	}
	return nil
}

// abort ends a broadcast that never went live
func (h *Host) abort() {
	h.mu.Lock()
	streamID := h.streamID
	h.state = StateEnded
	h.waiting = nil
	h.mu.Unlock()

	h.unsubscribe()
	h.releaseGate(gateOwner(streamID))
	h.notify(StateEnded)
}

// Viewers returns the ids of viewers with a peer connection, sorted
func (h *Host) Viewers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.viewers))
	for id := range h.viewers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Host) handleJoin(frame types.Frame) {
	var p types.StreamPresence
	if err := frame.Decode(&p); err != nil {
		h.logger.WithError(err).Warn("Malformed join_stream frame")
		return
	}
	if p.SenderID == "" || p.SenderID == h.cfg.UserID {
		return
	}

	h.mu.Lock()
	if !h.activeLocked(p.StreamID) {
		h.mu.Unlock()
		return
	}
	if h.state == StatePreparing {
		for _, id := range h.waiting {
			if id == p.SenderID {
				h.mu.Unlock()
				return
			}
		}
		h.waiting = append(h.waiting, p.SenderID)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	h.connectViewer(context.Background(), p.SenderID)
}

// connectViewer negotiates a dedicated connection to viewerID, replacing
// any previous one for the same identity.
func (h *Host) connectViewer(ctx context.Context, viewerID string) {
	h.mu.Lock()
	streamID, stream := h.streamID, h.stream
	old := h.viewers[viewerID]
	delete(h.viewers, viewerID)
	h.mu.Unlock()

	log := h.logger.WithFields(logrus.Fields{
		"stream_id": streamID,
		"viewer":    privacy.MaskUserID(viewerID),
	})
	if old != nil {
		log.Info("Viewer rejoined, replacing connection")
		_ = old.pc.Close()
	}

	pc, err := h.deps.Peers.NewConnection(ctx, "stream:"+streamID+":"+viewerID)
	if err != nil {
		log.WithError(err).Warn("Failed to create viewer connection")
		return
	}
	vc := &viewerConn{id: viewerID, pc: pc}

	pc.OnICECandidate(func(c peer.Candidate) {
		if _, err := vc.out.Add(c); err != nil {
			log.WithError(err).Debug("Failed to send ICE candidate")
		}
	})
	pc.OnStateChange(func(s peer.State) {
		if s == peer.StateFailed {
			log.Warn("Viewer connection failed")
			h.dropViewer(viewerID, pc)
		}
	})

	if err := pc.AddTracks(stream); err != nil {
		log.WithError(err).Warn("Failed to attach media to viewer connection")
		_ = pc.Close()
		return
	}
	sdp, err := pc.CreateOffer(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to create viewer offer")
		_ = pc.Close()
		return
	}

	h.mu.Lock()
	if h.state != StateLive {
		h.mu.Unlock()
		_ = pc.Close()
		return
	}
	h.viewers[viewerID] = vc
	h.mu.Unlock()

	if err := h.deps.Channel.Send(types.TypeWebRTCOffer, types.Offer{
		StreamID:     streamID,
		SenderID:     h.cfg.UserID,
		TargetUserID: viewerID,
		SDP:          sdp,
	}); err != nil {
		log.WithError(err).Warn("Failed to send viewer offer")
		h.dropViewer(viewerID, pc)
		return
	}
	err = vc.out.Flush(func(c peer.Candidate) error {
		return h.deps.Channel.Send(types.TypeICECandidate, types.ICECandidate{
			StreamID:     streamID,
			SenderID:     h.cfg.UserID,
			TargetUserID: viewerID,
			Candidate:    types.Candidate(c),
		})
	})
	if err != nil {
		log.WithError(err).Debug("Failed to send ICE candidate")
	}
	log.Debug("Offer sent to viewer")
}

// dropViewer closes pc and forgets it if it is still the viewer's current
// connection
func (h *Host) dropViewer(viewerID string, pc peer.Connection) {
	h.mu.Lock()
	if vc, ok := h.viewers[viewerID]; ok && vc.pc == pc {
		delete(h.viewers, viewerID)
	}
	h.mu.Unlock()
	_ = pc.Close()
}

func (h *Host) viewer(streamID, viewerID string) *viewerConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.activeLocked(streamID) {
		return nil
	}
	return h.viewers[viewerID]
}

func (h *Host) handleAnswer(frame types.Frame) {
	var p types.Answer
	if err := frame.Decode(&p); err != nil {
		h.logger.WithError(err).Warn("Malformed webrtc_answer frame")
		return
	}
	if p.TargetUserID != h.cfg.UserID {
		return
	}
	vc := h.viewer(p.StreamID, p.SenderID)
	if vc == nil {
		return
	}

	if err := vc.pc.SetRemoteDescription(peer.SDPAnswer, p.SDP); err != nil {
		h.logger.WithError(err).WithField("stream_id", p.StreamID).Warn("Failed to apply viewer answer")
		h.dropViewer(vc.id, vc.pc)
		return
	}
	if err := vc.ice.Flush(vc.pc.AddICECandidate); err != nil {
		h.logger.WithError(err).WithField("stream_id", p.StreamID).Debug("Buffered viewer candidate rejected")
	}
}

func (h *Host) handleCandidate(frame types.Frame) {
	var p types.ICECandidate
	if err := frame.Decode(&p); err != nil {
		h.logger.WithError(err).Warn("Malformed ice_candidate frame")
		return
	}
	if p.StreamID == "" || p.SenderID == h.cfg.UserID {
		return
	}
	vc := h.viewer(p.StreamID, p.SenderID)
	if vc == nil {
		return
	}
	if _, err := vc.ice.Add(peer.Candidate(p.Candidate)); err != nil {
		h.logger.WithError(err).WithField("stream_id", p.StreamID).Debug("Viewer candidate rejected")
	}
}

func (h *Host) handleLeave(frame types.Frame) {
	var p types.StreamPresence
	if err := frame.Decode(&p); err != nil {
		h.logger.WithError(err).Warn("Malformed leave_stream frame")
		return
	}
	vc := h.viewer(p.StreamID, p.SenderID)
	if vc == nil {
		return
	}
	h.logger.WithFields(logrus.Fields{
		"stream_id": p.StreamID,
		"viewer":    privacy.MaskUserID(p.SenderID),
	}).Info("Viewer left")
	h.dropViewer(vc.id, vc.pc)
}

// End tells every viewer the stream is over, closes all viewer connections,
// releases local media and reports the end to the server.
func (h *Host) End(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateLive && h.state != StatePreparing {
		h.mu.Unlock()
		return ErrNotActive
	}
	h.state = StateEnded
	streamID := h.streamID
	viewers := h.viewers
	h.viewers = make(map[string]*viewerConn)
	stream := h.stream
	h.stream = nil
	h.waiting = nil
	h.mu.Unlock()

	if err := h.deps.Channel.Send(types.TypeStreamEnded, types.StreamPresence{
		StreamID: streamID,
		SenderID: h.cfg.UserID,
	}); err != nil {
		h.logger.WithError(err).WithField("stream_id", streamID).Warn("Failed to send stream_ended")
	}
	for _, vc := range viewers {
		if err := vc.pc.Close(); err != nil {
			h.logger.WithError(err).WithField("stream_id", streamID).Debug("Viewer connection close failed")
		}
	}
	if stream != nil {
		stream.Stop()
	}

	h.unsubscribe()
	h.releaseGate(gateOwner(streamID))
	metrics.SetGauge(metrics.BroadcastViewers, 0, map[string]string{"stream_id": streamID})
	h.logger.WithFields(logrus.Fields{
		"stream_id": streamID,
		"viewers":   len(viewers),
	}).Info("Broadcast ended")
	h.notify(StateEnded)

	if err := h.deps.API.EndStream(ctx, streamID); err != nil {
		h.logger.WithError(err).WithField("stream_id", streamID).Warn("Failed to report stream end")
		return err
	}
	return nil
}

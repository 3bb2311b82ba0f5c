package call

import (
	"linkup/internal/metrics"
	"linkup/internal/models"
	"linkup/internal/peer"
	"linkup/internal/privacy"
	"linkup/pkg/signaling/types"

	"github.com/sirupsen/logrus"
)

func (s *Session) handleOffer(frame types.Frame) {
	var p types.Offer
	if err := frame.Decode(&p); err != nil {
		s.logger.WithError(err).Warn("Malformed call_offer frame")
		return
	}
	if p.SenderID == s.cfg.UserID || p.CallID == "" {
		return
	}
	if p.TargetUserID != "" && p.TargetUserID != s.cfg.UserID {
		return
	}
	if p.SDP == "" {
		s.logger.WithField("call_id", p.CallID).Warn("Ignoring call_offer without SDP")
		return
	}

	s.mu.Lock()
	if _, done := s.ended[p.CallID]; done || s.state.CallID() == p.CallID {
		s.mu.Unlock()
		return
	}
	if !idle(s.state) || !s.acquireGate(p.CallID) {
		current := s.state.CallID()
		s.mu.Unlock()
		s.replyBusy(p, current)
		return
	}
	st, err := s.applyLocked(offerEvent{callID: p.CallID, roomID: p.RoomID, callerID: p.SenderID, sdp: p.SDP})
	if err != nil {
		s.releaseGate(p.CallID)
		s.mu.Unlock()
		return
	}
	s.ice.Reset()
	s.out.Reset()
	s.armRingLocked(p.CallID)
	s.mu.Unlock()

	metrics.IncrementCounter(metrics.CallsStarted, map[string]string{"direction": "incoming"})
	s.logger.WithFields(logrus.Fields{
		"call_id": p.CallID,
		"room_id": p.RoomID,
		"caller":  privacy.MaskUserID(p.SenderID),
		"sdp":     privacy.MaskSDP(p.SDP),
	}).Info("Incoming call")
	s.notify(st)
}

// replyBusy rejects an offer that arrived while another call or a broadcast
// holds the session. Current state is left untouched.
func (s *Session) replyBusy(p types.Offer, current string) {
	metrics.IncrementCounter(metrics.CallsBusy, nil)
	s.logger.WithFields(logrus.Fields{
		"call_id":    p.CallID,
		"current_id": current,
	}).Info("Rejecting offer, busy")

	if err := s.deps.Channel.Send(types.TypeCallEnded, types.CallEnded{
		CallID:     p.CallID,
		RoomID:     p.RoomID,
		SenderID:   s.cfg.UserID,
		CallStatus: string(models.CallStatusBusy),
	}); err != nil {
		s.logger.WithError(err).WithField("call_id", p.CallID).Warn("Failed to send busy signal")
	}
}

// handleAnswer applies an answer to our own outgoing offer. Answers for
// other calls or addressed to someone else are ignored.
func (s *Session) handleAnswer(frame types.Frame) {
	var p types.Answer
	if err := frame.Decode(&p); err != nil {
		s.logger.WithError(err).Warn("Malformed call_answer frame")
		return
	}
	if p.TargetUserID != s.cfg.UserID || p.SenderID == s.cfg.UserID {
		return
	}

	s.mu.Lock()
	out, ok := s.state.(Outgoing)
	pc := s.pc
	s.mu.Unlock()
	if !ok || out.ID != p.CallID || pc == nil {
		return
	}

	if err := pc.SetRemoteDescription(peer.SDPAnswer, p.SDP); err != nil {
		s.logger.WithError(err).WithField("call_id", p.CallID).Warn("Failed to apply answer")
		s.finish(p.CallID, models.CallStatusFailed, true)
		return
	}
	if err := s.ice.Flush(pc.AddICECandidate); err != nil {
		s.logger.WithError(err).WithField("call_id", p.CallID).Warn("Buffered ICE candidate rejected")
	}

	s.mu.Lock()
	st, err := s.applyLocked(answerEvent{callID: p.CallID})
	if err != nil {
		s.mu.Unlock()
		return
	}
	s.stopRingLocked()
	s.startTickerLocked(p.CallID)
	s.mu.Unlock()

	s.logger.WithField("call_id", p.CallID).Info("Call answered")
	s.notify(st)
}

func (s *Session) handleCandidate(frame types.Frame) {
	var p types.ICECandidate
	if err := frame.Decode(&p); err != nil {
		s.logger.WithError(err).Warn("Malformed ice_candidate frame")
		return
	}
	if p.CallID == "" || p.StreamID != "" || p.SenderID == s.cfg.UserID {
		return
	}

	s.mu.Lock()
	current := s.state.CallID() == p.CallID && !idle(s.state)
	s.mu.Unlock()
	if !current {
		return
	}

	applied, err := s.ice.Add(peer.Candidate(p.Candidate))
	if err != nil {
		s.logger.WithError(err).WithField("call_id", p.CallID).Debug("ICE candidate rejected")
		return
	}
	if !applied {
		s.logger.WithField("call_id", p.CallID).Debug("ICE candidate buffered")
	}
}

// handleEnded applies a remote end. Repeated frames for the same call id
// are ignored.
func (s *Session) handleEnded(frame types.Frame) {
	var p types.CallEnded
	if err := frame.Decode(&p); err != nil {
		s.logger.WithError(err).Warn("Malformed call_ended frame")
		return
	}
	if p.SenderID == s.cfg.UserID || p.CallID == "" {
		return
	}

	status := models.CallStatus(p.CallStatus)
	if status == "" {
		status = models.CallStatusCompleted
	}
	s.finish(p.CallID, status, false)
}

package chatsync

import (
	"context"

	"linkup/internal/metrics"
	"linkup/internal/models"
	"linkup/internal/privacy"
	"linkup/pkg/signaling/types"

	"github.com/sirupsen/logrus"
)

// applyLocked runs effect now when the room history is loaded, or defers it
// until the next merge. Must be called with mu held.
func (s *Service) applyLocked(r *room, effect func(*room) bool) bool {
	if r.loaded {
		return effect(r)
	}
	if len(r.deferred) >= s.cfg.DeferLimit {
		r.deferred = r.deferred[1:]
	}
	r.deferred = append(r.deferred, effect)
	return false
}

func (s *Service) handleChatMessage(frame types.Frame) {
	var p types.ChatMessage
	if err := frame.Decode(&p); err != nil {
		s.logger.WithError(err).Warn("Malformed chat_message frame")
		return
	}
	if p.RoomID == "" || p.Message.ID == "" {
		s.logger.WithField("room_id", p.RoomID).Warn("Ignoring chat_message without room or message id")
		return
	}

	msg := models.Message{
		ID:            p.Message.ID,
		CorrelationID: p.Message.CorrelationID,
		RoomID:        p.RoomID,
		SenderID:      p.Message.Sender,
		Content:       p.Message.Content,
		AttachmentURL: p.Message.AttachmentURL,
		SentAt:        p.Message.SentAt,
		Delivered:     true,
	}

	s.mu.Lock()
	r := s.roomLocked(p.RoomID)
	loaded := r.loaded
	changed := s.applyLocked(r, func(r *room) bool { return r.insertConfirmed(msg) })
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"room_id": p.RoomID,
		"sender":  privacy.MaskUserID(msg.SenderID),
		"content": privacy.MaskContent(msg.Content, s.cfg.Verbose),
	}).Debug("Chat message received")

	if loaded && !changed {
		metrics.IncrementCounter(metrics.MessagesDeduped, map[string]string{"source": "frame"})
		return
	}
	if changed {
		s.persist(context.Background(), p.RoomID, []models.Message{msg})
	}
	s.notify(Update{RoomID: p.RoomID, Kind: UpdateMessages})
}

func (s *Service) handleMarkAsRead(frame types.Frame) {
	var p types.MarkAsRead
	if err := frame.Decode(&p); err != nil || p.RoomID == "" {
		s.logger.Warn("Malformed mark_as_read frame")
		return
	}

	s.mu.Lock()
	r := s.roomLocked(p.RoomID)
	ids := append([]string(nil), p.MessageIDs...)
	last := p.LastReadID
	s.applyLocked(r, func(r *room) bool { return r.markRead(ids, last) })
	if p.UnreadCount != nil && (p.ReaderID == "" || p.ReaderID == s.cfg.UserID) {
		r.info.UnreadCount = *p.UnreadCount
	}
	s.mu.Unlock()

	s.notify(Update{RoomID: p.RoomID, Kind: UpdateReceipts})
}

func (s *Service) handleUserStatus(frame types.Frame) {
	var p types.UserStatus
	if err := frame.Decode(&p); err != nil || p.UserID == "" {
		s.logger.Warn("Malformed user_status frame")
		return
	}
	presence := models.Presence{UserID: p.UserID, Online: p.IsOnline, LastSeen: p.LastSeen}

	var touched []string
	s.mu.Lock()
	for _, id := range s.order {
		r := s.rooms[id]
		if r.hasMember(p.UserID) {
			r.presence[p.UserID] = presence
			touched = append(touched, id)
		}
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"user":   privacy.MaskUserID(p.UserID),
		"online": p.IsOnline,
		"rooms":  len(touched),
	}).Debug("Presence updated")

	for _, id := range touched {
		s.notify(Update{RoomID: id, Kind: UpdatePresence})
	}
}

func (s *Service) handleDeleteMessage(frame types.Frame) {
	var p types.DeleteMessage
	if err := frame.Decode(&p); err != nil || p.RoomID == "" || p.MessageID == "" {
		s.logger.Warn("Malformed delete_message frame")
		return
	}

	s.mu.Lock()
	r := s.roomLocked(p.RoomID)
	id := p.MessageID
	changed := s.applyLocked(r, func(r *room) bool { return r.markDeleted(id) })
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.MarkMessageDeleted(context.Background(), p.RoomID, p.MessageID); err != nil {
			s.logger.WithError(err).WithField("room_id", p.RoomID).Warn("Failed to mark cached message deleted")
		}
	}
	if changed {
		s.notify(Update{RoomID: p.RoomID, Kind: UpdateMessages})
	}
}

// Package chatsync keeps per-room message lists in sync with the server:
// history from REST, live updates from the signaling channel, and optimistic
// sends reconciled by correlation id.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"linkup/internal/constants"
	apperrors "linkup/internal/errors"
	"linkup/internal/metrics"
	"linkup/internal/models"
	"linkup/internal/privacy"
	"linkup/pkg/api"
	"linkup/pkg/signaling"
	"linkup/pkg/signaling/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrOffline      = errors.New("signaling channel is not open")
	ErrEmptyMessage = errors.New("message has no content or attachment")
	ErrUnknownRoom  = errors.New("unknown room")
)

// PendingAttachmentPrefix marks the attachment reference of an unconfirmed
// message; the file name follows it
const PendingAttachmentPrefix = "pending:"

// API is the part of the REST client chat sync needs
type API interface {
	ListRooms(ctx context.Context) ([]models.Room, error)
	GetMessages(ctx context.Context, roomID string) ([]models.Message, error)
	PostMessage(ctx context.Context, roomID string, msg api.PostMessageRequest) (*models.Message, error)
}

// Store is the optional local history cache
type Store interface {
	SaveMessages(ctx context.Context, roomID string, messages []models.Message) error
	GetMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error)
	MarkMessageDeleted(ctx context.Context, roomID, messageID string) error
	SaveRoom(ctx context.Context, room models.Room) error
	GetRooms(ctx context.Context) ([]models.Room, error)
}

// Channel is the signaling surface chat sync subscribes to and sends on
type Channel interface {
	State() signaling.State
	Send(t types.FrameType, payload interface{}) error
	Subscribe(t types.FrameType, handler signaling.Handler) *signaling.Subscription
}

// RoomSnapshot is a read-only copy of a cached room
type RoomSnapshot struct {
	Room     models.Room
	Messages []models.Message
	Presence map[string]models.Presence
	Loaded   bool
	// Stale is set when history came from the local cache after a failed fetch
	Stale bool
}

type UpdateKind string

const (
	UpdateRooms    UpdateKind = "rooms"
	UpdateMessages UpdateKind = "messages"
	UpdateReceipts UpdateKind = "receipts"
	UpdatePresence UpdateKind = "presence"
)

// Update tells listeners which room changed and how
type Update struct {
	RoomID string
	Kind   UpdateKind
}

type Config struct {
	UserID string
	// Verbose disables masking of ids and content in logs
	Verbose bool
	// DeferLimit caps frame effects held for a room whose history is not loaded
	DeferLimit int
}

type Service struct {
	cfg     Config
	api     API
	store   Store
	channel Channel
	logger  *logrus.Logger

	mu        sync.Mutex
	rooms     map[string]*room
	order     []string
	listeners []func(Update)
	subs      []*signaling.Subscription
}

// New creates the service and subscribes it to chat frames. store may be nil.
func New(cfg Config, client API, store Store, channel Channel, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if cfg.DeferLimit <= 0 {
		cfg.DeferLimit = constants.DefaultHistoryFallbackPageSize
	}
	s := &Service{
		cfg:     cfg,
		api:     client,
		store:   store,
		channel: channel,
		logger:  logger,
		rooms:   make(map[string]*room),
	}
	s.subs = []*signaling.Subscription{
		channel.Subscribe(types.TypeChatMessage, s.handleChatMessage),
		channel.Subscribe(types.TypeMarkAsRead, s.handleMarkAsRead),
		channel.Subscribe(types.TypeUserStatus, s.handleUserStatus),
		channel.Subscribe(types.TypeDeleteMessage, s.handleDeleteMessage),
	}
	return s
}

// Close detaches the service from the channel
func (s *Service) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// OnUpdate registers a change listener. Listeners run after the state
// change is applied, outside the service lock.
func (s *Service) OnUpdate(fn func(Update)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Service) notify(u Update) {
	s.mu.Lock()
	listeners := make([]func(Update), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(u)
	}
}

// roomLocked returns the cached room, creating a skeleton if needed
func (s *Service) roomLocked(id string) *room {
	r, ok := s.rooms[id]
	if !ok {
		r = newRoom(id)
		s.rooms[id] = r
		s.order = append(s.order, id)
	}
	return r
}

// LoadRooms fetches the room list and creates skeletons without history.
// The local cache serves the list when the fetch fails.
func (s *Service) LoadRooms(ctx context.Context) ([]models.Room, error) {
	rooms, err := s.api.ListRooms(ctx)
	if err != nil {
		if s.store == nil {
			return nil, err
		}
		cached, cacheErr := s.store.GetRooms(ctx)
		if cacheErr != nil || len(cached) == 0 {
			return nil, err
		}
		s.logger.WithError(err).Warn("Room list fetch failed, using local cache")
		rooms = cached
	} else if s.store != nil {
		for _, r := range rooms {
			if saveErr := s.store.SaveRoom(ctx, r); saveErr != nil {
				s.logger.WithError(saveErr).WithField("room_id", r.ID).Warn("Failed to cache room")
			}
		}
	}

	s.mu.Lock()
	for _, info := range rooms {
		r := s.roomLocked(info.ID)
		r.info.Name = info.Name
		r.info.Members = append([]string(nil), info.Members...)
		r.info.UnreadCount = info.UnreadCount
	}
	s.mu.Unlock()

	s.logger.WithField("count", len(rooms)).Info("Loaded room list")
	s.notify(Update{Kind: UpdateRooms})
	return s.Rooms(), nil
}

// Rooms returns the known rooms in load order
func (s *Service) Rooms() []models.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Room, 0, len(s.order))
	for _, id := range s.order {
		info := s.rooms[id].info
		info.Members = append([]string(nil), info.Members...)
		out = append(out, info)
	}
	return out
}

// Room returns a snapshot of a cached room
func (s *Service) Room(roomID string) (RoomSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return RoomSnapshot{}, false
	}
	return r.snapshot(), true
}

// OpenRoom returns the room with its history loaded. Cached history is
// returned as is; otherwise one fetch is made and shared by concurrent
// callers, merged with live frames that arrived meanwhile.
func (s *Service) OpenRoom(ctx context.Context, roomID string) (RoomSnapshot, error) {
	if strings.TrimSpace(roomID) == "" {
		return RoomSnapshot{}, ErrUnknownRoom
	}

	s.mu.Lock()
	r := s.roomLocked(roomID)
	if r.loaded {
		snap := r.snapshot()
		s.mu.Unlock()
		return snap, nil
	}
	if f := r.loading; f != nil {
		s.mu.Unlock()
		select {
		case <-f.done:
		case <-ctx.Done():
			return RoomSnapshot{}, ctx.Err()
		}
		if f.err != nil {
			return RoomSnapshot{}, f.err
		}
		snap, _ := s.Room(roomID)
		return snap, nil
	}
	f := &fetch{done: make(chan struct{})}
	r.loading = f
	s.mu.Unlock()

	f.err = s.loadHistory(ctx, roomID)

	s.mu.Lock()
	r.loading = nil
	snap := r.snapshot()
	s.mu.Unlock()
	close(f.done)

	if f.err != nil {
		return RoomSnapshot{}, f.err
	}
	s.notify(Update{RoomID: roomID, Kind: UpdateMessages})
	return snap, nil
}

func (s *Service) loadHistory(ctx context.Context, roomID string) error {
	start := time.Now()
	history, err := s.api.GetMessages(ctx, roomID)
	metrics.RecordTimer(metrics.HistoryFetchLatency, time.Since(start), nil)

	stale := false
	if err != nil {
		cached, ok := s.cachedHistory(ctx, roomID)
		if !ok {
			return fmt.Errorf("failed to fetch history for room %s: %w", roomID, err)
		}
		s.logger.WithError(err).WithField("room_id", roomID).Warn("History fetch failed, using local cache")
		history = cached
		stale = true
	}

	s.mu.Lock()
	r := s.roomLocked(roomID)
	r.merge(history)
	r.loaded = !stale
	r.stale = stale
	confirmed := confirmedOnly(r.messages)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"room_id":  roomID,
		"messages": len(confirmed),
		"stale":    stale,
	}).Debug("Room history merged")

	if !stale {
		s.persist(ctx, roomID, confirmed)
	}
	return nil
}

func (s *Service) cachedHistory(ctx context.Context, roomID string) ([]models.Message, bool) {
	if s.store == nil {
		return nil, false
	}
	cached, err := s.store.GetMessages(ctx, roomID, constants.DefaultHistoryFallbackPageSize)
	if err != nil {
		s.logger.WithError(err).WithField("room_id", roomID).Warn("Failed to read cached history")
		return nil, false
	}
	return cached, len(cached) > 0
}

func (s *Service) persist(ctx context.Context, roomID string, messages []models.Message) {
	if s.store == nil || len(messages) == 0 {
		return
	}
	if err := s.store.SaveMessages(ctx, roomID, messages); err != nil {
		s.logger.WithError(err).WithField("room_id", roomID).Warn("Failed to cache messages")
	}
}

// Send posts a message optimistically. The pending entry is visible at once
// and replaced by the confirmed message from the REST response or the
// chat_message echo, whichever arrives first. On failure it is retracted
// and the error returned; there is no retry.
func (s *Service) Send(ctx context.Context, roomID, content string, attachment *models.Attachment) (*models.Message, error) {
	if s.channel.State() != signaling.StateOpen {
		metrics.IncrementCounter(metrics.MessagesSendFailed, map[string]string{"reason": "offline"})
		return nil, apperrors.NewSendError(roomID, ErrOffline)
	}
	if strings.TrimSpace(content) == "" && attachment == nil {
		return nil, apperrors.NewValidationError("content", "", ErrEmptyMessage.Error())
	}

	pending := models.Message{
		CorrelationID: uuid.NewString(),
		RoomID:        roomID,
		SenderID:      s.cfg.UserID,
		Content:       content,
		SentAt:        time.Now().UTC(),
	}
	if attachment != nil {
		pending.AttachmentURL = PendingAttachmentPrefix + attachment.FileName
	}

	s.mu.Lock()
	s.roomLocked(roomID).appendPending(pending)
	s.mu.Unlock()
	s.notify(Update{RoomID: roomID, Kind: UpdateMessages})

	s.logger.WithFields(logrus.Fields{
		"room_id":        roomID,
		"correlation_id": pending.CorrelationID,
		"content":        privacy.MaskContent(content, s.cfg.Verbose),
	}).Debug("Sending message")

	confirmed, err := s.api.PostMessage(ctx, roomID, api.PostMessageRequest{
		CorrelationID: pending.CorrelationID,
		Content:       content,
		Attachment:    attachment,
	})
	if err != nil {
		s.mu.Lock()
		s.roomLocked(roomID).removePending(pending.CorrelationID)
		s.mu.Unlock()
		s.notify(Update{RoomID: roomID, Kind: UpdateMessages})

		metrics.IncrementCounter(metrics.MessagesSendFailed, map[string]string{"reason": "post"})
		s.logger.WithError(err).WithFields(logrus.Fields{
			"room_id":        roomID,
			"correlation_id": pending.CorrelationID,
		}).Warn("Message send failed, retracted")
		return nil, apperrors.NewSendError(roomID, err)
	}

	confirmed.CorrelationID = pending.CorrelationID
	if confirmed.SenderID == "" {
		confirmed.SenderID = s.cfg.UserID
	}
	if confirmed.SentAt.IsZero() {
		confirmed.SentAt = pending.SentAt
	}

	s.mu.Lock()
	changed := s.roomLocked(roomID).insertConfirmed(*confirmed)
	s.mu.Unlock()
	if changed {
		s.notify(Update{RoomID: roomID, Kind: UpdateMessages})
	} else {
		metrics.IncrementCounter(metrics.MessagesDeduped, map[string]string{"source": "rest"})
	}
	metrics.IncrementCounter(metrics.MessagesSent, nil)
	s.persist(ctx, roomID, []models.Message{*confirmed})
	return confirmed, nil
}

// MarkRead asks the server to mark the room read up to its newest confirmed
// message. The unread counter changes only when the server confirms.
func (s *Service) MarkRead(roomID string) error {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	var last string
	if ok {
		last = r.lastConfirmedID()
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownRoom
	}
	if last == "" {
		return nil
	}

	if err := s.channel.Send(types.TypeMarkAsRead, types.MarkAsRead{
		RoomID:     roomID,
		LastReadID: last,
		ReaderID:   s.cfg.UserID,
	}); err != nil {
		return apperrors.NewSendError(roomID, err)
	}
	return nil
}

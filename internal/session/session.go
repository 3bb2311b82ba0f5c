// Package session owns everything one authenticated client runs: the
// signaling channel, chat sync, the call session and at most one broadcast.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"linkup/internal/broadcast"
	"linkup/internal/call"
	"linkup/internal/chatsync"
	"linkup/internal/models"
	"linkup/internal/peer"
	"linkup/internal/privacy"
	"linkup/pkg/signaling"
	"linkup/pkg/signaling/types"

	"github.com/sirupsen/logrus"
)

var (
	ErrNotLoggedIn     = errors.New("not logged in")
	ErrLoggedIn        = errors.New("already logged in")
	ErrBroadcastExists = errors.New("a broadcast already exists")
)

// Channel is the signaling connection the session owns
type Channel interface {
	Connect(endpoint, token string) error
	Close()
	State() signaling.State
	WaitOpen(ctx context.Context) error
	OnStateChange(listener signaling.StateListener)
	Send(t types.FrameType, payload interface{}) error
	Subscribe(t types.FrameType, handler signaling.Handler) *signaling.Subscription
}

// API is the REST client as seen by every component
type API interface {
	chatsync.API
	call.API
	broadcast.API
	SetToken(token string)
}

// Store is the local cache for messages, rooms and call history
type Store interface {
	chatsync.Store
	call.Store
}

type Config struct {
	UserID    string
	SignalURL string
	Verbose   bool

	RingTimeout           time.Duration
	BroadcastJoinWait     time.Duration
	BroadcastChatCapacity int
}

// Deps are the collaborators of a session. Store may be nil.
type Deps struct {
	Channel Channel
	API     API
	Store   Store
	Peers   peer.Factory
	Media   peer.MediaSource
}

type Session struct {
	cfg    Config
	deps   Deps
	logger *logrus.Logger
	gate   *Slot

	chat  *chatsync.Service
	calls *call.Session

	mu       sync.Mutex
	loggedIn bool
	host     *broadcast.Host
	viewer   *broadcast.Viewer
}

func New(cfg Config, deps Deps, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	s := &Session{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		gate:   &Slot{},
	}

	var chatStore chatsync.Store
	var callStore call.Store
	if deps.Store != nil {
		chatStore, callStore = deps.Store, deps.Store
	}
	s.chat = chatsync.New(chatsync.Config{UserID: cfg.UserID, Verbose: cfg.Verbose},
		deps.API, chatStore, deps.Channel, logger)
	s.calls = call.New(call.Config{UserID: cfg.UserID, RingTimeout: cfg.RingTimeout}, call.Deps{
		Channel: deps.Channel,
		API:     deps.API,
		Store:   callStore,
		Peers:   deps.Peers,
		Media:   deps.Media,
		Gate:    s.gate,
	}, logger)

	deps.Channel.OnStateChange(func(state signaling.State, err error) {
		entry := logger.WithField("state", state.String())
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Info("Signaling channel state changed")
	})
	return s
}

// Chat is the room and message sync service
func (s *Session) Chat() *chatsync.Service { return s.chat }

// Calls is the one-to-one call state machine
func (s *Session) Calls() *call.Session { return s.calls }

// Gate exposes who currently holds the call/broadcast slot
func (s *Session) Gate() *Slot { return s.gate }

func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// Login connects the signaling channel with token and loads the room list.
// An empty token fails without retrying. A second Login before Logout
// fails and leaves the current connection alone.
func (s *Session) Login(ctx context.Context, token string) ([]models.Room, error) {
	if s.LoggedIn() {
		return nil, ErrLoggedIn
	}
	token = strings.TrimSpace(token)
	s.deps.API.SetToken(token)
	if err := s.deps.Channel.Connect(s.cfg.SignalURL, token); err != nil {
		s.deps.API.SetToken("")
		return nil, fmt.Errorf("login failed: %w", err)
	}

	s.mu.Lock()
	s.loggedIn = true
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"user_id": privacy.MaskUserID(s.cfg.UserID),
		"token":   privacy.MaskToken(token),
	}).Info("Logged in")

	rooms, err := s.chat.LoadRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rooms: %w", err)
	}
	return rooms, nil
}

// Logout ends any call or broadcast and closes the channel
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	if !s.loggedIn {
		s.mu.Unlock()
		return ErrNotLoggedIn
	}
	s.loggedIn = false
	s.mu.Unlock()

	if err := s.calls.End(); err != nil && !errors.Is(err, call.ErrNoCall) {
		s.logger.WithError(err).Warn("Failed to end call on logout")
	}
	if err := s.EndBroadcast(ctx); err != nil && !errors.Is(err, broadcast.ErrNotActive) {
		s.logger.WithError(err).Warn("Failed to end broadcast on logout")
	}
	s.deps.Channel.Close()
	s.deps.API.SetToken("")
	s.logger.Info("Logged out")
	return nil
}

// Close logs out if needed and detaches every component from the channel
func (s *Session) Close(ctx context.Context) {
	if s.LoggedIn() {
		_ = s.Logout(ctx)
	}
	s.calls.Close()
	s.chat.Close()
}

func (s *Session) broadcastConfig() broadcast.Config {
	return broadcast.Config{
		UserID:       s.cfg.UserID,
		JoinWait:     s.cfg.BroadcastJoinWait,
		ChatCapacity: s.cfg.BroadcastChatCapacity,
	}
}

func (s *Session) broadcastDeps() broadcast.Deps {
	return broadcast.Deps{
		Channel: s.deps.Channel,
		API:     s.deps.API,
		Peers:   s.deps.Peers,
		Media:   s.deps.Media,
		Gate:    s.gate,
	}
}

// activeBroadcastLocked reports whether the current broadcast has not ended
func (s *Session) activeBroadcastLocked() bool {
	if s.host != nil && s.host.State() != broadcast.StateEnded {
		return true
	}
	return s.viewer != nil && s.viewer.State() != broadcast.StateEnded
}

// StartBroadcast creates a host broadcast and takes it live
func (s *Session) StartBroadcast(ctx context.Context, streamID string) (*broadcast.Host, error) {
	s.mu.Lock()
	if !s.loggedIn {
		s.mu.Unlock()
		return nil, ErrNotLoggedIn
	}
	if s.activeBroadcastLocked() {
		s.mu.Unlock()
		return nil, ErrBroadcastExists
	}
	host := broadcast.NewHost(s.broadcastConfig(), s.broadcastDeps(), s.logger)
	s.host, s.viewer = host, nil
	s.mu.Unlock()

	if err := host.Start(ctx, streamID); err != nil {
		s.mu.Lock()
		if s.host == host {
			s.host = nil
		}
		s.mu.Unlock()
		return nil, err
	}
	return host, nil
}

// JoinBroadcast creates a viewer and joins streamID
func (s *Session) JoinBroadcast(ctx context.Context, streamID string) (*broadcast.Viewer, error) {
	s.mu.Lock()
	if !s.loggedIn {
		s.mu.Unlock()
		return nil, ErrNotLoggedIn
	}
	if s.activeBroadcastLocked() {
		s.mu.Unlock()
		return nil, ErrBroadcastExists
	}
	viewer := broadcast.NewViewer(s.broadcastConfig(), s.broadcastDeps(), s.logger)
	s.host, s.viewer = nil, viewer
	s.mu.Unlock()

	if err := viewer.Join(ctx, streamID); err != nil {
		s.mu.Lock()
		if s.viewer == viewer {
			s.viewer = nil
		}
		s.mu.Unlock()
		return nil, err
	}
	return viewer, nil
}

// EndBroadcast ends a hosted broadcast or leaves a watched one
func (s *Session) EndBroadcast(ctx context.Context) error {
	s.mu.Lock()
	host, viewer := s.host, s.viewer
	s.host, s.viewer = nil, nil
	s.mu.Unlock()

	switch {
	case host != nil:
		return host.End(ctx)
	case viewer != nil:
		return viewer.Leave(ctx)
	default:
		return broadcast.ErrNotActive
	}
}

// SignalState is the current state of the signaling channel
func (s *Session) SignalState() signaling.State { return s.deps.Channel.State() }

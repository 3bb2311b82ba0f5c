// Package broadcast implements one-to-many live streams. A Host fans its
// local media out to one peer connection per viewer; a Viewer receives the
// host's media over a single inbound connection. Both share a chat log.
package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"linkup/internal/constants"
	"linkup/internal/metrics"
	"linkup/internal/models"
	"linkup/internal/peer"
	"linkup/pkg/signaling"
	"linkup/pkg/signaling/types"

	"github.com/sirupsen/logrus"
)

var (
	ErrBusy      = errors.New("another call or broadcast is in progress")
	ErrNotActive = errors.New("broadcast is not active")
	ErrStarted   = errors.New("broadcast already started")
	ErrEmptyChat = errors.New("chat message is empty")
)

type State string

const (
	StateIdle      State = "idle"
	StatePreparing State = "preparing"
	StateLive      State = "live"
	StateEnded     State = "ended"
)

// Gate is the activity slot shared with calls
type Gate interface {
	Acquire(owner string) bool
	Release(owner string)
}

type Channel interface {
	WaitOpen(ctx context.Context) error
	Send(t types.FrameType, payload interface{}) error
	Subscribe(t types.FrameType, handler signaling.Handler) *signaling.Subscription
}

// API is the stream bookkeeping part of the REST client
type API interface {
	StartStream(ctx context.Context, streamID string) (*models.StreamInfo, error)
	EndStream(ctx context.Context, streamID string) error
	JoinStream(ctx context.Context, streamID string) (*models.StreamInfo, error)
	LeaveStream(ctx context.Context, streamID string) error
}

type Config struct {
	UserID string
	// JoinWait bounds how long a viewer waits for the channel to open
	JoinWait time.Duration
	// ChatCapacity caps the session chat log; oldest entries are dropped
	ChatCapacity int
}

// Deps are shared by hosts and viewers. Media is only used by hosts and
// Gate may be nil.
type Deps struct {
	Channel Channel
	API     API
	Peers   peer.Factory
	Media   peer.MediaSource
	Gate    Gate
}

// ChatEntry is one stream_message
type ChatEntry struct {
	SenderID string
	Content  string
	SentAt   time.Time
}

func applyDefaults(cfg Config) Config {
	if cfg.JoinWait <= 0 {
		cfg.JoinWait = time.Duration(constants.DefaultBroadcastJoinWaitSec) * time.Second
	}
	if cfg.ChatCapacity <= 0 {
		cfg.ChatCapacity = constants.DefaultBroadcastChatCapacity
	}
	return cfg
}

// core holds what hosts and viewers have in common: lifecycle state, the
// server-confirmed viewer count and the chat log.
type core struct {
	cfg    Config
	deps   Deps
	logger *logrus.Logger

	mu          sync.Mutex
	streamID    string
	state       State
	viewerCount int
	chat        []ChatEntry
	listeners   []func(State)
	chatFns     []func(ChatEntry)
	subs        []*signaling.Subscription
}

func (c *core) init(cfg Config, deps Deps, logger *logrus.Logger) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	c.cfg = applyDefaults(cfg)
	c.deps = deps
	c.logger = logger
	c.state = StateIdle
}

func (c *core) StreamID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID
}

func (c *core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ViewerCount is the last count confirmed by the server
func (c *core) ViewerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewerCount
}

// Chat returns a copy of the chat log, oldest first
func (c *core) Chat() []ChatEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChatEntry, len(c.chat))
	copy(out, c.chat)
	return out
}

func (c *core) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *core) OnChat(fn func(ChatEntry)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatFns = append(c.chatFns, fn)
}

func (c *core) notify(st State) {
	c.mu.Lock()
	listeners := make([]func(State), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}

// activeLocked reports whether frames for streamID belong to this session
func (c *core) activeLocked(streamID string) bool {
	return streamID != "" && streamID == c.streamID &&
		(c.state == StatePreparing || c.state == StateLive)
}

func (c *core) subscribe(t types.FrameType, h signaling.Handler) {
	sub := c.deps.Channel.Subscribe(t, h)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, sub)
}

func (c *core) unsubscribe() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (c *core) appendChatLocked(e ChatEntry) {
	c.chat = append(c.chat, e)
	if over := len(c.chat) - c.cfg.ChatCapacity; over > 0 {
		c.chat = append([]ChatEntry(nil), c.chat[over:]...)
	}
}

func (c *core) emitChat(e ChatEntry) {
	c.mu.Lock()
	fns := make([]func(ChatEntry), len(c.chatFns))
	copy(fns, c.chatFns)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

// SendChat posts a message to everyone in the stream and appends it to the
// local log. The server does not echo it back.
func (c *core) SendChat(content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyChat
	}
	c.mu.Lock()
	if c.state != StateLive {
		c.mu.Unlock()
		return ErrNotActive
	}
	streamID := c.streamID
	c.mu.Unlock()

	entry := ChatEntry{SenderID: c.cfg.UserID, Content: content, SentAt: time.Now().UTC()}
	if err := c.deps.Channel.Send(types.TypeStreamMessage, types.StreamMessage{
		StreamID: streamID,
		SenderID: entry.SenderID,
		Content:  entry.Content,
		SentAt:   entry.SentAt,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	c.appendChatLocked(entry)
	c.mu.Unlock()
	c.emitChat(entry)
	return nil
}

func (c *core) handleChat(frame types.Frame) {
	var p types.StreamMessage
	if err := frame.Decode(&p); err != nil {
		c.logger.WithError(err).Warn("Malformed stream_message frame")
		return
	}
	if p.SenderID == c.cfg.UserID || p.Content == "" {
		return
	}
	entry := ChatEntry{SenderID: p.SenderID, Content: p.Content, SentAt: p.SentAt}
	if entry.SentAt.IsZero() {
		entry.SentAt = time.Now().UTC()
	}

	c.mu.Lock()
	if !c.activeLocked(p.StreamID) {
		c.mu.Unlock()
		return
	}
	c.appendChatLocked(entry)
	c.mu.Unlock()
	c.emitChat(entry)
}

// handleViewerUpdate takes the viewer count from the server. Local peer
// connections are never counted.
func (c *core) handleViewerUpdate(frame types.Frame) {
	var p types.StreamPresence
	if err := frame.Decode(&p); err != nil {
		c.logger.WithError(err).Warn("Malformed viewer_update frame")
		return
	}
	c.mu.Lock()
	if !c.activeLocked(p.StreamID) {
		c.mu.Unlock()
		return
	}
	c.viewerCount = p.ViewerCount
	c.mu.Unlock()

	metrics.SetGauge(metrics.BroadcastViewers, float64(p.ViewerCount), map[string]string{"stream_id": p.StreamID})
	c.logger.WithFields(logrus.Fields{
		"stream_id": p.StreamID,
		"viewers":   p.ViewerCount,
	}).Debug("Viewer count updated")
}

func (c *core) acquireGate(owner string) bool {
	if c.deps.Gate == nil {
		return true
	}
	return c.deps.Gate.Acquire(owner)
}

func (c *core) releaseGate(owner string) {
	if c.deps.Gate != nil {
		c.deps.Gate.Release(owner)
	}
}

func gateOwner(streamID string) string {
	return "broadcast:" + streamID
}

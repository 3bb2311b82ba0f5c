// Package signaling maintains the single long-lived signaling connection of
// a client session. It reconnects with exponential backoff after abnormal
// closes and dispatches inbound frames to subscribers one at a time, in
// receipt order.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"linkup/internal/metrics"
	"linkup/internal/privacy"
	"linkup/internal/retry"
	"linkup/pkg/signaling/types"

	"github.com/sirupsen/logrus"
)

var (
	ErrNoCredential   = errors.New("signaling: no credential token")
	ErrNotOpen        = errors.New("signaling: channel is not open")
	ErrBackpressure   = errors.New("signaling: send queue full")
	ErrUnreachable    = errors.New("signaling: server unreachable")
	ErrAuthentication = errors.New("signaling: credential rejected")
)

// State is the lifecycle state of the channel
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateUnreachable
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Config holds the reconnect and transport policy
type Config struct {
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	MaxAttempts      int
	OpenTimeout      time.Duration
	WriteTimeout     time.Duration
	SendQueueSize    int
}

// Handler receives one inbound frame
type Handler func(types.Frame)

// StateListener is told about every lifecycle transition. err is set for
// transitions caused by a failure.
type StateListener func(state State, err error)

type subscription struct {
	id      uint64
	handler Handler
}

// Subscription is returned by Subscribe
type Subscription struct {
	ch        *Channel
	frameType types.FrameType
	id        uint64
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.ch == nil {
		return
	}
	s.ch.unsubscribe(s.frameType, s.id)
}

// liveConn is the one transport handle the channel currently owns
type liveConn struct {
	conn   Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	// closed is closed once conn.Close has returned
	closed chan struct{}
}

type Channel struct {
	cfg     Config
	dialer  Dialer
	logger  *logrus.Logger
	backoff *retry.Backoff

	mu             sync.Mutex
	state          State
	lastErr        error
	endpoint       string
	token          string
	epoch          uint64
	attempt        int
	conn           *liveConn
	dialCancel     context.CancelFunc
	reconnectTimer *time.Timer
	changed        chan struct{}
	subs           map[types.FrameType][]subscription
	nextID         uint64
	listeners      []StateListener

	dispatchMu sync.Mutex
}

// NewChannel creates a closed channel. A nil logger gets a warn-level default.
func NewChannel(cfg Config, dialer Dialer, logger *logrus.Logger) *Channel {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Channel{
		cfg:    cfg,
		dialer: dialer,
		logger: logger,
		backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: cfg.ReconnectInitial,
			MaxDelay:     cfg.ReconnectMax,
			Multiplier:   2,
			MaxAttempts:  cfg.MaxAttempts,
		}),
		state:   StateClosed,
		changed: make(chan struct{}),
		subs:    make(map[types.FrameType][]subscription),
	}
}

// Connect starts connecting in the background. Transport failures are
// retried silently; only a missing credential is reported here. Calling
// Connect while connecting or open is a no-op, and a missing credential then
// leaves the live connection alone.
func (c *Channel) Connect(endpoint, token string) error {
	c.mu.Lock()
	if token == "" {
		c.logger.Error("Cannot connect signaling channel without a credential")
		notify := func() {}
		if c.state == StateClosed || c.state == StateUnreachable {
			notify = c.setStateLocked(StateClosed, ErrNoCredential)
		}
		c.mu.Unlock()
		notify()
		return ErrNoCredential
	}

	if c.state == StateConnecting || c.state == StateOpen || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.endpoint = endpoint
	c.token = token
	c.attempt = 0
	c.epoch++
	epoch := c.epoch
	notify := c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()
	notify()

	c.logger.WithFields(logrus.Fields{
		"endpoint": endpoint,
		"token":    privacy.MaskToken(token),
	}).Info("Connecting signaling channel")

	go c.dial(epoch)
	return nil
}

// Close tears the channel down with a normal close code. It never
// reconnects afterwards.
func (c *Channel) Close() {
	c.mu.Lock()
	c.epoch++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	lc := c.conn
	c.conn = nil
	var notify func()
	if lc != nil {
		notify = c.setStateLocked(StateClosing, nil)
	}
	c.mu.Unlock()

	if lc != nil {
		notify()
		if err := lc.conn.Close(CloseNormal, "client closing"); err != nil {
			c.logger.WithError(err).Debug("Error closing signaling connection")
		}
		close(lc.closed)
		lc.cancel()
	}

	c.mu.Lock()
	notify = c.setStateLocked(StateClosed, nil)
	c.mu.Unlock()
	notify()
}

// State returns the current lifecycle state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error behind the last failure transition, if any
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// WaitOpen blocks until the channel is open, ctx is done, or the channel
// reaches a state it will not leave on its own.
func (c *Channel) WaitOpen(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, changed, lastErr := c.state, c.changed, c.lastErr
		c.mu.Unlock()

		switch state {
		case StateOpen:
			return nil
		case StateClosed, StateUnreachable:
			if lastErr != nil {
				return lastErr
			}
			return ErrNotOpen
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// OnStateChange registers a lifecycle listener
func (c *Channel) OnStateChange(listener StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// Subscribe registers handler for frames of type t. Handlers for one type
// run in registration order.
func (c *Channel) Subscribe(t types.FrameType, handler Handler) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.subs[t] = append(c.subs[t], subscription{id: c.nextID, handler: handler})
	return &Subscription{ch: c, frameType: t, id: c.nextID}
}

func (c *Channel) unsubscribe(t types.FrameType, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.subs[t]
	for i, s := range list {
		if s.id == id {
			next := make([]subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			c.subs[t] = next
			return
		}
	}
}

// Send queues a frame on the live connection. It fails with ErrNotOpen
// when the channel is not open and ErrBackpressure when the queue is full.
func (c *Channel) Send(t types.FrameType, payload interface{}) error {
	data, err := types.Encode(t, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	lc, state := c.conn, c.state
	c.mu.Unlock()

	if state != StateOpen || lc == nil {
		c.logger.WithFields(logrus.Fields{
			"type":  t,
			"state": state.String(),
		}).Warn("Dropping frame, signaling channel is not open")
		metrics.IncrementCounter(metrics.FramesDropped, map[string]string{"type": string(t)})
		return ErrNotOpen
	}

	select {
	case lc.send <- data:
		metrics.IncrementCounter(metrics.FramesSent, map[string]string{"type": string(t)})
		return nil
	default:
		metrics.IncrementCounter(metrics.FramesDropped, map[string]string{"type": string(t)})
		return ErrBackpressure
	}
}

func (c *Channel) dial(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	var ctx context.Context
	var cancel context.CancelFunc
	if c.cfg.OpenTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.cfg.OpenTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	c.dialCancel = cancel
	endpoint, token := c.endpoint, c.token
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, endpoint, token)
	cancel()

	c.mu.Lock()
	if epoch != c.epoch || c.state != StateConnecting {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(CloseNormal, "superseded")
		}
		return
	}
	c.dialCancel = nil

	if err != nil {
		var notify func()
		if isAuthFailure(err) {
			c.logger.WithError(err).Error("Signaling handshake rejected credential")
			notify = c.setStateLocked(StateClosed, fmt.Errorf("%w: %v", ErrAuthentication, err))
		} else {
			c.logger.WithError(err).Debug("Signaling dial failed")
			notify = c.scheduleReconnectLocked(err, nil)
		}
		c.mu.Unlock()
		notify()
		return
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	lc := &liveConn{
		conn:   conn,
		send:   make(chan []byte, c.cfg.SendQueueSize),
		ctx:    connCtx,
		cancel: connCancel,
		closed: make(chan struct{}),
	}
	c.conn = lc
	c.attempt = 0
	notify := c.setStateLocked(StateOpen, nil)
	c.mu.Unlock()

	c.logger.Info("Signaling channel open")
	notify()

	go c.writePump(epoch, lc)
	go c.readLoop(epoch, lc)
}

func (c *Channel) writePump(epoch uint64, lc *liveConn) {
	for {
		select {
		case <-lc.ctx.Done():
			return
		case data := <-lc.send:
			err := c.write(lc, data)
			if err != nil {
				c.logger.WithError(err).Warn("Signaling write failed")
				c.handleDisconnect(epoch, lc, err)
				return
			}
		}
	}
}

func (c *Channel) write(lc *liveConn, data []byte) error {
	if c.cfg.WriteTimeout <= 0 {
		return lc.conn.Write(lc.ctx, data)
	}
	ctx, cancel := context.WithTimeout(lc.ctx, c.cfg.WriteTimeout)
	defer cancel()
	return lc.conn.Write(ctx, data)
}

func (c *Channel) readLoop(epoch uint64, lc *liveConn) {
	for {
		data, err := lc.conn.Read(lc.ctx)
		if err != nil {
			c.handleDisconnect(epoch, lc, err)
			return
		}

		frame, err := types.Parse(data)
		if err != nil {
			c.logger.WithError(err).Warn("Ignoring malformed signaling frame")
			continue
		}
		if frame.Type == types.TypeError {
			var ef types.ErrorFrame
			_ = frame.Decode(&ef)
			c.logger.WithField("error", ef.Error).Warn("Signaling server reported an error")
		}
		metrics.IncrementCounter(metrics.FramesReceived, map[string]string{"type": string(frame.Type)})
		c.dispatch(frame)
	}
}

func (c *Channel) dispatch(frame types.Frame) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	handlers := make([]subscription, len(c.subs[frame.Type]))
	copy(handlers, c.subs[frame.Type])
	c.mu.Unlock()

	for _, s := range handlers {
		c.invoke(frame, s.handler)
	}
}

func (c *Channel) invoke(frame types.Frame, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"type":  frame.Type,
				"panic": r,
			}).Error("Signaling handler panicked")
		}
	}()
	h(frame)
}

func (c *Channel) handleDisconnect(epoch uint64, lc *liveConn, cause error) {
	c.mu.Lock()
	if epoch != c.epoch || c.conn != lc {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	lc.cancel()

	code := closeCode(cause)
	var notify func()
	switch {
	case code == CloseNormal:
		c.logger.Info("Signaling server closed the connection")
		notify = c.setStateLocked(StateClosed, nil)
	case isAuthFailure(cause):
		c.logger.WithField("code", code).Error("Signaling server revoked credential")
		notify = c.setStateLocked(StateClosed, fmt.Errorf("%w: %v", ErrAuthentication, cause))
	default:
		c.logger.WithFields(logrus.Fields{
			"code":  code,
			"error": cause,
		}).Warn("Signaling connection lost")
		notify = c.scheduleReconnectLocked(cause, lc.closed)
	}
	c.mu.Unlock()

	_ = lc.conn.Close(CloseNormal, "")
	close(lc.closed)
	notify()
}

// scheduleReconnectLocked must be called with mu held. When prev is not nil
// the redial waits until it is closed.
func (c *Channel) scheduleReconnectLocked(cause error, prev <-chan struct{}) func() {
	if c.attempt >= c.cfg.MaxAttempts {
		c.logger.WithField("attempts", c.attempt).Error("Signaling server unreachable, giving up")
		return c.setStateLocked(StateUnreachable, fmt.Errorf("%w: %v", ErrUnreachable, cause))
	}

	delay := c.backoff.Delay(c.attempt)
	c.attempt++
	epoch := c.epoch
	metrics.IncrementCounter(metrics.ReconnectAttempts, nil)

	c.logger.WithFields(logrus.Fields{
		"attempt": c.attempt,
		"delay":   delay.String(),
	}).Info("Scheduling signaling reconnect")

	c.reconnectTimer = time.AfterFunc(delay, func() {
		if prev != nil {
			<-prev
		}
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return
		}
		c.reconnectTimer = nil
		c.mu.Unlock()
		c.dial(epoch)
	})
	return c.setStateLocked(StateConnecting, nil)
}

// setStateLocked must be called with mu held. The returned func notifies
// listeners and must be called after mu is released.
func (c *Channel) setStateLocked(state State, err error) func() {
	changed := c.state != state || err != nil
	c.state = state
	c.lastErr = err
	if !changed {
		return func() {}
	}

	close(c.changed)
	c.changed = make(chan struct{})
	metrics.SetGauge(metrics.ChannelState, float64(state), nil)

	listeners := make([]StateListener, len(c.listeners))
	copy(listeners, c.listeners)
	return func() {
		for _, l := range listeners {
			l(state, err)
		}
	}
}

package peer

import (
	"context"
	"fmt"
	"sync"

	"linkup/internal/constants"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// PionFactory creates peer connections backed by pion/webrtc with the
// default codecs and interceptors registered.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *logrus.Logger
}

// NewPionFactory builds a factory using iceServers (STUN/TURN URLs). An empty
// list falls back to the default public STUN server.
func NewPionFactory(iceServers []string, logger *logrus.Logger) (*PionFactory, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if len(iceServers) == 0 {
		iceServers = constants.DefaultICEServers
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	return &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
		),
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
		},
		logger: logger,
	}, nil
}

func (f *PionFactory) NewConnection(ctx context.Context, label string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := &pionConnection{
		pc:     pc,
		label:  label,
		logger: f.logger,
	}
	c.wire()
	return c, nil
}

type pionConnection struct {
	pc     *webrtc.PeerConnection
	label  string
	logger *logrus.Logger

	mu       sync.Mutex
	onICE    func(Candidate)
	onState  func(State)
	onTrack  func(RemoteTrack)
	closed   bool
	lastSent State
}

func (c *pionConnection) wire() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		state := mapState(s)
		c.logger.WithFields(logrus.Fields{
			"peer":  c.label,
			"state": state.String(),
		}).Debug("Peer connection state changed")

		c.mu.Lock()
		if state == c.lastSent {
			c.mu.Unlock()
			return
		}
		c.lastSent = state
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.WithFields(logrus.Fields{
			"peer":      c.label,
			"kind":      track.Kind().String(),
			"stream_id": track.StreamID(),
		}).Debug("Remote track received")

		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(RemoteTrack{ID: track.ID(), Kind: track.Kind().String(), StreamID: track.StreamID()})
		}
	})
}

func mapState(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

func (c *pionConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *pionConnection) CreateOffer(ctx context.Context) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	return c.setLocal(ctx, offer)
}

func (c *pionConnection) CreateAnswer(ctx context.Context) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	if c.pc.RemoteDescription() == nil {
		return "", ErrNoRemoteDesc
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	return c.setLocal(ctx, answer)
}

func (c *pionConnection) setLocal(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	local := c.pc.LocalDescription()
	if local == nil {
		return "", ErrEmptySDP
	}
	return local.SDP, nil
}

func (c *pionConnection) SetRemoteDescription(kind SDPKind, sdp string) error {
	if c.isClosed() {
		return ErrClosed
	}
	if sdp == "" {
		return ErrEmptySDP
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if kind == SDPAnswer {
		desc.Type = webrtc.SDPTypeAnswer
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (c *pionConnection) AddICECandidate(cand Candidate) error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.pc.RemoteDescription() == nil {
		return ErrNoRemoteDesc
	}
	return c.pc.AddICECandidate(cand)
}

// AddTracks attaches every track of stream and drains RTCP for each sender
// so the interceptors keep running.
func (c *pionConnection) AddTracks(stream Stream) error {
	if c.isClosed() {
		return ErrClosed
	}
	if stream == nil || stream.Stopped() {
		return ErrStreamStopped
	}
	for _, track := range stream.Tracks() {
		sender, err := c.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

func (c *pionConnection) OnICECandidate(fn func(Candidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *pionConnection) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *pionConnection) OnRemoteTrack(fn func(RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

// Close is idempotent
func (c *pionConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onICE = nil
	c.onTrack = nil
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		c.logger.WithError(err).WithField("peer", c.label).Warn("Peer connection close failed")
		return err
	}
	c.logger.WithField("peer", c.label).Debug("Peer connection closed")
	return nil
}

// Package peertest provides in-memory peer connections and media sources
// for driving call and broadcast logic in tests.
package peertest

import (
	"context"
	"fmt"
	"sync"

	"linkup/internal/peer"

	"github.com/pion/webrtc/v4"
)

// Connection records every negotiation step applied to it
type Connection struct {
	Label string

	mu          sync.Mutex
	remoteKind  peer.SDPKind
	remoteSDP   string
	hasRemote   bool
	offers      int
	answers     int
	candidates  []peer.Candidate
	streams     []peer.Stream
	closed      int
	onICE       func(peer.Candidate)
	onState     func(peer.State)
	onTrack     func(peer.RemoteTrack)
	FailOffer   error
	FailAnswer  error
	FailRemote  error
	FailTracks  error
	FailAddCand error
}

func (c *Connection) CreateOffer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed > 0 {
		return "", peer.ErrClosed
	}
	if c.FailOffer != nil {
		return "", c.FailOffer
	}
	c.offers++
	return fmt.Sprintf("offer-sdp:%s:%d", c.Label, c.offers), nil
}

func (c *Connection) CreateAnswer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed > 0 {
		return "", peer.ErrClosed
	}
	if c.FailAnswer != nil {
		return "", c.FailAnswer
	}
	if !c.hasRemote {
		return "", peer.ErrNoRemoteDesc
	}
	c.answers++
	return fmt.Sprintf("answer-sdp:%s:%d", c.Label, c.answers), nil
}

func (c *Connection) SetRemoteDescription(kind peer.SDPKind, sdp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed > 0 {
		return peer.ErrClosed
	}
	if c.FailRemote != nil {
		return c.FailRemote
	}
	if sdp == "" {
		return peer.ErrEmptySDP
	}
	c.remoteKind = kind
	c.remoteSDP = sdp
	c.hasRemote = true
	return nil
}

func (c *Connection) AddICECandidate(cand peer.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed > 0 {
		return peer.ErrClosed
	}
	if !c.hasRemote {
		return peer.ErrNoRemoteDesc
	}
	if c.FailAddCand != nil {
		return c.FailAddCand
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *Connection) AddTracks(stream peer.Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailTracks != nil {
		return c.FailTracks
	}
	if stream == nil || stream.Stopped() {
		return peer.ErrStreamStopped
	}
	c.streams = append(c.streams, stream)
	return nil
}

func (c *Connection) OnICECandidate(fn func(peer.Candidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *Connection) OnStateChange(fn func(peer.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Connection) OnRemoteTrack(fn func(peer.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

// EmitCandidate simulates local ICE gathering
func (c *Connection) EmitCandidate(candidate string) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(peer.Candidate{Candidate: candidate})
	}
}

// EmitState simulates a connection state change
func (c *Connection) EmitState(s peer.State) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// EmitTrack simulates remote media arriving
func (c *Connection) EmitTrack(kind string) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(peer.RemoteTrack{ID: kind + "-track", Kind: kind, StreamID: c.Label})
	}
}

func (c *Connection) RemoteSDP() (peer.SDPKind, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteKind, c.remoteSDP
}

func (c *Connection) Candidates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.candidates))
	for i, cand := range c.candidates {
		out[i] = cand.Candidate
	}
	return out
}

func (c *Connection) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

func (c *Connection) Answers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers
}

func (c *Connection) TrackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// CloseCount returns how many times Close was called
func (c *Connection) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Closed() bool {
	return c.CloseCount() > 0
}

// Factory hands out Connections and keeps every one it created
type Factory struct {
	mu    sync.Mutex
	conns []*Connection
	Err   error
	// Prepare, if set, configures each connection before it is returned.
	Prepare func(*Connection)
}

func (f *Factory) NewConnection(ctx context.Context, label string) (peer.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Connection{Label: label}
	if f.Prepare != nil {
		f.Prepare(c)
	}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *Factory) Conns() []*Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Connection, len(f.conns))
	copy(out, f.conns)
	return out
}

// Last returns the most recently created connection, or nil
func (f *Factory) Last() *Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// ByLabel returns the newest connection created with label, or nil
func (f *Factory) ByLabel(label string) *Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.conns) - 1; i >= 0; i-- {
		if f.conns[i].Label == label {
			return f.conns[i]
		}
	}
	return nil
}

// MediaSource hands out Streams and counts acquisitions
type MediaSource struct {
	mu       sync.Mutex
	Err      error
	acquired []*Stream
}

func (m *MediaSource) Acquire(ctx context.Context, kind peer.MediaKind) (peer.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	s := &Stream{id: fmt.Sprintf("stream-%d", len(m.acquired)+1)}
	m.acquired = append(m.acquired, s)
	return s, nil
}

func (m *MediaSource) Streams() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Stream, len(m.acquired))
	copy(out, m.acquired)
	return out
}

// AllStopped reports whether every acquired stream was released
func (m *MediaSource) AllStopped() bool {
	for _, s := range m.Streams() {
		if !s.Stopped() {
			return false
		}
	}
	return true
}

// Stream is a track-less local stream
type Stream struct {
	id string

	mu    sync.Mutex
	stops int
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []webrtc.TrackLocal { return nil }

func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops > 0
}

func (s *Stream) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

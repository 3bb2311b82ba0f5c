// Package signalingtest provides an in-memory signaling server that plugs
// into signaling.Channel as its Dialer.
package signalingtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"linkup/pkg/signaling"
	"linkup/pkg/signaling/types"
)

var errClosed = errors.New("connection closed")

// Server accepts every dial and records the frames clients send
type Server struct {
	mu       sync.Mutex
	conns    []*conn
	received []types.Frame
	handlers map[types.FrameType]func(types.Frame)
	changed  chan struct{}
}

func NewServer() *Server {
	return &Server{
		handlers: make(map[types.FrameType]func(types.Frame)),
		changed:  make(chan struct{}),
	}
}

// Dial implements signaling.Dialer
func (s *Server) Dial(ctx context.Context, url, token string) (signaling.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &conn{
		server: s,
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	return c, nil
}

// Handle registers fn to run for every frame of type t a client sends
func (s *Server) Handle(t types.FrameType, fn func(types.Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = fn
}

// Push delivers a frame to the newest open connection
func (s *Server) Push(t types.FrameType, payload interface{}) error {
	data, err := types.Encode(t, payload)
	if err != nil {
		return err
	}
	c := s.live()
	if c == nil {
		return errClosed
	}
	select {
	case c.in <- data:
		return nil
	case <-c.closed:
		return errClosed
	}
}

// Drop severs the newest connection without a close frame
func (s *Server) Drop() {
	if c := s.live(); c != nil {
		c.terminate(errors.New("connection reset by peer"))
	}
}

// Frames returns every frame of type t sent by clients so far
func (s *Server) Frames(t types.FrameType) []types.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Frame
	for _, f := range s.received {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

// WaitFrames blocks until at least n frames of type t were received or the
// timeout expires, and returns what it has.
func (s *Server) WaitFrames(t types.FrameType, n int, timeout time.Duration) []types.Frame {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		changed := s.changed
		s.mu.Unlock()

		if frames := s.Frames(t); len(frames) >= n {
			return frames
		}
		select {
		case <-changed:
		case <-deadline.C:
			return s.Frames(t)
		}
	}
}

// Connections returns how many dials the server accepted
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) live() *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.conns) - 1; i >= 0; i-- {
		if !s.conns[i].isClosed() {
			return s.conns[i]
		}
	}
	return nil
}

func (s *Server) record(data []byte) {
	frame, err := types.Parse(data)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.received = append(s.received, frame)
	close(s.changed)
	s.changed = make(chan struct{})
	handler := s.handlers[frame.Type]
	s.mu.Unlock()

	if handler != nil {
		handler(frame)
	}
}

type conn struct {
	server *Server
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func (c *conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) Write(ctx context.Context, data []byte) error {
	if c.isClosed() {
		return errClosed
	}
	c.server.record(data)
	return nil
}

func (c *conn) Close(code int, reason string) error {
	c.terminate(&signaling.CloseError{Code: code, Reason: reason})
	return nil
}

func (c *conn) terminate(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

package signaling

import (
	"context"
	"errors"
	"sync"
)

var errConnClosed = errors.New("use of closed connection")

// fakeConn is an in-memory transport handle driven by the test as server
type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	writeGate chan struct{}

	mu         sync.Mutex
	readErr    error
	written    [][]byte
	localCode  int
	localClose bool
	writeErr   error

	// closeGate holds a local Close until the test releases it
	closeGate chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	if c.writeGate != nil {
		select {
		case <-c.writeGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	c.written = append(c.written, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	gate := c.closeGate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	if !c.localClose && c.readErr == nil {
		c.localClose = true
		c.localCode = code
		c.readErr = errConnClosed
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// serverClose simulates the peer closing with code
func (c *fakeConn) serverClose(code int) {
	c.mu.Lock()
	if c.readErr == nil {
		c.readErr = &CloseError{Code: code, Reason: "server"}
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
}

// drop simulates a network failure without a close frame
func (c *fakeConn) drop() {
	c.mu.Lock()
	if c.readErr == nil {
		c.readErr = errors.New("connection reset by peer")
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
}

// failWrites makes every later Write fail and holds Close until the
// returned channel is closed
func (c *fakeConn) failWrites(err error) chan struct{} {
	gate := make(chan struct{})
	c.mu.Lock()
	c.writeErr = err
	c.closeGate = gate
	c.mu.Unlock()
	return gate
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

type fakeDialer struct {
	mu         sync.Mutex
	errs       []error
	block      bool
	conns      []*fakeConn
	tokens     []string
	openAtDial []int
	writeGate  chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	d.mu.Lock()
	d.tokens = append(d.tokens, token)
	open := 0
	for _, c := range d.conns {
		if !c.isClosed() {
			open++
		}
	}
	d.openAtDial = append(d.openAtDial, open)
	block := d.block
	var err error
	if len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	}
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	conn := newFakeConn()
	conn.writeGate = d.writeGate
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"linkup/internal/models"
	"linkup/pkg/signaling"
	"linkup/pkg/signaling/signalingtest"
	"linkup/pkg/signaling/types"

	"github.com/stretchr/testify/mock"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) StartStream(ctx context.Context, streamID string) (*models.StreamInfo, error) {
	args := m.Called(ctx, streamID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.StreamInfo), args.Error(1)
}

func (m *mockAPI) EndStream(ctx context.Context, streamID string) error {
	return m.Called(ctx, streamID).Error(0)
}

func (m *mockAPI) JoinStream(ctx context.Context, streamID string) (*models.StreamInfo, error) {
	args := m.Called(ctx, streamID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.StreamInfo), args.Error(1)
}

func (m *mockAPI) LeaveStream(ctx context.Context, streamID string) error {
	return m.Called(ctx, streamID).Error(0)
}

// slot is a single-owner gate
type slot struct {
	mu    sync.Mutex
	owner string
}

func (g *slot) Acquire(owner string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner != "" && g.owner != owner {
		return false
	}
	g.owner = owner
	return true
}

func (g *slot) Release(owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner == owner {
		g.owner = ""
	}
}

func (g *slot) Owner() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owner
}

// stalledDialer never completes a dial
type stalledDialer struct{}

func (stalledDialer) Dial(ctx context.Context, url, token string) (signaling.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// forward re-sends a frame a client sent to one server from another server
func forward(t *testing.T, to *signalingtest.Server, f types.Frame) {
	var body map[string]interface{}
	if err := json.Unmarshal(f.Raw, &body); err != nil {
		t.Errorf("relay: %v", err)
		return
	}
	delete(body, "type")
	if err := to.Push(f.Type, body); err != nil {
		t.Errorf("relay %s: %v", f.Type, err)
	}
}

// stateLog records every state a session reports
type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) add(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) count(s State) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, st := range l.states {
		if st == s {
			n++
		}
	}
	return n
}

func (l *stateLog) all() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

package call

import (
	"context"
	"sync"

	"linkup/internal/models"
	"linkup/pkg/api"

	"github.com/stretchr/testify/mock"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) StartCall(ctx context.Context, req api.StartCallRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *mockAPI) EndCall(ctx context.Context, callID string, status models.CallStatus, durationSec int) error {
	args := m.Called(ctx, callID, status, durationSec)
	return args.Error(0)
}

func (m *mockAPI) GetCallHistory(ctx context.Context, roomID string) ([]models.CallRecord, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.CallRecord), args.Error(1)
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

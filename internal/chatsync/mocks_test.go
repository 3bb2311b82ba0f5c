package chatsync

import (
	"context"

	"linkup/internal/models"
	"linkup/pkg/api"

	"github.com/stretchr/testify/mock"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) ListRooms(ctx context.Context) ([]models.Room, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Room), args.Error(1)
}

func (m *mockAPI) GetMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Message), args.Error(1)
}

func (m *mockAPI) PostMessage(ctx context.Context, roomID string, msg api.PostMessageRequest) (*models.Message, error) {
	args := m.Called(ctx, roomID, msg)
	if fn, ok := args.Get(0).(func(context.Context, string, api.PostMessageRequest) *models.Message); ok {
		return fn(ctx, roomID, msg), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Message), args.Error(1)
}

package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-relay/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Append(ctx context.Context, msg types.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockStore) History(ctx context.Context, roomId string, since time.Time) ([]types.Message, error) {
	args := m.Called(ctx, roomId, since)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) RecordJoin(ctx context.Context, userId, roomId string, at time.Time) error {
	args := m.Called(ctx, userId, roomId, at)
	return args.Error(0)
}
func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

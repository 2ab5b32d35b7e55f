package guard

import (
	"context"

	"github.com/stretchr/testify/mock"

	"firestige.xyz/flowguard/internal/core"
)

// MockBackend is a mock implementation of core.EnforcementBackend.
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Install(ctx context.Context, rule core.RuleDescription) (core.RuleHandle, error) {
	args := m.Called(ctx, rule)
	return args.Get(0).(core.RuleHandle), args.Error(1)
}

func (m *MockBackend) Remove(ctx context.Context, handle core.RuleHandle) error {
	args := m.Called(ctx, handle)
	return args.Error(0)
}

func (m *MockBackend) RemoveAllByOwner(ctx context.Context, owner string) error {
	args := m.Called(ctx, owner)
	return args.Error(0)
}

func (m *MockBackend) ListActive(ctx context.Context, device core.DeviceID) ([]core.RuleDescription, error) {
	args := m.Called(ctx, device)
	return args.Get(0).([]core.RuleDescription), args.Error(1)
}

package cmd

import (
	"context"

	"github.com/stretchr/testify/mock"

	"firestige.xyz/flowguard/internal/command"
	"firestige.xyz/flowguard/internal/guard"
	"firestige.xyz/flowguard/internal/registry"
)

// MockClient implements ControlClient.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) AddRule(ctx context.Context, req registry.RuleRequest) (registry.Report, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(registry.Report), args.Error(1)
}

func (m *MockClient) DeleteRule(ctx context.Context, ruleID string) (registry.Report, error) {
	args := m.Called(ctx, ruleID)
	return args.Get(0).(registry.Report), args.Error(1)
}

func (m *MockClient) DeleteAppRules(ctx context.Context, owner string) (command.DeleteAppRulesResult, error) {
	args := m.Called(ctx, owner)
	return args.Get(0).(command.DeleteAppRulesResult), args.Error(1)
}

func (m *MockClient) Configure(ctx context.Context, limits guard.Limits) (guard.Limits, error) {
	args := m.Called(ctx, limits)
	return args.Get(0).(guard.Limits), args.Error(1)
}

func (m *MockClient) Bans(ctx context.Context) (guard.Snapshot, error) {
	args := m.Called(ctx)
	return args.Get(0).(guard.Snapshot), args.Error(1)
}

func (m *MockClient) Rules(ctx context.Context) (command.RulesResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(command.RulesResult), args.Error(1)
}

func (m *MockClient) Status(ctx context.Context) (command.StatusResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(command.StatusResult), args.Error(1)
}

func (m *MockClient) Reload(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) Shutdown(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// withClient routes commands executed through rootCmd to c.
func withClient(t interface{ Cleanup(func()) }, c ControlClient) {
	prev := newClient
	newClient = func() ControlClient { return c }
	t.Cleanup(func() { newClient = prev })
}

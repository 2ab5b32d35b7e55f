package command

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/mock"

	"firestige.xyz/flowguard/internal/guard"
	"firestige.xyz/flowguard/internal/registry"
)

type MockGuard struct {
	mock.Mock
}

func (m *MockGuard) Configure(maxEvents int, banDuration time.Duration) error {
	return m.Called(maxEvents, banDuration).Error(0)
}

func (m *MockGuard) Limits() guard.Limits {
	return m.Called().Get(0).(guard.Limits)
}

func (m *MockGuard) Snapshot() guard.Snapshot {
	return m.Called().Get(0).(guard.Snapshot)
}

type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) AddRule(ctx context.Context, req registry.RuleRequest) (registry.Report, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(registry.Report), args.Error(1)
}

func (m *MockRegistry) DeleteRule(ctx context.Context, ruleID string) (registry.Report, error) {
	args := m.Called(ctx, ruleID)
	return args.Get(0).(registry.Report), args.Error(1)
}

func (m *MockRegistry) DeleteAllRulesByApp(ctx context.Context, owner string) (int, error) {
	args := m.Called(ctx, owner)
	return args.Int(0), args.Error(1)
}

func (m *MockRegistry) Rules() []registry.Entry {
	return m.Called().Get(0).([]registry.Entry)
}

func (m *MockRegistry) Owner() string {
	return m.Called().String(0)
}

type mockReloader struct {
	err   error
	calls int
}

func (m *mockReloader) Reload() error {
	m.calls++
	return m.err
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

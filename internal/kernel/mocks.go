package kernel

import (
	"context"

	"github.com/stretchr/testify/mock"

	"grimm.is/nftsync/internal/ruleset"
)

// MockChannel is a mock implementation of Channel for testing.
type MockChannel struct {
	mock.Mock
}

func (m *MockChannel) Query(ctx context.Context) (ruleset.Ruleset, error) {
	args := m.Called(ctx)
	return args.Get(0).(ruleset.Ruleset), args.Error(1)
}

func (m *MockChannel) Apply(ctx context.Context, r ruleset.Ruleset) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockChannel) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockCommandRunner is a mock implementation of CommandRunner for testing.
type MockCommandRunner struct {
	mock.Mock
}

func (m *MockCommandRunner) RunInput(ctx context.Context, input []byte, name string, args ...string) ([]byte, error) {
	callArgs := make([]interface{}, 0, len(args)+2)
	callArgs = append(callArgs, string(input), name)
	for _, a := range args {
		callArgs = append(callArgs, a)
	}
	result := m.Called(callArgs...)
	if result.Get(0) == nil {
		return nil, result.Error(1)
	}
	return result.Get(0).([]byte), result.Error(1)
}

func (m *MockCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	callArgs := make([]interface{}, 0, len(args)+1)
	callArgs = append(callArgs, name)
	for _, a := range args {
		callArgs = append(callArgs, a)
	}
	result := m.Called(callArgs...)
	if result.Get(0) == nil {
		return nil, result.Error(1)
	}
	return result.Get(0).([]byte), result.Error(1)
}

// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/hostaudit/api/schemas"
	"github.com/xkilldash9x/hostaudit/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	args := m.Called()
	return args.Get(0).(config.ServerConfig)
}

func (m *MockConfig) Scan() config.ScanConfig {
	args := m.Called()
	return args.Get(0).(config.ScanConfig)
}

func (m *MockConfig) Units() config.UnitsConfig {
	args := m.Called()
	return args.Get(0).(config.UnitsConfig)
}

func (m *MockConfig) Usage() config.UsageConfig {
	args := m.Called()
	return args.Get(0).(config.UsageConfig)
}

func (m *MockConfig) Classifier() config.ClassifierConfig {
	args := m.Called()
	return args.Get(0).(config.ClassifierConfig)
}

func (m *MockConfig) LLM() config.LLMRouterConfig {
	args := m.Called()
	return args.Get(0).(config.LLMRouterConfig)
}

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

// Generate provides a mock function for LLM calls.
func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// Close returns nil unless an expectation was registered.
func (m *MockLLMClient) Close() error {
	for _, call := range m.ExpectedCalls {
		if call.Method == "Close" {
			return m.Called().Error(0)
		}
	}
	return nil
}

// -- Scanner Unit Mock --

// MockScannerUnit mocks the schemas.ScannerUnit interface.
type MockScannerUnit struct {
	mock.Mock
	UnitName string
}

func (m *MockScannerUnit) Name() string { return m.UnitName }

func (m *MockScannerUnit) Run(ctx context.Context, target string, timeout time.Duration) (json.RawMessage, error) {
	args := m.Called(ctx, target, timeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}

var (
	_ config.Interface    = (*MockConfig)(nil)
	_ schemas.LLMClient   = (*MockLLMClient)(nil)
	_ schemas.ScannerUnit = (*MockScannerUnit)(nil)
)

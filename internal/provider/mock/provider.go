package mock

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/kiranshivaraju/adbatch/internal/provider"
)

// MockProvider satisfies provider.Client for testing.
type MockProvider struct {
	Name_      string
	SubmitFunc func(ctx context.Context, req provider.SubmitRequest) (string, error)
	StatusFunc func(ctx context.Context, apiKey, handle string) (provider.TaskStatus, error)

	submits atomic.Int64
	polls   atomic.Int64
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Submit(ctx context.Context, req provider.SubmitRequest) (string, error) {
	m.submits.Add(1)
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, req)
	}
	return "task-" + req.ItemID.String(), nil
}

func (m *MockProvider) Status(ctx context.Context, apiKey, handle string) (provider.TaskStatus, error) {
	m.polls.Add(1)
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, apiKey, handle)
	}
	return provider.TaskStatus{Status: provider.StatusCompleted, ResultRef: ResultURL(handle)}, nil
}

// Submits returns how many times Submit was called.
func (m *MockProvider) Submits() int64 { return m.submits.Load() }

// Polls returns how many times Status was called.
func (m *MockProvider) Polls() int64 { return m.polls.Load() }

// ResultURL is the image URL the default mock reports for a task handle.
func ResultURL(handle string) string {
	return fmt.Sprintf("https://cdn.example.com/generated/%s.png", handle)
}

// NewMockProvider returns a MockProvider whose tasks complete on the first poll.
func NewMockProvider() *MockProvider {
	return &MockProvider{Name_: "mock"}
}

// NewFailingProvider returns a MockProvider whose submissions always fail with err.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		SubmitFunc: func(_ context.Context, _ provider.SubmitRequest) (string, error) {
			return "", err
		},
	}
}

// NewStuckProvider returns a MockProvider whose tasks never leave processing.
func NewStuckProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-stuck",
		StatusFunc: func(_ context.Context, _, _ string) (provider.TaskStatus, error) {
			return provider.TaskStatus{Status: provider.StatusProcessing}, nil
		},
	}
}

// Compile-time check that MockProvider implements provider.Client.
var _ provider.Client = (*MockProvider)(nil)

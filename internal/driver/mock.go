package driver

import (
	"context"
	"sync"
	"time"

	"agentgate/internal/events"
)

// MockDriver is a scripted in-process driver for tests and dry runs. Each
// Execute call pops the next scripted result; when the script is exhausted
// the last result repeats.
type MockDriver struct {
	DriverName string
	Script     []Result
	// Delay simulates agent work so cancellation paths are exercisable.
	Delay time.Duration
	// OnExecute observes each request, e.g. to assert on feedback text.
	OnExecute func(req Request)
	// StreamEvents are replayed through the callback in streaming mode.
	StreamEvents []events.Event

	mu    sync.Mutex
	calls int
}

// NewMockDriver creates a mock that always succeeds unless scripted
// otherwise.
func NewMockDriver(name string) *MockDriver {
	return &MockDriver{
		DriverName: name,
		Script:     []Result{{Success: true, ExitCode: 0, Stdout: "{\"result\": \"ok\"}"}},
	}
}

func (m *MockDriver) Name() string { return m.DriverName }

func (m *MockDriver) IsAvailable() bool { return true }

func (m *MockDriver) Capabilities() Capabilities {
	return Capabilities{
		SupportsSessionResume:    true,
		SupportsStructuredOutput: true,
		SupportsTimeout:          true,
		MaxTurns:                 100,
	}
}

// Calls returns how many times Execute ran.
func (m *MockDriver) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockDriver) Execute(ctx context.Context, req Request, opts ExecOptions) (Result, error) {
	if m.OnExecute != nil {
		m.OnExecute(req)
	}

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return Result{Cancelled: true, ExitCode: 137}, ctx.Err()
		}
	}

	if opts.Callback != nil && opts.WorkOrderID != "" && opts.RunID != "" {
		for _, ev := range m.StreamEvents {
			ev.WorkOrderID = opts.WorkOrderID
			ev.RunID = opts.RunID
			opts.Callback(ev)
		}
	}

	m.mu.Lock()
	idx := m.calls
	m.calls++
	if idx >= len(m.Script) {
		idx = len(m.Script) - 1
	}
	result := m.Script[idx]
	m.mu.Unlock()

	if result.StructuredOutput == nil {
		result.StructuredOutput = map[string]any{"result": result.Stdout}
	}
	return result, nil
}

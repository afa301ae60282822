package queue

import (
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProc stands in for a real subprocess. It exits when it receives
// any signal it was told to honor.
type fakeProc struct {
	mu       sync.Mutex
	signals  []syscall.Signal
	exitCh   chan ExitStatus
	exitOnce sync.Once

	honorTerm bool
}

func newFakeProc(honorTerm bool) *fakeProc {
	return &fakeProc{exitCh: make(chan ExitStatus, 1), honorTerm: honorTerm}
}

func (f *fakeProc) handle(pid int) Handle {
	return Handle{
		PID: pid,
		Signal: func(sig syscall.Signal) error {
			f.mu.Lock()
			f.signals = append(f.signals, sig)
			f.mu.Unlock()
			if sig == syscall.SIGKILL || (sig == syscall.SIGTERM && f.honorTerm) {
				f.exit(ExitStatus{Code: -1, Signal: sig.String()})
			}
			return nil
		},
		Exited: f.exitCh,
	}
}

func (f *fakeProc) exit(status ExitStatus) {
	f.exitOnce.Do(func() {
		f.exitCh <- status
		close(f.exitCh)
	})
}

func (f *fakeProc) received() []syscall.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syscall.Signal(nil), f.signals...)
}

func waitEvent(t *testing.T, m *ProcessManager, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("never saw %s event", want)
		}
	}
}

func TestRegisterRejectsBadHandles(t *testing.T) {
	m := NewProcessManager()
	assert.Error(t, m.Register("wo-1", "run-1", Handle{PID: 0}))
	assert.Error(t, m.Register("wo-1", "run-1", Handle{PID: 123}))
}

func TestRegisterTracksExit(t *testing.T) {
	m := NewProcessManager()
	proc := newFakeProc(true)
	require.NoError(t, m.Register("wo-1", "run-1", proc.handle(4242)))

	info, ok := m.Get("wo-1")
	require.True(t, ok)
	assert.Equal(t, 4242, info.PID)
	assert.False(t, info.Exited)

	proc.exit(ExitStatus{Code: 0})
	ev := waitEvent(t, m, EventExited)
	assert.Equal(t, "wo-1", ev.WorkOrderID)
	assert.Equal(t, 0, ev.ExitCode)

	info, _ = m.Get("wo-1")
	assert.True(t, info.Exited)
}

func TestKillGracefulTermination(t *testing.T) {
	m := NewProcessManager()
	proc := newFakeProc(true)
	require.NoError(t, m.Register("wo-1", "run-1", proc.handle(100)))

	res := m.Kill("wo-1", time.Second, "test cancel")
	assert.True(t, res.Success)
	assert.False(t, res.ForcedKill)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, proc.received())
}

func TestKillEscalatesToSigkill(t *testing.T) {
	m := NewProcessManager()
	proc := newFakeProc(false) // ignores SIGTERM
	require.NoError(t, m.Register("wo-1", "run-1", proc.handle(100)))

	res := m.Kill("wo-1", 50*time.Millisecond, "stuck")
	assert.True(t, res.Success)
	assert.True(t, res.ForcedKill)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, proc.received())
}

func TestKillAlreadyExitedSucceeds(t *testing.T) {
	m := NewProcessManager()
	proc := newFakeProc(true)
	require.NoError(t, m.Register("wo-1", "run-1", proc.handle(100)))
	proc.exit(ExitStatus{Code: 1})
	waitEvent(t, m, EventExited)

	res := m.Kill("wo-1", time.Second, "late")
	assert.True(t, res.Success)
	assert.Empty(t, proc.received())
}

func TestKillUnknownWorkOrder(t *testing.T) {
	m := NewProcessManager()
	res := m.Kill("ghost", time.Second, "")
	assert.Error(t, res.Err)
	assert.False(t, res.Success)
}

func TestForceKill(t *testing.T) {
	m := NewProcessManager()
	proc := newFakeProc(false)
	require.NoError(t, m.Register("wo-1", "run-1", proc.handle(100)))

	res := m.ForceKill("wo-1")
	assert.True(t, res.Success)
	assert.True(t, res.ForcedKill)
	assert.Equal(t, []syscall.Signal{syscall.SIGKILL}, proc.received())
}

func TestKillAllAndShutdown(t *testing.T) {
	m := NewProcessManager()
	a, b := newFakeProc(true), newFakeProc(true)
	require.NoError(t, m.Register("wo-a", "run-a", a.handle(1)))
	require.NoError(t, m.Register("wo-b", "run-b", b.handle(2)))

	m.Shutdown(time.Second)
	for _, proc := range []*fakeProc{a, b} {
		assert.Contains(t, proc.received(), syscall.SIGTERM)
	}
	assert.Error(t, m.Register("wo-c", "run-c", newFakeProc(true).handle(3)))
}

func TestStaleMonitorFlagsLongRunners(t *testing.T) {
	m := NewProcessManager()
	proc := newFakeProc(true)
	require.NoError(t, m.Register("wo-1", "run-1", proc.handle(100)))

	m.StartStaleMonitor(10*time.Millisecond, time.Nanosecond)
	ev := waitEvent(t, m, EventStale)
	assert.Equal(t, "wo-1", ev.WorkOrderID)
	m.Shutdown(time.Second)
}

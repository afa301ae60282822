package queue

import (
	"fmt"
	"sync"
	"syscall"
	"time"
)

// ExitStatus is how a tracked process ended.
type ExitStatus struct {
	Code   int
	Signal string
}

// Handle abstracts a live subprocess so the manager never touches exec.Cmd
// directly. Exited must deliver exactly one status when the process ends.
type Handle struct {
	PID    int
	Signal func(sig syscall.Signal) error
	Exited <-chan ExitStatus
}

// EventType tags process-manager notifications.
type EventType string

const (
	EventRegistered EventType = "registered"
	EventExited     EventType = "exited"
	EventKilled     EventType = "killed"
	EventForceKill  EventType = "forceKilled"
	EventStale      EventType = "stale"
)

// Event is one process-manager notification.
type Event struct {
	Type        EventType
	WorkOrderID string
	RunID       string
	PID         int
	ExitCode    int
	ExitSignal  string
	Reason      string
}

// KillResult reports how a kill attempt went.
type KillResult struct {
	Success    bool
	ForcedKill bool
	Err        error
}

type procEntry struct {
	workOrderID string
	runID       string
	handle      Handle
	startedAt   time.Time

	exitOnce sync.Once
	exitedCh chan struct{} // closed when exit is recorded

	mu       sync.Mutex
	exited   bool
	exitCode int
	exitSig  string
}

func (e *procEntry) markExited(status ExitStatus) {
	e.exitOnce.Do(func() {
		e.mu.Lock()
		e.exited = true
		e.exitCode = status.Code
		e.exitSig = status.Signal
		e.mu.Unlock()
		close(e.exitedCh)
	})
}

// ProcInfo is a snapshot read of one tracked process.
type ProcInfo struct {
	WorkOrderID string
	RunID       string
	PID         int
	StartedAt   time.Time
	Exited      bool
	ExitCode    int
	ExitSignal  string
}

// ProcessManager tracks agent subprocesses by work-order id and owns the
// kill escalation path. One entry per work order; re-registering replaces
// the previous entry.
type ProcessManager struct {
	mu      sync.Mutex
	procs   map[string]*procEntry
	events  chan Event
	stopped bool

	staleStop chan struct{}
}

// DefaultKillGrace is the SIGTERM-to-SIGKILL window when the caller does not
// specify one.
const DefaultKillGrace = 5 * time.Second

func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs:  make(map[string]*procEntry),
		events: make(chan Event, 64),
	}
}

// Events streams manager notifications. Slow consumers lose events rather
// than stall the manager.
func (m *ProcessManager) Events() <-chan Event { return m.events }

func (m *ProcessManager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

// Register starts tracking a subprocess. A handle without a pid is rejected.
func (m *ProcessManager) Register(workOrderID, runID string, h Handle) error {
	if h.PID <= 0 {
		return fmt.Errorf("cannot register work order %s: process has no pid", workOrderID)
	}
	if h.Signal == nil || h.Exited == nil {
		return fmt.Errorf("cannot register work order %s: incomplete handle", workOrderID)
	}
	entry := &procEntry{
		workOrderID: workOrderID,
		runID:       runID,
		handle:      h,
		startedAt:   time.Now(),
		exitedCh:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("process manager is shut down")
	}
	m.procs[workOrderID] = entry
	m.mu.Unlock()

	go func() {
		status, ok := <-h.Exited
		if !ok {
			status = ExitStatus{Code: -1}
		}
		entry.markExited(status)
		m.emit(Event{
			Type:        EventExited,
			WorkOrderID: workOrderID,
			RunID:       runID,
			PID:         h.PID,
			ExitCode:    status.Code,
			ExitSignal:  status.Signal,
		})
	}()

	m.emit(Event{Type: EventRegistered, WorkOrderID: workOrderID, RunID: runID, PID: h.PID})
	return nil
}

// Get returns a snapshot of one tracked process.
func (m *ProcessManager) Get(workOrderID string) (ProcInfo, bool) {
	m.mu.Lock()
	entry, ok := m.procs[workOrderID]
	m.mu.Unlock()
	if !ok {
		return ProcInfo{}, false
	}
	return entry.snapshot(), true
}

func (e *procEntry) snapshot() ProcInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ProcInfo{
		WorkOrderID: e.workOrderID,
		RunID:       e.runID,
		PID:         e.handle.PID,
		StartedAt:   e.startedAt,
		Exited:      e.exited,
		ExitCode:    e.exitCode,
		ExitSignal:  e.exitSig,
	}
}

// List returns snapshots of every tracked process.
func (m *ProcessManager) List() []ProcInfo {
	m.mu.Lock()
	entries := make([]*procEntry, 0, len(m.procs))
	for _, e := range m.procs {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	infos := make([]ProcInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.snapshot())
	}
	return infos
}

// Kill sends SIGTERM and escalates to SIGKILL after the grace period. A
// process that already exited counts as success.
func (m *ProcessManager) Kill(workOrderID string, grace time.Duration, reason string) KillResult {
	m.mu.Lock()
	entry, ok := m.procs[workOrderID]
	m.mu.Unlock()
	if !ok {
		return KillResult{Err: fmt.Errorf("no process registered for work order %s", workOrderID)}
	}
	if entry.snapshot().Exited {
		return KillResult{Success: true}
	}
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	if err := entry.handle.Signal(syscall.SIGTERM); err != nil {
		// Signal failure usually means the process is already gone.
		if entry.snapshot().Exited {
			return KillResult{Success: true}
		}
		return KillResult{Err: fmt.Errorf("failed to signal pid %d: %w", entry.handle.PID, err)}
	}

	select {
	case <-entry.exitedCh:
		m.emit(Event{Type: EventKilled, WorkOrderID: workOrderID, RunID: entry.runID, PID: entry.handle.PID, Reason: reason})
		return KillResult{Success: true}
	case <-time.After(grace):
	}

	if err := entry.handle.Signal(syscall.SIGKILL); err != nil && !entry.snapshot().Exited {
		return KillResult{Err: fmt.Errorf("failed to force kill pid %d: %w", entry.handle.PID, err)}
	}
	<-entry.exitedCh
	m.emit(Event{Type: EventForceKill, WorkOrderID: workOrderID, RunID: entry.runID, PID: entry.handle.PID, Reason: reason})
	return KillResult{Success: true, ForcedKill: true}
}

// ForceKill sends SIGKILL immediately.
func (m *ProcessManager) ForceKill(workOrderID string) KillResult {
	m.mu.Lock()
	entry, ok := m.procs[workOrderID]
	m.mu.Unlock()
	if !ok {
		return KillResult{Err: fmt.Errorf("no process registered for work order %s", workOrderID)}
	}
	if entry.snapshot().Exited {
		return KillResult{Success: true}
	}
	if err := entry.handle.Signal(syscall.SIGKILL); err != nil && !entry.snapshot().Exited {
		return KillResult{Err: fmt.Errorf("failed to force kill pid %d: %w", entry.handle.PID, err)}
	}
	<-entry.exitedCh
	m.emit(Event{Type: EventForceKill, WorkOrderID: workOrderID, RunID: entry.runID, PID: entry.handle.PID})
	return KillResult{Success: true, ForcedKill: true}
}

// KillAll kills every non-exited process.
func (m *ProcessManager) KillAll(grace time.Duration, reason string) []KillResult {
	m.mu.Lock()
	ids := make([]string, 0, len(m.procs))
	for id, e := range m.procs {
		if !e.snapshot().Exited {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	results := make([]KillResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, m.Kill(id, grace, reason))
	}
	return results
}

// Shutdown kills all active processes and stops accepting registrations.
func (m *ProcessManager) Shutdown(grace time.Duration) {
	m.KillAll(grace, "shutdown")
	m.mu.Lock()
	m.stopped = true
	if m.staleStop != nil {
		close(m.staleStop)
		m.staleStop = nil
	}
	m.mu.Unlock()
}

// StartStaleMonitor wakes periodically and flags processes whose lifetime
// exceeds maxLifetime. Flagged processes are reported, not killed.
func (m *ProcessManager) StartStaleMonitor(interval, maxLifetime time.Duration) {
	m.mu.Lock()
	if m.staleStop != nil || m.stopped {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.staleStop = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, info := range m.List() {
					if info.Exited {
						continue
					}
					if lifetime := time.Since(info.StartedAt); lifetime > maxLifetime {
						m.emit(Event{
							Type:        EventStale,
							WorkOrderID: info.WorkOrderID,
							RunID:       info.RunID,
							PID:         info.PID,
							Reason:      fmt.Sprintf("alive for %s, limit %s", lifetime.Round(time.Second), maxLifetime),
						})
					}
				}
			}
		}
	}()
}

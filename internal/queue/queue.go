package queue

import (
	"fmt"
	"sync"

	"agentgate/internal/telemetry"
)

// CancelResult reports where a force-canceled work order was found.
type CancelResult struct {
	FromQueue   bool
	FromRunning bool
}

// Queue admits work orders in FIFO order under a concurrency cap. Whenever a
// running slot is free and a work order is waiting, its id is emitted on
// Ready; the caller then calls MarkStarted to claim the slot.
type Queue struct {
	mu            sync.Mutex
	maxQueueSize  int
	maxConcurrent int

	waiting   []string
	announced map[string]bool
	running   map[string]bool

	ready chan string
}

// New creates a queue. maxQueueSize bounds waiting entries; maxConcurrent
// bounds the running set.
func New(maxQueueSize, maxConcurrent int) *Queue {
	if maxQueueSize <= 0 {
		maxQueueSize = 100
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{
		maxQueueSize:  maxQueueSize,
		maxConcurrent: maxConcurrent,
		announced:     make(map[string]bool),
		running:       make(map[string]bool),
		ready:         make(chan string, maxQueueSize),
	}
}

// Ready emits work-order ids as capacity becomes available.
func (q *Queue) Ready() <-chan string { return q.ready }

// Enqueue appends a work order. Duplicate ids and a full queue are rejected.
func (q *Queue) Enqueue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running[id] || q.contains(id) {
		return fmt.Errorf("work order %s is already queued or running", id)
	}
	if len(q.waiting) >= q.maxQueueSize {
		return fmt.Errorf("queue is full (%d entries)", q.maxQueueSize)
	}
	q.waiting = append(q.waiting, id)
	q.notifyLocked()
	q.publishDepthLocked()
	return nil
}

// MarkStarted moves a waiting work order into the running set. It fails when
// the id is not waiting or no slot is free.
func (q *Queue) MarkStarted(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("work order %s is not waiting", id)
	}
	if len(q.running) >= q.maxConcurrent {
		return fmt.Errorf("no free slot for work order %s", id)
	}
	q.waiting = append(q.waiting[:idx], q.waiting[idx+1:]...)
	delete(q.announced, id)
	q.running[id] = true
	q.publishDepthLocked()
	return nil
}

// MarkFinished frees a running slot and wakes the next waiting work order.
func (q *Queue) MarkFinished(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, id)
	q.notifyLocked()
	q.publishDepthLocked()
}

// ForceCancel removes a work order from wherever it is. The caller is
// responsible for killing any associated process.
func (q *Queue) ForceCancel(id string) CancelResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	var res CancelResult
	if idx := q.indexOf(id); idx >= 0 {
		q.waiting = append(q.waiting[:idx], q.waiting[idx+1:]...)
		delete(q.announced, id)
		res.FromQueue = true
	}
	if q.running[id] {
		delete(q.running, id)
		res.FromRunning = true
		q.notifyLocked()
	}
	q.publishDepthLocked()
	return res
}

// Depth returns how many work orders are waiting.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// RunningCount returns how many work orders hold a slot.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// notifyLocked announces waiting ids while slots are free. Each id is
// announced once; MarkStarted or ForceCancel clears the mark.
func (q *Queue) notifyLocked() {
	slots := q.maxConcurrent - len(q.running) - len(q.announced)
	for _, id := range q.waiting {
		if slots <= 0 {
			return
		}
		if q.announced[id] {
			continue
		}
		select {
		case q.ready <- id:
			q.announced[id] = true
			slots--
		default:
			return
		}
	}
}

func (q *Queue) publishDepthLocked() {
	telemetry.SetQueueDepth(len(q.waiting))
	telemetry.SetActiveRuns(len(q.running))
}

func (q *Queue) contains(id string) bool { return q.indexOf(id) >= 0 }

func (q *Queue) indexOf(id string) int {
	for i, v := range q.waiting {
		if v == id {
			return i
		}
	}
	return -1
}

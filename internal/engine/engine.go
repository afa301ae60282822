package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"agentgate/internal/audit"
	"agentgate/internal/db"
	"agentgate/internal/driver"
	"agentgate/internal/events"
	"agentgate/internal/gate"
	"agentgate/internal/model"
	"agentgate/internal/queue"
	"agentgate/internal/runstate"
	"agentgate/internal/sandbox"
	"agentgate/internal/snapshot"
	"agentgate/internal/store"
	"agentgate/internal/telemetry"
	"agentgate/internal/workspace"
)

// Options is the engine's resolved runtime configuration.
type Options struct {
	MaxConcurrent   int
	MaxQueueSize    int
	ExecTimeout     time.Duration
	KillGrace       time.Duration
	SandboxProvider string
	SandboxImage    string
	MemoryBytes     int64
	CPUQuota        int64
	PidsLimit       int64
}

// Deps are the collaborators the engine orchestrates. Store and Workspaces
// are required; History and Audit are optional.
type Deps struct {
	Drivers    *driver.Registry
	Workspaces *workspace.Manager
	Snapshots  *snapshot.Manager
	Providers  map[string]sandbox.Provider
	Store      *store.Store
	Audit      *audit.Logger
	History    db.Store
	Logger     *slog.Logger
}

// Application owns the work-order queue and drives runs end to end. One
// Application per process.
type Application struct {
	opts        Options
	queue       *queue.Queue
	procs       *queue.ProcessManager
	broadcaster *events.Broadcaster
	deps        Deps
	logger      *slog.Logger

	mu      sync.Mutex
	orders  map[string]*model.WorkOrder
	runs    map[string]*model.Run
	cancels map[string]context.CancelFunc
	plans   map[string]*gate.Plan

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// New builds the application and self-tests the run state machine. A broken
// transition table is a build defect, not a runtime condition, so it aborts
// startup.
func New(opts Options, deps Deps) (*Application, error) {
	if err := runstate.Validate(); err != nil {
		return nil, fmt.Errorf("run state machine failed validation: %w", err)
	}
	if deps.Store == nil || deps.Workspaces == nil || deps.Snapshots == nil || deps.Drivers == nil {
		return nil, fmt.Errorf("engine requires store, workspace, snapshot and driver dependencies")
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = 50
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = sandbox.DefaultExecTimeout
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = sandbox.DefaultKillGrace
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Application{
		opts:        opts,
		queue:       queue.New(opts.MaxQueueSize, opts.MaxConcurrent),
		procs:       queue.NewProcessManager(),
		broadcaster: events.NewBroadcaster(logger),
		deps:        deps,
		logger:      logger,
		orders:      make(map[string]*model.WorkOrder),
		runs:        make(map[string]*model.Run),
		cancels:     make(map[string]context.CancelFunc),
		plans:       make(map[string]*gate.Plan),
		stopCh:      make(chan struct{}),
	}, nil
}

// Broadcaster exposes the event fan-out for transports.
func (a *Application) Broadcaster() *events.Broadcaster { return a.broadcaster }

// Processes exposes the subprocess registry.
func (a *Application) Processes() *queue.ProcessManager { return a.procs }

// Submit validates and admits a work order. The returned id identifies the
// order in all later calls.
func (a *Application) Submit(order *model.WorkOrder) (string, error) {
	if order.ID == "" {
		order.ID = model.NewID("wo")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.Status = model.StatusQueued
	if err := order.Validate(); err != nil {
		return "", err
	}
	if _, err := a.deps.Drivers.Get(order.Driver); err != nil {
		return "", err
	}

	plan, err := a.resolvePlan(order)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.orders[order.ID] = order
	a.plans[order.ID] = plan
	a.mu.Unlock()

	if err := a.deps.Store.SaveWorkOrder(order); err != nil {
		return "", fmt.Errorf("failed to persist work order: %w", err)
	}
	if err := a.queue.Enqueue(order.ID); err != nil {
		return "", err
	}
	telemetry.TrackWorkOrderSubmitted()
	a.auditRecord(audit.Record{Action: "work_order_submitted", WorkOrderID: order.ID})
	a.logger.Info("work order submitted", "work_order", order.ID, "driver", order.Driver)
	return order.ID, nil
}

// resolvePlan loads the order's gate plan. The source tag is a file path;
// empty means the built-in baseline plan.
func (a *Application) resolvePlan(order *model.WorkOrder) (*gate.Plan, error) {
	if order.GatePlanSource == "" {
		return defaultPlan(order.MaxIterations), nil
	}
	data, err := os.ReadFile(order.GatePlanSource)
	if err != nil {
		return nil, fmt.Errorf("failed to read gate plan %s: %w", order.GatePlanSource, err)
	}
	plan, err := gate.ParsePlan(data)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// defaultPlan verifies nothing beyond workspace contracts, so an orderless
// submission converges after its first clean iteration.
func defaultPlan(maxIterations int) *gate.Plan {
	return &gate.Plan{
		Version:  1,
		Strategy: "fixed",
		Config:   map[string]any{"iterations": maxIterations},
		Gates: []gate.Gate{{
			Name:      "workspace-contracts",
			Check:     gate.Check{Type: gate.CheckContracts},
			OnFailure: gate.OnFailure{Action: gate.ActionRetry},
		}},
	}
}

// Start launches the dispatch loop. It returns immediately.
func (a *Application) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.stopCh:
				return
			case id := <-a.queue.Ready():
				if err := a.queue.MarkStarted(id); err != nil {
					a.logger.Warn("failed to start work order", "work_order", id, "error", err)
					continue
				}
				a.launch(id)
			}
		}
	}()
}

func (a *Application) launch(id string) {
	a.mu.Lock()
	order, ok := a.orders[id]
	if !ok {
		a.mu.Unlock()
		a.queue.MarkFinished(id)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancels[id] = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		a.executeRun(ctx, order)
		a.mu.Lock()
		delete(a.cancels, id)
		a.mu.Unlock()
		a.queue.MarkFinished(id)
	}()
}

// Cancel stops a work order wherever it is. Queued orders terminate
// immediately; running orders get their context canceled and the agent
// subprocess killed.
func (a *Application) Cancel(id string) error {
	a.mu.Lock()
	order, ok := a.orders[id]
	cancel := a.cancels[id]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown work order: %s", id)
	}

	res := a.queue.ForceCancel(id)
	if cancel != nil {
		cancel()
	}
	// The shared signal row reaches runs this process does not own, e.g.
	// when another engine instance picked the order up. An order still in
	// the local queue terminates right here, so no mark is needed.
	if a.deps.History != nil && !res.FromQueue {
		if err := a.deps.History.SetSignal(id, "CANCEL_REQUESTED", "true"); err != nil {
			a.logger.Warn("failed to record cancel signal", "work_order", id, "error", err)
		}
	}
	if res.FromRunning {
		a.procs.Kill(id, a.opts.KillGrace, "user cancellation")
	}
	if res.FromQueue {
		a.completeOrder(order, model.StatusCanceled, "canceled before start")
	}
	a.auditRecord(audit.Record{Action: "work_order_canceled", WorkOrderID: id})
	return nil
}

// Stop drains the engine: no new dispatches, all processes killed, sandbox
// providers cleaned up.
func (a *Application) Stop(ctx context.Context) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	close(a.stopCh)
	cancels := make([]context.CancelFunc, 0, len(a.cancels))
	for _, c := range a.cancels {
		cancels = append(cancels, c)
	}
	a.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	a.wg.Wait()
	a.procs.Shutdown(a.opts.KillGrace)
	for name, provider := range a.deps.Providers {
		if err := provider.Cleanup(ctx); err != nil {
			a.logger.Warn("sandbox cleanup failed", "provider", name, "error", err)
		}
	}
	if a.deps.Audit != nil {
		a.deps.Audit.Close()
	}
}

// GetWorkOrder returns a copy of one order.
func (a *Application) GetWorkOrder(id string) (model.WorkOrder, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	order, ok := a.orders[id]
	if !ok {
		return model.WorkOrder{}, false
	}
	return *order, true
}

// GetRun returns a copy of one run.
func (a *Application) GetRun(id string) (model.Run, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	run, ok := a.runs[id]
	if !ok {
		return model.Run{}, false
	}
	return *run, true
}

// ListWorkOrders returns copies of all known orders.
func (a *Application) ListWorkOrders() []model.WorkOrder {
	a.mu.Lock()
	defer a.mu.Unlock()
	orders := make([]model.WorkOrder, 0, len(a.orders))
	for _, o := range a.orders {
		orders = append(orders, *o)
	}
	return orders
}

func (a *Application) completeOrder(order *model.WorkOrder, status model.WorkOrderStatus, errMsg string) {
	a.mu.Lock()
	order.Status = status
	if errMsg != "" && status != model.StatusSucceeded {
		order.Error = errMsg
	}
	now := time.Now().UTC()
	order.CompletedAt = &now
	a.mu.Unlock()
	if err := a.deps.Store.SaveWorkOrder(order); err != nil {
		a.logger.Warn("failed to persist work order", "work_order", order.ID, "error", err)
	}
	telemetry.TrackWorkOrderCompleted(string(status))
}

func (a *Application) auditRecord(rec audit.Record) {
	if a.deps.Audit == nil {
		return
	}
	a.deps.Audit.Write(rec)
}

// Package supervisor drives the lifecycle of every long-running
// component of the Backbone Border Router engine against the config
// store's gate keys and each task's declared dependencies (spec.md
// §4.14), generalizing kibra's Ktask state machine
// (stopped/starting/running/stopping/errored) to Go goroutines
// coordinated by golang.org/x/sync/errgroup instead of an asyncio loop.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kirale/kibra/internal/store"
)

// Status mirrors kibra's status enum.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusErrored  Status = "errored"
)

// Task is the unit the supervisor drives. Start and Stop must be
// idempotent-safe against a single call each per transition; Periodic
// is invoked every Spec.Period while the task is running, skipped
// entirely if Spec.Period is zero.
type Task interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Periodic(ctx context.Context) error
}

// Spec declares one task's identity, gating, and dependencies.
type Spec struct {
	Name         string
	Task         Task
	StartKeys    []string // config keys that must be present before Start runs
	StopKeys     []string // config keys that must be present before Stop runs
	Predecessors []string // must be Running before this task starts
	Successors   []string // must be Stopped before this task stops
	Period       time.Duration
}

type taskState struct {
	spec   Spec
	mu     sync.RWMutex
	status Status
	cancel context.CancelFunc
}

func (s *taskState) get() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *taskState) set(v Status) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

// Supervisor owns a set of tasks and drives each one's lifecycle
// cooperatively against the shared config store.
type Supervisor struct {
	store *store.Store
	log   *zap.SugaredLogger

	mu    sync.RWMutex
	tasks map[string]*taskState
}

// New builds an empty Supervisor bound to st.
func New(st *store.Store, log *zap.SugaredLogger) *Supervisor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Supervisor{store: st, log: log, tasks: make(map[string]*taskState)}
}

// Register adds a task under its own control loop. Call before Run.
func (sv *Supervisor) Register(spec Spec) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.tasks[spec.Name] = &taskState{spec: spec, status: StatusStopped}
}

// Status returns the current status of a registered task.
func (sv *Supervisor) Status(name string) (Status, bool) {
	sv.mu.RLock()
	ts, ok := sv.tasks[name]
	sv.mu.RUnlock()
	if !ok {
		return "", false
	}
	return ts.get(), true
}

// Run launches every registered task's control loop and blocks until
// ctx is canceled, then tears every task down in dependency order.
func (sv *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	sv.mu.RLock()
	states := make([]*taskState, 0, len(sv.tasks))
	for _, ts := range sv.tasks {
		states = append(states, ts)
	}
	sv.mu.RUnlock()

	for _, ts := range states {
		ts := ts
		g.Go(func() error {
			sv.driveTask(gctx, ts)
			return nil
		})
	}
	return g.Wait()
}

// RequestStop transitions name toward Stopping; the task's own control
// loop completes the teardown once its successors have stopped.
func (sv *Supervisor) RequestStop(name string) {
	sv.mu.RLock()
	ts, ok := sv.tasks[name]
	sv.mu.RUnlock()
	if !ok {
		return
	}
	if ts.get() == StatusRunning {
		ts.set(StatusStopping)
	}
}

func (sv *Supervisor) driveTask(ctx context.Context, ts *taskState) {
	name := ts.spec.Name
	log := sv.log.Named(name)

	waitCtx, cancel := context.WithCancel(ctx)
	ts.cancel = cancel
	defer cancel()

	if !sv.waitFor(waitCtx, ts.spec.Predecessors, StatusRunning) {
		return
	}
	if !sv.waitForKeys(waitCtx, ts.spec.StartKeys) {
		return
	}

	ts.set(StatusStarting)
	if err := ts.spec.Task.Start(ctx); err != nil {
		ts.set(StatusErrored)
		log.Errorw("task errored on start", "error", err)
		return
	}
	ts.set(StatusRunning)
	log.Info("task started")

	ticker := sv.ticker(ts.spec.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sv.teardown(context.Background(), ts, log)
			return
		case <-ticker.C:
			if ts.get() != StatusRunning {
				continue
			}
			if !sv.predecessorsStillRunning(ts.spec.Predecessors) {
				log.Info("a predecessor stopped, forcing stop")
				ts.set(StatusStopping)
				sv.teardown(ctx, ts, log)
				return
			}
			if err := ts.spec.Task.Periodic(ctx); err != nil {
				log.Warnw("periodic tick failed", "error", err)
			}
		default:
			if ts.get() == StatusStopping {
				sv.teardown(ctx, ts, log)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
}

func (sv *Supervisor) teardown(ctx context.Context, ts *taskState, log *zap.SugaredLogger) {
	if !sv.waitFor(ctx, ts.spec.Successors, StatusStopped) {
		return
	}
	if !sv.waitForKeys(ctx, ts.spec.StopKeys) {
		return
	}
	if err := ts.spec.Task.Stop(ctx); err != nil {
		log.Warnw("task errored on stop", "error", err)
	}
	ts.set(StatusStopped)
	log.Info("task stopped")
}

func (sv *Supervisor) predecessorsStillRunning(names []string) bool {
	for _, name := range names {
		if status, ok := sv.Status(name); ok && status != StatusRunning {
			return false
		}
	}
	return true
}

func (sv *Supervisor) waitFor(ctx context.Context, names []string, want Status) bool {
	for _, name := range names {
		for {
			status, ok := sv.Status(name)
			if !ok || status == want {
				break
			}
			select {
			case <-ctx.Done():
				return false
			case <-time.After(time.Second):
			}
		}
	}
	return true
}

func (sv *Supervisor) waitForKeys(ctx context.Context, keys []string) bool {
	if len(keys) == 0 {
		return true
	}
	for {
		if sv.store.HasKeys(keys) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
}

func (sv *Supervisor) ticker(period time.Duration) *time.Ticker {
	if period <= 0 {
		period = 365 * 24 * time.Hour // effectively never fires; Periodic is opt-in via Spec.Period
	}
	return time.NewTicker(period)
}

// mustName reports an error for a name that was never registered.
func (sv *Supervisor) mustName(name string) error {
	if _, ok := sv.tasks[name]; !ok {
		return fmt.Errorf("supervisor: unknown task %q", name)
	}
	return nil
}

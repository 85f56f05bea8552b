package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kirale/kibra/internal/bbrrole"
	"github.com/kirale/kibra/internal/mcast"
	"github.com/kirale/kibra/internal/ncp"
	"github.com/kirale/kibra/internal/ndproxy"
	"github.com/kirale/kibra/internal/store"
	"github.com/kirale/kibra/internal/supervisor"
)

// rolePollInterval is how often the bbrrole task checks for a primary/
// secondary transition (spec.md §4.13 "Service announcement").
const rolePollInterval = 5 * time.Second

// registerTasks wires every long-running component into the
// supervisor as one supervisor.Spec each, following spec.md §4.14's
// gating and ordering rules.
func registerTasks(sv *supervisor.Supervisor, st *store.Store, proxy *ndproxy.Proxy, router *mcast.Router,
	roleManager *bbrrole.Manager, ncpDevice string, log *zap.SugaredLogger) {

	sv.Register(supervisor.Spec{
		Name:      "bbrrole",
		Task:      &bbrroleTask{manager: roleManager},
		StartKeys: []string{"domain_prefix"},
		Period:    rolePollInterval,
	})

	if proxy != nil {
		sv.Register(supervisor.Spec{
			Name:         "ndproxy",
			Task:         &runnerTask{run: proxy.Run},
			Predecessors: []string{"bbrrole"},
		})
	}

	if router != nil {
		sv.Register(supervisor.Spec{
			Name:         "mcast",
			Task:         &runnerTask{run: router.Run},
			Predecessors: []string{"bbrrole"},
		})
	}

	if ncpDevice != "" {
		sv.Register(supervisor.Spec{
			Name: "ncp-syslog",
			Task: &syslogTask{store: st, log: log.Named("syslog")},
		})
	}
}

// runnerTask adapts any `Run(ctx) error` long-running loop (mcast.Router,
// ndproxy.Proxy) to supervisor.Task: Start launches it in the
// background, Stop cancels and waits for it to return.
type runnerTask struct {
	run func(context.Context) error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *runnerTask) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go func() {
		defer close(done)
		t.run(runCtx)
	}()
	return nil
}

func (t *runnerTask) Stop(context.Context) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if done != nil {
		<-done
	}
	return nil
}

func (t *runnerTask) Periodic(context.Context) error { return nil }

// bbrroleTask drives bbrrole.Manager.Poll on the supervisor's ticker.
type bbrroleTask struct {
	manager *bbrrole.Manager
}

func (t *bbrroleTask) Start(context.Context) error    { return nil }
func (t *bbrroleTask) Stop(context.Context) error     { return nil }
func (t *bbrroleTask) Periodic(ctx context.Context) error {
	if t.manager == nil {
		return nil
	}
	return t.manager.Poll(ctx)
}

// syslogTask owns a ncp.SyslogReceiver bound to the unspecified address
// (::) on the interior interface, where the NCP sends its syslog stream.
type syslogTask struct {
	store *store.Store
	log   *zap.SugaredLogger

	mu       sync.Mutex
	receiver *ncp.SyslogReceiver
	cancel   context.CancelFunc
}

func (t *syslogTask) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	ifIndex := t.store.GetInt("interior_ifnumber")
	addr := "::"
	r, err := ncp.NewSyslogReceiver(runCtx, addr, ifIndex, t.store, t.log)
	if err != nil {
		cancel()
		return err
	}
	t.mu.Lock()
	t.receiver = r
	t.cancel = cancel
	t.mu.Unlock()
	return nil
}

func (t *syslogTask) Stop(context.Context) error {
	t.mu.Lock()
	r, cancel := t.receiver, t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if r != nil {
		return r.Close()
	}
	return nil
}

func (t *syslogTask) Periodic(context.Context) error { return nil }

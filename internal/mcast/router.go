// Package mcast implements the multicast router that forwards traffic
// between the mesh (interior) and backbone (exterior) links based on
// the MLR registry and the forwarding policy flags (spec.md §4.12,
// grounded on kibra/mcrouter.py's MCRouter/MCRoute).
package mcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kirale/kibra/internal/netfilter"
	"github.com/kirale/kibra/internal/registry"
	"github.com/kirale/kibra/internal/store"
)

// Virtual interface indices, matching kibra's EXT_MIF/INT_MIF.
const (
	ExtMIF = 0
	IntMIF = 1
)

// RouteExpiry is how long an installed forwarding entry survives
// without being refreshed by further traffic (kibra's MCROUTE_EXPIRY).
const RouteExpiry = 60 * time.Second

// Kernel is the raw multicast-routing control surface a Router drives.
// KernelRouter (Linux) is the production implementation.
type Kernel interface {
	AddRoute(src, dst net.IP, inMIF, outMIF int) error
	DelRoute(src, dst net.IP, inMIF, outMIF int) error
	JoinGroup(group net.IP, ifIndex int) error
	LeaveGroup(group net.IP, ifIndex int) error
	ReadUpcall(buf []byte) (inMIF int, src, dst net.IP, ok bool, err error)
	Close() error
}

// route is one forwarding entry this engine has told the kernel about.
type route struct {
	src, dst       net.IP
	inMIF, outMIF  int
	expiresAt      time.Time
}

func (r route) key() string {
	return fmt.Sprintf("%s|%s|%d|%d", r.src.String(), r.dst.String(), r.inMIF, r.outMIF)
}

// Router owns the kernel control socket, the route cache, and the
// policy decisions the spec's NoCache upcall handling describes.
type Router struct {
	kernel Kernel
	reg    *registry.MLRRegistry
	store  *store.Store
	filter netfilter.PacketFilter
	log    *zap.SugaredLogger

	extIfName, intIfName   string
	extIfIndex, intIfIndex int

	mu     sync.Mutex
	routes map[string]*route
}

// NewRouter builds a Router. filter may be netfilter.Noop{} if no
// platform packet-filter integration is wanted.
func NewRouter(kernel Kernel, reg *registry.MLRRegistry, st *store.Store, filter netfilter.PacketFilter,
	extIfName string, extIfIndex int, intIfName string, intIfIndex int, log *zap.SugaredLogger) *Router {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if filter == nil {
		filter = netfilter.Noop{}
	}
	return &Router{
		kernel: kernel, reg: reg, store: st, filter: filter, log: log,
		extIfName: extIfName, extIfIndex: extIfIndex,
		intIfName: intIfName, intIfIndex: intIfIndex,
		routes: make(map[string]*route),
	}
}

// Run reads upcalls until ctx is canceled, and sweeps expired routes
// on every tick.
func (r *Router) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		r.sweepLoop(ctx)
	}()
	wg.Wait()
	return nil
}

func (r *Router) readLoop(ctx context.Context) {
	buf := make([]byte, 1280)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		inMIF, src, dst, ok, err := r.kernel.ReadUpcall(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				time.Sleep(200 * time.Millisecond)
				continue
			}
		}
		if !ok {
			continue
		}
		if r.store.GetString("bbr_status") != "primary" {
			continue
		}
		r.handleUpcall(inMIF, src, dst)
	}
}

// handleUpcall implements the NoCache decision procedure of spec.md
// §4.12: which direction (if any) to install a forwarding entry for.
func (r *Router) handleUpcall(inMIF int, src, dst net.IP) {
	var outMIF int
	switch inMIF {
	case ExtMIF:
		if _, ok := r.reg.Lookup(dst.String()); !ok {
			return
		}
		outMIF = IntMIF
	case IntMIF:
		scope := multicastScope(dst)
		if scope <= 3 {
			return
		}
		if !r.store.GetBool("mcast_out_fwd") {
			return
		}
		if scope == 4 && !r.store.GetBool("mcast_admin_fwd") {
			return
		}
		outMIF = ExtMIF
	default:
		return
	}
	r.addRoute(src, dst, inMIF, outMIF)
}

func multicastScope(ip net.IP) int {
	addr := ip.To16()
	if addr == nil {
		return 0
	}
	return int(addr[1] & 0x0F)
}

func (r *Router) addRoute(src, dst net.IP, inMIF, outMIF int) {
	rt := &route{src: src, dst: dst, inMIF: inMIF, outMIF: outMIF, expiresAt: time.Now().Add(RouteExpiry)}
	key := rt.key()

	r.mu.Lock()
	_, existed := r.routes[key]
	r.routes[key] = rt
	r.mu.Unlock()

	if existed {
		return
	}
	if err := r.kernel.AddRoute(src, dst, inMIF, outMIF); err != nil {
		r.log.Warnw("failed to install multicast route", "src", src, "dst", dst, "error", err)
		return
	}
	r.log.Infow("multicast route added", "src", src.String(), "dst", dst.String(), "in", inMIF, "out", outMIF)
}

func (r *Router) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepExpired()
			for _, dropped := range r.reg.Sweep(time.Now()) {
				r.RemoveGroupRoutes(net.ParseIP(dropped))
			}
		}
	}
}

func (r *Router) sweepExpired() {
	now := time.Now()
	r.mu.Lock()
	var expired []*route
	for key, rt := range r.routes {
		if !rt.expiresAt.After(now) {
			expired = append(expired, rt)
			delete(r.routes, key)
		}
	}
	r.mu.Unlock()

	for _, rt := range expired {
		if err := r.kernel.DelRoute(rt.src, rt.dst, rt.inMIF, rt.outMIF); err != nil {
			r.log.Warnw("failed to remove expired multicast route", "error", err)
			continue
		}
		r.log.Infow("multicast route expired", "src", rt.src.String(), "dst", rt.dst.String())
	}
}

// RemoveGroupRoutes tears down every INT-bound forwarding entry for
// group, called when an MLR entry is evicted (spec.md §4.12 "Group
// removal").
func (r *Router) RemoveGroupRoutes(group net.IP) {
	if group == nil {
		return
	}
	r.mu.Lock()
	var toRemove []*route
	for key, rt := range r.routes {
		if rt.dst.Equal(group) && rt.outMIF == IntMIF {
			toRemove = append(toRemove, rt)
			delete(r.routes, key)
		}
	}
	r.mu.Unlock()

	for _, rt := range toRemove {
		if err := r.kernel.DelRoute(rt.src, rt.dst, rt.inMIF, rt.outMIF); err != nil {
			r.log.Warnw("failed to remove group route", "error", err)
		}
	}
}

// JoinGroup installs the anti-echo filter rule and joins group on the
// exterior interface, idempotently.
func (r *Router) JoinGroup(ctx context.Context, group net.IP) error {
	if err := r.filter.InstallAntiEcho(ctx, r.extIfName, group); err != nil {
		return err
	}
	if err := r.kernel.JoinGroup(group, r.extIfIndex); err != nil && !errors.Is(err, syscall.EADDRINUSE) {
		return err
	}
	return nil
}

// LeaveGroup removes the anti-echo rule and leaves group.
func (r *Router) LeaveGroup(ctx context.Context, group net.IP) error {
	if err := r.kernel.LeaveGroup(group, r.extIfIndex); err != nil {
		return err
	}
	return r.filter.RemoveAntiEcho(ctx, r.extIfName, group)
}

package mcast_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kirale/kibra/internal/mcast"
	"github.com/kirale/kibra/internal/netfilter"
	"github.com/kirale/kibra/internal/registry"
	"github.com/kirale/kibra/internal/store"
)

type fakeKernel struct {
	mu     sync.Mutex
	upcall chan upcall
	added  []route
	closed bool
}

type upcall struct {
	inMIF    int
	src, dst net.IP
}

type route struct {
	src, dst      net.IP
	inMIF, outMIF int
	removed       bool
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{upcall: make(chan upcall, 8)}
}

func (k *fakeKernel) ReadUpcall(buf []byte) (int, net.IP, net.IP, bool, error) {
	u := <-k.upcall
	return u.inMIF, u.src, u.dst, true, nil
}

func (k *fakeKernel) AddRoute(src, dst net.IP, inMIF, outMIF int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.added = append(k.added, route{src: src, dst: dst, inMIF: inMIF, outMIF: outMIF})
	return nil
}

func (k *fakeKernel) DelRoute(src, dst net.IP, inMIF, outMIF int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range k.added {
		if k.added[i].dst.Equal(dst) && k.added[i].outMIF == outMIF {
			k.added[i].removed = true
		}
	}
	return nil
}

func (k *fakeKernel) JoinGroup(net.IP, int) error  { return nil }
func (k *fakeKernel) LeaveGroup(net.IP, int) error { return nil }
func (k *fakeKernel) Close() error                 { k.closed = true; return nil }

func (k *fakeKernel) countAdded() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.added)
}

func primaryStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(store.DefaultSchema, "", nil)
	require.NoError(t, err)
	require.NoError(t, st.Set("bbr_status", "primary"))
	require.NoError(t, st.Set("mcast_out_fwd", true))
	require.NoError(t, st.Set("mcast_admin_fwd", true))
	return st
}

func TestRouterForwardsExteriorTrafficOnlyWhenRegistered(t *testing.T) {
	kernel := newFakeKernel()
	reg := registry.NewMLRRegistry()
	st := primaryStore(t)
	router := mcast.NewRouter(kernel, reg, st, netfilter.Noop{}, "eth0", 2, "wpan0", 3, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx)

	group := net.ParseIP("ff05::1")
	kernel.upcall <- upcall{inMIF: mcast.ExtMIF, src: net.ParseIP("2001:db8::1"), dst: group}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, kernel.countAdded(), "unregistered group must not be forwarded")

	reg.Join(group.String(), 3600, time.Now())
	kernel.upcall <- upcall{inMIF: mcast.ExtMIF, src: net.ParseIP("2001:db8::1"), dst: group}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, kernel.countAdded())
}

func TestRouterBlocksLowScopeInteriorForwarding(t *testing.T) {
	kernel := newFakeKernel()
	reg := registry.NewMLRRegistry()
	st := primaryStore(t)
	router := mcast.NewRouter(kernel, reg, st, netfilter.Noop{}, "eth0", 2, "wpan0", 3, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx)

	kernel.upcall <- upcall{inMIF: mcast.IntMIF, src: net.ParseIP("fd00:dead::1"), dst: net.ParseIP("ff02::1")}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, kernel.countAdded(), "link-local scope must never be forwarded out")
}

func TestRouterRequiresAdminForwardPolicyForAdminScope(t *testing.T) {
	kernel := newFakeKernel()
	reg := registry.NewMLRRegistry()
	st := primaryStore(t)
	require.NoError(t, st.Set("mcast_admin_fwd", false))
	router := mcast.NewRouter(kernel, reg, st, netfilter.Noop{}, "eth0", 2, "wpan0", 3, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx)

	kernel.upcall <- upcall{inMIF: mcast.IntMIF, src: net.ParseIP("fd00:dead::1"), dst: net.ParseIP("ff04::1")}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, kernel.countAdded())
}

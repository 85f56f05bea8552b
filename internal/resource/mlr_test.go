package resource_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kirale/kibra/internal/coap"
	"github.com/kirale/kibra/internal/registry"
	"github.com/kirale/kibra/internal/resource"
	"github.com/kirale/kibra/internal/store"
	"github.com/kirale/kibra/internal/thread"
	"github.com/kirale/kibra/internal/tlv"
)

func primaryStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(store.DefaultSchema, "", nil)
	require.NoError(t, err)
	require.NoError(t, st.Set("bbr_status", "primary"))
	return st
}

func TestMLRHandlerJoinsValidGroupsAndAnnouncesBMLR(t *testing.T) {
	st := primaryStore(t)
	reg := registry.NewMLRRegistry()
	var announced [][]byte
	announcer := fakeAnnouncer{fn: func(_ context.Context, groups [][]byte, timeout uint32) {
		announced = groups
		require.Equal(t, uint32(600), timeout)
	}}
	h := resource.NewMLRHandler(reg, st, resource.NoopRouter{}, announcer, nil)

	addr1, addr2 := net.ParseIP("ff05::1").To16(), net.ParseIP("ff05::2").To16()
	payload := tlv.Encode(
		tlv.Build(thread.TypeIPv6Addresses, append(append([]byte{}, addr1...), addr2...)),
		tlv.BuildU32(thread.TypeTimeout, 600),
		tlv.BuildU16(thread.TypeCommissionerSessionID, 1),
	)
	req := coap.Message{Type: coap.TypeConfirmable, Payload: payload}
	resp, respond := h.HandlePost(context.Background(), req, coap.Endpoint{})
	require.True(t, respond)

	tlvs, _ := tlv.Parse(resp.Payload)
	statusTL, ok := tlv.Find(tlvs, thread.TypeStatus)
	require.True(t, ok)
	require.Equal(t, uint8(thread.StatusSuccess), statusTL.Value[0])

	_, ok = reg.Lookup("ff05::1")
	require.True(t, ok)
	require.Len(t, announced, 2)
}

func TestMLRHandlerRejectsLowScopeAddress(t *testing.T) {
	st := primaryStore(t)
	reg := registry.NewMLRRegistry()
	h := resource.NewMLRHandler(reg, st, resource.NoopRouter{}, nil, nil)

	payload := tlv.Encode(tlv.Build(thread.TypeIPv6Addresses, net.ParseIP("ff02::1").To16()))
	req := coap.Message{Type: coap.TypeConfirmable, Payload: payload}
	resp, _ := h.HandlePost(context.Background(), req, coap.Endpoint{})

	tlvs, _ := tlv.Parse(resp.Payload)
	statusTL, _ := tlv.Find(tlvs, thread.TypeStatus)
	require.Equal(t, uint8(thread.StatusInvalidAddress), statusTL.Value[0])

	_, ok := reg.Lookup("ff02::1")
	require.False(t, ok)
}

func TestMLRHandlerRejectsWhenNotPrimary(t *testing.T) {
	st, err := store.New(store.DefaultSchema, "", nil)
	require.NoError(t, err)
	reg := registry.NewMLRRegistry()
	h := resource.NewMLRHandler(reg, st, resource.NoopRouter{}, nil, nil)

	payload := tlv.Encode(tlv.Build(thread.TypeIPv6Addresses, net.ParseIP("ff05::1").To16()))
	req := coap.Message{Type: coap.TypeConfirmable, Payload: payload}
	resp, _ := h.HandlePost(context.Background(), req, coap.Endpoint{})

	tlvs, _ := tlv.Parse(resp.Payload)
	statusTL, _ := tlv.Find(tlvs, thread.TypeStatus)
	require.Equal(t, uint8(thread.StatusNotPrimary), statusTL.Value[0])
}

func TestMLRHandlerBadLengthPayload(t *testing.T) {
	st := primaryStore(t)
	reg := registry.NewMLRRegistry()
	h := resource.NewMLRHandler(reg, st, resource.NoopRouter{}, nil, nil)

	payload := tlv.Encode(tlv.Build(thread.TypeIPv6Addresses, make([]byte, 17)))
	req := coap.Message{Type: coap.TypeConfirmable, Payload: payload}
	resp, _ := h.HandlePost(context.Background(), req, coap.Endpoint{})

	tlvs, _ := tlv.Parse(resp.Payload)
	statusTL, _ := tlv.Find(tlvs, thread.TypeStatus)
	require.Equal(t, uint8(thread.StatusUnspecified), statusTL.Value[0])
}

func TestMLRHandlerPersistsAndDropsPermanentGroup(t *testing.T) {
	st := primaryStore(t)
	reg := registry.NewMLRRegistry()
	h := resource.NewMLRHandler(reg, st, resource.NoopRouter{}, nil, nil)

	permanentReq := tlv.Encode(
		tlv.Build(thread.TypeIPv6Addresses, net.ParseIP("ff05::9").To16()),
		tlv.BuildU32(thread.TypeTimeout, thread.PermanentTimeout),
		tlv.BuildU16(thread.TypeCommissionerSessionID, 1),
	)
	_, respond := h.HandlePost(context.Background(), coap.Message{Type: coap.TypeConfirmable, Payload: permanentReq}, coap.Endpoint{})
	require.True(t, respond)

	entry, ok := reg.Lookup("ff05::9")
	require.True(t, ok)
	require.True(t, entry.Permanent)
	require.Contains(t, st.GetStringSlice("maddrs_perm"), "ff05::9")

	// Re-registering the same group with a timed expiry drops it back
	// out of the persisted permanent set.
	timedReq := tlv.Encode(
		tlv.Build(thread.TypeIPv6Addresses, net.ParseIP("ff05::9").To16()),
		tlv.BuildU32(thread.TypeTimeout, 600),
		tlv.BuildU16(thread.TypeCommissionerSessionID, 1),
	)
	h.HandlePost(context.Background(), coap.Message{Type: coap.TypeConfirmable, Payload: timedReq}, coap.Endpoint{})

	entry, ok = reg.Lookup("ff05::9")
	require.True(t, ok)
	require.False(t, entry.Permanent)
	require.NotContains(t, st.GetStringSlice("maddrs_perm"), "ff05::9")
}

func TestSeedPermanentGroupsRestoresRegistryAndRoutes(t *testing.T) {
	st := primaryStore(t)
	require.NoError(t, st.Set("maddrs_perm", []string{"ff05::9", "ff05::a"}))

	reg := registry.NewMLRRegistry()
	var joined []string
	router := fakeRouter{joinFn: func(group string) error { joined = append(joined, group); return nil }}

	resource.SeedPermanentGroups(reg, router, st, nil)

	entry, ok := reg.Lookup("ff05::9")
	require.True(t, ok)
	require.True(t, entry.Permanent)
	require.ElementsMatch(t, []string{"ff05::9", "ff05::a"}, joined)
}

type fakeRouter struct {
	joinFn  func(string) error
	leaveFn func(string) error
}

func (r fakeRouter) Join(group string) error {
	if r.joinFn == nil {
		return nil
	}
	return r.joinFn(group)
}

func (r fakeRouter) Leave(group string) error {
	if r.leaveFn == nil {
		return nil
	}
	return r.leaveFn(group)
}

type fakeAnnouncer struct {
	fn func(context.Context, [][]byte, uint32)
}

func (f fakeAnnouncer) Announce(ctx context.Context, groups [][]byte, timeout uint32) {
	f.fn(ctx, groups, timeout)
}

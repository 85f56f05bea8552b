package resource_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kirale/kibra/internal/coap"
	"github.com/kirale/kibra/internal/registry"
	"github.com/kirale/kibra/internal/resource"
	"github.com/kirale/kibra/internal/store"
	"github.com/kirale/kibra/internal/thread"
	"github.com/kirale/kibra/internal/tlv"
)

func dadPayload(t *testing.T, dua, mleid string) []byte {
	t.Helper()
	duaIP := net.ParseIP(dua)
	require.NotNil(t, duaIP)
	return tlv.Encode(
		tlv.Build(thread.TypeTargetEID, duaIP.To16()),
		tlv.Build(thread.TypeMLEID, []byte(mleid)[:8]),
	)
}

func TestDUAHandlerAcceptsNewRegistrationAndRunsDAD(t *testing.T) {
	st := primaryStore(t)
	reg := registry.NewDUARegistry()
	announced := make(chan string, 1)
	announcer := announcerFunc{announce: func(_ context.Context, dua, _ string, _ bool) { announced <- dua }}
	h := resource.NewDUAHandler(reg, st, resource.NoopProber{}, announcer, nil, nil)

	req := coap.Message{Type: coap.TypeConfirmable, Code: coap.CodePOST, Path: thread.URINetworkDUARegistration, Payload: dadPayload(t, "fd00:dead::1", "abcdefgh")}
	resp, respond := h.HandlePost(context.Background(), req, coap.Endpoint{Addr: "fe80::1"})
	require.True(t, respond)

	tlvs, err := tlv.Parse(resp.Payload)
	require.NoError(t, err)
	statusTL, ok := tlv.Find(tlvs, thread.TypeStatus)
	require.True(t, ok)
	require.Equal(t, uint8(thread.StatusSuccess), statusTL.Value[0])

	entry, ok := reg.Lookup("fd00:dead::1")
	require.True(t, ok)
	require.True(t, entry.DADInProgress, "response precedes DAD completion")

	select {
	case dua := <-announced:
		require.Equal(t, "fd00:dead::1", dua)
	case <-time.After(2 * time.Second):
		t.Fatal("dad never completed")
	}
	entry, ok = reg.Lookup("fd00:dead::1")
	require.True(t, ok)
	require.False(t, entry.DADInProgress)
}

type conflictingProber struct{}

func (conflictingProber) Query(context.Context, string, string) (bool, string, error) {
	return true, "conflictingmleid", nil
}

func TestDUAHandlerRejectsDuplicateMLEID(t *testing.T) {
	st := primaryStore(t)
	reg := registry.NewDUARegistry()
	reg.BeginDAD("fd00:dead::2", "abcdefgh", 1)
	reg.CompleteDAD("fd00:dead::2")
	h := resource.NewDUAHandler(reg, st, conflictingProber{}, nil, nil, nil)

	req := coap.Message{Type: coap.TypeConfirmable, Payload: dadPayload(t, "fd00:dead::2", "zzzzzzzz")}
	resp, _ := h.HandlePost(context.Background(), req, coap.Endpoint{Addr: "fe80::1"})

	tlvs, err := tlv.Parse(resp.Payload)
	require.NoError(t, err)
	statusTL, ok := tlv.Find(tlvs, thread.TypeStatus)
	require.True(t, ok)
	require.Equal(t, uint8(thread.StatusDuplicate), statusTL.Value[0])
}

func TestDUAHandlerRejectsWhenNotPrimary(t *testing.T) {
	st, err := store.New(store.DefaultSchema, "", nil)
	require.NoError(t, err)
	reg := registry.NewDUARegistry()
	h := resource.NewDUAHandler(reg, st, resource.NoopProber{}, nil, nil, nil)

	req := coap.Message{Type: coap.TypeConfirmable, Payload: dadPayload(t, "fd00:dead::3", "abcdefgh")}
	resp, _ := h.HandlePost(context.Background(), req, coap.Endpoint{})

	tlvs, _ := tlv.Parse(resp.Payload)
	statusTL, _ := tlv.Find(tlvs, thread.TypeStatus)
	require.Equal(t, uint8(thread.StatusNotPrimary), statusTL.Value[0])
}

func TestDUAHandlerHonorsTestOverride(t *testing.T) {
	st := primaryStore(t)
	reg := registry.NewDUARegistry()
	h := resource.NewDUAHandler(reg, st, resource.NoopProber{}, nil, nil, nil)
	st.SetTestOverride(thread.StatusNotPrimary)

	req := coap.Message{Type: coap.TypeConfirmable, Payload: dadPayload(t, "fd00:dead::4", "abcdefgh")}
	resp, _ := h.HandlePost(context.Background(), req, coap.Endpoint{})

	tlvs, _ := tlv.Parse(resp.Payload)
	statusTL, _ := tlv.Find(tlvs, thread.TypeStatus)
	require.Equal(t, uint8(thread.StatusNotPrimary), statusTL.Value[0])
}

func TestDUAHandlerRefreshesSameMLEIDWithoutDuplicate(t *testing.T) {
	st := primaryStore(t)
	reg := registry.NewDUARegistry()
	reg.BeginDAD("fd00:dead::5", "abcdefgh", 1)
	reg.CompleteDAD("fd00:dead::5")
	announced := make(chan string, 1)
	announcer := announcerFunc{reannounce: func(_ context.Context, dua, _ string) { announced <- dua }}
	h := resource.NewDUAHandler(reg, st, resource.NoopProber{}, announcer, nil, nil)

	payload := tlv.Encode(
		tlv.Build(thread.TypeTargetEID, net.ParseIP("fd00:dead::5").To16()),
		tlv.Build(thread.TypeMLEID, []byte("abcdefgh")),
		tlv.BuildU32(thread.TypeTimeSinceLastTransaction, 10),
	)
	req := coap.Message{Type: coap.TypeConfirmable, Payload: payload}
	resp, _ := h.HandlePost(context.Background(), req, coap.Endpoint{})

	tlvs, _ := tlv.Parse(resp.Payload)
	statusTL, _ := tlv.Find(tlvs, thread.TypeStatus)
	require.Equal(t, uint8(thread.StatusSuccess), statusTL.Value[0])

	select {
	case dua := <-announced:
		require.Equal(t, "fd00:dead::5", dua)
	case <-time.After(time.Second):
		t.Fatal("expected reannounce for post-dad refresh")
	}

	all := reg.All()
	require.Len(t, all, 1, "refresh must not duplicate the entry")
}

type announcerFunc struct {
	announce   func(context.Context, string, string, bool)
	reannounce func(context.Context, string, string)
}

func (a announcerFunc) Announce(ctx context.Context, dua, mleid string, recent bool) {
	if a.announce != nil {
		a.announce(ctx, dua, mleid, recent)
	}
}

func (a announcerFunc) Reannounce(ctx context.Context, dua, mleid string) {
	if a.reannounce != nil {
		a.reannounce(ctx, dua, mleid)
	}
}

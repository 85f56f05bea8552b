package bbrrole_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kirale/kibra/internal/bbrrole"
	"github.com/kirale/kibra/internal/coap"
	"github.com/kirale/kibra/internal/store"
)

func TestServiceEntryIsPrimary(t *testing.T) {
	require.True(t, bbrrole.ServiceEntry{ServerCount: 1, OwnRLOC16: 0x1000, ServerRLOC: 0x1000}.IsPrimary())
	require.False(t, bbrrole.ServiceEntry{ServerCount: 2, OwnRLOC16: 0x1000, ServerRLOC: 0x1000}.IsPrimary())
	require.False(t, bbrrole.ServiceEntry{ServerCount: 1, OwnRLOC16: 0x1000, ServerRLOC: 0x2000}.IsPrimary())
}

func TestPackServiceData(t *testing.T) {
	data := bbrrole.PackServiceData(5, 128*time.Second, 3600*time.Second)
	require.Len(t, data, 7)
	require.Equal(t, uint8(5), data[0])
	require.Equal(t, []byte{0, 128}, data[1:3])
	require.Equal(t, []byte{0, 0, 0x0e, 0x10}, data[3:7])
}

func TestNextSequenceWrapsModulo256(t *testing.T) {
	require.Equal(t, uint8(0), bbrrole.NextSequence(255))
	require.Equal(t, uint8(6), bbrrole.NextSequence(5))
}

func TestMulticastGroupForPrefix(t *testing.T) {
	prefix := net.ParseIP("fd00:dead:beef::")
	group := bbrrole.MulticastGroupForPrefix(prefix)
	require.True(t, group.IsMulticast())
	require.Equal(t, byte(0xff), group[0])
	require.Equal(t, byte(0x32), group[1])
}

func TestManagerPollBindsPrimaryServers(t *testing.T) {
	st, err := store.New(store.DefaultSchema, "", nil)
	require.NoError(t, err)
	require.NoError(t, st.Set("dongle_rloc", "::1"))

	mux := coap.NewMux(nil)
	mgr := bbrrole.NewManager(st, mux, nil, nil)

	require.NoError(t, st.Set("bbr_status", "primary"))
	require.NoError(t, mgr.Poll(context.Background()))

	require.NoError(t, mux.Unbind("bbr-aloc"))
}

func TestManagerPollIsNoopWithoutTransition(t *testing.T) {
	st, err := store.New(store.DefaultSchema, "", nil)
	require.NoError(t, err)
	mux := coap.NewMux(nil)
	mgr := bbrrole.NewManager(st, mux, nil, nil)

	require.NoError(t, mgr.Poll(context.Background()))
	require.NoError(t, mgr.Poll(context.Background()))
}

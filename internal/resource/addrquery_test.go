package resource_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kirale/kibra/internal/coap"
	"github.com/kirale/kibra/internal/registry"
	"github.com/kirale/kibra/internal/resource"
	"github.com/kirale/kibra/internal/thread"
	"github.com/kirale/kibra/internal/tlv"
)

func TestAddressQueryHandlerNeverResponds(t *testing.T) {
	st := primaryStore(t)
	require.NoError(t, st.Set("domain_prefix", "fd00:dead::/64"))
	h := resource.NewAddressQueryHandler(st, coap.NewClient(nil), func() coap.Endpoint { return coap.Endpoint{Addr: "ff33:0040:fd00:dead::3", Port: thread.PortBB} }, nil)

	payload := tlv.Encode(tlv.Build(thread.TypeTargetEID, net.ParseIP("fd00:dead::1").To16()))
	req := coap.Message{Type: coap.TypeConfirmable, Payload: payload}
	_, respond := h.HandlePost(context.Background(), req, coap.Endpoint{Addr: "fd00:aaaa::1234"})
	require.False(t, respond)
}

func TestAddressQueryHandlerIgnoresOutsideDomainPrefix(t *testing.T) {
	st := primaryStore(t)
	require.NoError(t, st.Set("domain_prefix", "fd00:dead::/64"))
	h := resource.NewAddressQueryHandler(st, coap.NewClient(nil), func() coap.Endpoint { return coap.Endpoint{} }, nil)

	payload := tlv.Encode(tlv.Build(thread.TypeTargetEID, net.ParseIP("fd00:beef::1").To16()))
	req := coap.Message{Type: coap.TypeConfirmable, Payload: payload}
	_, respond := h.HandlePost(context.Background(), req, coap.Endpoint{})
	require.False(t, respond)
}

func TestAddressErrorHandlerRemovesDifferingMLEID(t *testing.T) {
	st := primaryStore(t)
	require.NoError(t, st.Set("domain_prefix", "fd00:dead::/64"))
	reg := registry.NewDUARegistry()
	reg.BeginDAD("fd00:dead::1", "abcdefgh", 1)
	reg.CompleteDAD("fd00:dead::1")
	h := resource.NewAddressErrorHandler(reg, st, nil)

	payload := tlv.Encode(
		tlv.Build(thread.TypeTargetEID, net.ParseIP("fd00:dead::1").To16()),
		tlv.Build(thread.TypeMLEID, []byte("zzzzzzzz")),
	)
	req := coap.Message{Type: coap.TypeConfirmable, Payload: payload}
	h.HandlePost(context.Background(), req, coap.Endpoint{})

	_, ok := reg.Lookup("fd00:dead::1")
	require.False(t, ok)
}

func TestAddressErrorHandlerIgnoresSameMLEID(t *testing.T) {
	st := primaryStore(t)
	require.NoError(t, st.Set("domain_prefix", "fd00:dead::/64"))
	reg := registry.NewDUARegistry()
	reg.BeginDAD("fd00:dead::1", "abcdefgh", 1)
	reg.CompleteDAD("fd00:dead::1")
	h := resource.NewAddressErrorHandler(reg, st, nil)

	payload := tlv.Encode(
		tlv.Build(thread.TypeTargetEID, net.ParseIP("fd00:dead::1").To16()),
		tlv.Build(thread.TypeMLEID, []byte("abcdefgh")),
	)
	req := coap.Message{Type: coap.TypeConfirmable, Payload: payload}
	h.HandlePost(context.Background(), req, coap.Endpoint{})

	_, ok := reg.Lookup("fd00:dead::1")
	require.True(t, ok)
}

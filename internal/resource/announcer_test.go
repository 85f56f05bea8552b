package resource_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kirale/kibra/internal/coap"
	"github.com/kirale/kibra/internal/registry"
	"github.com/kirale/kibra/internal/resource"
	"github.com/kirale/kibra/internal/thread"
)

func TestBBRAnnouncerAnnounceWithoutProxyStillNotifies(t *testing.T) {
	reg := registry.NewDUARegistry()
	reg.BeginDAD("fd00:dead::1", "abcdefgh", 1)
	reg.CompleteDAD("fd00:dead::1")

	a := resource.NewBBRAnnouncer(nil, coap.NewClient(nil), reg,
		func() coap.Endpoint { return coap.Endpoint{Addr: "ff33:0040:fd00:dead::3", Port: thread.PortBB} },
		func() string { return "kibra-net" }, nil)

	require.NotPanics(t, func() {
		a.Announce(context.Background(), "fd00:dead::1", "abcdefgh", true)
	})
}

func TestBBRAnnouncerReannounceWithoutClientIsNoop(t *testing.T) {
	a := resource.NewBBRAnnouncer(nil, nil, nil, nil, nil, nil)
	require.NotPanics(t, func() {
		a.Reannounce(context.Background(), "fd00:dead::1", "abcdefgh")
	})
}

package coap_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kirale/kibra/internal/coap"
)

func TestSocketSendReceiveRoundTrip(t *testing.T) {
	server, err := coap.Listen(coap.Endpoint{Addr: "::1", Port: 0})
	require.NoError(t, err)
	defer server.Close() //nolint:errcheck

	client, err := coap.Listen(coap.Endpoint{Addr: "::1", Port: 0})
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck

	req := coap.Message{Type: coap.TypeNonConfirmable, Code: coap.CodePOST, Path: "n/dr", Payload: []byte{1, 2, 3}}
	dst := coap.Endpoint{Addr: "::1", Port: server.LocalPort()}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Send(ctx, req.Encode(), dst))

	data, _, err := server.Receive(ctx)
	require.NoError(t, err)

	got, err := coap.Decode(data)
	require.NoError(t, err)
	require.Equal(t, req.Path, got.Path)
	require.Equal(t, req.Payload, got.Payload)
}

func TestMuxBindUnbindLifecycle(t *testing.T) {
	mux := coap.NewMux(zap.NewNop().Sugar())
	mux.Handle("n/dr", coap.HandlerFunc(func(_ context.Context, _ coap.Message, _ coap.Endpoint) (coap.Message, bool) {
		return coap.Message{}, false
	}))

	require.NoError(t, mux.Bind("test", coap.Endpoint{Addr: "::1", Port: 0}))
	require.NoError(t, mux.Unbind("test"))
	require.NoError(t, mux.Unbind("test")) // unbinding twice is a no-op

	require.NoError(t, mux.Bind("again", coap.Endpoint{Addr: "::1", Port: 0}))
	require.NoError(t, mux.UnbindAll())
}

func TestMuxRestartRebindsSamePort(t *testing.T) {
	mux := coap.NewMux(zap.NewNop().Sugar())
	require.NoError(t, mux.Bind("test", coap.Endpoint{Addr: "::1", Port: 0}))
	defer mux.UnbindAll() //nolint:errcheck

	require.NoError(t, mux.Bind("test", coap.Endpoint{Addr: "::1", Port: 0})) // rebind via same name, same zero port
}

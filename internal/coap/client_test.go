package coap_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kirale/kibra/internal/coap"
)

func TestClientNonConfirmableDelivers(t *testing.T) {
	sock, err := coap.Listen(coap.Endpoint{Addr: "::1", Port: 0})
	require.NoError(t, err)
	defer sock.Close() //nolint:errcheck

	client := coap.NewClient(nil)
	dst := coap.Endpoint{Addr: "::1", Port: sock.LocalPort()}

	require.NoError(t, client.NonConfirmable(context.Background(), dst, "n/dr", []byte("hello")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, _, err := sock.Receive(ctx)
	require.NoError(t, err)
	msg, err := coap.Decode(data)
	require.NoError(t, err)
	require.Equal(t, "n/dr", msg.Path)
	require.Equal(t, []byte("hello"), msg.Payload)
	require.Equal(t, coap.TypeNonConfirmable, msg.Type)
}

func TestClientQueryReturnsAnswer(t *testing.T) {
	sock, err := coap.Listen(coap.Endpoint{Addr: "::1", Port: 0})
	require.NoError(t, err)
	defer sock.Close() //nolint:errcheck

	client := coap.NewClient(nil)
	dst := coap.Endpoint{Addr: "::1", Port: sock.LocalPort()}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		data, from, rerr := sock.Receive(ctx)
		if rerr != nil {
			return
		}
		req, derr := coap.Decode(data)
		if derr != nil {
			return
		}
		resp := coap.Message{Type: coap.TypeNonConfirmable, Code: coap.CodeContent, MessageID: req.MessageID, Token: req.Token, Payload: []byte("answer")}
		sock.Send(ctx, resp.Encode(), coap.Endpoint{Addr: from.IP.String(), Port: from.Port}) //nolint:errcheck
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := client.Query(ctx, dst, "b/bq", []byte("query"))
	require.NoError(t, err)
	require.Equal(t, []byte("answer"), payload)
}

func TestClientQueryNoAnswerIsNotAnError(t *testing.T) {
	sock, err := coap.Listen(coap.Endpoint{Addr: "::1", Port: 0})
	require.NoError(t, err)
	port := sock.LocalPort()
	require.NoError(t, sock.Close())

	client := coap.NewClient(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	payload, err := client.Query(ctx, coap.Endpoint{Addr: "::1", Port: port}, "b/bq", nil)
	require.NoError(t, err)
	require.Nil(t, payload)
}

package coap

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kirale/kibra/internal/bbrerrors"
)

// DefaultConfirmableTimeout bounds how long a confirmable request
// waits for a response (spec.md §4.2, §5 "Timeouts").
const DefaultConfirmableTimeout = 4 * time.Second

// nonConfirmableFlush is the small wait non-confirmable sends allow
// for the transport to flush the datagram (spec.md §4.2, §5).
const nonConfirmableFlush = time.Millisecond

var messageIDCounter uint32

func nextMessageID() uint16 {
	return uint16(atomic.AddUint32(&messageIDCounter, 1))
}

// randomToken returns a 4-byte correlation token sliced from a fresh
// UUID, rather than keeping a separate CSPRNG draw around for
// something this short-lived.
func randomToken() []byte {
	id := uuid.New()
	return id[:4]
}

// Client issues CoAP POSTs. A single Client may be reused across many
// requests; each call opens an ephemeral socket, matching kibra's
// CoapClient lifecycle of one aiocoap.Context per request.
type Client struct {
	log     *zap.SugaredLogger
	timeout time.Duration
}

// NewClient builds a Client. log may be nil.
func NewClient(log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{log: log, timeout: DefaultConfirmableTimeout}
}

// Confirmable sends a confirmable POST to dst/uri and waits (bounded
// by ctx or the client's default timeout) for a response payload. A
// transport failure or timeout surfaces as "no response" — (nil, nil)
// — rather than aborting the caller, per spec.md §4.2.
func (c *Client) Confirmable(ctx context.Context, dst Endpoint, uri string, payload []byte) ([]byte, error) {
	sock, err := Listen(Endpoint{Addr: "::", Port: 0})
	if err != nil {
		return nil, err
	}
	defer sock.Close()

	req := Message{
		Type:      TypeConfirmable,
		Code:      CodePOST,
		MessageID: nextMessageID(),
		Token:     randomToken(),
		Path:      uri,
		Payload:   payload,
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := sock.Send(ctx, req.Encode(), dst); err != nil {
		c.log.Debugw("confirmable send failed, no response", "uri", uri, "dst", dst.String(), "error", err)
		return nil, nil
	}

	data, _, err := sock.Receive(ctx)
	if err != nil {
		c.log.Debugw("confirmable request got no response", "uri", uri, "dst", dst.String(), "error", err)
		return nil, nil
	}
	resp, err := Decode(data)
	if err != nil {
		return nil, &bbrerrors.ProtocolError{URI: uri, Reason: "malformed response", Wrapped: err}
	}
	return resp.Payload, nil
}

// Query sends a non-confirmable POST and then listens, on the same
// ephemeral socket, for a single reply within ctx's deadline (or the
// client's default timeout). It models the Backbone Query/Answer
// pattern (spec.md §4.5, §4.7): the query itself is NON, but a peer
// that holds the target answers back with its own unicast message to
// the query's source address and port. No reply is "no conflict
// known" — (nil, nil) — not an error.
func (c *Client) Query(ctx context.Context, dst Endpoint, uri string, payload []byte) ([]byte, error) {
	sock, err := Listen(Endpoint{Addr: "::", Port: 0})
	if err != nil {
		return nil, err
	}
	defer sock.Close()

	req := Message{
		Type:      TypeNonConfirmable,
		Code:      CodePOST,
		MessageID: nextMessageID(),
		Token:     randomToken(),
		Path:      uri,
		Payload:   payload,
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := sock.Send(ctx, req.Encode(), dst); err != nil {
		c.log.Debugw("query send failed, no answer", "uri", uri, "dst", dst.String(), "error", err)
		return nil, nil
	}

	data, _, err := sock.Receive(ctx)
	if err != nil {
		return nil, nil
	}
	resp, err := Decode(data)
	if err != nil {
		return nil, &bbrerrors.ProtocolError{URI: uri, Reason: "malformed answer", Wrapped: err}
	}
	return resp.Payload, nil
}

// NonConfirmable fires a non-confirmable POST without waiting for any
// response; it allows a very small delay for the datagram to flush
// through the transport (spec.md §4.2, §5).
func (c *Client) NonConfirmable(ctx context.Context, dst Endpoint, uri string, payload []byte) error {
	sock, err := Listen(Endpoint{Addr: "::", Port: 0})
	if err != nil {
		return err
	}
	defer sock.Close()

	req := Message{
		Type:      TypeNonConfirmable,
		Code:      CodePOST,
		MessageID: nextMessageID(),
		Token:     randomToken(),
		Path:      uri,
		Payload:   payload,
	}
	if err := sock.Send(ctx, req.Encode(), dst); err != nil {
		c.log.Debugw("non-confirmable send failed", "uri", uri, "dst", dst.String(), "error", err)
		return nil
	}
	time.Sleep(nonConfirmableFlush)
	return nil
}

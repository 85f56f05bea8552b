package resource

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/kirale/kibra/internal/coap"
	"github.com/kirale/kibra/internal/store"
	"github.com/kirale/kibra/internal/thread"
	"github.com/kirale/kibra/internal/tlv"
)

// MeshAddressErrorSender sends the confirmable a/ae notification back
// into the mesh toward a losing registrant (spec.md §4.5 "DAD
// procedure", §4.7 unicast path). The destination is the registrant's
// RLOC address, built from the mesh-local prefix (the network portion
// of dongle_mleid) and the RLOC16, the standard Thread RLOC IID
// (<prefix>:0:00ff:fe00:<rloc16>).
type MeshAddressErrorSender struct {
	Log    *zap.SugaredLogger
	Store  *store.Store
	Client *coap.Client
}

// NewMeshAddressErrorSender builds a MeshAddressErrorSender.
func NewMeshAddressErrorSender(st *store.Store, client *coap.Client, log *zap.SugaredLogger) *MeshAddressErrorSender {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &MeshAddressErrorSender{Log: log, Store: st, Client: client}
}

func (s *MeshAddressErrorSender) SendAddressError(ctx context.Context, registrantRLOC uint16, dua, conflictingMLEID string) {
	dst, ok := rlocEndpoint(s.Store, registrantRLOC)
	if !ok {
		s.Log.Debugw("cannot address error notification, no mesh-local prefix known", "dua", dua)
		return
	}
	ip := net.ParseIP(dua)
	if ip == nil {
		return
	}
	payload := tlv.Encode(
		tlv.Build(thread.TypeTargetEID, ip.To16()),
		tlv.Build(thread.TypeMLEID, []byte(conflictingMLEID)),
	)
	if _, err := s.Client.Confirmable(ctx, dst, thread.URIAddressError, payload); err != nil {
		s.Log.Debugw("address error notification failed", "dua", dua, "to", dst.String(), "error", err)
	}
}

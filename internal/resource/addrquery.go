package resource

import (
	"context"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/kirale/kibra/internal/coap"
	"github.com/kirale/kibra/internal/registry"
	"github.com/kirale/kibra/internal/store"
	"github.com/kirale/kibra/internal/thread"
	"github.com/kirale/kibra/internal/tlv"
)

// AddressQueryHandler implements the mesh-side a/aq resource: when a
// mesh node asks for a DUA this BBR does not itself resolve, the
// query is propagated to the backbone as a non-confirmable b/bq
// (spec.md §4.8). a/aq itself never gets a CoAP response.
type AddressQueryHandler struct {
	Log         *zap.SugaredLogger
	Store       *store.Store
	Client      *coap.Client
	AllDomain   func() coap.Endpoint
}

// NewAddressQueryHandler builds an AddressQueryHandler.
func NewAddressQueryHandler(st *store.Store, client *coap.Client, allDomain func() coap.Endpoint, log *zap.SugaredLogger) *AddressQueryHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &AddressQueryHandler{Log: log, Store: st, Client: client, AllDomain: allDomain}
}

func (h *AddressQueryHandler) HandlePost(ctx context.Context, req coap.Message, from coap.Endpoint) (coap.Message, bool) {
	if h.Store.GetString("bbr_status") != "primary" {
		return coap.Message{}, false
	}
	tlvs, err := tlv.Parse(req.Payload)
	if err != nil {
		return coap.Message{}, false
	}
	targetRaw, err := tlv.FindValue(tlvs, thread.TypeTargetEID)
	if err != nil || len(targetRaw) != 16 {
		return coap.Message{}, false
	}
	if !withinDomainPrefix(net.IP(targetRaw), h.Store.GetString("domain_prefix")) {
		return coap.Message{}, false
	}

	payload := tlv.Encode(
		tlv.Build(thread.TypeTargetEID, targetRaw),
		tlv.BuildU16(thread.TypeRLOC16, rloc16FromSource(from)),
	)
	if err := h.Client.NonConfirmable(ctx, h.AllDomain(), thread.URIBackboneQuery, payload); err != nil {
		h.Log.Debugw("address query propagation failed", "from", from.String(), "error", err)
	}
	return coap.Message{}, false
}

// AddressErrorHandler reacts to a/ae notifications reporting a DUA
// collision detected elsewhere on the mesh (spec.md §4.9).
type AddressErrorHandler struct {
	Log      *zap.SugaredLogger
	Registry *registry.DUARegistry
	Store    *store.Store
}

// NewAddressErrorHandler builds an AddressErrorHandler.
func NewAddressErrorHandler(reg *registry.DUARegistry, st *store.Store, log *zap.SugaredLogger) *AddressErrorHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &AddressErrorHandler{Log: log, Registry: reg, Store: st}
}

func (h *AddressErrorHandler) HandlePost(_ context.Context, req coap.Message, from coap.Endpoint) (coap.Message, bool) {
	if h.Store.GetString("bbr_status") != "primary" {
		return coap.Message{}, false
	}
	tlvs, err := tlv.Parse(req.Payload)
	if err != nil {
		h.Log.Debugw("malformed address error notification", "from", from.String(), "error", err)
		return coap.Message{}, false
	}
	targetRaw, err1 := tlv.FindValue(tlvs, thread.TypeTargetEID)
	mleidRaw, err2 := tlv.FindValue(tlvs, thread.TypeMLEID)
	if err1 != nil || err2 != nil || len(targetRaw) != 16 {
		return coap.Message{}, false
	}
	if !withinDomainPrefix(net.IP(targetRaw), h.Store.GetString("domain_prefix")) {
		return coap.Message{}, false
	}
	dua := net.IP(targetRaw).String()

	entry, ok := h.Registry.Lookup(dua)
	if !ok || entry.DADInProgress || entry.MLEID == string(mleidRaw) {
		return coap.Message{}, false
	}
	h.Log.Infow("address error reported, dropping registration", "dua", dua)
	h.Registry.Remove(dua)
	return coap.Message{}, false
}

// withinDomainPrefix reports whether ip falls under the configured
// Domain prefix (a "<prefix>/64" string); an unset prefix matches
// nothing, matching the BBR having no Domain prefix configured yet.
func withinDomainPrefix(ip net.IP, domainPrefix string) bool {
	if domainPrefix == "" || ip == nil {
		return false
	}
	prefixAddr := domainPrefix
	if idx := strings.IndexByte(domainPrefix, '/'); idx >= 0 {
		prefixAddr = domainPrefix[:idx]
	}
	prefixIP := net.ParseIP(prefixAddr)
	if prefixIP == nil {
		return false
	}
	p, ip16 := prefixIP.To16(), ip.To16()
	if p == nil || ip16 == nil {
		return false
	}
	for i := 0; i < 8; i++ { // compare the /64 network portion
		if p[i] != ip16[i] {
			return false
		}
	}
	return true
}

// rloc16FromSource extracts the requester's RLOC16 from the low 16
// bits of its mesh source address (spec.md §4.8).
func rloc16FromSource(ep coap.Endpoint) uint16 {
	ip := net.ParseIP(ep.Addr)
	if ip == nil {
		return 0
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return 0
	}
	return uint16(ip16[14])<<8 | uint16(ip16[15])
}

// rlocEndpoint builds the unicast mesh destination for rloc16, derived
// from the mesh-local prefix (the network portion of dongle_mleid) and
// the standard Thread RLOC IID (<prefix>:0:00ff:fe00:<rloc16>) — the
// inverse of rloc16FromSource.
func rlocEndpoint(st *store.Store, rloc16 uint16) (coap.Endpoint, bool) {
	mleid := net.ParseIP(st.GetString("dongle_mleid"))
	if mleid == nil {
		return coap.Endpoint{}, false
	}
	prefix := mleid.To16()
	if prefix == nil {
		return coap.Endpoint{}, false
	}
	rloc := make(net.IP, 16)
	copy(rloc, prefix[:8])
	rloc[8], rloc[9] = 0x00, 0x00
	rloc[10], rloc[11] = 0x00, 0xff
	rloc[12], rloc[13] = 0xfe, 0x00
	rloc[14] = byte(rloc16 >> 8)
	rloc[15] = byte(rloc16)
	return coap.Endpoint{Addr: rloc.String(), Port: thread.PortMM}, true
}

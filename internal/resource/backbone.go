package resource

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kirale/kibra/internal/coap"
	"github.com/kirale/kibra/internal/registry"
	"github.com/kirale/kibra/internal/store"
	"github.com/kirale/kibra/internal/thread"
	"github.com/kirale/kibra/internal/tlv"
)

// BackboneHandler implements both halves of the Backbone Query/Answer
// exchange (spec.md §4.6-§4.7): it answers b/bq requests from peer
// BBRs about DUAs it has committed, issues its own b/bq queries as a
// DADProber, and reconciles b/ba answers — both the unicast replies to
// its own queries and proactive multicast notifications (PRO_BB.ntf)
// — against its own registry.
type BackboneHandler struct {
	Log         *zap.SugaredLogger
	Registry    *registry.DUARegistry
	Store       *store.Store
	Client      *coap.Client
	AllDomain   func() coap.Endpoint // "All Domain BBRs" multicast endpoint
	NetworkName func() string
	ErrorSender AddrErrorSender

	mu                sync.Mutex
	notifiedConflicts map[string]string // dua -> peer ML-EID last PRO_BB.ntf'd for it
}

// NewBackboneHandler builds a BackboneHandler.
func NewBackboneHandler(reg *registry.DUARegistry, st *store.Store, client *coap.Client, allDomain func() coap.Endpoint, networkName func() string, errSender AddrErrorSender, log *zap.SugaredLogger) *BackboneHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if errSender == nil {
		errSender = NoopErrorSender{}
	}
	return &BackboneHandler{Log: log, Registry: reg, Store: st, Client: client, AllDomain: allDomain, NetworkName: networkName, ErrorSender: errSender,
		notifiedConflicts: make(map[string]string)}
}

// Query implements DADProber by flooding a non-confirmable Backbone
// Query to the exterior multicast group and waiting for at most one
// Backbone Answer. No response is treated as "no other holder known"
// (spec.md §4.5): a silent backbone never blocks DUA registration
// indefinitely.
func (h *BackboneHandler) Query(ctx context.Context, dua, ownMLEID string) (bool, string, error) {
	ip := net.ParseIP(dua)
	if ip == nil {
		return false, "", nil
	}
	payload := tlv.Encode(tlv.Build(thread.TypeTargetEID, ip.To16()))

	resp, err := h.Client.Query(ctx, h.AllDomain(), thread.URIBackboneQuery, payload)
	if err != nil || resp == nil {
		return false, "", err
	}

	tlvs, err := tlv.Parse(resp)
	if err != nil {
		return false, "", nil
	}
	peerMLEID, err := tlv.FindValue(tlvs, thread.TypeMLEID)
	if err != nil {
		return false, "", nil
	}
	if string(peerMLEID) == ownMLEID {
		return false, "", nil
	}
	return true, string(peerMLEID), nil
}

// HandleQuery answers an incoming b/bq from a peer BBR (spec.md §4.6).
// Non-primary never responds; neither does an unknown or still-DAD-ing
// DUA.
func (h *BackboneHandler) HandleQuery(_ context.Context, req coap.Message, from coap.Endpoint) (coap.Message, bool) {
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
	dua := net.IP(targetRaw).String()

	entry, ok := h.Registry.Lookup(dua)
	if !ok || entry.DADInProgress {
		return coap.Message{}, false
	}

	elapsed := uint32(time.Since(entry.RegisteredAt).Seconds())
	tlvsOut := []tlv.TLV{
		tlv.Build(thread.TypeTargetEID, targetRaw),
		tlv.Build(thread.TypeMLEID, []byte(entry.MLEID)),
		tlv.BuildU32(thread.TypeTimeSinceLastTransaction, elapsed),
		tlv.Build(thread.TypeNetworkName, []byte(h.networkName())),
	}
	if rlocTL, ok := tlv.Find(tlvs, thread.TypeRLOC16); ok {
		tlvsOut = append(tlvsOut, rlocTL)
	}
	return coap.Message{Code: coap.CodeChanged, Payload: tlv.Encode(tlvsOut...)}, true
}

// HandleAnswer reconciles an incoming b/ba — whether a unicast answer
// to our own DAD or an address-query propagation, or a proactive
// multicast notification (PRO_BB.ntf) — against the local registry
// (spec.md §4.7). Required sub-TLVs absent → silent drop.
func (h *BackboneHandler) HandleAnswer(ctx context.Context, req coap.Message, from coap.Endpoint) (coap.Message, bool) {
	respond := req.Type == coap.TypeConfirmable

	tlvs, err := tlv.Parse(req.Payload)
	if err != nil {
		return coap.Message{}, false
	}
	targetRaw, err1 := tlv.FindValue(tlvs, thread.TypeTargetEID)
	peerMLEIDRaw, err2 := tlv.FindValue(tlvs, thread.TypeMLEID)
	elapsedTL, hasElapsed := tlv.Find(tlvs, thread.TypeTimeSinceLastTransaction)
	_, hasName := tlv.Find(tlvs, thread.TypeNetworkName)
	if err1 != nil || err2 != nil || !hasElapsed || !hasName || len(targetRaw) != 16 {
		return coap.Message{}, false
	}
	dua := net.IP(targetRaw).String()
	peerMLEID := string(peerMLEIDRaw)
	peerElapsedVal, _ := tlv.U32(elapsedTL)
	peerElapsed := time.Duration(peerElapsedVal) * time.Second

	entry, known := h.Registry.Lookup(dua)
	if !known {
		return coap.Message{}, false
	}

	rlocTL, rlocPresent := tlv.Find(tlvs, thread.TypeRLOC16)
	multicast := !respond // NON messages in this exchange are always the multicast PRO_BB.ntf path

	if !multicast {
		if entry.DADInProgress {
			if peerMLEID == entry.MLEID {
				h.Log.Debugw("dua also registered elsewhere under same ml-eid, awaiting dad completion", "dua", dua)
				h.notifyConflictOnce(ctx, dua, entry, peerMLEID)
			} else {
				h.Registry.MarkPendingDelete(dua)
				h.ErrorSender.SendAddressError(ctx, entry.RegistrantRLOC, dua, peerMLEID)
			}
		} else if rlocPresent {
			if requesterRLOC, err := tlv.U16(rlocTL); err == nil {
				h.notifyAddressQuerier(ctx, dua, requesterRLOC)
			}
		}
		return coap.Message{Code: coap.CodeChanged}, true
	}

	// Multicast PRO_BB.ntf path.
	if entry.MLEID == peerMLEID {
		ourElapsed := time.Since(entry.RegisteredAt)
		if ourElapsed >= peerElapsed {
			h.Log.Infow("deferring to peer bbr for contested dua", "dua", dua, "peer_mleid", peerMLEID)
			h.Registry.Remove(dua)
		}
	} else {
		h.Registry.Remove(dua)
		h.ErrorSender.SendAddressError(ctx, entry.RegistrantRLOC, dua, peerMLEID)
	}
	return coap.Message{}, false
}

// notifyConflictOnce re-floods the multicast PRO_BB.ntf for dua when a
// unicast b/ba answer shows the same DUA registered elsewhere under
// the same ML-EID (spec.md §4.7 "ML-EIDs match"). It fires at most
// once per distinct peer answer: a peer that keeps re-answering while
// our own DAD is still pending would otherwise re-trigger the flood on
// every duplicate.
func (h *BackboneHandler) notifyConflictOnce(ctx context.Context, dua string, entry registry.DUAEntry, peerMLEID string) {
	h.mu.Lock()
	last, seen := h.notifiedConflicts[dua]
	if seen && last == peerMLEID {
		h.mu.Unlock()
		return
	}
	h.notifiedConflicts[dua] = peerMLEID
	h.mu.Unlock()
	h.notifyMulticast(ctx, dua, entry)
}

// notifyMulticast sends the non-confirmable PRO_BB.ntf for entry,
// the same payload shape BBRAnnouncer floods after DAD completes.
func (h *BackboneHandler) notifyMulticast(ctx context.Context, dua string, entry registry.DUAEntry) {
	ip := net.ParseIP(dua)
	if ip == nil || h.Client == nil || h.AllDomain == nil {
		return
	}
	elapsed := uint32(time.Since(entry.RegisteredAt).Seconds())
	payload := tlv.Encode(
		tlv.Build(thread.TypeTargetEID, ip.To16()),
		tlv.Build(thread.TypeMLEID, []byte(entry.MLEID)),
		tlv.BuildU32(thread.TypeTimeSinceLastTransaction, elapsed),
		tlv.Build(thread.TypeNetworkName, []byte(h.networkName())),
	)
	if err := h.Client.NonConfirmable(ctx, h.AllDomain(), thread.URIBackboneAnswer, payload); err != nil {
		h.Log.Debugw("pro_bb.ntf re-flood failed", "dua", dua, "error", err)
	}
}

// notifyAddressQuerier closes the backbone address-resolution loop
// (spec.md §1, §4.8, §6 "Outgoing to mesh: a/an"): once a b/bq answer
// carrying A_RLOC16 shows the DUA is resolved, tell the mesh node that
// originally asked, via a confirmable a/an to its RLOC.
func (h *BackboneHandler) notifyAddressQuerier(ctx context.Context, dua string, requesterRLOC uint16) {
	ip := net.ParseIP(dua)
	if ip == nil {
		return
	}
	dst, ok := rlocEndpoint(h.Store, requesterRLOC)
	if !ok {
		h.Log.Debugw("cannot notify address querier, no mesh-local prefix known", "dua", dua)
		return
	}
	payload := tlv.Encode(tlv.Build(thread.TypeTargetEID, ip.To16()))
	if _, err := h.Client.Confirmable(ctx, dst, thread.URIAddressNotify, payload); err != nil {
		h.Log.Debugw("address notify failed", "dua", dua, "to", dst.String(), "error", err)
	}
}

func (h *BackboneHandler) networkName() string {
	if h.NetworkName == nil {
		return ""
	}
	return h.NetworkName()
}

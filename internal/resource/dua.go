// Package resource implements the CoAP resource handlers that make up
// the Backbone Border Router's protocol surface: DUA registration,
// Multicast Listener Registration, Address Query/Error, and the
// Backbone Query/Answer pair (spec.md §4.4-§4.10).
package resource

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/kirale/kibra/internal/bbrerrors"
	"github.com/kirale/kibra/internal/coap"
	"github.com/kirale/kibra/internal/registry"
	"github.com/kirale/kibra/internal/store"
	"github.com/kirale/kibra/internal/thread"
	"github.com/kirale/kibra/internal/tlv"
)

// DADProber checks, over the backbone link, whether dua is already
// held by some other ML-EID. It is the seam the Backbone Query/Answer
// exchange plugs into (spec.md §4.5 "DAD procedure").
type DADProber interface {
	Query(ctx context.Context, dua, ownMLEID string) (conflict bool, conflictingMLEID string, err error)
}

// NoopProber reports no conflict for every query; it lets a BBR with
// no committed backbone peers still complete DUA registration.
type NoopProber struct{}

func (NoopProber) Query(context.Context, string, string) (bool, string, error) { return false, "", nil }

// DADAnnouncer performs the three post-DAD actions spec.md §4.5 lists:
// installing the ND-Proxy neighbor, sending the multicast PRO_BB.ntf,
// and (when the registration is recent) emitting unsolicited NAs.
type DADAnnouncer interface {
	Announce(ctx context.Context, dua, mleid string, recent bool)
	Reannounce(ctx context.Context, dua, mleid string)
}

// NoopAnnouncer performs no side effects; useful where only registry
// bookkeeping is under test.
type NoopAnnouncer struct{}

func (NoopAnnouncer) Announce(context.Context, string, string, bool) {}
func (NoopAnnouncer) Reannounce(context.Context, string, string)     {}

// AddrErrorSender sends a confirmable `/a/ae` back into the mesh
// toward a losing registrant after a DAD collision (spec.md §4.5
// "DAD procedure", §4.7 unicast path).
type AddrErrorSender interface {
	SendAddressError(ctx context.Context, registrantRLOC uint16, dua, conflictingMLEID string)
}

// NoopErrorSender drops address-error notifications.
type NoopErrorSender struct{}

func (NoopErrorSender) SendAddressError(context.Context, uint16, string, string) {}

// DUAHandler implements the n/dr resource (spec.md §4.5).
type DUAHandler struct {
	Log          *zap.SugaredLogger
	Registry     *registry.DUARegistry
	Store        *store.Store
	Prober       DADProber
	Announcer    DADAnnouncer
	ErrorSender  AddrErrorSender
	Repeat       int
	QueryTimeout time.Duration
}

// NewDUAHandler builds a DUAHandler with the spec's default DAD
// cadence (thread.DUADadRepeat rounds, thread.DUADadQueryTimeout apart).
func NewDUAHandler(reg *registry.DUARegistry, st *store.Store, prober DADProber, announcer DADAnnouncer, errSender AddrErrorSender, log *zap.SugaredLogger) *DUAHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if prober == nil {
		prober = NoopProber{}
	}
	if announcer == nil {
		announcer = NoopAnnouncer{}
	}
	if errSender == nil {
		errSender = NoopErrorSender{}
	}
	return &DUAHandler{
		Log: log, Registry: reg, Store: st, Prober: prober, Announcer: announcer, ErrorSender: errSender,
		Repeat: thread.DUADadRepeat, QueryTimeout: thread.DUADadQueryTimeout,
	}
}

func (h *DUAHandler) HandlePost(_ context.Context, req coap.Message, from coap.Endpoint) (coap.Message, bool) {
	respond := req.Type == coap.TypeConfirmable

	if h.Store.GetString("bbr_status") != "primary" {
		return h.statusResponse(thread.StatusNotPrimary, nil), respond
	}
	if h.Registry.Count() >= thread.MaxDUAEntries {
		return h.statusResponse(thread.StatusResourceShort, nil), respond
	}

	tlvs, err := tlv.Parse(req.Payload)
	if err != nil {
		h.Log.Debugw("malformed dua registration", "from", from.String(), "error", err)
		return h.statusResponse(thread.StatusUnspecified, nil), respond
	}

	targetRaw, err := tlv.FindValue(tlvs, thread.TypeTargetEID)
	if err != nil || len(targetRaw) != 16 {
		return h.statusResponse(thread.StatusInvalidAddress, nil), respond
	}
	dua := net.IP(append([]byte(nil), targetRaw...)).String()

	mleidRaw, err := tlv.FindValue(tlvs, thread.TypeMLEID)
	if err != nil || len(mleidRaw) != 8 {
		return h.statusResponse(thread.StatusInvalidAddress, targetRaw), respond
	}
	mleid := string(mleidRaw)

	var elapsed uint32
	if elapsedTL, ok := tlv.Find(tlvs, thread.TypeTimeSinceLastTransaction); ok {
		elapsed, _ = tlv.U32(elapsedTL)
	}

	var registrantRLOC uint16
	if tl, ok := tlv.Find(tlvs, thread.TypeRLOC16); ok {
		registrantRLOC, _ = tlv.U16(tl)
	}

	existing, exists := h.Registry.Lookup(dua)
	switch {
	case exists && existing.MLEID != mleid:
		if override, ok := h.Store.ConsumeTestOverride(); ok {
			return h.statusResponse(override, targetRaw), respond
		}
		return h.statusResponse(thread.StatusDuplicate, targetRaw), respond

	case exists:
		refreshedAt := time.Now().Add(-time.Duration(elapsed) * time.Second)
		entry, _ := h.Registry.Refresh(dua, mleid, refreshedAt)
		if !entry.DADInProgress {
			go h.Announcer.Reannounce(context.Background(), dua, mleid)
		}

	default:
		h.Registry.BeginDAD(dua, mleid, registrantRLOC)
		go h.runDAD(dua, mleid, registrantRLOC)
	}

	status := thread.StatusSuccess
	if override, ok := h.Store.ConsumeTestOverride(); ok {
		status = override
	}
	return h.statusResponse(status, targetRaw), respond
}

// runDAD performs the Backbone Query fan-out for a new registration
// outside the request/response path, matching spec.md §5's rule that
// a handler may only suspend at explicit await points — the decision
// to create the entry and answer the registrant is made synchronously,
// DAD itself runs to completion afterward.
func (h *DUAHandler) runDAD(dua, mleid string, registrantRLOC uint16) {
	var conflict bool
	var conflictingMLEID string
	for i := 0; i < h.Repeat; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), h.QueryTimeout)
		c, peerMLEID, err := h.Prober.Query(ctx, dua, mleid)
		cancel()
		if err != nil {
			h.Log.Debugw("dad probe failed", "dua", dua, "error", &bbrerrors.TransportError{Op: "dad-probe", Addr: dua, Wrapped: err})
			continue
		}
		if c {
			conflict, conflictingMLEID = true, peerMLEID
			h.Registry.MarkPendingDelete(dua)
			break
		}
	}

	if conflict {
		h.Registry.Remove(dua)
		h.ErrorSender.SendAddressError(context.Background(), registrantRLOC, dua, conflictingMLEID)
		return
	}

	h.Registry.CompleteDAD(dua)
	entry, ok := h.Registry.Lookup(dua)
	recent := ok && time.Since(entry.RegisteredAt) < thread.DUARecentWindow
	h.Announcer.Announce(context.Background(), dua, mleid, recent)
}

func (h *DUAHandler) statusResponse(status int, targetEID []byte) coap.Message {
	tlvs := []tlv.TLV{tlv.BuildU8(thread.TypeStatus, uint8(status))}
	if targetEID != nil {
		tlvs = append(tlvs, tlv.Build(thread.TypeTargetEID, targetEID))
	}
	return coap.Message{Code: coap.CodeChanged, Payload: tlv.Encode(tlvs...)}
}

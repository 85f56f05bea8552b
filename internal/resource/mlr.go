package resource

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/kirale/kibra/internal/coap"
	"github.com/kirale/kibra/internal/registry"
	"github.com/kirale/kibra/internal/store"
	"github.com/kirale/kibra/internal/thread"
	"github.com/kirale/kibra/internal/tlv"
)

// MulticastRouter is the seam MLRHandler uses to install or withdraw
// the kernel multicast-forwarding state backing a registration
// (spec.md §4.4, §4.12).
type MulticastRouter interface {
	Join(group string) error
	Leave(group string) error
}

// NoopRouter performs no kernel-level routing; useful where only the
// registry bookkeeping is under test.
type NoopRouter struct{}

func (NoopRouter) Join(string) error  { return nil }
func (NoopRouter) Leave(string) error { return nil }

// BMLRAnnouncer emits the backup-MLR fan-out that follows a successful
// `/n/mr` transaction (spec.md §4.4 step 6).
type BMLRAnnouncer interface {
	Announce(ctx context.Context, groups [][]byte, timeout uint32)
}

// NonConfirmableBMLRAnnouncer sends `/b/bmr` to All Network BBRs using a
// coap.Client, the production implementation of BMLRAnnouncer.
type NonConfirmableBMLRAnnouncer struct {
	Log         *zap.SugaredLogger
	Client      *coap.Client
	AllBBRs     func() coap.Endpoint
	NetworkName func() string
}

func (a *NonConfirmableBMLRAnnouncer) Announce(ctx context.Context, groups [][]byte, timeout uint32) {
	if len(groups) == 0 {
		return
	}
	var addrs []byte
	for _, g := range groups {
		addrs = append(addrs, g...)
	}
	payload := tlv.Encode(
		tlv.Build(thread.TypeIPv6Addresses, addrs),
		tlv.BuildU32(thread.TypeTimeout, timeout),
		tlv.Build(thread.TypeNetworkName, []byte(a.NetworkName())),
	)
	if err := a.Client.NonConfirmable(ctx, a.AllBBRs(), thread.URIBackboneMLR, payload); err != nil {
		a.Log.Debugw("bmlr announcement failed", "error", err)
	}
}

// MLRHandler implements the n/mr resource (spec.md §4.4).
type MLRHandler struct {
	Log       *zap.SugaredLogger
	Registry  *registry.MLRRegistry
	Store     *store.Store
	Router    MulticastRouter
	Announcer BMLRAnnouncer
}

// NewMLRHandler builds an MLRHandler.
func NewMLRHandler(reg *registry.MLRRegistry, st *store.Store, router MulticastRouter, announcer BMLRAnnouncer, log *zap.SugaredLogger) *MLRHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if router == nil {
		router = NoopRouter{}
	}
	if announcer == nil {
		announcer = noopBMLRAnnouncer{}
	}
	return &MLRHandler{Log: log, Registry: reg, Store: st, Router: router, Announcer: announcer}
}

type noopBMLRAnnouncer struct{}

func (noopBMLRAnnouncer) Announce(context.Context, [][]byte, uint32) {}

func (h *MLRHandler) HandlePost(ctx context.Context, req coap.Message, from coap.Endpoint) (coap.Message, bool) {
	respond := req.Type == coap.TypeConfirmable

	if h.Store.GetString("bbr_status") != "primary" {
		return h.statusResponse(thread.StatusNotPrimary, nil), respond
	}
	if h.Registry.Count() >= thread.MaxMLREntries {
		return h.statusResponse(thread.StatusResourceShort, nil), respond
	}

	tlvs, err := tlv.Parse(req.Payload)
	if err != nil {
		return h.statusResponse(thread.StatusUnspecified, nil), respond
	}

	addrsRaw, err := tlv.FindValue(tlvs, thread.TypeIPv6Addresses)
	if err != nil {
		return h.statusResponse(thread.StatusUnspecified, nil), respond
	}
	if len(addrsRaw)%16 != 0 || len(addrsRaw) == 0 {
		return h.statusResponse(thread.StatusUnspecified, nil), respond
	}

	var bad [][]byte
	var good [][]byte
	for off := 0; off < len(addrsRaw); off += 16 {
		raw := addrsRaw[off : off+16]
		ip := net.IP(raw)
		if !ip.IsMulticast() || multicastScope(ip) <= 3 {
			bad = append(bad, raw)
			continue
		}
		good = append(good, raw)
	}
	if len(bad) > 0 {
		return h.statusResponse(thread.StatusInvalidAddress, bad), respond
	}

	timeout := uint32(thread.DefaultMLRTimeout.Seconds())
	_, hasSession := tlv.Find(tlvs, thread.TypeCommissionerSessionID)
	if timeoutTL, ok := tlv.Find(tlvs, thread.TypeTimeout); ok && hasSession {
		timeout, _ = tlv.U32(timeoutTL)
	}

	now := time.Now()
	var newlyTracked [][]byte
	for _, raw := range good {
		group := net.IP(raw).String()
		_, existed := h.Registry.Lookup(group)
		entry := h.Registry.Join(group, timeout, now)
		if !existed {
			if err := h.Router.Join(group); err != nil {
				h.Log.Warnw("failed to install multicast route", "group", group, "error", err)
			}
			newlyTracked = append(newlyTracked, raw)
		}
		h.syncPermanentSet(group, entry.Permanent)
	}

	if len(newlyTracked) > 0 {
		h.Announcer.Announce(ctx, newlyTracked, timeout)
	}

	status := thread.StatusSuccess
	if override, ok := h.Store.ConsumeTestOverride(); ok {
		status = override
	}
	return h.statusResponse(status, nil), respond
}

// syncPermanentSet keeps maddrs_perm — the persisted permanent MLR set
// (spec.md §3 "permanent entries persist across restarts", §6
// "Persisted state") — in lockstep with the registry's Permanent flag
// for group: added the first time it registers permanently, dropped
// if it later re-registers with a timed expiry instead.
func (h *MLRHandler) syncPermanentSet(group string, permanent bool) {
	current := h.Store.GetStringSlice("maddrs_perm")
	idx := -1
	for i, g := range current {
		if g == group {
			idx = i
			break
		}
	}
	switch {
	case permanent && idx < 0:
		updated := append(append([]string{}, current...), group)
		if err := h.Store.Set("maddrs_perm", updated); err != nil {
			h.Log.Warnw("failed to persist permanent mlr group", "group", group, "error", err)
		}
	case !permanent && idx >= 0:
		updated := append(append([]string{}, current[:idx]...), current[idx+1:]...)
		if err := h.Store.Set("maddrs_perm", updated); err != nil {
			h.Log.Warnw("failed to persist permanent mlr group removal", "group", group, "error", err)
		}
	}
}

// SeedPermanentGroups restores the persisted permanent MLR set into
// reg and installs the matching kernel multicast routes, the startup
// counterpart to syncPermanentSet (spec.md §3 "permanent entries
// persist across restarts"). Call once, before the CoAP mux starts
// accepting n/mr requests.
func SeedPermanentGroups(reg *registry.MLRRegistry, router MulticastRouter, st *store.Store, log *zap.SugaredLogger) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if router == nil {
		router = NoopRouter{}
	}
	now := time.Now()
	for _, group := range st.GetStringSlice("maddrs_perm") {
		reg.Join(group, thread.PermanentTimeout, now)
		if err := router.Join(group); err != nil {
			log.Warnw("failed to install persisted permanent mlr route", "group", group, "error", err)
		}
	}
}

func (h *MLRHandler) statusResponse(status int, rejected [][]byte) coap.Message {
	tlvs := []tlv.TLV{tlv.BuildU8(thread.TypeStatus, uint8(status))}
	if len(rejected) > 0 {
		var joined []byte
		for _, a := range rejected {
			joined = append(joined, a...)
		}
		tlvs = append(tlvs, tlv.Build(thread.TypeIPv6Addresses, joined))
	}
	return coap.Message{Code: coap.CodeChanged, Payload: tlv.Encode(tlvs...)}
}

// multicastScope extracts the 4-bit scope field of an IPv6 multicast
// address (RFC 4291 §2.7): byte 1's low nibble.
func multicastScope(ip net.IP) int {
	ip16 := ip.To16()
	if ip16 == nil {
		return 0
	}
	return int(ip16[1] & 0x0F)
}

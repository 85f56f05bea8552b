package resource

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/kirale/kibra/internal/coap"
	"github.com/kirale/kibra/internal/ndproxy"
	"github.com/kirale/kibra/internal/registry"
	"github.com/kirale/kibra/internal/thread"
	"github.com/kirale/kibra/internal/tlv"
)

// BBRAnnouncer is the production DADAnnouncer: it installs the
// ND-Proxy neighbor for a committed DUA, floods the multicast
// PRO_BB.ntf (the non-confirmable half of b/ba, spec.md §4.7) so peer
// BBRs reconcile their registries, and — only when the registration is
// recent — asks the ND-Proxy to emit the unsolicited NA burst that
// speeds up backbone-side neighbor cache convergence (spec.md §4.11).
type BBRAnnouncer struct {
	Log         *zap.SugaredLogger
	Proxy       *ndproxy.Proxy
	Client      *coap.Client
	Registry    *registry.DUARegistry
	AllDomain   func() coap.Endpoint
	NetworkName func() string
}

// NewBBRAnnouncer builds a BBRAnnouncer. proxy may be nil where no
// ND-Proxy is running (e.g. the backbone interface has no link-layer
// address to answer with); the multicast notification still fires.
func NewBBRAnnouncer(proxy *ndproxy.Proxy, client *coap.Client, reg *registry.DUARegistry, allDomain func() coap.Endpoint, networkName func() string, log *zap.SugaredLogger) *BBRAnnouncer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &BBRAnnouncer{Log: log, Proxy: proxy, Client: client, Registry: reg, AllDomain: allDomain, NetworkName: networkName}
}

// Announce installs the ND-Proxy neighbor, notifies the backbone, and
// — if recent — sends the unsolicited NA burst. Called once DAD
// completes for a newly registered DUA.
func (a *BBRAnnouncer) Announce(ctx context.Context, dua, mleid string, recent bool) {
	if a.Proxy != nil {
		if err := a.Proxy.AddDUA(dua, time.Now()); err != nil {
			a.Log.Warnw("nd-proxy neighbor install failed", "dua", dua, "error", err)
		}
	}
	a.notify(ctx, dua, mleid)
	if recent && a.Proxy != nil {
		a.Proxy.SendUnsolicitedBurst(ctx, dua)
	}
}

// Reannounce re-floods the multicast notification for a DUA that was
// refreshed without going through DAD again (spec.md §4.5 refresh
// path) — the ND-Proxy neighbor is already installed.
func (a *BBRAnnouncer) Reannounce(ctx context.Context, dua, mleid string) {
	a.notify(ctx, dua, mleid)
}

func (a *BBRAnnouncer) notify(ctx context.Context, dua, mleid string) {
	if a.Client == nil || a.AllDomain == nil {
		return
	}
	ip := net.ParseIP(dua)
	if ip == nil {
		return
	}

	var elapsed uint32
	if a.Registry != nil {
		if entry, ok := a.Registry.Lookup(dua); ok {
			elapsed = uint32(time.Since(entry.RegisteredAt).Seconds())
		}
	}

	tlvs := []tlv.TLV{
		tlv.Build(thread.TypeTargetEID, ip.To16()),
		tlv.Build(thread.TypeMLEID, []byte(mleid)),
		tlv.BuildU32(thread.TypeTimeSinceLastTransaction, elapsed),
		tlv.Build(thread.TypeNetworkName, []byte(a.networkName())),
	}
	payload := tlv.Encode(tlvs...)

	if err := a.Client.NonConfirmable(ctx, a.AllDomain(), thread.URIBackboneAnswer, payload); err != nil {
		a.Log.Debugw("pro_bb.ntf send failed", "dua", dua, "error", err)
	}
}

func (a *BBRAnnouncer) networkName() string {
	if a.NetworkName == nil {
		return ""
	}
	return a.NetworkName()
}

// Package bbrrole determines whether this engine is Primary or
// Secondary BBR for its Thread network, packs the BBR Service TLV
// data the NCP advertises in Network Data, and binds/unbinds the CoAP
// server set accordingly (spec.md §4.13, grounded on kibra's service
// announcement logic in network.py and its Ktask-driven role task).
package bbrrole

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/kirale/kibra/internal/coap"
	"github.com/kirale/kibra/internal/ncp"
	"github.com/kirale/kibra/internal/store"
	"github.com/kirale/kibra/internal/thread"
)

// ServiceEntry mirrors the single Thread Network Data service entry
// this engine's enterprise number owns, as the NCP reports it.
type ServiceEntry struct {
	ServerCount int
	OwnRLOC16   uint16
	ServerRLOC  uint16
}

// IsPrimary reports whether e implies this device holds the Primary
// BBR role: exactly one server advertising the service, and its
// RLOC16 is ours (spec.md §4.13).
func (e ServiceEntry) IsPrimary() bool {
	return e.ServerCount == 1 && e.ServerRLOC == e.OwnRLOC16
}

// PackServiceData packs (seq, rereg_delay, mlr_timeout) big-endian as
// the BBR Service TLV's server data (spec.md §4.13, §C.4).
func PackServiceData(seq uint8, reregDelay time.Duration, mlrTimeout time.Duration) []byte {
	buf := make([]byte, 7)
	buf[0] = seq
	binary.BigEndian.PutUint16(buf[1:3], uint16(reregDelay.Seconds()))
	binary.BigEndian.PutUint32(buf[3:7], uint32(mlrTimeout.Seconds()))
	return buf
}

// NextSequence increments seq modulo 256.
func NextSequence(seq uint8) uint8 {
	return seq + 1
}

// MulticastGroupForPrefix derives the RFC 3306 unicast-prefix-based
// multicast group "All Network/Domain BBRs" address for prefix, using
// thread.MulticastGroupID as the low 32 bits (spec.md §3 GLOSSARY).
func MulticastGroupForPrefix(prefix net.IP) net.IP {
	p := prefix.To16()
	addr := make(net.IP, 16)
	addr[0], addr[1] = 0xff, 0x32
	addr[3] = 0x40 // plen = 64 bits of network prefix carried
	copy(addr[4:12], p[:8])
	binary.BigEndian.PutUint32(addr[12:16], thread.MulticastGroupID)
	return addr
}

// Manager watches bbr_status transitions and binds/unbinds the shared
// CoAP Mux's Primary-only server set: a server named "bbr-aloc" on the
// dongle_rloc address and the prefix-derived "All Network BBRs"/"All
// Domain BBRs" multicast groups (spec.md §4.13). No anycast ALOC
// address is derived or bound.
type Manager struct {
	store     *store.Store
	mux       *coap.Mux
	commander *ncp.Commander
	log       *zap.SugaredLogger

	lastStatus string
}

// NewManager builds a role Manager. commander may be nil in tests that
// don't exercise service-data installation.
func NewManager(st *store.Store, mux *coap.Mux, commander *ncp.Commander, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{store: st, mux: mux, commander: commander, log: log}
}

// Poll checks the current bbr_status and, on a transition, rebinds the
// Primary-only server set. Call this from the role supervisor task's
// Periodic hook; syslog events set bbr_status asynchronously, Poll is
// what turns that into CoAP-server-visible effect.
func (m *Manager) Poll(ctx context.Context) error {
	status := m.store.GetString("bbr_status")
	if status == m.lastStatus {
		return nil
	}
	prev := m.lastStatus
	m.lastStatus = status

	switch status {
	case "primary":
		if err := m.bindPrimaryServers(); err != nil {
			return err
		}
		m.log.Infow("bbr role transition", "from", prev, "to", status)
	default:
		if prev == "primary" {
			if err := m.mux.Unbind("bbr-aloc"); err != nil {
				m.log.Warnw("failed to unbind aloc server", "error", err)
			}
			if err := m.mux.Unbind("bbr-network-mcast"); err != nil {
				m.log.Warnw("failed to unbind network mcast server", "error", err)
			}
			if err := m.mux.Unbind("bbr-domain-mcast"); err != nil {
				m.log.Warnw("failed to unbind domain mcast server", "error", err)
			}
			m.log.Infow("bbr role transition", "from", prev, "to", status)
		}
	}
	return nil
}

func (m *Manager) bindPrimaryServers() error {
	rloc := m.store.GetString("dongle_rloc")
	if rloc != "" {
		if err := m.mux.Bind("bbr-aloc", coap.Endpoint{Addr: rloc, Port: thread.PortBB}); err != nil {
			return err
		}
	}
	if prefix := m.store.GetString("dongle_prefix"); prefix != "" {
		ip, _, err := net.ParseCIDR(prefix)
		if err == nil {
			group := MulticastGroupForPrefix(ip)
			if err := m.mux.Bind("bbr-network-mcast", coap.Endpoint{Addr: group.String(), Port: thread.PortBB}); err != nil {
				return err
			}
		}
	}
	if domainPrefix := m.store.GetString("domain_prefix"); domainPrefix != "" {
		ip, _, err := net.ParseCIDR(domainPrefix)
		if err == nil {
			group := MulticastGroupForPrefix(ip)
			if err := m.mux.Bind("bbr-domain-mcast", coap.Endpoint{Addr: group.String(), Port: thread.PortBB}); err != nil {
				return err
			}
		}
	}
	return nil
}

// AnnounceService increments the stored sequence number and installs
// the packed service data through the NCP commander (spec.md §4.13
// "Service data update").
func (m *Manager) AnnounceService(reregDelay, mlrTimeout time.Duration) error {
	seq := uint8(m.store.GetInt("bbr_seq"))
	seq = NextSequence(seq)
	if err := m.store.Set("bbr_seq", int(seq)); err != nil {
		return err
	}
	data := PackServiceData(seq, reregDelay, mlrTimeout)
	if m.commander == nil {
		return nil
	}
	return m.commander.AddService(ncp.EnterpriseID, data, nil)
}

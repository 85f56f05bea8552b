// Package ndproxy answers Neighbor Solicitations on the exterior link
// on behalf of this engine's own configured addresses and the DUAs it
// has committed, so backbone hosts can resolve them without a routing
// protocol (spec.md §4.11, grounded on kibra/ndproxy.py).
package ndproxy

import (
	"context"
	"crypto/rand"
	"math/big"
	"net"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
	"golang.org/x/time/rate"

	"go.uber.org/zap"

	"github.com/kirale/kibra/internal/store"
	"github.com/kirale/kibra/internal/thread"
)

const (
	nsHeaderLen = 24 // type, code, checksum, reserved/flags, target
	flagRouter    = 1 << 31
	flagSolicited = 1 << 30
	flagOverride  = 1 << 29
)

// Proxy binds a raw ICMPv6 socket on the exterior interface, answers
// Neighbor Solicitations for locally-configured exterior addresses and
// committed DUAs, and maintains the solicited-node group memberships
// those DUAs require.
type Proxy struct {
	store   *store.Store
	log     *zap.SugaredLogger
	conn    *icmp.PacketConn
	p6      *ipv6.PacketConn
	ifIndex int
	mac     net.HardwareAddr

	burstLimiter *rate.Limiter // paces the unsolicited NA burst, spec.md §4.11

	mu   sync.Mutex
	duas map[string]time.Time // dua -> registeredAt, DAD-complete entries only
}

// NewProxy binds the socket to addr ("::" for all exterior addresses)
// restricted to ifIndex, filters everything but Neighbor Solicitation,
// and sets the outgoing hop limit to 255 per RFC 4861 §7.1.
func NewProxy(addr string, ifIndex int, mac net.HardwareAddr, st *store.Store, log *zap.SugaredLogger) (*Proxy, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	conn, err := icmp.ListenPacket("ip6:ipv6-icmp", addr)
	if err != nil {
		return nil, err
	}
	p6 := conn.IPv6PacketConn()

	filter := ipv6.ICMPFilter{}
	filter.SetAll(true)
	filter.Accept(ipv6.ICMPTypeNeighborSolicitation)
	if err := p6.SetICMPFilter(&filter); err != nil {
		conn.Close()
		return nil, err
	}
	if err := p6.SetHopLimit(255); err != nil {
		conn.Close()
		return nil, err
	}
	if err := p6.SetMulticastHopLimit(255); err != nil {
		conn.Close()
		return nil, err
	}
	if err := p6.SetControlMessage(ipv6.FlagInterface, true); err != nil {
		log.Debugw("could not enable interface control messages", "error", err)
	}

	return &Proxy{
		store: st, log: log, conn: conn, p6: p6, ifIndex: ifIndex, mac: mac,
		burstLimiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
		duas:         make(map[string]time.Time),
	}, nil
}

// Close releases the socket.
func (p *Proxy) Close() error {
	return p.conn.Close()
}

// Run handles incoming Neighbor Solicitations until ctx is canceled.
func (p *Proxy) Run(ctx context.Context) error {
	buf := make([]byte, 1280)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		p.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, src, err := p.p6.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				continue
			}
		}
		p.handleNS(ctx, buf[:n], src)
	}
}

func (p *Proxy) handleNS(ctx context.Context, data []byte, src net.Addr) {
	if len(data) < nsHeaderLen || data[0] != byte(ipv6.ICMPTypeNeighborSolicitation) {
		return
	}
	target := net.IP(append([]byte{}, data[8:24]...))
	targetStr := target.String()

	for _, addr := range p.store.GetStringSlice("exterior_addrs") {
		if addr == targetStr {
			p.sendNA(ctx, src, target, false)
			return
		}
	}

	p.mu.Lock()
	_, tracked := p.duas[targetStr]
	p.mu.Unlock()
	if !tracked {
		return
	}
	cached := p.isCached(targetStr)
	p.sendNA(ctx, src, target, !cached)
}

func (p *Proxy) isCached(addr string) bool {
	for _, cached := range p.store.GetStringSlice("ncp_eid_cache") {
		if cached == addr {
			return true
		}
	}
	return false
}

// sendNA answers with a solicited, Router-flagged NA, setting Override
// if the corresponding DUA completed DAD recently (spec.md §4.11). A
// delayed send samples a uniform [64,128]ms jitter to dampen storms
// from uncached targets.
func (p *Proxy) sendNA(ctx context.Context, dst net.Addr, target net.IP, delayed bool) {
	flags := uint32(flagRouter | flagSolicited)
	if recent, ok := p.recentRegistration(target.String()); ok && recent {
		flags |= flagOverride
	}

	if delayed {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(thread.NDProxyDelayMax-thread.NDProxyDelayMin)))
		delay := thread.NDProxyDelayMin + time.Duration(n.Int64())
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	payload := encodeNA(flags, target, p.mac)
	msg := icmp.Message{
		Type: ipv6.ICMPTypeNeighborAdvertisement,
		Code: 0,
		Body: &icmp.RawBody{Data: payload},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		p.log.Warnw("failed to marshal neighbor advertisement", "error", err)
		return
	}
	if _, err := p.conn.WriteTo(wb, dst); err != nil {
		p.log.Debugw("failed to send neighbor advertisement", "to", dst, "error", err)
		return
	}
	p.log.Debugw("sent neighbor advertisement", "to", dst, "target", target.String())
}

func (p *Proxy) recentRegistration(dua string) (bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.duas[dua]
	if !ok {
		return false, false
	}
	return time.Since(at) < thread.DUARecentWindow, true
}

// encodeNA packs the NA header (flags + target) plus a Target
// Link-Layer Address option, RFC 4861 §4.4/§4.6.1.
func encodeNA(flags uint32, target net.IP, mac net.HardwareAddr) []byte {
	buf := make([]byte, 4+16)
	buf[0] = byte(flags >> 24)
	buf[1] = byte(flags >> 16)
	buf[2] = byte(flags >> 8)
	buf[3] = byte(flags)
	copy(buf[4:20], target.To16())

	if len(mac) == 0 {
		return buf
	}
	optLen := (2 + len(mac) + 7) / 8 // option length in units of 8 bytes, rounded up
	opt := make([]byte, 2+len(mac))
	opt[0] = 2 // Target Link-Layer Address
	opt[1] = byte(optLen)
	copy(opt[2:], mac)
	return append(buf, opt...)
}

// AddDUA commits dua to the proxy's answer set and joins its
// RFC 4291 solicited-node multicast group (spec.md §4.11). Only called
// once DAD has completed for dua.
func (p *Proxy) AddDUA(dua string, registeredAt time.Time) error {
	if p.store.GetString("bbr_status") != "primary" {
		return nil
	}
	ip := net.ParseIP(dua)
	if ip == nil {
		return nil
	}
	group := solicitedNodeGroup(ip)
	if err := p.p6.JoinGroup(&net.Interface{Index: p.ifIndex}, &net.IPAddr{IP: group}); err != nil {
		p.log.Debugw("join solicited-node group failed, maybe already joined", "group", group.String(), "error", err)
	}

	p.mu.Lock()
	p.duas[dua] = registeredAt
	p.mu.Unlock()
	return nil
}

// RemoveDUA drops dua from the answer set and leaves its group.
func (p *Proxy) RemoveDUA(dua string) error {
	ip := net.ParseIP(dua)
	if ip == nil {
		return nil
	}
	group := solicitedNodeGroup(ip)
	if err := p.p6.LeaveGroup(&net.Interface{Index: p.ifIndex}, &net.IPAddr{IP: group}); err != nil {
		p.log.Debugw("leave solicited-node group failed", "group", group.String(), "error", err)
	}

	p.mu.Lock()
	delete(p.duas, dua)
	p.mu.Unlock()
	return nil
}

func solicitedNodeGroup(addr net.IP) net.IP {
	addr = addr.To16()
	group := net.ParseIP("ff02::1:ff00:0").To16()
	out := make(net.IP, 16)
	copy(out, group)
	copy(out[13:], addr[13:])
	return out
}

// SendUnsolicitedBurst sends thread.UnsolicitedNACount unsolicited,
// Router-flagged NAs to ff02::1 on commit of dua, per spec.md §4.11.
func (p *Proxy) SendUnsolicitedBurst(ctx context.Context, dua string) {
	target := net.ParseIP(dua)
	if target == nil {
		return
	}
	zone := ""
	if ifi, err := net.InterfaceByIndex(p.ifIndex); err == nil {
		zone = ifi.Name
	}
	dst := &net.IPAddr{IP: net.ParseIP("ff02::1"), Zone: zone}
	flags := uint32(flagRouter) // unsolicited: S bit clear, O bit set per RFC 4861 §7.2.6
	flags |= flagOverride
	payload := encodeNA(flags, target, p.mac)
	for i := 0; i < thread.UnsolicitedNACount; i++ {
		msg := icmp.Message{Type: ipv6.ICMPTypeNeighborAdvertisement, Code: 0, Body: &icmp.RawBody{Data: payload}}
		wb, err := msg.Marshal(nil)
		if err != nil {
			return
		}
		if _, err := p.conn.WriteTo(wb, dst); err != nil {
			p.log.Debugw("unsolicited na send failed", "error", err)
			return
		}
		if err := p.burstLimiter.Wait(ctx); err != nil {
			return
		}
	}
}

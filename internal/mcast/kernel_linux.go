//go:build linux

package mcast

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Linux kernel multicast-routing constants (include/uapi/linux/mroute6.h),
// not exposed by golang.org/x/sys/unix, kept local the way kibra's
// mcrouter.py defines its own struct.pack format strings for them.
const (
	mrt6Init       = 200
	mrt6AddMIF     = 202
	mrt6DelMIF     = 203
	mrt6AddMFC     = 204
	mrt6DelMFC     = 205
	mrt6MsgNoCache = 1
)

const mif6ctlSize = 12 // struct mif6ctl, padded to 4-byte alignment
const sockaddrIn6Size = 28
const ifSetSize = 32 // struct if_set{ unsigned long ifs_bits[8] }, 8*4 bytes on a 32-bit bitmap view
const mf6cctlSize = sockaddrIn6Size*2 + 4 + ifSetSize
const mrt6msgHeaderSize = 1 + 1 + 2 + 4 + 16 + 16

// KernelRouter owns the raw ICMPv6 multicast-routing control socket
// and the separate group-membership socket (spec.md §4.12).
type KernelRouter struct {
	routeFD int // IPPROTO_ICMPV6 raw socket, MRT6_* control + NOCACHE upcalls
	groupFD int // IPPROTO_UDP socket, IPV6_JOIN_GROUP/IPV6_LEAVE_GROUP only
}

// NewKernelRouter creates and initializes both sockets and registers
// the exterior (mif 0) and interior (mif 1) virtual interfaces.
func NewKernelRouter(extIfIndex, intIfIndex int) (*KernelRouter, error) {
	routeFD, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_ICMPV6)
	if err != nil {
		return nil, fmt.Errorf("mcast: open routing socket: %w", err)
	}
	if err := unix.SetsockoptInt(routeFD, unix.IPPROTO_IPV6, mrt6Init, 1); err != nil {
		unix.Close(routeFD)
		return nil, fmt.Errorf("mcast: MRT6_INIT: %w", err)
	}
	if err := unix.SetsockoptString(routeFD, unix.IPPROTO_IPV6, mrt6AddMIF, string(packMIF6Ctl(ExtMIF, extIfIndex))); err != nil {
		unix.Close(routeFD)
		return nil, fmt.Errorf("mcast: add exterior mif: %w", err)
	}
	if err := unix.SetsockoptString(routeFD, unix.IPPROTO_IPV6, mrt6AddMIF, string(packMIF6Ctl(IntMIF, intIfIndex))); err != nil {
		unix.Close(routeFD)
		return nil, fmt.Errorf("mcast: add interior mif: %w", err)
	}

	groupFD, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		unix.Close(routeFD)
		return nil, fmt.Errorf("mcast: open group socket: %w", err)
	}
	return &KernelRouter{routeFD: routeFD, groupFD: groupFD}, nil
}

// Close releases both sockets.
func (k *KernelRouter) Close() error {
	unix.Close(k.groupFD)
	return unix.Close(k.routeFD)
}

// ReadUpcall blocks for one message on the routing socket and, if it
// is a NOCACHE upcall, returns its fields.
func (k *KernelRouter) ReadUpcall(buf []byte) (inMIF int, src, dst net.IP, ok bool, err error) {
	n, _, rerr := unix.Recvfrom(k.routeFD, buf, 0)
	if rerr != nil {
		return 0, nil, nil, false, rerr
	}
	if n < mrt6msgHeaderSize || buf[0] != 0 {
		return 0, nil, nil, false, nil
	}
	msgtype := buf[1]
	if msgtype != mrt6MsgNoCache {
		return 0, nil, nil, false, nil
	}
	mif := int(binary.BigEndian.Uint16(buf[2:4]))
	srcAddr := append(net.IP{}, buf[8:24]...)
	dstAddr := append(net.IP{}, buf[24:40]...)
	return mif, srcAddr, dstAddr, true, nil
}

// AddRoute installs a forwarding entry for (src, dst), in from inMIF,
// out to outMIF.
func (k *KernelRouter) AddRoute(src, dst net.IP, inMIF, outMIF int) error {
	return unix.SetsockoptString(k.routeFD, unix.IPPROTO_IPV6, mrt6AddMFC, string(packMF6CCtl(src, dst, inMIF, outMIF)))
}

// DelRoute removes a previously installed forwarding entry.
func (k *KernelRouter) DelRoute(src, dst net.IP, inMIF, outMIF int) error {
	return unix.SetsockoptString(k.routeFD, unix.IPPROTO_IPV6, mrt6DelMFC, string(packMF6CCtl(src, dst, inMIF, outMIF)))
}

// JoinGroup joins group on ifIndex's multicast membership.
func (k *KernelRouter) JoinGroup(group net.IP, ifIndex int) error {
	return k.setGroup(unix.IPV6_JOIN_GROUP, group, ifIndex)
}

// LeaveGroup leaves group on ifIndex's multicast membership.
func (k *KernelRouter) LeaveGroup(group net.IP, ifIndex int) error {
	return k.setGroup(unix.IPV6_LEAVE_GROUP, group, ifIndex)
}

func (k *KernelRouter) setGroup(opt int, group net.IP, ifIndex int) error {
	var mreq [20]byte
	copy(mreq[:16], group.To16())
	binary.LittleEndian.PutUint32(mreq[16:20], uint32(ifIndex))
	return unix.SetsockoptString(k.groupFD, unix.IPPROTO_IPV6, opt, string(mreq[:]))
}

// packMIF6Ctl packs struct mif6ctl { mifi_t mif6c_mifi; u8 flags;
// u8 threshold; u16 pifi; u32 rate_limit; } with the kernel's native
// alignment padding between pifi and rate_limit.
func packMIF6Ctl(mifIndex uint16, ifIndex int) []byte {
	buf := make([]byte, mif6ctlSize)
	binary.LittleEndian.PutUint16(buf[0:2], mifIndex)
	buf[2] = 0 // flags
	buf[3] = 1 // vifc_threshold
	binary.LittleEndian.PutUint16(buf[4:6], uint16(ifIndex))
	// buf[6:8] padding
	binary.LittleEndian.PutUint32(buf[8:12], 0) // rate_limit, unused
	return buf
}

// packMF6CCtl packs struct mf6cctl: origin/group as sockaddr_in6, the
// parent mif, and the output-mif bitmap (struct if_set).
func packMF6CCtl(src, dst net.IP, inMIF, outMIF int) []byte {
	buf := make([]byte, mf6cctlSize)
	packSockaddrIn6(buf[0:sockaddrIn6Size], src)
	packSockaddrIn6(buf[sockaddrIn6Size:sockaddrIn6Size*2], dst)
	off := sockaddrIn6Size * 2
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(inMIF))
	// buf[off+2:off+4] padding
	ifsetOff := off + 4
	if outMIF < 256 {
		buf[ifsetOff+outMIF/8] |= 1 << uint(outMIF%8)
	}
	return buf
}

func packSockaddrIn6(buf []byte, addr net.IP) {
	binary.LittleEndian.PutUint16(buf[0:2], unix.AF_INET6)
	copy(buf[8:24], addr.To16())
}

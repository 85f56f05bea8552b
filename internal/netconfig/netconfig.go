// Package netconfig bootstraps the backbone prefix when no global
// prefix was obtained through DHCPv6-PD, minting a ULA per RFC 4193
// (spec.md §C.1, grounded on kibra/network.py's _get_ula).
package netconfig

import (
	"crypto/sha256"
	"fmt"
	"net"
	"time"
)

// DeriveULA mints a /48 Unique Local Address prefix from a hash of the
// current time and the device's serial number, matching kibra's
// time+EUI64 SHA scheme but using SHA-256 (Go's stdlib default) in
// place of Python's Cryptodome SHA256 call, which is the same
// algorithm under a different import.
func DeriveULA(now time.Time, serial string) string {
	seed := fmt.Sprintf("%d%s", now.UnixNano(), serial)
	sum := sha256.Sum256([]byte(seed))

	addr := make(net.IP, 16)
	addr[0] = 0xfd
	copy(addr[1:6], sum[len(sum)-5:]) // last 40 bits of the hash, RFC 4193 §3.2.2

	return fmt.Sprintf("%s/48", addr.String())
}

// Package thread collects the wire-level constants shared across the
// Backbone Border Router engine: CoAP URIs, UDP ports, TLV type
// numbers and status codes from the Thread 1.2 specification.
package thread

import "time"

// UDP ports used by the Thread management and backbone protocols.
const (
	PortMM = 61631 // Mesh Management (Thread management port)
	PortMC = 19788 // Mesh Commissioning (shares resources with MM on some stacks)
	PortBB = 61631 // Backbone UDP port; fixed, not read from service data
)

// CoAP resource URIs. Grouped by the link they are bound to.
const (
	URINetworkDUARegistration = "n/dr"  // mesh: DUA registration
	URINetworkMLR             = "n/mr"  // mesh: Multicast Listener Registration
	URIAddressQuery           = "a/aq"  // mesh: Address Query
	URIAddressError           = "a/ae"  // mesh: Address Error notification
	URIAddressNotify          = "a/an"  // mesh: Address Notify (outgoing only)
	URIBackboneQuery          = "b/bq"  // exterior: Backbone Query
	URIBackboneAnswer         = "b/ba"  // exterior: Backbone Answer / PRO_BB.ntf
	URIBackboneMLR            = "b/bmr" // exterior: Backup MLR
)

// Sub-TLV type numbers (short form only).
const (
	TypeTargetEID                = 0
	TypeMLEID                    = 1
	TypeRLOC16                   = 2
	TypeStatus                   = 3
	TypeIPv6Addresses             = 4
	TypeTimeout                  = 5
	TypeNetworkName               = 7
	TypeCommissionerSessionID    = 8
	TypeTimeSinceLastTransaction = 9
)

// DUA registration / MLR response status codes (spec.md §4, §6).
const (
	StatusSuccess         = 0
	StatusDuaReregUnused  = 1
	StatusInvalidAddress  = 2
	StatusDuplicate       = 3
	StatusResourceShort   = 4
	StatusNotPrimary      = 5
	StatusUnspecified     = 6
)

// Timing defaults (spec.md §4.5, §3).
const (
	MinMLRTimeout      = 300 * time.Second
	DefaultMLRTimeout  = 3600 * time.Second
	DUADadRepeat       = 2
	DUADadQueryTimeout = time.Second
	DUARecentWindow    = 20 * time.Second
	DefaultRereg       = 128 * time.Second
)

// PermanentTimeout is the sentinel value (spec.md §3, §4.4) marking an
// MLR entry as permanent and persistent rather than wall-clock timed.
const PermanentTimeout = 0xFFFFFFFF

// MulticastGroupID is the RFC 3306 group id used for both "All Network
// BBRs" and "All Domain BBRs" (spec.md §3).
const MulticastGroupID = 3

// Table capacities (spec.md §4.4 step 2, §4.5 step 2, §8 "DUA table at
// capacity"). Chosen generously relative to a Thread mesh's practical
// router-eligible-device ceiling.
const (
	MaxDUAEntries = 511
	MaxMLREntries = 1024
)

// Unsolicited NA burst parameters (spec.md §4.11).
const (
	UnsolicitedNACount = 3
	NDProxyDelayMin    = 64 * time.Millisecond
	NDProxyDelayMax    = 128 * time.Millisecond
)

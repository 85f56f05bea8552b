package store

import "github.com/kirale/kibra/internal/thread"

// DefaultSchema declares every key used by the BBR engine. It mirrors
// kibra's DB_ITEMS table (kibra/database.py), adapted to the subset
// this engine implements (spec.md §3 "Config store").
var DefaultSchema = Schema{
	// BBR role / identity
	"bbr_status":   {Kind: KindString, Default: "off", Validate: AlwaysValid},
	"bbr_seq":      {Kind: KindInt, Default: 0, Validate: intRange(0, 0xFF), Persistent: true},
	"rereg_delay":  {Kind: KindInt, Default: int(thread.DefaultRereg.Seconds()), Validate: intRange(1, 0xFFFF), Writable: true, Persistent: true},
	"mlr_timeout":  {Kind: KindInt, Default: int(thread.DefaultMLRTimeout.Seconds()), Validate: intRange(int(thread.MinMLRTimeout.Seconds()), 0xFFFFFFFF), Writable: true, Persistent: true},

	// NCP-reported mesh identity
	"dongle_rloc":   {Kind: KindString, Validate: AlwaysValid},
	"dongle_mleid":  {Kind: KindString, Validate: AlwaysValid},
	"dongle_prefix": {Kind: KindString, Validate: AlwaysValid, Writable: true},
	"dongle_xpanid": {Kind: KindString, Validate: AlwaysValid, Writable: true},
	"dongle_netname": {Kind: KindString, Validate: AlwaysValid, Writable: true},
	"dongle_panid":  {Kind: KindString, Validate: AlwaysValid, Writable: true},
	"dongle_channel": {Kind: KindInt, Validate: AlwaysValid, Writable: true},
	"dongle_secpol": {Kind: KindString, Validate: AlwaysValid, Writable: true},

	// NCP syslog derived state
	"ncp_eid_cache": {Kind: KindStringList, Default: []string{}, Validate: AlwaysValid},
	"ncp_status":    {Kind: KindString, Default: "not_joined", Validate: AlwaysValid},

	// Backbone topology
	"domain_prefix":    {Kind: KindString, Validate: AlwaysValid, Writable: true, Persistent: true},
	"all_network_bbrs": {Kind: KindString, Validate: AlwaysValid},
	"all_domain_bbrs":  {Kind: KindString, Validate: AlwaysValid},
	"exterior_ifname":  {Kind: KindString, Validate: AlwaysValid},
	"exterior_ifnumber": {Kind: KindInt, Validate: AlwaysValid},
	"interior_ifname":  {Kind: KindString, Validate: AlwaysValid},
	"interior_ifnumber": {Kind: KindInt, Validate: AlwaysValid},
	"exterior_addrs":   {Kind: KindStringList, Default: []string{}, Validate: AlwaysValid},

	// Multicast / forwarding policy
	"maddrs_perm":      {Kind: KindStringList, Default: []string{}, Validate: AlwaysValid, Persistent: true},
	"mcast_out_fwd":    {Kind: KindBool, Default: true, Validate: AlwaysValid, Writable: true},
	"mcast_admin_fwd":  {Kind: KindBool, Default: true, Validate: AlwaysValid, Writable: true},

	// Prefix configuration flags (spec.md §6 "Persisted state")
	"prefix_dua":   {Kind: KindBool, Default: false, Validate: AlwaysValid, Writable: true, Persistent: true},
	"prefix_dhcp":  {Kind: KindBool, Default: false, Validate: AlwaysValid, Writable: true, Persistent: true},
	"prefix_slaac": {Kind: KindBool, Default: true, Validate: AlwaysValid, Writable: true, Persistent: true},

	// Device identity (persisted, spec.md §6)
	"device_name":   {Kind: KindString, Default: "kibra", Validate: AlwaysValid, Writable: true, Persistent: true},
	"device_serial": {Kind: KindString, Validate: AlwaysValid, Persistent: true},

	"autostart": {Kind: KindBool, Default: false, Validate: AlwaysValid, Writable: true, Persistent: true},
}

func intRange(lo, hi int) Validator {
	return func(v any) bool {
		i, ok := v.(int)
		if !ok {
			return false
		}
		return i >= lo && i <= hi
	}
}

//go:build linux

package netfilter

import (
	"fmt"
	"net"

	"github.com/jsimonetti/rtnetlink"
)

// ResolveLink looks up an interface's kernel index and hardware
// address by name over netlink, the same rtnetlink.Dial/Link.List
// pattern the pack's link-driver examples use, in place of kibra's
// reliance on the ip command's text output for this information.
func ResolveLink(name string) (index int, mac net.HardwareAddr, err error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return 0, nil, fmt.Errorf("netfilter: dial rtnetlink: %w", err)
	}
	defer conn.Close()

	links, err := conn.Link.List()
	if err != nil {
		return 0, nil, fmt.Errorf("netfilter: list links: %w", err)
	}
	for _, link := range links {
		if link.Attributes != nil && link.Attributes.Name == name {
			return int(link.Index), link.Attributes.Address, nil
		}
	}
	return 0, nil, fmt.Errorf("netfilter: interface %q not found", name)
}

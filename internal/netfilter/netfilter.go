// Package netfilter abstracts the platform packet-filter rule the
// multicast router installs before joining a group, to drop our own
// outbound multicast echoes at the INPUT chain and avoid self
// delivery loops (spec.md §4.12, grounded on kibra/iptables.py).
package netfilter

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/kirale/kibra/internal/bbrerrors"
)

// PacketFilter installs and removes the anti-echo rule for a group on
// the exterior interface. Implementations must make Install/Remove
// idempotent: the multicast router calls them on every group
// join/leave, which may repeat for the same group.
type PacketFilter interface {
	InstallAntiEcho(ctx context.Context, iface string, group net.IP) error
	RemoveAntiEcho(ctx context.Context, iface string, group net.IP) error
}

// Noop is a PacketFilter that does nothing, for platforms or tests
// where no real netfilter integration is wanted.
type Noop struct{}

func (Noop) InstallAntiEcho(context.Context, string, net.IP) error { return nil }
func (Noop) RemoveAntiEcho(context.Context, string, net.IP) error { return nil }

// Linux shells out to ip6tables to install/remove the anti-echo rule,
// the same tool kibra's iptables.py drives via bash(); the pack's
// netlink libraries (mdlayher/netlink, jsimonetti/rtnetlink) expose no
// stable nftables/iptables rule API, so the rule itself stays a
// command adapter while interface/route lookups elsewhere in this
// engine use netlink directly.
type Linux struct {
	log *zap.SugaredLogger

	mu        sync.Mutex
	installed map[string]bool
}

// NewLinux builds a Linux packet-filter adapter.
func NewLinux(log *zap.SugaredLogger) *Linux {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Linux{log: log, installed: make(map[string]bool)}
}

func (l *Linux) key(iface string, group net.IP) string {
	return iface + "|" + group.String()
}

// InstallAntiEcho adds the rule once per (iface, group) pair.
func (l *Linux) InstallAntiEcho(ctx context.Context, iface string, group net.IP) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := l.key(iface, group)
	if l.installed[k] {
		return nil
	}
	if err := l.run(ctx, "-A", iface, group); err != nil {
		return err
	}
	l.installed[k] = true
	return nil
}

// RemoveAntiEcho removes the rule if it was previously installed.
func (l *Linux) RemoveAntiEcho(ctx context.Context, iface string, group net.IP) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := l.key(iface, group)
	if !l.installed[k] {
		return nil
	}
	if err := l.run(ctx, "-D", iface, group); err != nil {
		return err
	}
	delete(l.installed, k)
	return nil
}

func (l *Linux) run(ctx context.Context, action, iface string, group net.IP) error {
	args := []string{
		"-w", "-t", "filter", action, "INPUT",
		"-o", iface,
		"-d", group.String(),
		"-j", "DROP",
	}
	cmd := exec.CommandContext(ctx, "ip6tables", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &bbrerrors.TransportError{Op: "ip6tables " + action, Addr: fmt.Sprintf("%s/%s", iface, group), Wrapped: fmt.Errorf("%w: %s", err, out)}
	}
	l.log.Debugw("packet filter rule applied", "action", action, "iface", iface, "group", group.String())
	return nil
}

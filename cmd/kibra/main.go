// Command kibra runs a Thread 1.2 Backbone Border Router engine: it
// bridges DUA registration, Multicast Listener Registration, and
// multicast traffic between a Thread mesh and its backbone link.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kirale/kibra/internal/bbrrole"
	"github.com/kirale/kibra/internal/coap"
	"github.com/kirale/kibra/internal/mcast"
	"github.com/kirale/kibra/internal/ncp"
	"github.com/kirale/kibra/internal/ndproxy"
	"github.com/kirale/kibra/internal/netconfig"
	"github.com/kirale/kibra/internal/netfilter"
	"github.com/kirale/kibra/internal/registry"
	"github.com/kirale/kibra/internal/resource"
	"github.com/kirale/kibra/internal/store"
	"github.com/kirale/kibra/internal/supervisor"
	"github.com/kirale/kibra/internal/thread"
)

func main() {
	configPath := flag.String("config", "/var/lib/kibra/kibra.json", "path to the persisted config store")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	ncpDevice := flag.String("ncp-device", "", "path to the NCP's serial character device; empty disables NCP control")
	extIface := flag.String("ext-iface", "", "exterior (backbone) network interface name")
	intIface := flag.String("int-iface", "", "interior (mesh) network interface name")
	flag.Parse()

	log := newLogger(*logLevel)
	defer log.Sync() //nolint:errcheck // best-effort flush on exit

	if err := run(*configPath, *ncpDevice, *extIface, *intIface, log); err != nil {
		log.Fatalw("kibra exited with error", "error", err)
	}
}

func newLogger(level string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level.SetLevel(zap.InfoLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}

func run(configPath, ncpDevice, extIfaceName, intIfaceName string, log *zap.SugaredLogger) error {
	st, err := store.New(store.DefaultSchema, configPath, log)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	if err := bootstrapIdentity(st, log); err != nil {
		return fmt.Errorf("bootstrap identity: %w", err)
	}

	extIfIndex, extMAC := resolveInterface(extIfaceName, log)
	intIfIndex, _ := resolveInterface(intIfaceName, log)

	duaRegistry := registry.NewDUARegistry()
	mlrRegistry := registry.NewMLRRegistry()
	client := coap.NewClient(log)
	mux := coap.NewMux(log)

	var proxy *ndproxy.Proxy
	if extIfaceName != "" {
		proxy, err = ndproxy.NewProxy("::", extIfIndex, extMAC, st, log.Named("ndproxy"))
		if err != nil {
			log.Warnw("nd-proxy unavailable, continuing without it", "error", err)
			proxy = nil
		}
	}

	allNetworkBBRs := func() coap.Endpoint { return coap.Endpoint{Addr: st.GetString("all_network_bbrs"), Port: thread.PortBB, Zone: extIfaceName} }
	allDomainBBRs := func() coap.Endpoint { return coap.Endpoint{Addr: st.GetString("all_domain_bbrs"), Port: thread.PortBB, Zone: extIfaceName} }
	networkName := func() string { return st.GetString("dongle_netname") }

	announcer := resource.NewBBRAnnouncer(proxy, client, duaRegistry, allDomainBBRs, networkName, log.Named("announcer"))
	errSender := resource.NewMeshAddressErrorSender(st, client, log.Named("addrerror-send"))
	backboneHandler := resource.NewBackboneHandler(duaRegistry, st, client, allDomainBBRs, networkName, errSender, log.Named("backbone"))
	duaHandler := resource.NewDUAHandler(duaRegistry, st, backboneHandler, announcer, errSender, log.Named("dua"))
	bmlrAnnouncer := &resource.NonConfirmableBMLRAnnouncer{Log: log.Named("bmlr"), Client: client, AllBBRs: allNetworkBBRs, NetworkName: networkName}

	mux.Handle(thread.URINetworkDUARegistration, coap.HandlerFunc(duaHandler.HandlePost))
	mux.Handle(thread.URIBackboneQuery, coap.HandlerFunc(backboneHandler.HandleQuery))
	mux.Handle(thread.URIBackboneAnswer, coap.HandlerFunc(backboneHandler.HandleAnswer))
	mux.Handle(thread.URIAddressQuery, coap.HandlerFunc(resource.NewAddressQueryHandler(st, client, allDomainBBRs, log.Named("addrquery")).HandlePost))
	mux.Handle(thread.URIAddressError, coap.HandlerFunc(resource.NewAddressErrorHandler(duaRegistry, st, log.Named("addrerror")).HandlePost))
	mux.Handle(thread.URIBackboneMLR, coap.HandlerFunc(resource.NewBMLRHandler(st, log.Named("bmlr-handler")).HandlePost))

	var mcastRouter *mcast.Router
	if extIfaceName != "" && intIfaceName != "" {
		kernel, kerr := mcast.NewKernelRouter(extIfIndex, intIfIndex)
		if kerr != nil {
			log.Warnw("multicast router kernel socket unavailable, continuing without it", "error", kerr)
		} else {
			mcastRouter = mcast.NewRouter(kernel, mlrRegistry, st, netfilter.NewLinux(log.Named("netfilter")),
				extIfaceName, extIfIndex, intIfaceName, intIfIndex, log.Named("mcast"))
		}
	}
	resource.SeedPermanentGroups(mlrRegistry, routerAdapter{mcastRouter}, st, log.Named("mlr-seed"))
	mux.Handle(thread.URINetworkMLR, coap.HandlerFunc(resource.NewMLRHandler(mlrRegistry, st, routerAdapter{mcastRouter}, bmlrAnnouncer, log.Named("mlr")).HandlePost))

	var commander *ncp.Commander
	if ncpDevice != "" {
		f, oerr := os.OpenFile(ncpDevice, os.O_RDWR, 0)
		if oerr != nil {
			log.Warnw("ncp device unavailable, continuing without command channel", "device", ncpDevice, "error", oerr)
		} else {
			defer f.Close()
			commander = ncp.NewCommander(f, "> ", log.Named("ncp-cmd"))
		}
	}

	roleManager := bbrrole.NewManager(st, mux, commander, log.Named("bbrrole"))

	sv := supervisor.New(st, log)
	registerTasks(sv, st, proxy, mcastRouter, roleManager, ncpDevice, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return sv.Run(ctx)
}

// bootstrapIdentity fills device_serial/domain_prefix on first run,
// matching kibra's network.py bootstrap sequence (supplemented
// feature C.1).
func bootstrapIdentity(st *store.Store, log *zap.SugaredLogger) error {
	if st.GetString("device_serial") == "" {
		if err := st.Set("device_serial", fmt.Sprintf("kibra-%d", os.Getpid())); err != nil {
			return err
		}
	}
	if st.GetString("domain_prefix") == "" {
		ula := netconfig.DeriveULA(time.Now(), st.GetString("device_serial"))
		log.Infow("no domain prefix configured, minted a ULA", "prefix", ula)
		if err := st.Set("domain_prefix", ula); err != nil {
			return err
		}
	}
	return nil
}

func resolveInterface(name string, log *zap.SugaredLogger) (int, net.HardwareAddr) {
	if name == "" {
		return 0, nil
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		log.Warnw("interface not found", "iface", name, "error", err)
		return 0, nil
	}
	return ifi.Index, ifi.HardwareAddr
}

// routerAdapter bridges mcast.Router's IP-typed Join/Leave to the
// resource.MulticastRouter seam's string-addressed interface.
type routerAdapter struct{ router *mcast.Router }

func (r routerAdapter) Join(group string) error {
	if r.router == nil {
		return nil
	}
	ip := net.ParseIP(group)
	if ip == nil {
		return fmt.Errorf("kibra: invalid multicast group %q", group)
	}
	return r.router.JoinGroup(context.Background(), ip)
}

func (r routerAdapter) Leave(group string) error {
	if r.router == nil {
		return nil
	}
	ip := net.ParseIP(group)
	if ip == nil {
		return fmt.Errorf("kibra: invalid multicast group %q", group)
	}
	return r.router.LeaveGroup(context.Background(), ip)
}

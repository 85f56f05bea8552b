// Package ncp adapts the external NCP (Network Co-Processor): a line
// oriented command channel and a UDP syslog receiver emitting fixed
// KiNOS message ids (spec.md §6, grounded on kibra/syslog.py). This
// engine treats the NCP as an already-running collaborator reachable
// over a link-local address; Commander.InterfaceUp exists, but no code
// in the engine calls it.
package ncp

import (
	"context"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kirale/kibra/internal/store"
)

// MsgID enumerates every KiNOS syslog message id kibra's syslog.py
// recognizes. Two (AlocDel/AlocAdd) are carried for taxonomy
// completeness but never acted on, matching the Python original.
type MsgID int

const (
	MsgCacheDel        MsgID = 0
	MsgCacheAdd        MsgID = 1
	MsgBBRPrimary      MsgID = 2
	MsgBBRSecondary    MsgID = 3
	MsgAlocDel         MsgID = 4 // not used
	MsgAlocAdd         MsgID = 5 // not used
	MsgUnicastAdded    MsgID = 6
	MsgDatasetSaved    MsgID = 7
	MsgJoinStatusOK    MsgID = 8
	MsgJoinStatusError MsgID = 9
)

// SyslogPort is the UDP port the NCP emits RFC 5424-flavored syslog on.
const SyslogPort = 514

// EnterpriseID is the vendor enterprise number KiNOS stamps into every
// syslog line's structured-data origin field, and the one BBR role
// arbitration looks for in the Thread Network Data service entry
// (spec.md §4.13).
const EnterpriseID = 49166

// SyslogEvent is one decoded NCP syslog line.
type SyslogEvent struct {
	ID      MsgID
	Uptime  time.Duration
	Payload string
}

var syslogPattern = regexp.MustCompile(
	`<62>1 - - - - - (\d+) \[origin enterpriseId="49166"\]\[meta sysUpTime="(\d+)"\]\s?(.*)`,
)

// ParseSyslogLine decodes one RFC 5424 line into a SyslogEvent. ok is
// false for lines that don't match KiNOS's structured-data shape,
// which callers should drop silently rather than error on.
func ParseSyslogLine(line string) (SyslogEvent, bool) {
	m := syslogPattern.FindStringSubmatch(line)
	if m == nil {
		return SyslogEvent{}, false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return SyslogEvent{}, false
	}
	uptimeCenti, err := strconv.Atoi(m[2])
	if err != nil {
		return SyslogEvent{}, false
	}
	payload := strings.ReplaceAll(m[3], "BOM", "")
	return SyslogEvent{
		ID:      MsgID(id),
		Uptime:  time.Duration(uptimeCenti) * 10 * time.Millisecond,
		Payload: payload,
	}, true
}

// SyslogReceiver binds a link-local UDP socket and applies every
// decoded event to the config store (spec.md §6 "NCP syslog").
type SyslogReceiver struct {
	store *store.Store
	log   *zap.SugaredLogger

	conn *net.UDPConn
	done chan struct{}
}

// NewSyslogReceiver binds addr (normally the NCP's directly connected
// link-local address) on the interior interface and starts decoding.
func NewSyslogReceiver(ctx context.Context, addr string, ifaceIndex int, st *store.Store, log *zap.SugaredLogger) (*SyslogReceiver, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	udpAddr := &net.UDPAddr{IP: net.ParseIP(addr), Port: SyslogPort, Zone: zoneFromIndex(ifaceIndex)}
	conn, err := net.ListenUDP("udp6", udpAddr)
	if err != nil {
		return nil, err
	}
	r := &SyslogReceiver{store: st, log: log, conn: conn, done: make(chan struct{})}
	go r.run(ctx)
	return r, nil
}

func zoneFromIndex(idx int) string {
	if idx <= 0 {
		return ""
	}
	iface, err := net.InterfaceByIndex(idx)
	if err != nil {
		return ""
	}
	return iface.Name
}

func (r *SyslogReceiver) run(ctx context.Context) {
	defer close(r.done)
	buf := make([]byte, 1280)
	for {
		select {
		case <-ctx.Done():
			r.conn.Close()
			return
		default:
		}
		r.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		ev, ok := ParseSyslogLine(string(buf[:n]))
		if !ok {
			continue
		}
		r.apply(ev)
	}
}

// LocalAddr returns the bound socket address, chiefly useful in tests.
func (r *SyslogReceiver) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// Close stops the receive loop and releases the socket.
func (r *SyslogReceiver) Close() error {
	err := r.conn.Close()
	<-r.done
	return err
}

func (r *SyslogReceiver) apply(ev SyslogEvent) {
	r.log.Debugw("syslog event", "id", ev.ID, "uptime", ev.Uptime, "payload", ev.Payload)
	switch ev.ID {
	case MsgCacheDel:
		cache := r.store.GetStringSlice("ncp_eid_cache")
		out := cache[:0:0]
		for _, a := range cache {
			if a != ev.Payload {
				out = append(out, a)
			}
		}
		r.store.Set("ncp_eid_cache", out)
	case MsgCacheAdd:
		cache := r.store.GetStringSlice("ncp_eid_cache")
		r.store.Set("ncp_eid_cache", append(append([]string{}, cache...), ev.Payload))
	case MsgBBRPrimary:
		if r.store.GetString("bbr_status") != "primary" {
			r.store.Set("bbr_status", "primary")
			r.log.Info("this bbr is now primary")
		}
	case MsgBBRSecondary:
		if r.store.GetString("bbr_status") != "secondary" {
			r.store.Set("bbr_status", "secondary")
			r.log.Info("this bbr is now secondary")
		}
	case MsgAlocDel, MsgAlocAdd:
		// not used, kept for message-id completeness
	case MsgUnicastAdded:
		r.log.Infow("interior address assigned", "addr", ev.Payload)
	case MsgDatasetSaved:
		applyActiveDataset(r.store, ev.Payload, r.log)
	case MsgJoinStatusOK:
		r.store.Set("ncp_status", "joined")
		r.log.Info("device joined the thread network")
	case MsgJoinStatusError:
		r.log.Warn("device could not join the thread network")
	}
}

// applyActiveDataset parses the pipe-delimited active operational
// dataset summary line KiNOS emits on MsgDatasetSaved:
// "channel | panid | sec_policy | mesh_prefix | xpanid | net_name".
func applyActiveDataset(st *store.Store, payload string, log *zap.SugaredLogger) {
	parts := strings.Split(payload, " | ")
	if len(parts) != 6 {
		log.Warnw("malformed active dataset payload", "payload", payload)
		return
	}
	channel, err := strconv.Atoi(parts[0])
	if err == nil {
		st.Set("dongle_channel", channel)
	}
	st.Set("dongle_panid", parts[1])
	st.Set("dongle_secpol", parts[2])
	st.Set("dongle_xpanid", parts[4])
	st.Set("dongle_netname", parts[5])

	prefixHex := strings.TrimPrefix(parts[3], "0x")
	if raw, err := hexDecode(prefixHex); err == nil && len(raw) <= 16 {
		full := make([]byte, 16)
		copy(full, raw)
		ip := net.IP(full)
		st.Set("dongle_prefix", ip.String()+"/64")
	}
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		s = "0" + s
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, err := strconv.ParseUint(s[i*2:i*2+1], 16, 8)
		if err != nil {
			return nil, err
		}
		lo, err := strconv.ParseUint(s[i*2+1:i*2+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(hi<<4 | lo)
	}
	return out, nil
}

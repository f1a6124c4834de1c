package mdns

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/airtv-go/airtv/internal/dnsmsg"
	"github.com/airtv-go/airtv/internal/models"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
)

const (
	// MulticastPort is the standard mDNS port.
	MulticastPort = 5353
	// resendInterval is how often queries are re-sent while scanning.
	resendInterval = time.Second
	maxPacket      = 9000
)

// MulticastGroup is the mDNS IPv4 group address.
var MulticastGroup = netip.MustParseAddr("224.0.0.251")

// ScanUnicast queries a single host over UDP. Queries are re-sent every
// second; the scan finishes when at least one response per sent query has
// arrived or the context expires.
func ScanUnicast(ctx context.Context, addr netip.Addr, port uint16, serviceTypes []string) (*ServiceParser, error) {
	target := &net.UDPAddr{IP: addr.AsSlice(), Port: int(port)}
	sock, err := net.DialUDP("udp4", nil, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrConnectionFailed, err)
	}
	defer sock.Close()

	queries := BuildQueries(serviceTypes)
	parser := NewServiceParser()
	received := 0

	for received < len(queries) {
		for _, q := range queries {
			if _, err := sock.Write(q.Pack()); err != nil {
				return nil, fmt.Errorf("%w: %v", models.ErrConnectionFailed, err)
			}
		}

		deadline := time.Now().Add(resendInterval)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		_ = sock.SetReadDeadline(deadline)

		buf := make([]byte, maxPacket)
		for received < len(queries) {
			n, err := sock.Read(buf)
			if err != nil {
				break // re-send round or give up below
			}
			msg, perr := dnsmsg.Parse(buf[:n])
			if perr != nil {
				slog.Debug("mdns: dropping malformed response", "err", perr)
				continue
			}
			parser.AddMessage(msg)
			received++
		}

		if ctx.Err() != nil {
			break
		}
	}

	if received == 0 && ctx.Err() != nil {
		return parser, fmt.Errorf("%w: no response from %s", models.ErrTimeout, addr)
	}
	return parser, nil
}

// EndCondition short-circuits a multicast scan once the discovered
// identifiers satisfy the caller.
type EndCondition func(identifiers []string) bool

// IdentifierEndCondition finishes the scan when any of the wanted
// identifiers has been seen.
func IdentifierEndCondition(wanted []string) EndCondition {
	set := make(map[string]struct{}, len(wanted))
	for _, id := range wanted {
		set[id] = struct{}{}
	}
	return func(identifiers []string) bool {
		for _, id := range identifiers {
			if _, ok := set[id]; ok {
				return true
			}
		}
		return false
	}
}

// ScanMulticast queries the mDNS group on every private interface and
// aggregates responses per responding address. A nil end condition scans
// for the full context duration.
func ScanMulticast(ctx context.Context, serviceTypes []string, end EndCondition) (map[netip.Addr]*ServiceParser, error) {
	ifaces, err := privateInterfaces()
	if err != nil {
		return nil, err
	}
	if len(ifaces) == 0 {
		return nil, fmt.Errorf("%w: no usable network interface", models.ErrConnectionFailed)
	}

	// One receiver bound to the mDNS port joined to the group, plus one
	// sender socket per interface so replies can also come back unicast.
	group, err := listenMulticast(ifaces)
	if err != nil {
		return nil, err
	}
	defer group.Close()

	senders := make([]*net.UDPConn, 0, len(ifaces))
	defer func() {
		for _, s := range senders {
			s.Close()
		}
	}()
	for _, ifc := range ifaces {
		s, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ifc.addr.AsSlice()})
		if err != nil {
			slog.Debug("mdns: cannot bind interface", "iface", ifc.iface.Name, "err", err)
			continue
		}
		senders = append(senders, s)
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	parsers := make(map[netip.Addr]*ServiceParser)

	handlePacket := func(data []byte, from net.Addr) {
		udp, ok := from.(*net.UDPAddr)
		if !ok {
			return
		}
		msg, err := dnsmsg.Parse(data)
		if err != nil || len(msg.Answers)+len(msg.Resources) == 0 {
			return
		}
		addr, ok := netip.AddrFromSlice(udp.IP)
		if !ok {
			return
		}
		addr = addr.Unmap()

		mu.Lock()
		parser, exists := parsers[addr]
		if !exists {
			parser = NewServiceParser()
			parsers[addr] = parser
		}
		parser.AddMessage(msg)
		done := end != nil && end(parser.UniqueIdentifiers())
		mu.Unlock()

		if done {
			cancel()
		}
	}

	g, gctx := errgroup.WithContext(scanCtx)
	readLoop := func(read func([]byte) (int, net.Addr, error), closeFn func()) func() error {
		return func() error {
			go func() {
				<-gctx.Done()
				closeFn()
			}()
			buf := make([]byte, maxPacket)
			for {
				n, from, err := read(buf)
				if err != nil {
					return nil // socket closed on cancel
				}
				handlePacket(buf[:n], from)
			}
		}
	}
	g.Go(readLoop(func(b []byte) (int, net.Addr, error) {
		n, _, from, err := group.ReadFrom(b)
		return n, from, err
	}, func() { group.Close() }))
	for _, s := range senders {
		sender := s
		g.Go(readLoop(sender.ReadFrom, func() { sender.Close() }))
	}

	// Send queries on every sender socket, re-sending each second.
	g.Go(func() error {
		groupAddr := &net.UDPAddr{IP: MulticastGroup.AsSlice(), Port: MulticastPort}
		ticker := time.NewTicker(resendInterval)
		defer ticker.Stop()
		for {
			for _, q := range BuildQueries(serviceTypes) {
				packed := q.Pack()
				for _, s := range senders {
					if _, err := s.WriteTo(packed, groupAddr); err != nil {
						slog.Debug("mdns: send failed", "err", err)
					}
				}
			}
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	_ = g.Wait()
	return parsers, nil
}

type scanInterface struct {
	iface net.Interface
	addr  netip.Addr
}

// privateInterfaces lists up, non-loopback interfaces carrying a private
// IPv4 address.
func privateInterfaces() ([]scanInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("mdns: list interfaces: %w", err)
	}
	var out []scanInterface
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if addr.Is4() && addr.IsPrivate() {
				out = append(out, scanInterface{iface: ifc, addr: addr})
				break
			}
		}
	}
	return out, nil
}

// listenMulticast binds the shared group listener and joins the mDNS group
// on every scan interface. Join failures on individual interfaces are
// logged and skipped.
func listenMulticast(ifaces []scanInterface) (*ipv4.PacketConn, error) {
	lc := net.ListenConfig{Control: reusePortControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", MulticastPort))
	if err != nil {
		return nil, fmt.Errorf("%w: bind %d: %v", models.ErrConnectionFailed, MulticastPort, err)
	}
	p := ipv4.NewPacketConn(pc)
	groupAddr := &net.UDPAddr{IP: MulticastGroup.AsSlice()}
	for _, ifc := range ifaces {
		iface := ifc.iface
		if err := p.JoinGroup(&iface, groupAddr); err != nil {
			slog.Debug("mdns: join group failed", "iface", iface.Name, "err", err)
		}
	}
	return p, nil
}

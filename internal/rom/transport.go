package rom

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/Conni2461/admission-handler/internal/netio"
	"github.com/Conni2461/admission-handler/internal/protocol"
)

const (
	// MulticastAddr is the fixed IPv4 group for the ordered multicast layer.
	MulticastAddr = "224.1.1.1"
	// MulticastPort is the fixed group port.
	MulticastPort = 5007
)

// Transport carries envelopes between engines. The production implementation
// is UDP multicast with unicast replies; tests substitute an in-memory one.
type Transport interface {
	Multicast(env protocol.Envelope) error
	Unicast(env protocol.Envelope, addr net.Addr) error
}

// UDPTransport is the IP-multicast transport. One socket is joined to the
// group for receiving; a second unconnected socket sends both multicast
// datagrams (TTL 1) and unicast replies.
type UDPTransport struct {
	listener net.PacketConn
	sender   net.PacketConn
	group    *net.UDPAddr
}

// NewUDPTransport joins the multicast group on iface (nil for the system
// default interface).
func NewUDPTransport(iface *net.Interface) (*UDPTransport, error) {
	group := &net.UDPAddr{IP: net.ParseIP(MulticastAddr), Port: MulticastPort}

	lc := net.ListenConfig{Control: netio.ReusePort}
	listener, err := lc.ListenPacket(context.Background(), "udp4", ":5007")
	if err != nil {
		return nil, err
	}
	lp := ipv4.NewPacketConn(listener)
	if err := lp.JoinGroup(iface, &net.UDPAddr{IP: group.IP}); err != nil {
		listener.Close()
		return nil, err
	}

	sender, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		listener.Close()
		return nil, err
	}
	sp := ipv4.NewPacketConn(sender)
	if err := sp.SetMulticastTTL(1); err != nil {
		slog.Warn("set multicast ttl", "err", err)
	}
	if err := sp.SetMulticastLoopback(true); err != nil {
		slog.Warn("set multicast loopback", "err", err)
	}
	if iface != nil {
		if err := sp.SetMulticastInterface(iface); err != nil {
			slog.Warn("set multicast interface", "err", err)
		}
	}

	return &UDPTransport{listener: listener, sender: sender, group: group}, nil
}

// Multicast sends env to the group.
func (t *UDPTransport) Multicast(env protocol.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = t.sender.WriteTo(raw, t.group)
	return err
}

// Unicast sends env to one peer, used for proposals, NACKs and retransmits.
func (t *UDPTransport) Unicast(env protocol.Envelope, addr net.Addr) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = t.sender.WriteTo(raw, addr)
	return err
}

// Run reads until ctx is canceled, handing decoded envelopes to the
// callback. Group traffic arrives on the listener socket; proposals, NACKs
// and retransmits are unicast back to the source address of the triggering
// datagram, which is the peer's sender socket, so both are read. The
// callback must only enqueue.
func (t *UDPTransport) Run(ctx context.Context, handle func(protocol.Envelope, net.Addr)) {
	done := make(chan struct{}, 2)
	go func() { t.readLoop(ctx, t.listener, handle); done <- struct{}{} }()
	go func() { t.readLoop(ctx, t.sender, handle); done <- struct{}{} }()
	<-done
	<-done
	t.listener.Close()
	t.sender.Close()
}

func (t *UDPTransport) readLoop(ctx context.Context, pc net.PacketConn, handle func(protocol.Envelope, net.Addr)) {
	buf := make([]byte, netio.BufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = pc.SetReadDeadline(time.Now().Add(netio.ReadTimeout))
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			slog.Warn("multicast read", "err", err)
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(buf[:n], &env); err != nil {
			slog.Warn("malformed multicast datagram", "from", addr.String(), "err", err)
			continue
		}
		handle(env, addr)
	}
}

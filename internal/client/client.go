// Package client implements the thin admission client: discover a server
// over broadcast, then request entry or release over one-shot TCP.
package client

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Conni2461/admission-handler/internal/netio"
	"github.com/Conni2461/admission-handler/internal/protocol"
)

const (
	discoverWindow = time.Second
	maxTries       = 3
)

type eventKind int

const (
	evTCP eventKind = iota
	evBroadcast
	evAction
)

type event struct {
	kind     eventKind
	msg      protocol.Message
	increase bool
}

// Client is one admission client.
type Client struct {
	uuid   string
	number int

	tcp      *netio.TCPListener
	listener *netio.BroadcastListener
	bcast    netio.Broadcaster
	sender   netio.TCPSender

	server  *protocol.Addr
	entries int

	events chan event
}

// New creates a client. number is a human-facing label only.
func New(number int) (*Client, error) {
	c := &Client{
		uuid:   uuid.NewString(),
		number: number,
		events: make(chan event, 64),
	}
	tcp, err := netio.NewTCPListener(func(msg protocol.Message, _ net.Addr) {
		c.events <- event{kind: evTCP, msg: msg}
	})
	if err != nil {
		return nil, err
	}
	c.tcp = tcp
	listener, err := netio.NewBroadcastListener(func(msg protocol.Message, _ *net.UDPAddr) {
		c.events <- event{kind: evBroadcast, msg: msg}
	})
	if err != nil {
		tcp.Close()
		return nil, err
	}
	c.listener = listener
	return c, nil
}

// Run discovers a server, then reads actions from input: a line starting
// with "-" releases an entry, anything else requests one. Blocks until ctx
// is canceled.
func (c *Client) Run(ctx context.Context, input io.Reader) {
	go c.tcp.Run()
	defer c.tcp.Close()
	go c.listener.Run(ctx)

	myIP := netio.LocalIP()

	if !c.discover(ctx, myIP) {
		return
	}

	go c.readInput(ctx, input)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case ev := <-c.events:
			switch ev.kind {
			case evAction:
				c.requestAction(ctx, myIP, ev.increase)
			case evTCP:
				c.onTCPMessage(ctx, myIP, ev.msg)
			case evBroadcast:
				if c.onBroadcastMessage(ev.msg) {
					return
				}
			}
		}
	}
}

// discover broadcasts our identity until some server accepts, then confirms
// the choice. Returns false only when ctx is canceled first.
func (c *Client) discover(ctx context.Context, myIP string) bool {
	ident := protocol.Message{
		Intention: protocol.IdentClient,
		UUID:      c.uuid,
		Address:   myIP,
		Port:      c.tcp.Port(),
	}

	for {
		slog.Debug("looking for a server", "number", c.number)
		c.bcast.Broadcast(ident)

		window := time.NewTimer(discoverWindow)
		for {
			select {
			case <-ctx.Done():
				window.Stop()
				return false
			case <-window.C:
			case ev := <-c.events:
				if ev.kind == evTCP && ev.msg.Intention == protocol.AcceptClient {
					window.Stop()
					addr := protocol.Addr{Address: ev.msg.Address, Port: ev.msg.Port}
					c.server = &addr
					c.entries = ev.msg.Entries
					slog.Info("connected to server", "server", addr.HostPort(), "entries", c.entries)
					choose := protocol.Message{
						Intention: protocol.ChooseServer,
						UUID:      c.uuid,
						Address:   myIP,
						Port:      c.tcp.Port(),
					}
					c.sender.Send(choose, addr)
					return true
				}
				continue
			}
			break
		}
	}
}

func (c *Client) readInput(ctx context.Context, input io.Reader) {
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		c.events <- event{kind: evAction, increase: !strings.HasPrefix(line, "-")}
	}
}

// requestAction sends one admission or release request, retrying a few
// times before discarding the server and rediscovering.
func (c *Client) requestAction(ctx context.Context, myIP string, increase bool) {
	if c.server == nil {
		slog.Warn("no server to send the request to")
		return
	}
	req := protocol.Message{
		Intention: protocol.RequestAction,
		UUID:      c.uuid,
		Address:   myIP,
		Port:      c.tcp.Port(),
		Number:    c.number,
		Increase:  increase,
	}
	for try := 0; try < maxTries; try++ {
		if c.sender.Send(req, *c.server) {
			slog.Debug("request sent, waiting for response", "increase", increase)
			return
		}
	}
	slog.Warn("server unreachable, discarding it")
	c.server = nil
	c.discover(ctx, myIP)
}

func (c *Client) onTCPMessage(ctx context.Context, myIP string, msg protocol.Message) {
	switch msg.Intention {
	case protocol.AcceptEntry:
		c.entries = msg.Entries
		slog.Info("entry granted, enjoy yourself", "entries", c.entries)
	case protocol.DenyEntry:
		c.entries = msg.Entries
		slog.Info("entry denied, the venue is full")
	case protocol.UpdateEntries:
		c.entries = msg.Entries
		slog.Info("current entries", "entries", c.entries)
	case protocol.ShutdownServer:
		slog.Info("server shut down, looking for a new one")
		c.server = nil
		c.discover(ctx, myIP)
	case protocol.AcceptClient:
		// Late answer from another server; we already chose one.
	default:
		slog.Debug("unhandled message", "intention", msg.Intention)
	}
}

// onBroadcastMessage reacts to system-wide announcements. Returns true when
// the whole system is shutting down and the client should stop.
func (c *Client) onBroadcastMessage(msg protocol.Message) bool {
	if msg.Intention == protocol.ShutdownSystem {
		slog.Info("system shutdown announced, leaving")
		c.server = nil
		return true
	}
	return false
}

func (c *Client) shutdown() {
	if c.server != nil {
		bye := protocol.Message{Intention: protocol.ShutdownClient, UUID: c.uuid}
		c.sender.Send(bye, *c.server)
	}
}

package netio

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/Conni2461/admission-handler/internal/protocol"
)

const (
	// BroadcastPort is the fixed link-local discovery port.
	BroadcastPort = 5973
	// BufferSize bounds a single datagram.
	BufferSize = 1024
	// MaxMsgBuffSize is the broadcast dedup window.
	MaxMsgBuffSize = 50
	// ReadTimeout is the poll interval used to observe shutdown.
	ReadTimeout = 100 * time.Millisecond
)

// Broadcaster sends one-shot UDP broadcasts on the discovery port. Every
// outbound message gets a fresh msg_uuid so receivers can drop duplicates.
type Broadcaster struct{}

// Broadcast encodes msg and sends it to the local broadcast address.
func (Broadcaster) Broadcast(msg protocol.Message) {
	msg.MsgUUID = uuid.NewString()

	lc := net.ListenConfig{Control: broadcastControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		slog.Warn("broadcast socket", "err", err)
		return
	}
	defer pc.Close()

	raw, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("encode broadcast", "err", err)
		return
	}
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: BroadcastPort}
	if _, err := pc.WriteTo(raw, dst); err != nil {
		slog.Warn("send broadcast", "intention", msg.Intention, "err", err)
	}
}

// dedupWindow is a bounded FIFO set of recently seen broadcast ids.
type dedupWindow struct {
	order []string
	seen  map[string]struct{}
	max   int
}

func newDedupWindow(max int) *dedupWindow {
	return &dedupWindow{seen: make(map[string]struct{}), max: max}
}

// Observe records id and reports whether it was already in the window.
func (w *dedupWindow) Observe(id string) bool {
	if _, ok := w.seen[id]; ok {
		return true
	}
	w.seen[id] = struct{}{}
	w.order = append(w.order, id)
	if len(w.order) > w.max {
		delete(w.seen, w.order[0])
		w.order = w.order[1:]
	}
	return false
}

// BroadcastListener receives discovery broadcasts and hands decoded messages
// to a callback. The callback must only enqueue; all state lives elsewhere.
type BroadcastListener struct {
	pc     net.PacketConn
	window *dedupWindow
	handle func(protocol.Message, *net.UDPAddr)
}

// NewBroadcastListener binds the shared broadcast port.
func NewBroadcastListener(handle func(protocol.Message, *net.UDPAddr)) (*BroadcastListener, error) {
	lc := net.ListenConfig{Control: broadcastControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", ":5973")
	if err != nil {
		return nil, err
	}
	slog.Debug("broadcast listener bound", "addr", pc.LocalAddr().String())
	return &BroadcastListener{
		pc:     pc,
		window: newDedupWindow(MaxMsgBuffSize),
		handle: handle,
	}, nil
}

// Run reads datagrams until ctx is canceled.
func (l *BroadcastListener) Run(ctx context.Context) {
	defer l.pc.Close()
	buf := make([]byte, BufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = l.pc.SetReadDeadline(time.Now().Add(ReadTimeout))
		n, addr, err := l.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			slog.Warn("broadcast read", "err", err)
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			slog.Warn("malformed broadcast", "from", addr.String(), "err", err)
			continue
		}
		if msg.Intention == "" {
			slog.Warn("broadcast without intention", "from", addr.String())
			continue
		}
		if msg.MsgUUID != "" && l.window.Observe(msg.MsgUUID) {
			continue
		}
		l.handle(msg, addr.(*net.UDPAddr))
	}
}

package netio

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/Conni2461/admission-handler/internal/protocol"
)

const (
	dialTimeout  = 2 * time.Second
	writeTimeout = 2 * time.Second
)

// TCPListener accepts one-shot JSON connections on an ephemeral port. Each
// connection carries exactly one message, terminated by the peer closing its
// write side.
type TCPListener struct {
	ln     net.Listener
	addr   string
	port   int
	handle func(protocol.Message, net.Addr)
}

// NewTCPListener binds an ephemeral port on all interfaces.
func NewTCPListener(handle func(protocol.Message, net.Addr)) (*TCPListener, error) {
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		return nil, err
	}
	tcpAddr := ln.Addr().(*net.TCPAddr)
	slog.Debug("tcp listener bound", "addr", tcpAddr.String())
	return &TCPListener{
		ln:     ln,
		addr:   tcpAddr.IP.String(),
		port:   tcpAddr.Port,
		handle: handle,
	}, nil
}

// Port returns the bound listen port.
func (l *TCPListener) Port() int { return l.port }

// Run accepts connections until the listener is closed.
func (l *TCPListener) Run() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		go l.serve(conn)
	}
}

// Close stops the accept loop.
func (l *TCPListener) Close() error { return l.ln.Close() }

func (l *TCPListener) serve(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(dialTimeout))

	raw, err := io.ReadAll(io.LimitReader(conn, 1<<20))
	if err != nil {
		slog.Warn("tcp read", "from", conn.RemoteAddr().String(), "err", err)
		return
	}
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Warn("malformed tcp message", "from", conn.RemoteAddr().String(), "err", err)
		return
	}
	if msg.Intention == "" {
		slog.Warn("tcp message without intention", "from", conn.RemoteAddr().String())
		return
	}
	l.handle(msg, conn.RemoteAddr())
}

// TCPSender sends one-shot JSON messages: connect, write, close. All failure
// modes collapse to ok=false; callers decide whether to retry or evict.
type TCPSender struct{}

// Send delivers msg to dest and reports success.
func (TCPSender) Send(msg protocol.Message, dest protocol.Addr) bool {
	raw, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("encode tcp message", "err", err)
		return false
	}

	conn, err := net.DialTimeout("tcp", dest.HostPort(), dialTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	n, err := conn.Write(raw)
	return err == nil && n == len(raw)
}

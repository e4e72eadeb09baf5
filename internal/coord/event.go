package coord

import (
	"net"

	"github.com/Conni2461/admission-handler/internal/protocol"
)

type eventKind int

const (
	evTCP eventKind = iota
	evBroadcast
	evMulticast
	evTickSend
	evTickCheck
	evSnapshot
)

// event is the single unit of work consumed by the dispatcher. I/O
// goroutines only decode and enqueue; every state mutation happens on the
// dispatcher.
type event struct {
	kind  eventKind
	msg   protocol.Message
	env   protocol.Envelope
	addr  net.Addr
	reply chan<- Snapshot
}

// EnqueueTCP hands a decoded TCP message to the dispatcher.
func (s *Server) EnqueueTCP(msg protocol.Message, addr net.Addr) {
	s.events <- event{kind: evTCP, msg: msg, addr: addr}
}

// EnqueueBroadcast hands a decoded broadcast to the dispatcher.
func (s *Server) EnqueueBroadcast(msg protocol.Message, addr *net.UDPAddr) {
	s.events <- event{kind: evBroadcast, msg: msg, addr: addr}
}

// EnqueueMulticast hands a raw multicast envelope to the dispatcher, which
// feeds it through the ordered multicast engine.
func (s *Server) EnqueueMulticast(env protocol.Envelope, addr net.Addr) {
	s.events <- event{kind: evMulticast, env: env, addr: addr}
}

package coord

import (
	"log/slog"

	"github.com/Conni2461/admission-handler/internal/protocol"
)

// onRequestAction queues one client admission or release request and drives
// the lock state machine. An unknown client is re-added to the registry; it
// may have been dropped after a transient send failure.
func (s *Server) onRequestAction(msg protocol.Message) {
	if _, known := s.clients[msg.UUID]; !known {
		s.clients[msg.UUID] = protocol.Addr{Address: msg.Address, Port: msg.Port}
		slog.Info("re-adding reconnected client", "uuid", msg.UUID)
	}
	slog.Info("client requests action", "uuid", msg.UUID, "increase", msg.Increase)
	s.requests = append(s.requests, msg)
	s.updateLock(nil)
}

// updateLock advances the lock state machine. data is the ordered Lock or
// Unlock delivery driving the transition; nil means a local request arrived
// and the lock should be contended for. The first Lock in total order wins;
// every replica observes the same winner.
func (s *Server) updateLock(data *protocol.Message) {
	if s.lock == LockClosed && data != nil && data.Intention == protocol.Unlock {
		s.lock = LockOpen
		slog.Info("lock released by another server")
	}

	if s.lock == LockOpen {
		switch {
		case data != nil && data.Intention == protocol.Lock:
			if data.UUID == s.uuid {
				s.lock = LockMine
				slog.Info("lock acquired")
				s.drainRequests()
				s.updateClientEntries()
				s.rom.Send(protocol.Message{Intention: protocol.UpdateEntries, UUID: s.uuid, Entries: s.entries})
				s.rom.Send(protocol.Message{Intention: protocol.Unlock, UUID: s.uuid})
			} else {
				s.lock = LockClosed
				slog.Info("lock acquired by another server", "uuid", data.UUID)
			}
		case len(s.requests) > 0:
			s.rom.Send(protocol.Message{Intention: protocol.Lock, UUID: s.uuid})
		}
	}

	if s.lock == LockMine && data != nil && data.Intention == protocol.Unlock && data.UUID == s.uuid {
		s.lock = LockOpen
		slog.Info("lock released")
	}
}

// drainRequests answers every queued request while holding the lock.
// Admission is granted while the counter is below capacity; release
// decrements but never below zero.
func (s *Server) drainRequests() {
	for len(s.requests) > 0 {
		req := s.requests[0]
		s.requests = s.requests[1:]
		dest := protocol.Addr{Address: req.Address, Port: req.Port}

		if !req.Increase {
			if s.entries > 0 {
				s.entries--
			}
			slog.Info("client left the venue", "entries", s.entries, "max", s.maxEntries)
			s.metrics.Admissions.WithLabelValues("released").Inc()
			continue
		}

		if s.entries < s.maxEntries {
			grant := protocol.Message{Intention: protocol.AcceptEntry, UUID: s.uuid, Entries: s.entries + 1}
			if s.tcp.Send(grant, dest) {
				s.entries++
				slog.Info("entry granted", "entries", s.entries, "max", s.maxEntries)
				s.metrics.Admissions.WithLabelValues("granted").Inc()
			} else {
				slog.Warn("could not send entry grant, dropping request", "uuid", req.UUID)
			}
		} else {
			deny := protocol.Message{Intention: protocol.DenyEntry, UUID: s.uuid, Entries: s.entries}
			s.tcp.Send(deny, dest)
			slog.Info("entry denied, venue is full", "entries", s.entries)
			s.metrics.Admissions.WithLabelValues("denied").Inc()
		}
	}
}

package coord

import (
	"log/slog"

	"github.com/Conni2461/admission-handler/internal/protocol"
)

// registerClient answers a client's discovery broadcast with our endpoint.
// The client picks one answering server and confirms with ChooseServer.
func (s *Server) registerClient(msg protocol.Message) {
	accept := protocol.Message{
		Intention: protocol.AcceptClient,
		UUID:      s.uuid,
		Address:   s.ip,
		Port:      s.port,
		Entries:   s.entries,
	}
	slog.Info("answering client discovery", "uuid", msg.UUID)
	if !s.tcp.Send(accept, protocol.Addr{Address: msg.Address, Port: msg.Port}) {
		slog.Warn("client disappeared before it could be accepted", "uuid", msg.UUID)
	}
}

// updateClientEntries pushes the current counter to every registered client
// and drops the ones that are no longer reachable.
func (s *Server) updateClientEntries() {
	var remove []string
	for id, addr := range s.clients {
		update := protocol.Message{Intention: protocol.UpdateEntries, Entries: s.entries}
		if !s.tcp.Send(update, addr) {
			remove = append(remove, id)
			slog.Warn("marking client for removal after failed update", "uuid", id)
		}
	}
	for _, id := range remove {
		delete(s.clients, id)
	}
	s.metrics.Clients.Set(float64(len(s.clients)))
}

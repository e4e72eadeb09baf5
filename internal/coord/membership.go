package coord

import (
	"context"
	"log/slog"
	"time"

	"github.com/Conni2461/admission-handler/internal/netio"
	"github.com/Conni2461/admission-handler/internal/protocol"
)

// requestJoin broadcasts our identity looking for an existing group. On a
// fresh join it waits for an accept or a try-again; after the accept window
// closes without an answer, this node declares itself leader of a singleton
// group. A rejoin only rebroadcasts; the accept is handled by the
// dispatcher.
func (s *Server) requestJoin(ctx context.Context, rejoin bool) {
	ident := protocol.Message{
		Intention: protocol.IdentServer,
		UUID:      s.uuid,
		Address:   s.ip,
		Port:      s.port,
	}
	s.bcast.Broadcast(ident)
	slog.Info("looking for a server group")

	if !rejoin {
		window := time.NewTimer(time.Duration(s.maxEntries) * netio.ReadTimeout)
		defer window.Stop()
	wait:
		for {
			select {
			case <-ctx.Done():
				return
			case <-window.C:
				break wait
			case ev := <-s.events:
				if ev.kind != evTCP {
					// Non-join traffic keeps flowing while we wait:
					// snapshot requests, broadcasts, multicast envelopes.
					s.dispatch(ev)
					continue
				}
				switch ev.msg.Intention {
				case protocol.AcceptServer:
					s.onAccepted(ev.msg)
					s.promoteMonitoringData()
					return
				case protocol.TryAgain:
					s.bcast.Broadcast(ident)
				default:
					s.onTCPMessage(ev.msg)
				}
			}
		}

		if s.role == RolePending {
			slog.Info("could not find a leader, declaring myself")
			s.setLeader(true)
			s.groupView[s.uuid] = protocol.Addr{Address: s.ip, Port: s.port}
			s.rom.SetGroupView(s.groupView)
		}
	}

	s.promoteMonitoringData()
}

// onAccepted adopts the group state handed over by the leader.
func (s *Server) onAccepted(msg protocol.Message) {
	slog.Info("found a group leader", "leader", msg.Leader)
	s.role = RoleMember
	s.entries = msg.Entries
	s.currentLeader = msg.Leader
	s.groupView = copyGroupView(msg.GroupView)
	s.lock = LockOpen
	s.setLeader(false)
	s.rom.SyncState(msg.RNumbers, msg.DeliverQueue)
	s.rom.SetGroupView(s.groupView)
	slog.Debug("accepted into group", "members", len(s.groupView))
}

// registerServer admits a joiner: extend the view, seed its multicast
// sequence tracking, hand over the group state, then redistribute. Only the
// leader calls this.
func (s *Server) registerServer(msg protocol.Message) {
	addr := protocol.Addr{Address: msg.Address, Port: msg.Port}
	s.groupView[msg.UUID] = addr

	welcome := protocol.Message{
		Intention:    protocol.AcceptServer,
		Leader:       s.uuid,
		GroupView:    copyGroupView(s.groupView),
		RNumbers:     s.rom.RNumbers(),
		DeliverQueue: s.rom.DeliverQueue(),
		Entries:      s.entries,
	}

	s.rom.RegisterMember(msg.UUID)
	if !s.tcp.Send(welcome, addr) {
		slog.Warn("added server to group view but could not send welcome", "uuid", msg.UUID)
	}
	slog.Info("server join request", "uuid", msg.UUID, "addr", addr.HostPort())

	s.heartbeats[msg.UUID] = &heartbeatEntry{ts: s.now()}

	s.distributeGroupView()

	if s.electionRequired() {
		slog.Info("joiner outranks me, starting election")
		s.startElection()
	} else if s.canByzantine() {
		s.rom.Pause()
		s.startByzantine("")
	}
}

// electionRequired reports whether a node with a larger uuid is in the view.
func (s *Server) electionRequired() bool {
	return s.uuid != s.ring()[0]
}

// distributeGroupView pushes the authoritative view to every member and
// announces it to monitors.
func (s *Server) distributeGroupView() {
	slog.Debug("distributing group view", "members", len(s.groupView)-1)
	s.rom.SetGroupView(s.groupView)

	view := copyGroupView(s.groupView)
	for id, addr := range s.groupView {
		if id == s.uuid {
			continue
		}
		update := protocol.Message{Intention: protocol.UpdateGroupView, GroupView: view}
		if !s.tcp.Send(update, addr) {
			slog.Warn("could not send group view", "uuid", id)
		}
	}

	s.bcast.Broadcast(protocol.Message{Intention: protocol.MonitorMessage, GroupView: view})
	s.metrics.GroupSize.Set(float64(len(s.groupView)))
}

// onReceivedGroupView adopts the leader's view and registers any members we
// have never exchanged multicast traffic with.
func (s *Server) onReceivedGroupView(msg protocol.Message) {
	for id := range msg.GroupView {
		if _, known := s.groupView[id]; !known {
			s.rom.RegisterMember(id)
		}
	}
	s.groupView = copyGroupView(msg.GroupView)
	s.rom.SetGroupView(s.groupView)
	slog.Debug("received updated group view", "members", len(s.groupView))
}

func copyGroupView(view protocol.GroupView) protocol.GroupView {
	out := make(protocol.GroupView, len(view))
	for id, addr := range view {
		out[id] = addr
	}
	return out
}

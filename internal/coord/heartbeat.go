package coord

import (
	"context"
	"log/slog"

	"github.com/Conni2461/admission-handler/internal/protocol"
)

// onHeartbeatSend runs on the member ticker: report liveness to the leader.
// A failed send means the leader is gone and triggers an election.
func (s *Server) onHeartbeatSend() {
	if s.participating {
		slog.Debug("election in progress, skipping heartbeat")
		s.promoteMonitoringData()
		return
	}

	msg := protocol.Message{
		Intention: protocol.Heartbeat,
		UUID:      s.uuid,
		Address:   s.ip,
		Port:      s.port,
	}
	leaderAddr, ok := s.groupView[s.currentLeader]
	if !ok || !s.tcp.Send(msg, leaderAddr) {
		slog.Warn("leader seems to be offline, starting election")
		s.startElection()
	}

	s.promoteMonitoringData()
}

// onHeartbeatCheck runs on the leader ticker: strike members whose last
// beat is stale and evict them at the strike limit.
func (s *Server) onHeartbeatCheck() {
	s.promoteMonitoringData()

	if s.participating {
		slog.Debug("election in progress, skipping heartbeat check")
		return
	}

	now := s.now()
	var remove []string
	for id := range s.groupView {
		if id == s.uuid {
			continue
		}
		hb, ok := s.heartbeats[id]
		if !ok {
			slog.Info("member has no heartbeat record, removing", "uuid", id)
			remove = append(remove, id)
			continue
		}
		if now.Sub(hb.ts) > HeartbeatTimeout {
			hb.strikes++
			slog.Debug("member timed out", "uuid", id, "strikes", hb.strikes)
			if hb.strikes >= MaxTimeouts {
				slog.Info("member struck out, removing", "uuid", id)
				remove = append(remove, id)
			}
		}
	}

	if len(remove) > 0 {
		for _, id := range remove {
			delete(s.groupView, id)
			delete(s.heartbeats, id)
		}
		s.distributeGroupView()
	}

	if len(s.groupView) == 1 {
		slog.Info("looks like I am the only server, seeking a group")
		s.requestJoin(context.Background(), true)
	}
}

// onReceivedHeartbeat refreshes the sender's record. A beat from an unknown
// node re-registers it; a beat at a non-leader gets a NotLeader reply so the
// sender rejoins properly.
func (s *Server) onReceivedHeartbeat(msg protocol.Message) {
	if s.role != RoleLeader {
		s.tcp.Send(protocol.Message{Intention: protocol.NotLeader}, protocol.Addr{Address: msg.Address, Port: msg.Port})
		return
	}

	if _, known := s.groupView[msg.UUID]; known {
		slog.Debug("heartbeat", "uuid", msg.UUID)
		s.heartbeats[msg.UUID] = &heartbeatEntry{ts: s.now()}
		return
	}
	slog.Warn("heartbeat from unknown node, registering it", "uuid", msg.UUID)
	s.registerServer(msg)
}

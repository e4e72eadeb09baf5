package coord

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/Conni2461/admission-handler/internal/byzantine"
	"github.com/Conni2461/admission-handler/internal/protocol"
)

// canByzantine reports whether the group is large enough to tolerate at
// least one fault: f = floor((n-1)/3) > 0.
func (s *Server) canByzantine() bool {
	return (len(s.groupView)-1)/3 > 0
}

// startByzantine begins a fresh OM(f) round as leader. When restartOf names
// a round, that round is aborted first; a round already marked aborted is
// not restarted twice.
func (s *Server) startByzantine(restartOf string) {
	if restartOf != "" {
		if s.byzHistory[restartOf] == byzantine.Aborted {
			return
		}
		s.byzHistory[restartOf] = byzantine.Aborted
	}

	id := uuid.NewString()
	s.byzLeader = byzantine.NewLeaderRound(id)
	s.byzHistory[id] = byzantine.Started
	s.metrics.Rounds.Inc()
	s.promoteMonitoringData()

	f := (len(s.groupView) - 1) / 3
	if f == 0 {
		return
	}

	slog.Info("starting byzantine round", "id", id, "faulty", f)
	dests := make([]string, 0, len(s.groupView)-1)
	for member := range s.groupView {
		if member != s.uuid {
			dests = append(dests, member)
		}
	}
	om := protocol.Message{
		Intention: protocol.OM,
		ID:        id,
		V:         protocol.IntPtr(s.entries),
		Dests:     dests,
		List:      []string{s.uuid},
		Faulty:    f,
	}
	for _, member := range dests {
		if !s.tcp.Send(om, s.groupView[member]) {
			slog.Warn("could not send om", "uuid", member)
		}
	}
}

// stopByzantine tallies one member's decision. Once every member has
// reported, the plurality becomes the reconciled counter value and the
// ordered multicast layer resumes carrying it.
func (s *Server) stopByzantine(msg protocol.Message) {
	if s.byzLeader == nil {
		slog.Warn("byzantine result while no round is running", "id", msg.ID)
		return
	}
	if msg.Result == nil {
		slog.Warn("byzantine result without value, resetting round caches", "id", msg.ID)
		s.byzLeader = nil
		s.byzMember = nil
		return
	}

	s.byzLeader.Responders[msg.From] = struct{}{}
	s.byzLeader.Tally.Add(*msg.Result)

	for member := range s.groupView {
		if member == s.uuid {
			continue
		}
		if _, reported := s.byzLeader.Responders[member]; !reported {
			return
		}
	}

	res := s.byzLeader.Tally.Top()
	slog.Info("byzantine round finished", "id", s.byzLeader.ID, "result", res)
	s.byzHistory[s.byzLeader.ID] = byzantine.Finished
	s.byzLeader = nil
	s.entries = res
	s.rom.Resume(res)
	s.promoteMonitoringData()
}

// onByzantineOM applies one information-gathering step as member: push the
// relayed value into the tree and, while faults remain, relay our own value
// to the remaining destinations. A full tree yields the decision, reported
// to the leader.
func (s *Server) onByzantineOM(msg protocol.Message) {
	slog.Debug("byzantine message", "id", msg.ID, "faulty", msg.Faulty, "hops", len(msg.List))
	id := msg.ID

	if s.byzMember == nil {
		slog.Info("byzantine round started", "id", id)
		s.byzMember = byzantine.NewMemberRound(id, len(s.groupView))
		s.byzHistory[id] = byzantine.Started
		s.promoteMonitoringData()
	} else if _, known := s.byzHistory[id]; !known && s.byzMember.ID != id {
		slog.Info("aborting stale byzantine round, adopting new one", "old", s.byzMember.ID, "new", id)
		s.byzHistory[s.byzMember.ID] = byzantine.Aborted
		s.byzMember = byzantine.NewMemberRound(id, len(s.groupView))
		s.byzHistory[id] = byzantine.Started
	}

	if !s.byzMember.Tree.IsFull() {
		dests := make([]string, 0, len(msg.Dests))
		for _, member := range msg.Dests {
			if member != s.uuid {
				dests = append(dests, member)
			}
		}

		list := append([]string(nil), msg.List...)
		s.byzMember.Tree.Push(list, *msg.V)

		if msg.Faulty >= 1 {
			relayed := append([]string{s.uuid}, msg.List...)
			om := protocol.Message{
				Intention: protocol.OM,
				ID:        id,
				V:         protocol.IntPtr(s.entries),
				Dests:     dests,
				List:      relayed,
				Faulty:    msg.Faulty - 1,
			}
			for _, member := range dests {
				if !s.tcp.Send(om, s.groupView[member]) {
					slog.Warn("could not relay om, requesting restart", "uuid", member)
					if s.currentLeader != s.uuid {
						restart := protocol.Message{Intention: protocol.OMRestart, ID: id}
						s.tcp.Send(restart, s.groupView[s.currentLeader])
					} else {
						s.startByzantine(id)
					}
				}
			}
		}
	}

	if s.byzMember != nil && s.byzMember.Tree.IsFull() {
		res := s.byzMember.Tree.Decide()
		s.byzMember = nil
		s.byzHistory[id] = byzantine.Finished
		s.promoteMonitoringData()

		report := protocol.Message{
			Intention: protocol.OM,
			ID:        id,
			From:      s.uuid,
			Result:    protocol.IntPtr(res),
		}
		if !s.tcp.Send(report, s.groupView[s.currentLeader]) {
			slog.Warn("could not report byzantine decision to leader")
		}
	}
}

package coord

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/Conni2461/admission-handler/internal/protocol"
)

// startElection begins a Chang-Roberts round over the current ring.
func (s *Server) startElection() {
	msg := protocol.Message{
		Intention: protocol.ElectionMessage,
		Mid:       s.uuid,
		IsLeader:  false,
	}
	slog.Info("starting election")
	s.participating = true
	s.metrics.Elections.Inc()
	s.promoteMonitoringData()
	s.sendElectionMessage(msg)
}

// sendElectionMessage forwards to the ring neighbor, retrying with backoff.
// An unreachable neighbor is dropped from the view and the election
// restarts over the smaller ring.
func (s *Server) sendElectionMessage(msg protocol.Message) {
	neighbor := s.neighbor()
	slog.Debug("sending election message", "neighbor", neighbor, "mid", msg.Mid, "is_leader", msg.IsLeader)

	if neighbor == s.uuid {
		// Ring of one; the message comes straight back to us.
		s.onElectionMessage(msg)
		return
	}

	for tries := 0; tries <= MaxTries; tries++ {
		if s.tcp.Send(msg, s.groupView[neighbor]) {
			return
		}
		slog.Warn("election message failed, retrying", "neighbor", neighbor)
		s.sleep(200*time.Millisecond + time.Duration(rand.Int63n(int64(300*time.Millisecond))))
	}

	slog.Warn("neighbor unreachable, restarting election without it", "neighbor", neighbor)
	delete(s.groupView, neighbor)
	s.startElection()
}

// onElectionMessage applies one Chang-Roberts step.
func (s *Server) onElectionMessage(msg protocol.Message) {
	slog.Debug("received election message", "mid", msg.Mid, "is_leader", msg.IsLeader)

	if msg.IsLeader {
		s.onLeaderMessage(msg)
		return
	}

	switch {
	case msg.Mid < s.uuid && !s.participating:
		// Our uuid beats the candidate; replace it and join the round.
		msg.Mid = s.uuid
		msg.IsLeader = false
		s.participating = true
		s.sendElectionMessage(msg)

	case msg.Mid > s.uuid:
		s.participating = true
		s.sendElectionMessage(msg)

	case msg.Mid == s.uuid:
		slog.Info("received my own election message, declaring myself leader")
		s.currentLeader = s.uuid
		msg.IsLeader = true
		s.participating = false
		s.sendElectionMessage(msg)

	default:
		// A smaller mid while already participating: the stronger
		// candidate is circulating, nothing to forward.
	}
}

func (s *Server) onLeaderMessage(msg protocol.Message) {
	slog.Info("leader announced", "leader", msg.Mid)

	if s.participating {
		s.currentLeader = msg.Mid
		s.participating = false
		s.setLeader(false)
		s.sendElectionMessage(msg)
		s.promoteMonitoringData()
		return
	}

	if msg.Mid != s.uuid {
		slog.Warn("foreign leader message while not participating, restarting election")
		s.startElection()
		s.promoteMonitoringData()
		return
	}

	// Our own leader message completed the ring.
	s.setLeader(true)
	slog.Debug("own leader message returned, election terminates")

	// Ping every member; drop the ones that no longer answer.
	view := copyGroupView(s.groupView)
	for id, addr := range s.groupView {
		if id == s.uuid {
			continue
		}
		if !s.tcp.Send(protocol.Message{Intention: protocol.Ping}, addr) {
			delete(view, id)
		}
	}
	s.groupView = view

	s.distributeGroupView()
	if s.canByzantine() {
		s.rom.Pause()
		s.startByzantine("")
	}
	s.promoteMonitoringData()
}

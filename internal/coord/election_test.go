package coord

import (
	"testing"

	"github.com/Conni2461/admission-handler/internal/protocol"
)

func threeRing(t *testing.T, self string) (*Server, *fakeTCP) {
	t.Helper()
	s, tcp, _, _ := newTestServer(t, self)
	s.role = RoleMember
	s.groupView = protocol.GroupView{
		"a": addrOf("a"),
		"m": addrOf("m"),
		"z": addrOf("z"),
	}
	s.groupView[self] = protocol.Addr{Address: s.ip, Port: s.port}
	return s, tcp
}

func TestRingOrderAndNeighbor(t *testing.T) {
	s, _ := threeRing(t, "m")

	ring := s.ring()
	want := []string{"z", "m", "a"}
	for i := range want {
		if ring[i] != want[i] {
			t.Fatalf("ring = %v, want %v", ring, want)
		}
	}
	if got := s.neighbor(); got != "a" {
		t.Fatalf("neighbor of m = %q, want a", got)
	}
}

func TestElectionReplacesWeakerCandidate(t *testing.T) {
	s, tcp := threeRing(t, "m")

	s.onElectionMessage(protocol.Message{Intention: protocol.ElectionMessage, Mid: "a"})

	sent := tcp.byIntention(protocol.ElectionMessage)
	if len(sent) != 1 {
		t.Fatalf("forwarded %d messages, want 1", len(sent))
	}
	if sent[0].msg.Mid != "m" || sent[0].msg.IsLeader {
		t.Fatalf("weaker candidate not replaced: %#v", sent[0].msg)
	}
	if !s.participating {
		t.Fatal("node must participate after forwarding")
	}
}

func TestElectionForwardsStrongerCandidate(t *testing.T) {
	s, tcp := threeRing(t, "m")

	s.onElectionMessage(protocol.Message{Intention: protocol.ElectionMessage, Mid: "z"})

	sent := tcp.byIntention(protocol.ElectionMessage)
	if len(sent) != 1 || sent[0].msg.Mid != "z" {
		t.Fatalf("stronger candidate not forwarded unchanged: %#v", sent)
	}
}

func TestElectionSwallowsWeakerCandidateWhileParticipating(t *testing.T) {
	s, tcp := threeRing(t, "m")
	s.participating = true

	s.onElectionMessage(protocol.Message{Intention: protocol.ElectionMessage, Mid: "a"})

	if len(tcp.byIntention(protocol.ElectionMessage)) != 0 {
		t.Fatal("weaker candidate must be swallowed while participating")
	}
}

func TestElectionOwnMidDeclaresLeadership(t *testing.T) {
	s, tcp := threeRing(t, "z")
	s.participating = true

	s.onElectionMessage(protocol.Message{Intention: protocol.ElectionMessage, Mid: "z"})

	if s.currentLeader != "z" {
		t.Fatalf("currentLeader = %q, want z", s.currentLeader)
	}
	sent := tcp.byIntention(protocol.ElectionMessage)
	if len(sent) != 1 || !sent[0].msg.IsLeader {
		t.Fatalf("leader announcement not circulated: %#v", sent)
	}
	if s.participating {
		t.Fatal("declaring leader must stop participating")
	}
}

func TestLeaderMessageAdoptedAndForwardedByParticipant(t *testing.T) {
	s, tcp := threeRing(t, "m")
	s.participating = true

	s.onElectionMessage(protocol.Message{Intention: protocol.ElectionMessage, Mid: "z", IsLeader: true})

	if s.currentLeader != "z" || s.participating {
		t.Fatalf("leader not adopted: leader=%q participating=%v", s.currentLeader, s.participating)
	}
	if s.role != RoleMember {
		t.Fatalf("role = %v, want member", s.role)
	}
	sent := tcp.byIntention(protocol.ElectionMessage)
	if len(sent) != 1 || !sent[0].msg.IsLeader {
		t.Fatalf("announcement not forwarded: %#v", sent)
	}
}

func TestOwnLeaderMessageCompletesElection(t *testing.T) {
	s, tcp := threeRing(t, "z")

	s.onElectionMessage(protocol.Message{Intention: protocol.ElectionMessage, Mid: "z", IsLeader: true})

	if s.role != RoleLeader {
		t.Fatalf("role = %v, want leader", s.role)
	}
	if len(tcp.byIntention(protocol.Ping)) != 2 {
		t.Fatal("new leader must ping every member")
	}
	if len(tcp.byIntention(protocol.UpdateGroupView)) != 2 {
		t.Fatal("new leader must redistribute the view")
	}
}

func TestNewLeaderDropsUnreachableMembersOnSweep(t *testing.T) {
	s, tcp := threeRing(t, "z")
	tcp.fail = func(msg protocol.Message, dest protocol.Addr) bool {
		return msg.Intention == protocol.Ping && dest == addrOf("a")
	}

	s.onElectionMessage(protocol.Message{Intention: protocol.ElectionMessage, Mid: "z", IsLeader: true})

	if _, ok := s.groupView["a"]; ok {
		t.Fatal("unreachable member survived the leader sweep")
	}
	if _, ok := s.groupView["m"]; !ok {
		t.Fatal("reachable member was dropped")
	}
}

func TestUnreachableNeighborIsDroppedAndElectionRestarts(t *testing.T) {
	s, tcp := threeRing(t, "m")
	tcp.fail = func(msg protocol.Message, dest protocol.Addr) bool {
		return msg.Intention == protocol.ElectionMessage && dest == addrOf("a")
	}

	s.startElection()

	if _, ok := s.groupView["a"]; ok {
		t.Fatal("unreachable neighbor still in the view")
	}
	// The restart runs over the ring {z, m}: the message reaches z.
	sent := tcp.byIntention(protocol.ElectionMessage)
	if len(sent) != 1 || sent[0].dest != addrOf("z") {
		t.Fatalf("restart did not reach the next neighbor: %#v", sent)
	}
}

func TestForeignLeaderWhileNotParticipatingRestartsElection(t *testing.T) {
	s, tcp := threeRing(t, "m")

	s.onElectionMessage(protocol.Message{Intention: protocol.ElectionMessage, Mid: "z", IsLeader: true})

	if !s.participating {
		t.Fatal("foreign announcement must restart the election")
	}
	sent := tcp.byIntention(protocol.ElectionMessage)
	if len(sent) == 0 || sent[len(sent)-1].msg.IsLeader {
		t.Fatalf("restart did not circulate a fresh candidate: %#v", sent)
	}
}

package coord

import (
	"testing"

	"github.com/Conni2461/admission-handler/internal/protocol"
)

func clientRequest(uuid string, increase bool) protocol.Message {
	return protocol.Message{
		Intention: protocol.RequestAction,
		UUID:      uuid,
		Address:   "10.0.1.1",
		Port:      3000,
		Increase:  increase,
	}
}

func TestRequestContendsForTheLock(t *testing.T) {
	s, _, _, fr := newTestServer(t, "a")

	s.onRequestAction(clientRequest("c1", true))

	if len(fr.sent) != 1 || fr.sent[0].Intention != protocol.Lock {
		t.Fatalf("expected one ordered lock request, got %#v", fr.sent)
	}
	if _, ok := s.clients["c1"]; !ok {
		t.Fatal("requesting client was not (re-)registered")
	}
	if len(s.requests) != 1 {
		t.Fatalf("queued %d requests, want 1", len(s.requests))
	}
}

func TestWinningTheLockServesAndReleases(t *testing.T) {
	s, tcp, _, fr := newTestServer(t, "a")
	s.onRequestAction(clientRequest("c1", true))

	s.updateLock(&protocol.Message{Intention: protocol.Lock, UUID: "a"})

	if s.lock != LockMine {
		t.Fatalf("lock = %v after winning, want mine until the release is ordered", s.lock)
	}
	if s.entries != 1 {
		t.Fatalf("entries = %d, want 1", s.entries)
	}
	grants := tcp.byIntention(protocol.AcceptEntry)
	if len(grants) != 1 || grants[0].msg.Entries != 1 {
		t.Fatalf("expected one grant carrying the new counter, got %#v", grants)
	}

	// Ordered traffic: the original lock request, the counter update, the
	// release.
	var kinds []string
	for _, m := range fr.sent {
		kinds = append(kinds, m.Intention)
	}
	want := []string{protocol.Lock, protocol.UpdateEntries, protocol.Unlock}
	if len(kinds) != len(want) {
		t.Fatalf("ordered sends = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("ordered sends = %v, want %v", kinds, want)
		}
	}

	// Our own release comes back in total order.
	s.updateLock(&protocol.Message{Intention: protocol.Unlock, UUID: "a"})
	if s.lock != LockOpen {
		t.Fatalf("lock = %v after own release, want open", s.lock)
	}
}

func TestForeignLockClosesAndForeignUnlockRecontends(t *testing.T) {
	s, _, _, fr := newTestServer(t, "a")
	s.onRequestAction(clientRequest("c1", true))
	fr.sent = nil

	s.updateLock(&protocol.Message{Intention: protocol.Lock, UUID: "b"})
	if s.lock != LockClosed {
		t.Fatalf("lock = %v while another server serves, want closed", s.lock)
	}
	if len(fr.sent) != 0 {
		t.Fatalf("no ordered traffic expected while closed, got %#v", fr.sent)
	}

	s.updateLock(&protocol.Message{Intention: protocol.Unlock, UUID: "b"})
	if s.lock != LockOpen {
		t.Fatalf("lock = %v after foreign release, want open", s.lock)
	}
	if len(fr.sent) != 1 || fr.sent[0].Intention != protocol.Lock {
		t.Fatalf("pending request must recontend, got %#v", fr.sent)
	}
}

func TestAdmissionDeniedAtCapacity(t *testing.T) {
	s, tcp, _, _ := newTestServer(t, "a")
	s.maxEntries = 1
	s.onRequestAction(clientRequest("c1", true))
	s.onRequestAction(clientRequest("c2", true))

	s.updateLock(&protocol.Message{Intention: protocol.Lock, UUID: "a"})

	if s.entries != 1 {
		t.Fatalf("entries = %d, want capacity 1", s.entries)
	}
	if len(tcp.byIntention(protocol.AcceptEntry)) != 1 {
		t.Fatal("expected exactly one grant")
	}
	denies := tcp.byIntention(protocol.DenyEntry)
	if len(denies) != 1 || denies[0].msg.Entries != 1 {
		t.Fatalf("expected one denial carrying the full counter, got %#v", denies)
	}
}

func TestReleaseNeverDropsBelowZero(t *testing.T) {
	s, _, _, _ := newTestServer(t, "a")
	s.onRequestAction(clientRequest("c1", false))

	s.updateLock(&protocol.Message{Intention: protocol.Lock, UUID: "a"})

	if s.entries != 0 {
		t.Fatalf("entries = %d, release must clamp at zero", s.entries)
	}
}

func TestOrderedCounterUpdateFromPeerAdopted(t *testing.T) {
	s, tcp, _, _ := newTestServer(t, "a")
	s.clients["c1"] = protocol.Addr{Address: "10.0.1.1", Port: 3000}

	s.onROMMessage(protocol.Message{Intention: protocol.UpdateEntries, UUID: "b", Entries: 9})

	if s.entries != 9 {
		t.Fatalf("entries = %d, want peer value 9", s.entries)
	}
	updates := tcp.byIntention(protocol.UpdateEntries)
	if len(updates) != 1 || updates[0].msg.Entries != 9 {
		t.Fatalf("clients not informed of the new counter: %#v", updates)
	}
}

func TestOwnOrderedCounterUpdateIgnored(t *testing.T) {
	s, _, _, _ := newTestServer(t, "a")
	s.entries = 4

	s.onROMMessage(protocol.Message{Intention: protocol.UpdateEntries, UUID: "a", Entries: 9})

	if s.entries != 4 {
		t.Fatalf("entries = %d, own update must not re-apply", s.entries)
	}
}

package rom

import (
	"net"
	"testing"

	"github.com/Conni2461/admission-handler/internal/protocol"
)

// memAddr identifies a node in the in-memory cluster.
type memAddr struct{ name string }

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return a.name }

type datagram struct {
	to   string
	from string
	env  protocol.Envelope
}

// cluster wires engines together through queued in-memory datagrams so tests
// can pump traffic deterministically and inject loss.
type cluster struct {
	engines   map[string]*Engine
	delivered map[string][]protocol.Message
	queue     []datagram

	// drop reports whether a multicast copy from->to should be lost.
	drop func(from, to string, env protocol.Envelope) bool
}

type memTransport struct {
	c    *cluster
	name string
}

func (t *memTransport) Multicast(env protocol.Envelope) error {
	for name := range t.c.engines {
		if t.c.drop != nil && t.c.drop(t.name, name, env) {
			continue
		}
		t.c.queue = append(t.c.queue, datagram{to: name, from: t.name, env: env})
	}
	return nil
}

func (t *memTransport) Unicast(env protocol.Envelope, addr net.Addr) error {
	t.c.queue = append(t.c.queue, datagram{to: addr.String(), from: t.name, env: env})
	return nil
}

func newCluster(names ...string) *cluster {
	c := &cluster{
		engines:   make(map[string]*Engine),
		delivered: make(map[string][]protocol.Message),
	}
	view := protocol.GroupView{}
	for _, name := range names {
		view[name] = protocol.Addr{Address: "127.0.0.1", Port: 1}
	}
	for _, name := range names {
		name := name
		e := NewEngine(name, &memTransport{c: c, name: name}, func(msg protocol.Message) {
			c.delivered[name] = append(c.delivered[name], msg)
		})
		for _, other := range names {
			e.RegisterMember(other)
		}
		e.SetGroupView(view)
		c.engines[name] = e
	}
	return c
}

// pump delivers queued datagrams until the cluster is quiet.
func (c *cluster) pump(t *testing.T) {
	t.Helper()
	for steps := 0; len(c.queue) > 0; steps++ {
		if steps > 100000 {
			t.Fatal("cluster did not quiesce")
		}
		d := c.queue[0]
		c.queue = c.queue[1:]
		c.engines[d.to].Handle(d.env, memAddr{name: d.from})
	}
}

func TestEngineDeliversInIdenticalTotalOrder(t *testing.T) {
	c := newCluster("a", "b", "c")

	c.engines["a"].Send(protocol.Message{Intention: protocol.Lock, UUID: "a"})
	c.engines["b"].Send(protocol.Message{Intention: protocol.Lock, UUID: "b"})
	c.engines["c"].Send(protocol.Message{Intention: protocol.Lock, UUID: "c"})
	c.pump(t)

	ref := c.delivered["a"]
	if len(ref) != 3 {
		t.Fatalf("node a delivered %d messages, want 3", len(ref))
	}
	for _, name := range []string{"b", "c"} {
		got := c.delivered[name]
		if len(got) != len(ref) {
			t.Fatalf("node %s delivered %d messages, want %d", name, len(got), len(ref))
		}
		for i := range ref {
			if got[i].UUID != ref[i].UUID {
				t.Fatalf("node %s delivery %d is from %s, node a saw %s", name, i, got[i].UUID, ref[i].UUID)
			}
		}
	}
}

func TestEngineRecoversLostDatagramViaNack(t *testing.T) {
	c := newCluster("a", "b")
	first := true
	c.drop = func(from, to string, env protocol.Envelope) bool {
		// Lose the very first payload copy sent from a to b; the follow-up
		// message opens a gap that b must close with a NACK.
		if first && from == "a" && to == "b" && env.Purpose == protocol.PurposeRealMsg {
			first = false
			return true
		}
		return false
	}

	c.engines["a"].Send(protocol.Message{Intention: protocol.UpdateEntries, Entries: 1})
	c.pump(t)
	if len(c.delivered["b"]) != 0 {
		t.Fatalf("b delivered %d messages before recovery was possible", len(c.delivered["b"]))
	}

	c.engines["a"].Send(protocol.Message{Intention: protocol.UpdateEntries, Entries: 2})
	c.pump(t)

	got := c.delivered["b"]
	if len(got) != 2 {
		t.Fatalf("b delivered %d messages after recovery, want 2", len(got))
	}
	if got[0].Entries != 1 || got[1].Entries != 2 {
		t.Fatalf("b delivered out of order: %d then %d", got[0].Entries, got[1].Entries)
	}
	if len(c.delivered["a"]) != 2 {
		t.Fatalf("a delivered %d messages, want 2", len(c.delivered["a"]))
	}
}

func TestEnginePauseBuffersAndResumeReconciles(t *testing.T) {
	c := newCluster("a", "b")

	c.engines["a"].Pause()
	c.pump(t)
	for _, name := range []string{"a", "b"} {
		if !c.engines[name].Paused() {
			t.Fatalf("node %s not paused after the stop marker", name)
		}
		if c.engines[name].PausedFor() <= 0 {
			t.Fatalf("node %s reports no pause duration", name)
		}
	}

	c.engines["a"].Send(protocol.Message{Intention: protocol.Lock, UUID: "a"})
	c.pump(t)
	if n := len(c.delivered["b"]); n != 0 {
		t.Fatalf("b delivered %d payloads while paused", n)
	}

	c.engines["a"].Resume(42)
	c.pump(t)

	for _, name := range []string{"a", "b"} {
		if c.engines[name].Paused() {
			t.Fatalf("node %s still paused after resume", name)
		}
		var result *protocol.Message
		var lock bool
		for i := range c.delivered[name] {
			msg := c.delivered[name][i]
			switch msg.Intention {
			case protocol.OMResult:
				result = &c.delivered[name][i]
			case protocol.Lock:
				lock = true
			}
		}
		if result == nil || result.Result == nil || *result.Result != 42 {
			t.Fatalf("node %s missing the reconciled value: %#v", name, c.delivered[name])
		}
		if !lock {
			t.Fatalf("node %s never delivered the buffered payload", name)
		}
	}
}

func TestEngineResumeLocalLiftsStuckPause(t *testing.T) {
	c := newCluster("a", "b")
	c.engines["a"].Pause()
	c.pump(t)

	c.engines["b"].ResumeLocal()
	if c.engines["b"].Paused() {
		t.Fatal("b still paused after local resume")
	}
	if got := c.engines["b"].PausedFor(); got != 0 {
		t.Fatalf("PausedFor() = %v after local resume, want 0", got)
	}
	if len(c.delivered["b"]) != 0 {
		t.Fatalf("local resume must not synthesize a result, got %#v", c.delivered["b"])
	}
}

func TestEngineSyncStateSeedsJoiner(t *testing.T) {
	c := newCluster("a", "b")
	c.engines["a"].Send(protocol.Message{Intention: protocol.Lock, UUID: "a"})
	c.pump(t)

	rnumbers := c.engines["a"].RNumbers()
	if rnumbers["a"] == 0 {
		t.Fatal("sender window did not advance")
	}

	joiner := NewEngine("j", &memTransport{c: c, name: "j"}, func(protocol.Message) {})
	joiner.SyncState(rnumbers, c.engines["a"].DeliverQueue())
	if got := joiner.RNumbers()["a"]; got != rnumbers["a"] {
		t.Fatalf("joiner rnumbers[a] = %d, want %d", got, rnumbers["a"])
	}
}

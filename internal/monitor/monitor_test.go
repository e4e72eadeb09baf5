package monitor

import (
	"testing"
	"time"

	"github.com/Conni2461/admission-handler/internal/protocol"
)

func snapshotMsg(uuid string, entries int) protocol.Message {
	return protocol.Message{
		Intention: protocol.MonitorMessage,
		UUID:      uuid,
		Hostname:  "host-" + uuid,
		IP:        "10.0.0.1",
		Port:      1000,
		Entries:   entries,
		State:     "MEMBER",
	}
}

func TestTableFoldsSnapshots(t *testing.T) {
	tb := NewTable()
	tb.now = func() time.Time { return time.Unix(100, 0) }

	tb.Apply(snapshotMsg("b", 1))
	tb.Apply(snapshotMsg("a", 2))
	tb.Apply(snapshotMsg("b", 3))

	rows := tb.Rows()
	if len(rows) != 2 {
		t.Fatalf("table has %d rows, want 2", len(rows))
	}
	if rows[0].UUID != "a" || rows[1].UUID != "b" {
		t.Fatalf("rows not sorted by uuid: %v, %v", rows[0].UUID, rows[1].UUID)
	}
	if rows[1].Entries != 3 {
		t.Fatalf("later snapshot did not replace the row: entries = %d", rows[1].Entries)
	}
	if !rows[0].LastSeen.Equal(time.Unix(100, 0)) {
		t.Fatalf("last seen = %v, want the fold time", rows[0].LastSeen)
	}
}

func TestTableRemovesLeaversAndEvicted(t *testing.T) {
	tb := NewTable()
	tb.Apply(snapshotMsg("a", 1))
	tb.Apply(snapshotMsg("b", 1))
	tb.Apply(snapshotMsg("c", 1))

	tb.Apply(protocol.Message{Intention: protocol.MonitorMessage, UUID: "c", Leaving: true})
	if len(tb.Rows()) != 2 {
		t.Fatalf("table has %d rows after leave, want 2", len(tb.Rows()))
	}

	// The leader's view no longer contains "b": the row goes away.
	tb.Apply(protocol.Message{
		Intention: protocol.MonitorMessage,
		GroupView: protocol.GroupView{"a": {Address: "10.0.0.1", Port: 1000}},
	})
	rows := tb.Rows()
	if len(rows) != 1 || rows[0].UUID != "a" {
		t.Fatalf("view reconcile kept the wrong rows: %#v", rows)
	}
}

func TestTableIgnoresForeignIntentions(t *testing.T) {
	tb := NewTable()
	tb.Apply(protocol.Message{Intention: protocol.Heartbeat, UUID: "a"})
	if len(tb.Rows()) != 0 {
		t.Fatal("non-monitor traffic must not create rows")
	}
}

func TestSubscribersSeeChanges(t *testing.T) {
	tb := NewTable()
	feed := tb.Subscribe()
	defer tb.Unsubscribe(feed)

	tb.Apply(snapshotMsg("a", 4))

	select {
	case rows := <-feed:
		if len(rows) != 1 || rows[0].UUID != "a" {
			t.Fatalf("unexpected update: %#v", rows)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified")
	}
}

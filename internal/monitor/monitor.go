// Package monitor observes the server group passively: it folds the
// observability broadcasts into a live table and serves it over HTTP and a
// websocket stream.
package monitor

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Conni2461/admission-handler/internal/protocol"
)

// Row is the last known state of one server.
type Row struct {
	UUID      string    `json:"uuid"`
	Hostname  string    `json:"hostname"`
	IP        string    `json:"ip"`
	Port      int       `json:"port"`
	Clients   []string  `json:"clients"`
	Entries   int       `json:"entries"`
	Election  bool      `json:"election"`
	Byzantine bool      `json:"byzantine"`
	State     string    `json:"state"`
	LastSeen  time.Time `json:"last_seen"`
}

// Table accumulates server snapshots. It is written by the broadcast
// listener goroutine and read by HTTP handlers, so it carries its own lock.
type Table struct {
	mu   sync.RWMutex
	rows map[string]*Row
	subs map[chan []Row]struct{}
	now  func() time.Time
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		rows: make(map[string]*Row),
		subs: make(map[chan []Row]struct{}),
		now:  time.Now,
	}
}

// Apply folds one observability broadcast into the table. Three shapes
// arrive on the wire: a per-server snapshot, a leave announcement, and the
// leader's group view, which prunes rows of evicted servers.
func (t *Table) Apply(msg protocol.Message) {
	if msg.Intention != protocol.MonitorMessage {
		return
	}
	t.mu.Lock()

	switch {
	case msg.Leaving:
		delete(t.rows, msg.UUID)
		slog.Info("server left", "uuid", msg.UUID)
	case msg.GroupView != nil:
		for id := range t.rows {
			if _, ok := msg.GroupView[id]; !ok {
				delete(t.rows, id)
				slog.Info("server evicted from group view", "uuid", id)
			}
		}
	case msg.UUID != "":
		t.rows[msg.UUID] = &Row{
			UUID:      msg.UUID,
			Hostname:  msg.Hostname,
			IP:        msg.IP,
			Port:      msg.Port,
			Clients:   msg.Clients,
			Entries:   msg.Entries,
			Election:  msg.ElectionActive,
			Byzantine: msg.Byzantine,
			State:     msg.State,
			LastSeen:  t.now(),
		}
	}

	rows := t.snapshotLocked()
	subs := make([]chan []Row, 0, len(t.subs))
	for ch := range t.subs {
		subs = append(subs, ch)
	}
	t.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- rows:
		default: // slow subscriber, skip this update
		}
	}
}

// Rows returns the table sorted by uuid.
func (t *Table) Rows() []Row {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Table) snapshotLocked() []Row {
	rows := make([]Row, 0, len(t.rows))
	for _, r := range t.rows {
		rows = append(rows, *r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UUID < rows[j].UUID })
	return rows
}

// Subscribe registers a change feed. The caller must Unsubscribe when done.
func (t *Table) Subscribe() chan []Row {
	ch := make(chan []Row, 4)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()
	return ch
}

// Unsubscribe removes the feed.
func (t *Table) Unsubscribe(ch chan []Row) {
	t.mu.Lock()
	delete(t.subs, ch)
	t.mu.Unlock()
}

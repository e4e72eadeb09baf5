// Package coord implements the server-side coordination engine: membership
// and failure detection, ring election, Byzantine cross-validation and the
// lock-serialized admission counter, all driven by a single dispatcher.
package coord

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/Conni2461/admission-handler/internal/byzantine"
	"github.com/Conni2461/admission-handler/internal/protocol"
)

const (
	// HeartbeatTimeout is the member heartbeat interval; the leader checks
	// at HeartbeatTimeout + 5s.
	HeartbeatTimeout = 10 * time.Second
	// MaxTimeouts is the strike count at which a silent member is evicted.
	MaxTimeouts = 2
	// MaxTries bounds TCP send retries.
	MaxTries = 3
	// DefaultMaxEntries is the default venue capacity.
	DefaultMaxEntries = 100
)

// Role is the server's position in the group.
type Role int

const (
	RolePending Role = iota
	RoleLeader
	RoleMember
)

func (r Role) String() string {
	switch r {
	case RolePending:
		return "PENDING"
	case RoleLeader:
		return "LEADER"
	case RoleMember:
		return "MEMBER"
	default:
		return "UNKNOWN"
	}
}

// LockState is this replica's view of the multicast lock token.
type LockState int

const (
	LockOpen LockState = iota
	LockMine
	LockClosed
)

func (l LockState) String() string {
	switch l {
	case LockOpen:
		return "OPEN"
	case LockMine:
		return "MINE"
	case LockClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// TCPSender delivers one-shot messages; ok=false covers every failure mode.
type TCPSender interface {
	Send(msg protocol.Message, dest protocol.Addr) bool
}

// Broadcaster sends link-local discovery broadcasts.
type Broadcaster interface {
	Broadcast(msg protocol.Message)
}

// Multicaster is the reliable ordered multicast layer.
type Multicaster interface {
	Send(msg protocol.Message)
	Handle(env protocol.Envelope, addr net.Addr)
	Pause()
	Resume(value int)
	ResumeLocal()
	PausedFor() time.Duration
	SetGroupView(view protocol.GroupView)
	RegisterMember(id string)
	SyncState(rnumbers map[string]int, deliverQueue map[string]protocol.Envelope)
	RNumbers() map[string]int
	DeliverQueue() map[string]protocol.Envelope
}

type heartbeatEntry struct {
	ts      time.Time
	strikes int
}

// Config wires a Server to its transports and identity.
type Config struct {
	UUID       string
	Hostname   string
	IP         string
	Port       int
	MaxEntries int

	TCP       TCPSender
	Broadcast Broadcaster

	// Cancel, when set, is invoked on a ShutdownSystem broadcast.
	Cancel context.CancelFunc

	Metrics *Metrics
}

// Server is one coordinator replica. All fields are owned by the dispatcher
// goroutine; other goroutines interact through the event queue only.
type Server struct {
	uuid     string
	hostname string
	ip       string
	port     int

	role          Role
	groupView     protocol.GroupView
	currentLeader string
	participating bool
	heartbeats    map[string]*heartbeatEntry

	tcp    TCPSender
	bcast  Broadcaster
	rom    Multicaster
	cancel context.CancelFunc

	clients    map[string]protocol.Addr
	requests   []protocol.Message
	lock       LockState
	entries    int
	maxEntries int

	byzLeader  *byzantine.LeaderRound
	byzMember  *byzantine.MemberRound
	byzHistory map[string]byzantine.State

	events  chan event
	hbStop  chan struct{}
	metrics *Metrics

	// Indirections for tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a server in the PENDING role. AttachROM must be called before
// Run.
func New(cfg Config) *Server {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics()
	}
	return &Server{
		uuid:       cfg.UUID,
		hostname:   cfg.Hostname,
		ip:         cfg.IP,
		port:       cfg.Port,
		role:       RolePending,
		groupView:  protocol.GroupView{},
		heartbeats: make(map[string]*heartbeatEntry),
		tcp:        cfg.TCP,
		bcast:      cfg.Broadcast,
		cancel:     cfg.Cancel,
		clients:    make(map[string]protocol.Addr),
		lock:       LockOpen,
		maxEntries: cfg.MaxEntries,
		byzHistory: make(map[string]byzantine.State),
		events:     make(chan event, 256),
		metrics:    cfg.Metrics,
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// UUID returns the node identity.
func (s *Server) UUID() string { return s.uuid }

// AttachROM installs the ordered multicast layer. The engine's deliver
// callback must be DeliverROM.
func (s *Server) AttachROM(m Multicaster) { s.rom = m }

// DeliverROM is the ordered-delivery upcall; it runs on the dispatcher
// because Handle is only invoked there.
func (s *Server) DeliverROM(msg protocol.Message) { s.onROMMessage(msg) }

// Run joins or forms a group, then dispatches events until ctx is canceled.
func (s *Server) Run(ctx context.Context) {
	slog.Info("starting server", "uuid", s.uuid, "addr", s.ip, "port", s.port)
	s.requestJoin(ctx, false)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}
}

func (s *Server) dispatch(ev event) {
	switch ev.kind {
	case evTCP:
		s.onTCPMessage(ev.msg)
	case evBroadcast:
		s.onBroadcastMessage(ev.msg)
	case evMulticast:
		s.rom.Handle(ev.env, ev.addr)
	case evTickSend:
		s.checkStuckPause()
		s.onHeartbeatSend()
	case evTickCheck:
		s.checkStuckPause()
		s.onHeartbeatCheck()
	case evSnapshot:
		ev.reply <- s.snapshotLocked()
	}
}

// checkStuckPause lifts a pause whose matching resume never arrived, which
// happens when the pausing leader dies mid-round.
func (s *Server) checkStuckPause() {
	if s.rom.PausedFor() > 2*HeartbeatTimeout {
		s.rom.ResumeLocal()
	}
}

func (s *Server) onTCPMessage(msg protocol.Message) {
	switch msg.Intention {
	case protocol.UpdateGroupView:
		s.onReceivedGroupView(msg)
	case protocol.ElectionMessage:
		s.onElectionMessage(msg)
	case protocol.ShutdownServer:
		delete(s.groupView, msg.UUID)
		delete(s.heartbeats, msg.UUID)
		slog.Debug("server announced shutdown", "uuid", msg.UUID)
		s.distributeGroupView()
	case protocol.Heartbeat:
		s.onReceivedHeartbeat(msg)
	case protocol.ChooseServer:
		s.clients[msg.UUID] = protocol.Addr{Address: msg.Address, Port: msg.Port}
		slog.Info("chosen by client", "uuid", msg.UUID)
	case protocol.ShutdownClient:
		delete(s.clients, msg.UUID)
		slog.Info("client shut down", "uuid", msg.UUID)
	case protocol.RequestAction:
		s.onRequestAction(msg)
	case protocol.OM:
		if msg.V == nil {
			s.stopByzantine(msg)
		} else {
			s.onByzantineOM(msg)
		}
	case protocol.OMRestart:
		s.startByzantine(msg.ID)
	case protocol.NotLeader:
		s.requestJoin(context.Background(), true)
	case protocol.ManualValueOverride:
		s.entries = msg.Value
		slog.Info("entries manually overridden", "value", msg.Value)
		s.promoteMonitoringData()
	case protocol.AcceptServer:
		s.onAccepted(msg)
	case protocol.TryAgain, protocol.Ping:
		// Ping liveness is the TCP connect itself; nothing to do.
	default:
		slog.Warn("unhandled tcp message", "intention", msg.Intention)
	}
}

func (s *Server) onBroadcastMessage(msg protocol.Message) {
	if msg.UUID == s.uuid {
		return
	}
	switch msg.Intention {
	case protocol.IdentServer:
		if s.role != RoleLeader {
			return
		}
		if s.byzLeader != nil || s.participating {
			wait := protocol.Message{Intention: protocol.TryAgain}
			if !s.tcp.Send(wait, protocol.Addr{Address: msg.Address, Port: msg.Port}) {
				slog.Warn("could not answer joiner with try-again", "uuid", msg.UUID)
			}
			return
		}
		s.registerServer(msg)
	case protocol.IdentClient:
		s.registerClient(msg)
	case protocol.ShutdownServer:
		slog.Debug("shutdown broadcast received, starting election", "uuid", msg.UUID, "was_leader", msg.UUID == s.currentLeader)
		s.startElection()
	case protocol.RunByzantine:
		if s.role == RoleLeader && s.canByzantine() {
			slog.Info("byzantine round requested")
			s.rom.Pause()
			s.startByzantine("")
		}
	case protocol.ShutdownSystem:
		slog.Info("system shutdown broadcast received")
		if s.cancel != nil {
			s.cancel()
		}
	case protocol.MonitorMessage:
		// Observability traffic from peers; not interpreted.
	default:
		slog.Debug("unhandled broadcast", "intention", msg.Intention)
	}
}

func (s *Server) onROMMessage(msg protocol.Message) {
	s.metrics.Delivered.Inc()
	switch {
	case msg.Intention == protocol.OMResult:
		if msg.Result != nil {
			s.entries = *msg.Result
		}
	case msg.Intention == protocol.Lock || msg.Intention == protocol.Unlock:
		s.updateLock(&msg)
	case msg.Intention == protocol.UpdateEntries && msg.UUID != s.uuid:
		s.entries = msg.Entries
		slog.Info("entries updated", "entries", s.entries, "max", s.maxEntries)
		s.updateClientEntries()
	default:
		slog.Debug("unhandled ordered message", "intention", msg.Intention)
	}
	s.promoteMonitoringData()
}

// ring returns the group uuids in reverse-sorted cyclic order; the first
// element is the ring maximum and therefore the rightful leader.
func (s *Server) ring() []string {
	ids := make([]string, 0, len(s.groupView))
	for id := range s.groupView {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids
}

// neighbor returns the next node after self on the ring.
func (s *Server) neighbor() string {
	ring := s.ring()
	for i, id := range ring {
		if id == s.uuid {
			return ring[(i+1)%len(ring)]
		}
	}
	return s.uuid
}

// promoteMonitoringData broadcasts an observability snapshot; monitors fold
// these into their table, protocol peers ignore them.
func (s *Server) promoteMonitoringData() {
	clients := make([]string, 0, len(s.clients))
	for id := range s.clients {
		clients = append(clients, id)
	}
	sort.Strings(clients)

	s.bcast.Broadcast(protocol.Message{
		Intention:      protocol.MonitorMessage,
		Hostname:       s.hostname,
		IP:             s.ip,
		Port:           s.port,
		UUID:           s.uuid,
		Clients:        clients,
		ElectionActive: s.participating,
		Byzantine:      s.byzLeader != nil || s.byzMember != nil,
		State:          s.role.String(),
		Entries:        s.entries,
	})

	s.metrics.Entries.Set(float64(s.entries))
	s.metrics.GroupSize.Set(float64(len(s.groupView)))
	s.metrics.Clients.Set(float64(len(s.clients)))
}

// setLeader switches the role and swaps the heartbeat timer: leaders check,
// members send.
func (s *Server) setLeader(leader bool) {
	if s.hbStop != nil {
		close(s.hbStop)
	}
	stop := make(chan struct{})
	s.hbStop = stop

	if leader {
		s.role = RoleLeader
		s.currentLeader = s.uuid
		go s.tick(stop, HeartbeatTimeout+5*time.Second, evTickCheck)
	} else {
		s.role = RoleMember
		go s.tick(stop, HeartbeatTimeout, evTickSend)
	}
}

func (s *Server) tick(stop chan struct{}, interval time.Duration, kind eventKind) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			select {
			case s.events <- event{kind: kind}:
			case <-stop:
				return
			}
		}
	}
}

func (s *Server) shutdown() {
	slog.Info("shutting down")
	leaderAddr, haveLeader := s.groupView[s.currentLeader]

	s.bcast.Broadcast(protocol.Message{Intention: protocol.MonitorMessage, UUID: s.uuid, Leaving: true})

	if s.hbStop != nil {
		close(s.hbStop)
		s.hbStop = nil
	}

	bye := protocol.Message{Intention: protocol.ShutdownServer, UUID: s.uuid}
	if haveLeader && s.currentLeader != s.uuid {
		s.tcp.Send(bye, leaderAddr)
	} else {
		s.bcast.Broadcast(bye)
	}
}

// Snapshot reports the coordination state. Safe to call from any goroutine;
// the read crosses the dispatcher via the event queue.
type Snapshot struct {
	UUID          string `json:"uuid"`
	Role          string `json:"role"`
	Leader        string `json:"leader"`
	Entries       int    `json:"entries"`
	MaxEntries    int    `json:"max_entries"`
	Lock          string `json:"lock"`
	GroupSize     int    `json:"group_size"`
	Clients       int    `json:"clients"`
	Participating bool   `json:"election"`
	Byzantine     bool   `json:"byzantine"`
}

// Snapshot returns a consistent view of the server state.
func (s *Server) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	s.events <- event{kind: evSnapshot, reply: reply}
	return <-reply
}

func (s *Server) snapshotLocked() Snapshot {
	return Snapshot{
		UUID:          s.uuid,
		Role:          s.role.String(),
		Leader:        s.currentLeader,
		Entries:       s.entries,
		MaxEntries:    s.maxEntries,
		Lock:          s.lock.String(),
		GroupSize:     len(s.groupView),
		Clients:       len(s.clients),
		Participating: s.participating,
		Byzantine:     s.byzLeader != nil || s.byzMember != nil,
	}
}

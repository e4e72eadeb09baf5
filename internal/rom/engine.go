// Package rom implements reliable totally-ordered multicast: classic
// B-multicast flooding with NACK-based gap recovery on top of unordered UDP
// datagrams, combined with ISIS three-phase sequence agreement.
package rom

import (
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/Conni2461/admission-handler/internal/protocol"
)

// DeliverFunc receives payloads in the agreed total order. It runs on the
// caller of Handle, which must be the coordinator dispatcher.
type DeliverFunc func(protocol.Message)

type held struct {
	env  protocol.Envelope
	addr net.Addr
}

type pending struct {
	env    protocol.Envelope
	seq    int
	agreed bool
}

// Engine is one node's view of the ordered multicast group. It is not safe
// for concurrent use; every method must be called from the dispatcher.
type Engine struct {
	name string
	tr   Transport

	snumber  int
	rnumbers map[string]int
	view     protocol.GroupView

	received map[string]struct{}
	holdback map[string]held
	out      map[int]protocol.Envelope

	// ISIS agreement state for messages this node originated.
	outA        map[string]map[string]int
	viewBacklog map[string]protocol.GroupView

	deliverQueue map[string]*pending
	aq, pq       int

	paused      bool
	pausedAt    time.Time
	pausedQueue []protocol.Envelope

	deliver DeliverFunc
}

// NewEngine creates an engine for the node named by its uuid.
func NewEngine(name string, tr Transport, deliver DeliverFunc) *Engine {
	return &Engine{
		name:         name,
		tr:           tr,
		rnumbers:     map[string]int{name: 0},
		view:         protocol.GroupView{},
		received:     make(map[string]struct{}),
		holdback:     make(map[string]held),
		out:          make(map[int]protocol.Envelope),
		outA:         make(map[string]map[string]int),
		viewBacklog:  make(map[string]protocol.GroupView),
		deliverQueue: make(map[string]*pending),
		deliver:      deliver,
	}
}

// SetGroupView installs an immutable snapshot of the membership and
// re-checks every in-flight proposal collection: if the intersection of the
// view at send time and the new view is already covered, the round finishes
// now instead of waiting for a proposer that left.
func (e *Engine) SetGroupView(view protocol.GroupView) {
	e.view = copyView(view)
	for id, proposals := range e.outA {
		if e.completeProposal(id, proposals) {
			delete(e.outA, id)
			delete(e.viewBacklog, id)
		}
	}
}

// RegisterMember seeds sequence tracking for a node that just joined.
func (e *Engine) RegisterMember(id string) {
	if _, ok := e.rnumbers[id]; !ok {
		e.rnumbers[id] = 0
	}
}

// SyncState adopts a snapshot of the group's sequence numbers and pending
// messages, handed to a joiner by the leader.
func (e *Engine) SyncState(rnumbers map[string]int, deliverQueue map[string]protocol.Envelope) {
	for id, s := range rnumbers {
		e.rnumbers[id] = s
	}
	for id, env := range deliverQueue {
		if _, ok := e.deliverQueue[id]; !ok {
			e.deliverQueue[id] = &pending{env: env}
		}
	}
}

// RNumbers returns a copy of the per-sender contiguous receive counters.
func (e *Engine) RNumbers() map[string]int {
	out := make(map[string]int, len(e.rnumbers))
	for id, s := range e.rnumbers {
		out[id] = s
	}
	return out
}

// DeliverQueue returns the ordered-but-undelivered envelopes, for seeding a
// joiner.
func (e *Engine) DeliverQueue() map[string]protocol.Envelope {
	out := make(map[string]protocol.Envelope, len(e.deliverQueue))
	for id, p := range e.deliverQueue {
		out[id] = p.env
	}
	return out
}

// Paused reports whether payload traffic is quiesced.
func (e *Engine) Paused() bool { return e.paused }

// PausedFor returns how long the engine has been paused, zero when running.
func (e *Engine) PausedFor() time.Duration {
	if !e.paused {
		return 0
	}
	return time.Since(e.pausedAt)
}

// Send submits a payload for totally-ordered delivery to the group.
func (e *Engine) Send(msg protocol.Message) {
	m := msg
	e.submit(protocol.Envelope{Purpose: protocol.PurposeRealMsg, Msg: &m})
}

// Pause quiesces payload traffic. The stop marker itself is totally ordered
// so every replica pauses at the same cut.
func (e *Engine) Pause() {
	if !e.paused {
		slog.Info("pausing ordered multicast")
	}
	e.pauseLocal()
	e.submit(protocol.Envelope{Purpose: protocol.PurposeStop})
}

// Resume lifts the pause and distributes the reconciled counter value.
func (e *Engine) Resume(value int) {
	if e.paused {
		slog.Info("resuming ordered multicast", "value", value)
	}
	e.paused = false
	e.submit(protocol.Envelope{Purpose: protocol.PurposeResume, Value: value})
	e.flushPaused()
}

// ResumeLocal lifts the pause without touching the counter or the group,
// used when a stop marker's matching resume never arrived.
func (e *Engine) ResumeLocal() {
	if !e.paused {
		return
	}
	slog.Warn("resume never arrived, lifting pause locally", "paused_for", time.Since(e.pausedAt).String())
	e.paused = false
	e.flushPaused()
}

func (e *Engine) pauseLocal() {
	if !e.paused {
		e.paused = true
		e.pausedAt = time.Now()
	}
}

func (e *Engine) resumeLocal(value int) {
	e.paused = false
	e.flushPaused()
	e.deliver(protocol.Message{Intention: protocol.OMResult, Result: protocol.IntPtr(value)})
}

func (e *Engine) flushPaused() {
	queued := e.pausedQueue
	e.pausedQueue = nil
	for _, env := range queued {
		e.transmit(env)
	}
}

// submit injects transport fields into a fresh envelope and transmits it.
// Envelopes that already carry a sender are relays: they keep their id and
// skip proposal collection.
func (e *Engine) submit(env protocol.Envelope) {
	if env.Purpose == "" {
		env.Purpose = protocol.PurposeRealMsg
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Sender == "" {
		env.Original = e.name
		e.outA[env.ID] = make(map[string]int)
		e.viewBacklog[env.ID] = copyView(e.view)
	}

	if e.paused && env.Purpose != protocol.PurposeStop && env.Purpose != protocol.PurposeResume {
		e.pausedQueue = append(e.pausedQueue, env)
		return
	}
	e.transmit(env)
}

// transmit stamps the local sender identity and sequence number and emits
// one multicast datagram, retaining the envelope for NACK retransmission.
func (e *Engine) transmit(env protocol.Envelope) {
	env.Sender = e.name
	e.snumber++
	env.S = e.snumber
	e.out[e.snumber] = env
	if err := e.tr.Multicast(env); err != nil {
		slog.Warn("multicast send", "purpose", env.Purpose, "err", err)
	}
}

// Handle processes one received envelope. addr is the datagram's direct
// source; proposals and NACKs are unicast back to it.
func (e *Engine) Handle(env protocol.Envelope, addr net.Addr) {
	switch env.Purpose {
	case protocol.PurposePropSeq:
		e.collectProposal(env)
		return
	case protocol.PurposeNack:
		for _, s := range env.Nacks {
			if out, ok := e.out[s]; ok {
				if err := e.tr.Unicast(out, addr); err != nil {
					slog.Warn("nack retransmit", "seq", s, "err", err)
				}
			}
		}
		return
	}

	sender := env.Sender
	if _, ok := e.rnumbers[sender]; !ok {
		slog.Warn("envelope from unknown sender", "sender", sender)
		return
	}

	if _, seen := e.received[env.ID]; seen {
		// Duplicate via the flood; still advances the sequence window and
		// may unblock held successors.
		if env.S == e.rnumbers[sender]+1 {
			e.rnumbers[sender]++
			e.drainHoldback(sender)
		}
		return
	}
	e.received[env.ID] = struct{}{}
	if sender != e.name {
		// B-multicast flood: re-send under our own sequence number.
		// Receivers dedup on the envelope id.
		e.submit(env)
	}

	switch s := env.S; {
	case s == e.rnumbers[sender]+1:
		e.process(env, addr)
		e.drainHoldback(sender)
	case s <= e.rnumbers[sender]:
		slog.Debug("skipping stale envelope", "id", env.ID, "sender", sender, "seq", s)
	default:
		e.requestMissing(env, addr)
	}
}

// process consumes one in-sequence envelope.
func (e *Engine) process(env protocol.Envelope, addr net.Addr) {
	e.rnumbers[env.Sender]++

	switch env.Purpose {
	case protocol.PurposeRealMsg, protocol.PurposeStop, protocol.PurposeResume:
		e.proposeOrder(env, addr)
	case protocol.PurposeFinSeq:
		e.finalizeOrder(env)
	default:
		slog.Warn("envelope with unexpected purpose", "purpose", env.Purpose)
	}
}

func (e *Engine) drainHoldback(sender string) {
	for {
		next, ok := e.takeHeld(e.rnumbers[sender]+1, sender)
		if !ok {
			return
		}
		e.process(next.env, next.addr)
	}
}

func (e *Engine) takeHeld(s int, sender string) (held, bool) {
	for id, h := range e.holdback {
		if h.env.S == s && h.env.Sender == sender {
			delete(e.holdback, id)
			return h, true
		}
	}
	return held{}, false
}

// requestMissing parks an out-of-sequence envelope and NACKs every hole
// between the contiguous window and it.
func (e *Engine) requestMissing(env protocol.Envelope, addr net.Addr) {
	e.holdback[env.ID] = held{env: env, addr: addr}

	sender := env.Sender
	stop := false
	var nacks []int
	for s := e.rnumbers[sender] + 1; s < env.S; s++ {
		if h, ok := e.takeHeld(s, sender); ok {
			if !stop {
				e.process(h.env, h.addr)
			}
		} else {
			stop = true
			nacks = append(nacks, s)
		}
	}

	slog.Debug("requesting retransmission", "sender", sender, "nacks", nacks)
	nack := protocol.Envelope{
		Purpose: protocol.PurposeNack,
		ID:      uuid.NewString(),
		Nacks:   nacks,
	}
	if err := e.tr.Unicast(nack, addr); err != nil {
		slog.Warn("nack send", "err", err)
	}
}

// proposeOrder stores the envelope and unicasts a proposed sequence number
// back to the direct source.
func (e *Engine) proposeOrder(env protocol.Envelope, addr net.Addr) {
	e.pq = max(e.aq, e.pq) + 1
	e.deliverQueue[env.ID] = &pending{env: env, seq: e.pq}

	prop := protocol.Envelope{
		Purpose: protocol.PurposePropSeq,
		ID:      uuid.NewString(),
		Sender:  e.name,
		MesgID:  env.ID,
		PQ:      e.pq,
	}
	if err := e.tr.Unicast(prop, addr); err != nil {
		slog.Warn("proposal send", "mesg_id", env.ID, "err", err)
	}
}

// collectProposal records one member's proposal for a message we originated.
func (e *Engine) collectProposal(env protocol.Envelope) {
	proposals, ok := e.outA[env.MesgID]
	if !ok {
		return
	}
	proposals[env.Sender] = env.PQ
	if e.completeProposal(env.MesgID, proposals) {
		delete(e.outA, env.MesgID)
		delete(e.viewBacklog, env.MesgID)
	}
}

// completeProposal finishes an agreement round once every member present
// both at send time and now has proposed, multicasting the agreed sequence.
func (e *Engine) completeProposal(id string, proposals map[string]int) bool {
	prev := e.viewBacklog[id]
	for member := range prev {
		if _, still := e.view[member]; !still {
			continue
		}
		if _, proposed := proposals[member]; !proposed {
			return false
		}
	}

	a := 0
	for _, pq := range proposals {
		if pq > a {
			a = pq
		}
	}
	fin := protocol.Envelope{
		Purpose: protocol.PurposeFinSeq,
		ID:      uuid.NewString(),
		MesgID:  id,
		A:       a,
	}
	// Bypasses submit: the final sequence must go out even while paused.
	e.transmit(fin)
	return true
}

// finalizeOrder applies an agreed sequence number and delivers everything
// at the head of the total order.
func (e *Engine) finalizeOrder(env protocol.Envelope) {
	if env.A > e.aq {
		e.aq = env.A
	}
	p, ok := e.deliverQueue[env.MesgID]
	if !ok {
		if _, seen := e.received[env.MesgID]; !seen {
			slog.Warn("final sequence for unknown message", "mesg_id", env.MesgID)
		}
		return
	}
	p.seq = env.A
	p.agreed = true
	e.drainDeliverable()
}

// drainDeliverable delivers agreed messages while they are first in the
// order. An unagreed message with a smaller proposed sequence blocks
// delivery: its final sequence could still order it ahead.
func (e *Engine) drainDeliverable() {
	for {
		head := e.orderHead()
		if head == nil || !head.agreed {
			return
		}
		delete(e.deliverQueue, head.env.ID)
		e.handOver(head.env)
	}
}

// orderHead returns the queue entry first in (seq, original, id) order.
func (e *Engine) orderHead() *pending {
	var head *pending
	for _, p := range e.deliverQueue {
		if head == nil || less(p, head) {
			head = p
		}
	}
	return head
}

func less(a, b *pending) bool {
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	if a.env.Original != b.env.Original {
		return a.env.Original < b.env.Original
	}
	return a.env.ID < b.env.ID
}

func (e *Engine) handOver(env protocol.Envelope) {
	switch env.Purpose {
	case protocol.PurposeStop:
		e.pauseLocal()
	case protocol.PurposeResume:
		e.resumeLocal(env.Value)
	default:
		if env.Msg == nil {
			slog.Warn("ordered envelope without payload", "id", env.ID)
			return
		}
		e.deliver(*env.Msg)
	}
}

func copyView(view protocol.GroupView) protocol.GroupView {
	out := make(protocol.GroupView, len(view))
	for id, addr := range view {
		out[id] = addr
	}
	return out
}

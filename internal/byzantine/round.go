package byzantine

// Tally counts occurrences of values. Ties break toward the value seen
// first, matching the round's deterministic reconciliation.
type Tally struct {
	counts map[int]int
	order  []int
}

// NewTally returns an empty tally.
func NewTally() *Tally {
	return &Tally{counts: make(map[int]int)}
}

// Add counts one occurrence of v.
func (t *Tally) Add(v int) {
	if _, ok := t.counts[v]; !ok {
		t.order = append(t.order, v)
	}
	t.counts[v]++
}

// Top returns the plurality value.
func (t *Tally) Top() int {
	best := 0
	bestCount := -1
	for _, v := range t.order {
		if t.counts[v] > bestCount {
			best = v
			bestCount = t.counts[v]
		}
	}
	return best
}

// State tracks the lifecycle of one agreement round.
type State int

const (
	Started State = iota
	Finished
	Aborted
)

func (s State) String() string {
	switch s {
	case Started:
		return "started"
	case Finished:
		return "finished"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// LeaderRound is the initiating leader's view of a round: which members have
// reported and the tally of their decisions.
type LeaderRound struct {
	ID         string
	Responders map[string]struct{}
	Tally      *Tally
}

// NewLeaderRound starts tracking a fresh round.
func NewLeaderRound(id string) *LeaderRound {
	return &LeaderRound{
		ID:         id,
		Responders: make(map[string]struct{}),
		Tally:      NewTally(),
	}
}

// MemberRound is a participating member's view: the gathering tree for a
// group of n nodes.
type MemberRound struct {
	ID   string
	Tree *Tree
}

// NewMemberRound starts a member's round for a group of n nodes.
func NewMemberRound(id string, n int) *MemberRound {
	return &MemberRound{ID: id, Tree: NewTree(n)}
}

// Package byzantine implements the Lamport OM(f) oral-messages round used to
// cross-validate the replicated counter: an exponential
// information-gathering tree per member plus a tally cache for the leader.
package byzantine

// Node is one relayed value. List is the relay path, most recent relay
// first; children are keyed by the first uuid of their own list.
type Node struct {
	List     []string
	V        int
	Children []*Node
}

// Tree is the OM information-gathering tree for a group of n nodes. Depth is
// f+1 with f = floor((n-1)/3); the expected node count is
// 1 + sum_{i=1..f} prod_{j=1..i}(n-1-j).
type Tree struct {
	n      int
	height int
	max    int
	len    int
	head   *Node
}

// NewTree sizes a tree for a group of n nodes.
func NewTree(n int) *Tree {
	t := &Tree{n: n, height: (n-1)/3 + 1}
	prev := 1
	t.max = 1
	for i := 1; i < t.height; i++ {
		prev *= n - 1 - i
		t.max += prev
	}
	return t
}

// Push inserts a relayed value. The tree is filled purely additively: the
// parent is located by walking the list prefix from the back.
func (t *Tree) Push(list []string, v int) {
	t.len++
	node := &Node{List: list, V: v}
	if t.head == nil {
		t.head = node
		return
	}

	current := t.head
	for i := len(list) - 2; i >= 0; i-- {
		for _, child := range current.Children {
			if len(child.List) > 0 && child.List[0] == list[i] {
				current = child
				break
			}
		}
	}
	current.Children = append(current.Children, node)
}

// IsFull reports whether every expected relay has arrived.
func (t *Tree) IsFull() bool {
	return t.len == t.max
}

// Decide reduces the tree to the member's decision: the plurality over the
// per-level pluralities, computed leaves-first.
func (t *Tree) Decide() int {
	c := NewTally()
	for i := t.height - 1; i >= 0; i-- {
		c.Add(t.pluralityAtLevel(t.head, i))
	}
	return c.Top()
}

func (t *Tree) pluralityAtLevel(node *Node, level int) int {
	if level == 0 {
		return node.V
	}
	c := NewTally()
	c.Add(node.V)
	for _, child := range node.Children {
		c.Add(t.pluralityAtLevel(child, level-1))
	}
	return c.Top()
}

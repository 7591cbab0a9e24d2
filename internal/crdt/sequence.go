package crdt

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/chirino/memory-sync/internal/model"
)

// SeqNode is one character of a sequence. Origin is the element the
// character was inserted after.
type SeqNode struct {
	ID      ID     `json:"id"`
	Origin  ID     `json:"origin"`
	Value   string `json:"v"`
	Deleted bool   `json:"d,omitempty"`
}

// SequenceState is the serializable form of a Sequence, nodes sorted by ID.
type SequenceState struct {
	Nodes []SeqNode `json:"nodes"`
}

// Sequence is a replicated growable array. Elements form a tree rooted at
// Root; siblings are ordered by ID descending and the document is the
// pre-order walk of the tree. Deleted elements remain as tombstones.
type Sequence struct {
	nodes    map[ID]*SeqNode
	children map[ID][]ID
}

func NewSequence() *Sequence {
	return &Sequence{
		nodes:    map[ID]*SeqNode{},
		children: map[ID][]ID{},
	}
}

// SequenceFromState rebuilds a sequence, rejecting states whose elements
// reference origins that are not part of the state.
func SequenceFromState(st SequenceState) (*Sequence, error) {
	s := NewSequence()
	for _, n := range st.Nodes {
		if n.ID.IsRoot() {
			return nil, model.NewValidationError("sequence", "element with root id")
		}
		if utf8.RuneCountInString(n.Value) != 1 {
			return nil, model.NewValidationError("sequence", "element %s must hold exactly one character", n.ID)
		}
		if prev, ok := s.nodes[n.ID]; ok {
			if prev.Value != n.Value || prev.Origin != n.Origin {
				return nil, model.NewValidationError("sequence", "duplicate element %s with different content", n.ID)
			}
			prev.Deleted = prev.Deleted || n.Deleted
			continue
		}
		s.add(n)
	}
	for id, n := range s.nodes {
		if !n.Origin.IsRoot() {
			if _, ok := s.nodes[n.Origin]; !ok {
				return nil, model.NewValidationError("sequence", "element %s references unknown origin %s", id, n.Origin)
			}
		}
	}
	return s, nil
}

func (s *Sequence) add(n SeqNode) {
	node := n
	s.nodes[n.ID] = &node
	kids := s.children[n.Origin]
	// descending by id
	i, _ := slices.BinarySearchFunc(kids, n.ID, func(a, b ID) int { return b.Compare(a) })
	s.children[n.Origin] = slices.Insert(kids, i, n.ID)
}

// Has reports whether the element exists (deleted or not).
func (s *Sequence) Has(id ID) bool {
	_, ok := s.nodes[id]
	return ok
}

// Insert places text after the element identified by after. Characters get
// consecutive Lamport values starting at start.
func (s *Sequence) Insert(after ID, text string, start ID) ([]ID, error) {
	if !after.IsRoot() && !s.Has(after) {
		return nil, model.NewValidationError("after", "unknown element %s", after)
	}
	if text == "" {
		return nil, model.NewValidationError("text", "must not be empty")
	}
	ids := make([]ID, 0, utf8.RuneCountInString(text))
	clock := start.Lamport
	for range text {
		id := ID{Lamport: clock, User: start.User}
		if s.Has(id) {
			return nil, model.NewValidationError("lamport", "element %s already exists", id)
		}
		ids = append(ids, id)
		clock++
	}
	origin := after
	for i, r := range []rune(text) {
		s.add(SeqNode{ID: ids[i], Origin: origin, Value: string(r)})
		origin = ids[i]
	}
	return ids, nil
}

// Delete tombstones the given elements. Either every id is known and the
// sequence is changed, or an error is returned and nothing changes.
func (s *Sequence) Delete(ids []ID) error {
	for _, id := range ids {
		if !s.Has(id) {
			return model.NewValidationError("ids", "unknown element %s", id)
		}
	}
	for _, id := range ids {
		s.nodes[id].Deleted = true
	}
	return nil
}

// Merge folds other into s. The result is the union of elements with
// deletion flags OR-ed together.
func (s *Sequence) Merge(other *Sequence) error {
	for id, n := range other.nodes {
		if cur, ok := s.nodes[id]; ok {
			if cur.Value != n.Value || cur.Origin != n.Origin {
				return fmt.Errorf("element %s differs between replicas", id)
			}
			continue
		}
	}
	for _, n := range other.nodes {
		if cur, ok := s.nodes[n.ID]; ok {
			cur.Deleted = cur.Deleted || n.Deleted
			continue
		}
		s.add(*n)
	}
	return nil
}

// ordered returns every element in document order, tombstones included.
func (s *Sequence) ordered() []*SeqNode {
	out := make([]*SeqNode, 0, len(s.nodes))
	stack := make([]ID, 0, 16)
	pushKids := func(parent ID) {
		kids := s.children[parent]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	pushKids(Root)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, s.nodes[id])
		pushKids(id)
	}
	return out
}

// VisibleIDs returns the ids of non-deleted elements in document order.
func (s *Sequence) VisibleIDs() []ID {
	var ids []ID
	for _, n := range s.ordered() {
		if !n.Deleted {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// Text renders the visible document.
func (s *Sequence) Text() string {
	var b strings.Builder
	for _, n := range s.ordered() {
		if !n.Deleted {
			b.WriteString(n.Value)
		}
	}
	return b.String()
}

// MaxLamport returns the highest Lamport value of any element.
func (s *Sequence) MaxLamport() uint64 {
	var m uint64
	for id := range s.nodes {
		m = max(m, id.Lamport)
	}
	return m
}

func (s *Sequence) users(fn func(user string, lamport uint64)) {
	for id := range s.nodes {
		fn(id.User, id.Lamport)
	}
}

func (s *Sequence) Clone() *Sequence {
	c := NewSequence()
	for id, n := range s.nodes {
		node := *n
		c.nodes[id] = &node
	}
	for parent, kids := range s.children {
		c.children[parent] = slices.Clone(kids)
	}
	return c
}

func (s *Sequence) State() SequenceState {
	nodes := make([]SeqNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, *n)
	}
	slices.SortFunc(nodes, func(a, b SeqNode) int { return a.ID.Compare(b.ID) })
	return SequenceState{Nodes: nodes}
}

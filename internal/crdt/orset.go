package crdt

import (
	"slices"
	"strings"
)

// TagDot pairs a tag with the unique stamp of the add that introduced it.
type TagDot struct {
	Tag string `json:"tag"`
	Dot ID     `json:"dot"`
}

func compareDots(a, b TagDot) int {
	if c := strings.Compare(a.Tag, b.Tag); c != 0 {
		return c
	}
	return a.Dot.Compare(b.Dot)
}

// ORSetState is the serializable form of an ORSet.
type ORSetState struct {
	Adds    []TagDot `json:"adds"`
	Removed []TagDot `json:"removed"`
}

// ORSet is an add-wins observed-remove set. A remove only tombstones the
// add dots it has observed, so a concurrent add of the same tag survives.
type ORSet struct {
	adds    map[TagDot]struct{}
	removed map[TagDot]struct{}
}

func NewORSet() *ORSet {
	return &ORSet{adds: map[TagDot]struct{}{}, removed: map[TagDot]struct{}{}}
}

func ORSetFromState(st ORSetState) *ORSet {
	s := NewORSet()
	for _, d := range st.Adds {
		s.adds[d] = struct{}{}
	}
	for _, d := range st.Removed {
		s.removed[d] = struct{}{}
	}
	return s
}

func (s *ORSet) Add(tag string, dot ID) {
	s.adds[TagDot{Tag: tag, Dot: dot}] = struct{}{}
}

// Added reports whether dot is an observed add of tag, removed or not.
func (s *ORSet) Added(tag string, dot ID) bool {
	_, ok := s.adds[TagDot{Tag: tag, Dot: dot}]
	return ok
}

// Observed returns the live add dots for tag.
func (s *ORSet) Observed(tag string) []ID {
	var dots []ID
	for d := range s.adds {
		if d.Tag != tag {
			continue
		}
		if _, gone := s.removed[d]; !gone {
			dots = append(dots, d.Dot)
		}
	}
	slices.SortFunc(dots, ID.Compare)
	return dots
}

// Remove tombstones the given add dots of tag.
func (s *ORSet) Remove(tag string, dots []ID) {
	for _, dot := range dots {
		s.removed[TagDot{Tag: tag, Dot: dot}] = struct{}{}
	}
}

func (s *ORSet) Contains(tag string) bool {
	return len(s.Observed(tag)) > 0
}

// Values returns the present tags sorted.
func (s *ORSet) Values() []string {
	seen := map[string]struct{}{}
	for d := range s.adds {
		if _, gone := s.removed[d]; !gone {
			seen[d.Tag] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func (s *ORSet) Merge(other *ORSet) {
	for d := range other.adds {
		s.adds[d] = struct{}{}
	}
	for d := range other.removed {
		s.removed[d] = struct{}{}
	}
}

func (s *ORSet) users(fn func(user string, lamport uint64)) {
	for d := range s.adds {
		fn(d.Dot.User, d.Dot.Lamport)
	}
}

func (s *ORSet) Clone() *ORSet {
	c := NewORSet()
	c.Merge(s)
	return c
}

func (s *ORSet) State() ORSetState {
	st := ORSetState{Adds: make([]TagDot, 0, len(s.adds)), Removed: make([]TagDot, 0, len(s.removed))}
	for d := range s.adds {
		st.Adds = append(st.Adds, d)
	}
	for d := range s.removed {
		st.Removed = append(st.Removed, d)
	}
	slices.SortFunc(st.Adds, compareDots)
	slices.SortFunc(st.Removed, compareDots)
	return st
}

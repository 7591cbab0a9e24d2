package crdt

import (
	"maps"
	"slices"
)

// Register is one last-writer-wins metadata value.
type Register struct {
	Value   string `json:"value"`
	Deleted bool   `json:"deleted,omitempty"`
	Stamp   ID     `json:"stamp"`
}

// beats orders registers by stamp, falling back to content so that equal
// stamps still resolve identically on every replica.
func (r Register) beats(o Register) bool {
	if r.Stamp != o.Stamp {
		return lwwWins(r.Stamp, o.Stamp)
	}
	if r.Deleted != o.Deleted {
		return r.Deleted
	}
	return r.Value > o.Value
}

// LWWMapState is the serializable form of an LWWMap.
type LWWMapState struct {
	Entries map[string]Register `json:"entries"`
}

// LWWMap maps metadata keys to last-writer-wins registers.
type LWWMap struct {
	entries map[string]Register
}

func NewLWWMap() *LWWMap {
	return &LWWMap{entries: map[string]Register{}}
}

func LWWMapFromState(st LWWMapState) *LWWMap {
	m := NewLWWMap()
	for k, r := range st.Entries {
		m.put(k, r)
	}
	return m
}

func (m *LWWMap) put(key string, r Register) bool {
	cur, ok := m.entries[key]
	if ok && !r.beats(cur) {
		return false
	}
	m.entries[key] = r
	return true
}

// Set writes value under key if stamp beats the current register.
func (m *LWWMap) Set(key, value string, stamp ID) bool {
	return m.put(key, Register{Value: value, Stamp: stamp})
}

// Delete tombstones key if stamp beats the current register.
func (m *LWWMap) Delete(key string, stamp ID) bool {
	return m.put(key, Register{Deleted: true, Stamp: stamp})
}

func (m *LWWMap) Get(key string) (string, bool) {
	r, ok := m.entries[key]
	if !ok || r.Deleted {
		return "", false
	}
	return r.Value, true
}

// Values returns the live key/value pairs.
func (m *LWWMap) Values() map[string]string {
	out := map[string]string{}
	for k, r := range m.entries {
		if !r.Deleted {
			out[k] = r.Value
		}
	}
	return out
}

func (m *LWWMap) Keys() []string {
	return slices.Sorted(maps.Keys(m.Values()))
}

func (m *LWWMap) Merge(other *LWWMap) {
	for k, r := range other.entries {
		m.put(k, r)
	}
}

func (m *LWWMap) users(fn func(user string, lamport uint64)) {
	for _, r := range m.entries {
		fn(r.Stamp.User, r.Stamp.Lamport)
	}
}

func (m *LWWMap) Clone() *LWWMap {
	return &LWWMap{entries: maps.Clone(m.entries)}
}

func (m *LWWMap) State() LWWMapState {
	return LWWMapState{Entries: maps.Clone(m.entries)}
}

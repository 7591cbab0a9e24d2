package crdt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/chirino/memory-sync/internal/model"
)

// MemoryDocument is the rendered view of a memory.
type MemoryDocument struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Content       string            `json:"content"`
	Tags          []string          `json:"tags"`
	Metadata      map[string]string `json:"metadata"`
	VersionVector map[string]uint64 `json:"version_vector"`
	Collaborators []string          `json:"collaborator_set"`
	Deleted       bool              `json:"deleted,omitempty"`
	Clock         uint64            `json:"clock"`
	Digest        string            `json:"digest"`
}

// DocumentState is the full replicated state of a memory, used for
// snapshots and whole-document merges.
type DocumentState struct {
	ID            string            `json:"id"`
	Title         SequenceState     `json:"title"`
	Content       SequenceState     `json:"content"`
	Tags          ORSetState        `json:"tags"`
	Metadata      LWWMapState       `json:"metadata"`
	Clock         uint64            `json:"clock"`
	VersionVector map[string]uint64 `json:"version_vector"`
	Collaborators []string          `json:"collaborators"`
	Deleted       bool              `json:"deleted,omitempty"`
	DeletedBy     ID                `json:"deleted_by,omitzero"`
}

type document struct {
	mu            sync.Mutex
	id            string
	title         *Sequence
	content       *Sequence
	tags          *ORSet
	meta          *LWWMap
	clock         uint64
	vv            map[string]uint64
	collaborators map[string]struct{}
	deleted       bool
	deletedBy     ID
}

func newDocument(id string) *document {
	return &document{
		id:            id,
		title:         NewSequence(),
		content:       NewSequence(),
		tags:          NewORSet(),
		meta:          NewLWWMap(),
		vv:            map[string]uint64{},
		collaborators: map[string]struct{}{},
	}
}

func (d *document) sequence(field model.FieldName) *Sequence {
	if field == model.FieldTitle {
		return d.title
	}
	return d.content
}

// observe advances the Lamport clock and version vector past a stamp.
func (d *document) observe(user string, lamport uint64) {
	if user == "" {
		return
	}
	d.clock = max(d.clock, lamport)
	d.vv[user] = max(d.vv[user], lamport)
	d.collaborators[user] = struct{}{}
}

func (d *document) fieldState(field model.FieldName) FieldState {
	fs := FieldState{Field: field}
	switch field {
	case model.FieldTitle, model.FieldContent:
		st := d.sequence(field).State()
		fs.Sequence = &st
	case model.FieldTags:
		st := d.tags.State()
		fs.Tags = &st
	case model.FieldMetadata:
		st := d.meta.State()
		fs.Metadata = &st
	}
	return fs
}

// fieldHash hashes the rendered value of a field.
func (d *document) fieldHash(field model.FieldName) string {
	switch field {
	case model.FieldTitle, model.FieldContent:
		return hashString(d.sequence(field).Text())
	case model.FieldTags:
		return hashString(strings.Join(d.tags.Values(), "\x1f"))
	default:
		return hashJSON(d.meta.Values())
	}
}

// embeddingText is the text the embedding of a memory is computed from.
func (d *document) embeddingText() string {
	var b strings.Builder
	b.WriteString(d.title.Text())
	b.WriteString("\n\n")
	b.WriteString(d.content.Text())
	if tags := d.tags.Values(); len(tags) > 0 {
		b.WriteString("\n\ntags: ")
		b.WriteString(strings.Join(tags, ", "))
	}
	return b.String()
}

func (d *document) state() DocumentState {
	return DocumentState{
		ID:            d.id,
		Title:         d.title.State(),
		Content:       d.content.State(),
		Tags:          d.tags.State(),
		Metadata:      d.meta.State(),
		Clock:         d.clock,
		VersionVector: maps.Clone(d.vv),
		Collaborators: slices.Sorted(maps.Keys(d.collaborators)),
		Deleted:       d.deleted,
		DeletedBy:     d.deletedBy,
	}
}

func (d *document) snapshot() MemoryDocument {
	st := d.state()
	return MemoryDocument{
		ID:            d.id,
		Title:         d.title.Text(),
		Content:       d.content.Text(),
		Tags:          d.tags.Values(),
		Metadata:      d.meta.Values(),
		VersionVector: st.VersionVector,
		Collaborators: st.Collaborators,
		Deleted:       d.deleted,
		Clock:         d.clock,
		Digest:        hashJSON(st),
	}
}

// markDeleted records a soft delete. The flag is monotonic and the earliest
// stamp is kept, so concurrent deletes merge to the same state.
func (d *document) markDeleted(stamp ID) bool {
	if d.deleted && d.deletedBy.Compare(stamp) <= 0 {
		return false
	}
	d.deleted = true
	d.deletedBy = stamp
	return true
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hashJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// only plain data structures are hashed
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// verifiedMerge merges remote into a copy of local. With verify set, the
// result is re-merged with remote (idempotence) and compared with the merge
// in the opposite order (commutativity); any divergence is reported and
// local is left untouched.
func verifiedMerge[T any](local, remote T, clone func(T) T, merge func(dst, src T) error, state func(T) any, verify bool) (T, string, error) {
	merged := clone(local)
	if err := merge(merged, remote); err != nil {
		return merged, err.Error(), err
	}
	if !verify {
		return merged, "", nil
	}
	want := hashJSON(state(merged))
	again := clone(merged)
	if err := merge(again, remote); err != nil {
		return merged, "re-merge failed: " + err.Error(), err
	}
	if hashJSON(state(again)) != want {
		return merged, "merge is not idempotent", errDiverged
	}
	rev := clone(remote)
	if err := merge(rev, local); err != nil {
		return merged, "reverse merge failed: " + err.Error(), err
	}
	if hashJSON(state(rev)) != want {
		return merged, "merge is not commutative", errDiverged
	}
	return merged, "", nil
}

var errDiverged = errors.New("replica states diverged")

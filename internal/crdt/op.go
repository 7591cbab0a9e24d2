package crdt

import (
	"slices"

	"github.com/chirino/memory-sync/internal/model"
)

// OpKind tags the variant carried by an Op.
type OpKind string

const (
	OpInsert     OpKind = "insert"
	OpDelete     OpKind = "delete"
	OpReplace    OpKind = "replace"
	OpAddTag     OpKind = "add_tag"
	OpRemoveTag  OpKind = "remove_tag"
	OpSetMeta    OpKind = "set_meta"
	OpDeleteMeta OpKind = "delete_meta"
)

// Op is a local edit to one field. Positional fields (Pos, Length) are a
// convenience for editors; Apply resolves them into element ids so that the
// returned op replays identically.
type Op struct {
	Kind    OpKind `json:"kind"`
	User    string `json:"user"`
	Lamport uint64 `json:"lamport,omitempty"`

	// sequence fields
	After  *ID    `json:"after,omitempty"`
	Pos    *int   `json:"pos,omitempty"`
	Length int    `json:"length,omitempty"`
	Text   string `json:"text,omitempty"`
	IDs    []ID   `json:"ids,omitempty"`

	// tags
	Tag  string `json:"tag,omitempty"`
	Dots []ID   `json:"dots,omitempty"`

	// metadata
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

func (op Op) validate(field model.FieldName) error {
	if op.User == "" {
		return model.NewValidationError("user", "is required")
	}
	switch field {
	case model.FieldTitle, model.FieldContent:
		switch op.Kind {
		case OpInsert:
			if op.Text == "" {
				return model.NewValidationError("text", "insert requires text")
			}
			if op.After != nil && op.Pos != nil {
				return model.NewValidationError("after", "insert takes either after or pos")
			}
		case OpDelete:
			if len(op.IDs) == 0 && (op.Pos == nil || op.Length <= 0) {
				return model.NewValidationError("ids", "delete requires ids or pos and length")
			}
			if op.Length < 0 {
				return model.NewValidationError("length", "must not be negative")
			}
		case OpReplace:
		default:
			return model.NewValidationError("kind", "%q is not valid for field %s", op.Kind, field)
		}
	case model.FieldTags:
		if op.Kind != OpAddTag && op.Kind != OpRemoveTag {
			return model.NewValidationError("kind", "%q is not valid for field %s", op.Kind, field)
		}
		if op.Tag == "" {
			return model.NewValidationError("tag", "is required")
		}
	case model.FieldMetadata:
		if op.Kind != OpSetMeta && op.Kind != OpDeleteMeta {
			return model.NewValidationError("kind", "%q is not valid for field %s", op.Kind, field)
		}
		if op.Key == "" {
			return model.NewValidationError("key", "is required")
		}
	default:
		return model.NewValidationError("field", "unknown field %q", field)
	}
	if op.Pos != nil && *op.Pos < 0 {
		return model.NewValidationError("pos", "must not be negative")
	}
	if op.Lamport > MaxLamport-op.width() {
		return model.NewValidationError("lamport", "%d leaves no room for %d stamps below %d", op.Lamport, op.width(), MaxLamport)
	}
	stamps := append(slices.Clone(op.IDs), op.Dots...)
	if op.After != nil {
		stamps = append(stamps, *op.After)
	}
	return checkStamps("ids", stamps...)
}

// width is the number of Lamport values the op consumes.
func (op Op) width() uint64 {
	switch op.Kind {
	case OpInsert, OpReplace:
		if n := uint64(len([]rune(op.Text))); n > 0 {
			return n
		}
	}
	return 1
}

// FieldState is the full replicated state of one field. Exactly one of the
// variants is set, matching Field.
type FieldState struct {
	Field    model.FieldName `json:"field"`
	Sequence *SequenceState  `json:"sequence,omitempty"`
	Tags     *ORSetState     `json:"tags,omitempty"`
	Metadata *LWWMapState    `json:"metadata,omitempty"`
}

func (fs FieldState) validate(field model.FieldName) error {
	if fs.Field != "" && fs.Field != field {
		return model.NewValidationError("field", "state is for %s, not %s", fs.Field, field)
	}
	switch field {
	case model.FieldTitle, model.FieldContent:
		if fs.Sequence == nil || fs.Tags != nil || fs.Metadata != nil {
			return model.NewValidationError("state", "field %s requires a sequence state", field)
		}
	case model.FieldTags:
		if fs.Tags == nil || fs.Sequence != nil || fs.Metadata != nil {
			return model.NewValidationError("state", "field %s requires a tag set state", field)
		}
	case model.FieldMetadata:
		if fs.Metadata == nil || fs.Sequence != nil || fs.Tags != nil {
			return model.NewValidationError("state", "field %s requires a metadata state", field)
		}
	default:
		return model.NewValidationError("field", "unknown field %q", field)
	}
	return checkStamps("state", fs.stamps()...)
}

func (fs FieldState) stamps() []ID {
	var ids []ID
	if fs.Sequence != nil {
		for _, n := range fs.Sequence.Nodes {
			ids = append(ids, n.ID, n.Origin)
		}
	}
	if fs.Tags != nil {
		for _, d := range fs.Tags.Adds {
			ids = append(ids, d.Dot)
		}
		for _, d := range fs.Tags.Removed {
			ids = append(ids, d.Dot)
		}
	}
	if fs.Metadata != nil {
		for _, r := range fs.Metadata.Entries {
			ids = append(ids, r.Stamp)
		}
	}
	return ids
}

// Applied is the outcome of a local op: the op with every reference
// resolved and the field state after it.
type Applied struct {
	Op      Op         `json:"op"`
	State   FieldState `json:"state"`
	Changed bool       `json:"changed"`
}

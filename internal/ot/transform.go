package ot

import (
	"errors"
	"maps"
	"slices"

	"github.com/chirino/memory-sync/internal/model"
	"github.com/google/uuid"
)

// ErrNotComposable is returned by Compose for pairs it cannot fold.
var ErrNotComposable = errors.New("operations are not composable")

// createWins orders concurrent CREATEs: the smaller user wins, then the
// later timestamp, then the smaller operation id.
func createWins(a, b Operation) bool {
	if a.UserID != b.UserID {
		return a.UserID < b.UserID
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.OperationID < b.OperationID
}

// strengthWins orders concurrent strength changes: the higher strength wins,
// then the smaller user.
func strengthWins(a, b Operation) bool {
	sa, sb := *a.Payload.Strength, *b.Payload.Strength
	if sa != sb {
		return sa > sb
	}
	if a.UserID != b.UserID {
		return a.UserID < b.UserID
	}
	return a.OperationID < b.OperationID
}

// lwwWins orders concurrent writes of the same attribute: the later
// timestamp wins, then the smaller user.
func lwwWins(a, b Operation) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	if a.UserID != b.UserID {
		return a.UserID < b.UserID
	}
	return a.OperationID < b.OperationID
}

// Transform rewrites op so it can be applied after against, where both were
// generated from the same relationship state. For every pair,
// apply(apply(s, a), Transform(b, a)) equals apply(apply(s, b), Transform(a, b)).
func Transform(op, against Operation) Operation {
	if op.Type == OpNoop || against.Type == OpNoop || op.RelationshipID() != against.RelationshipID() {
		return op.clone()
	}
	switch {
	case against.Type == OpDelete:
		return op.noop()
	case op.Type == OpDelete:
		return op.clone()
	case op.Type == OpCreate && against.Type == OpCreate:
		if createWins(op, against) {
			return op.clone()
		}
		return op.noop()
	case op.Type == OpCreate:
		return op.clone()
	case against.Type == OpCreate:
		return op.noop()
	case op.Type != against.Type:
		return op.clone()
	}

	switch op.Type {
	case OpModifyStrength:
		if strengthWins(op, against) {
			return op.clone()
		}
		return op.noop()
	case OpModifyType:
		if lwwWins(op, against) {
			return op.clone()
		}
		return op.noop()
	case OpModifyMetadata:
		if lwwWins(op, against) {
			return op.clone()
		}
		// keep only the keys against does not touch
		out := op.clone()
		for _, k := range against.Payload.keys() {
			delete(out.Payload.Metadata, k)
			out.Payload.Unset = slices.DeleteFunc(out.Payload.Unset, func(u string) bool { return u == k })
		}
		if len(out.Payload.Metadata) == 0 && len(out.Payload.Unset) == 0 {
			return op.noop()
		}
		if len(out.Payload.Metadata) == 0 {
			out.Payload.Metadata = nil
		}
		if len(out.Payload.Unset) == 0 {
			out.Payload.Unset = nil
		}
		return out
	}
	return op.clone()
}

// TransformAll transforms op against a sequence of already applied
// operations, in order.
func TransformAll(op Operation, history []Operation) Operation {
	out := op.clone()
	for _, h := range history {
		out = Transform(out, h)
	}
	return out
}

func normalizeMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}

// Apply returns the state after op together with the attributes op
// replaced. Every call advances the version, including no-ops, so replicas
// that integrated the same operations agree on the version.
func Apply(s State, op Operation) (State, Attributes) {
	prior := s.attributes()
	next := s.clone()
	if next.ID == "" {
		next = newState(op.SourceMemoryID, op.TargetMemoryID)
	}
	next.Version++

	switch op.Type {
	case OpCreate:
		next.Exists = true
		next.Tombstoned = false
		next.Source = op.SourceMemoryID
		next.Target = op.TargetMemoryID
		next.Type = op.Payload.Type
		next.Strength = DefaultStrength
		if op.Payload.Strength != nil {
			next.Strength = *op.Payload.Strength
		}
		next.Metadata = normalizeMetadata(maps.Clone(op.Payload.Metadata))
		next.CreatedBy = Stamp{UserID: op.UserID, Timestamp: op.Timestamp, OperationID: op.OperationID}
	case OpDelete:
		next.Exists = true
		next.Tombstoned = true
		next.Source, next.Target, next.Type = "", "", ""
		next.Strength = 0
		next.Metadata = nil
		next.CreatedBy = Stamp{}
	case OpModifyStrength:
		if next.Live() {
			next.Strength = *op.Payload.Strength
		}
	case OpModifyType:
		if next.Live() {
			next.Type = op.Payload.Type
		}
	case OpModifyMetadata:
		if next.Live() {
			md := maps.Clone(next.Metadata)
			if md == nil {
				md = map[string]string{}
			}
			maps.Copy(md, op.Payload.Metadata)
			for _, k := range op.Payload.Unset {
				delete(md, k)
			}
			next.Metadata = normalizeMetadata(md)
		}
	}
	return next, prior
}

// Compose folds two sequential operations by the same user on the same
// relationship into one with the same effect on attributes.
func Compose(a, b Operation) (Operation, error) {
	if a.RelationshipID() != b.RelationshipID() || a.UserID != b.UserID {
		return Operation{}, ErrNotComposable
	}
	switch {
	case a.Type == OpNoop:
		return b.clone(), nil
	case b.Type == OpNoop:
		return a.clone(), nil
	case b.Type == OpDelete || b.Type == OpCreate:
		out := b.clone()
		out.BaseVersion = a.BaseVersion
		return out, nil
	case a.Type == OpDelete:
		// modifications of a tombstone have no effect
		return a.clone(), nil
	case a.Type == OpCreate:
		out := a.clone()
		switch b.Type {
		case OpModifyStrength:
			s := *b.Payload.Strength
			out.Payload.Strength = &s
		case OpModifyType:
			out.Payload.Type = b.Payload.Type
		case OpModifyMetadata:
			md := maps.Clone(out.Payload.Metadata)
			if md == nil {
				md = map[string]string{}
			}
			maps.Copy(md, b.Payload.Metadata)
			for _, k := range b.Payload.Unset {
				delete(md, k)
			}
			out.Payload.Metadata = normalizeMetadata(md)
		}
		return out, nil
	case a.Type == b.Type:
		out := b.clone()
		out.BaseVersion = a.BaseVersion
		if a.Type == OpModifyMetadata {
			set := maps.Clone(a.Payload.Metadata)
			if set == nil {
				set = map[string]string{}
			}
			unset := map[string]struct{}{}
			for _, k := range a.Payload.Unset {
				unset[k] = struct{}{}
			}
			for k, v := range b.Payload.Metadata {
				set[k] = v
				delete(unset, k)
			}
			for _, k := range b.Payload.Unset {
				delete(set, k)
				unset[k] = struct{}{}
			}
			out.Payload.Metadata = normalizeMetadata(set)
			out.Payload.Unset = nil
			if len(unset) > 0 {
				out.Payload.Unset = slices.Sorted(maps.Keys(unset))
			}
		}
		return out, nil
	}
	return Operation{}, ErrNotComposable
}

// Invert builds the operation that undoes op. The op must have been applied
// so that the attributes it replaced are known.
func Invert(op Operation) (Operation, error) {
	if op.Prior == nil {
		return Operation{}, model.NewValidationError("operation_id", "operation %s has not been applied", op.OperationID)
	}
	prior := *op.Prior
	inv := Operation{
		OperationID:    uuid.NewString(),
		SourceMemoryID: op.SourceMemoryID,
		TargetMemoryID: op.TargetMemoryID,
		UserID:         op.UserID,
		Timestamp:      op.Timestamp,
		Inverts:        op.OperationID,
	}
	restore := func() {
		inv.Type = OpCreate
		inv.SourceMemoryID, inv.TargetMemoryID = prior.Source, prior.Target
		s := prior.Strength
		inv.Payload = Payload{Type: prior.Type, Strength: &s, Metadata: maps.Clone(prior.Metadata)}
	}

	switch op.Type {
	case OpCreate:
		if prior.Live {
			restore()
		} else {
			inv.Type = OpDelete
		}
	case OpDelete:
		if prior.Live {
			restore()
		} else {
			inv.Type = OpNoop
		}
	case OpModifyStrength:
		if !prior.Live {
			inv.Type = OpNoop
			break
		}
		s := prior.Strength
		inv.Type = OpModifyStrength
		inv.Payload = Payload{Strength: &s}
	case OpModifyType:
		if !prior.Live {
			inv.Type = OpNoop
			break
		}
		inv.Type = OpModifyType
		inv.Payload = Payload{Type: prior.Type}
	case OpModifyMetadata:
		if !prior.Live {
			inv.Type = OpNoop
			break
		}
		inv.Type = OpModifyMetadata
		for _, k := range op.Payload.keys() {
			if v, ok := prior.Metadata[k]; ok {
				if inv.Payload.Metadata == nil {
					inv.Payload.Metadata = map[string]string{}
				}
				inv.Payload.Metadata[k] = v
			} else {
				inv.Payload.Unset = append(inv.Payload.Unset, k)
			}
		}
	default:
		inv.Type = OpNoop
	}
	return inv, nil
}

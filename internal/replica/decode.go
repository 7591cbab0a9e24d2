package replica

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/chirino/memory-sync/internal/crdt"
	"github.com/chirino/memory-sync/internal/model"
	"github.com/chirino/memory-sync/internal/ot"
	"github.com/google/uuid"
)

// fieldRecord is the logged form of a FIELD message. Op holds the resolved
// op so that replay does not depend on positions.
type fieldRecord struct {
	OpType    string           `json:"op_type"`
	Field     model.FieldName  `json:"field,omitempty"`
	Op        *crdt.Op         `json:"op,omitempty"`
	State     *crdt.FieldState `json:"state,omitempty"`
	DeletedBy *crdt.ID         `json:"deleted_by,omitempty"`
}

// relationshipPayload is the payload of a RELATIONSHIP message. The
// message's document_id is the source memory.
type relationshipPayload struct {
	OperationID    string `json:"operation_id,omitempty"`
	TargetMemoryID string `json:"target_memory_id"`
	BaseVersion    uint64 `json:"base_version,omitempty"`
	ot.Payload
}

func validateEnvelope(msg model.Message) error {
	if msg.DocumentID == "" {
		return model.NewValidationError("document_id", "is required")
	}
	if msg.UserID == "" {
		return model.NewValidationError("user_id", "is required")
	}
	switch msg.Component {
	case model.ComponentField, model.ComponentRelationship:
	default:
		return model.NewValidationError("component", "unknown component %q", msg.Component)
	}
	if msg.OpType == "" {
		return model.NewValidationError("op_type", "is required")
	}
	return nil
}

// decodeStrict decodes exactly one JSON value and rejects unknown fields.
func decodeStrict(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return model.NewValidationError("payload", "is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.NewValidationError("payload", "%v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return model.NewValidationError("payload", "unexpected data after the payload")
	}
	return nil
}

func emptyPayload(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "{}":
		return true
	}
	return false
}

func isOpKind(s string) bool {
	switch crdt.OpKind(s) {
	case crdt.OpInsert, crdt.OpDelete, crdt.OpReplace, crdt.OpAddTag, crdt.OpRemoveTag, crdt.OpSetMeta, crdt.OpDeleteMeta:
		return true
	}
	return false
}

// decodeField turns a FIELD message into the record that will be applied.
// op_type is APPLY, MERGE, DELETE_MEMORY or an op kind such as set_meta,
// which is shorthand for APPLY.
func decodeField(msg model.Message) (fieldRecord, error) {
	opType := msg.OpType
	var kind crdt.OpKind
	if isOpKind(opType) {
		kind = crdt.OpKind(opType)
		opType = model.FieldOpApply
	}
	rec := fieldRecord{OpType: opType, Field: msg.Field}

	switch opType {
	case model.FieldOpApply:
		if !msg.Field.IsValid() {
			return rec, model.NewValidationError("field", "unknown field %q", msg.Field)
		}
		var op crdt.Op
		if err := decodeStrict(msg.Payload, &op); err != nil {
			return rec, err
		}
		switch {
		case op.Kind == "":
			op.Kind = kind
		case kind != "" && op.Kind != kind:
			return rec, model.NewValidationError("kind", "payload kind %q does not match op_type %q", op.Kind, msg.OpType)
		}
		if op.Kind == "" {
			return rec, model.NewValidationError("kind", "is required")
		}
		switch op.User {
		case "":
			op.User = msg.UserID
		case msg.UserID:
		default:
			return rec, model.NewValidationError("user", "op user %q does not match message user %q", op.User, msg.UserID)
		}
		if op.Lamport == 0 {
			op.Lamport = msg.LogicalTimestamp
		}
		rec.Op = &op

	case model.FieldOpMerge:
		if !msg.Field.IsValid() {
			return rec, model.NewValidationError("field", "unknown field %q", msg.Field)
		}
		var st crdt.FieldState
		if err := decodeStrict(msg.Payload, &st); err != nil {
			return rec, err
		}
		if st.Field == "" {
			st.Field = msg.Field
		}
		rec.State = &st

	case model.FieldOpDeleteMemory:
		if !emptyPayload(msg.Payload) {
			return rec, model.NewValidationError("payload", "DELETE_MEMORY takes no payload")
		}
		rec.Field = ""
		rec.DeletedBy = &crdt.ID{Lamport: msg.LogicalTimestamp, User: msg.UserID}

	default:
		return rec, model.NewValidationError("op_type", "unknown field op type %q", msg.OpType)
	}
	return rec, nil
}

// decodeRelationship turns a RELATIONSHIP message into an operation.
func decodeRelationship(msg model.Message) (ot.Operation, error) {
	var p relationshipPayload
	if err := decodeStrict(msg.Payload, &p); err != nil {
		return ot.Operation{}, err
	}
	op := ot.Operation{
		OperationID:    p.OperationID,
		Type:           ot.OpType(msg.OpType),
		SourceMemoryID: msg.DocumentID,
		TargetMemoryID: p.TargetMemoryID,
		UserID:         msg.UserID,
		Timestamp:      msg.LogicalTimestamp,
		BaseVersion:    p.BaseVersion,
		Payload:        p.Payload,
	}
	if op.Type == ot.OpNoop {
		return ot.Operation{}, model.NewValidationError("op_type", "NOOP cannot be submitted")
	}
	if err := op.Validate(); err != nil {
		return ot.Operation{}, err
	}
	if op.OperationID == "" {
		op.OperationID = uuid.NewString()
	}
	return op, nil
}

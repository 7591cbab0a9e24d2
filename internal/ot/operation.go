// Package ot implements operational transformation for relationships
// between memories.
package ot

import (
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/chirino/memory-sync/internal/model"
	"github.com/google/uuid"
)

// OpType is the closed set of relationship operation kinds.
type OpType string

const (
	OpCreate         OpType = "CREATE"
	OpDelete         OpType = "DELETE"
	OpModifyStrength OpType = "MODIFY_STRENGTH"
	OpModifyType     OpType = "MODIFY_TYPE"
	OpModifyMetadata OpType = "MODIFY_METADATA"
	// OpNoop is produced by transformation; it is never accepted as input.
	OpNoop OpType = "NOOP"
)

// Status tracks an operation through integration.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusTransformed Status = "TRANSFORMED"
	StatusApplied     Status = "APPLIED"
	StatusRolledBack  Status = "ROLLED_BACK"
	StatusRejected    Status = "REJECTED"
)

// DefaultStrength is used when a CREATE carries no strength.
const DefaultStrength = 1.0

// relationshipNamespace scopes relationship ids.
var relationshipNamespace = uuid.MustParse("6f1c2a0e-93a4-4c39-9f0a-5b7d2c1e8a41")

// RelationshipID derives the identifier of the relationship between two
// memories. The result does not depend on direction.
func RelationshipID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return uuid.NewSHA1(relationshipNamespace, []byte(a+"\x1f"+b)).String()
}

// Payload carries the attribute values of an operation. Which fields are
// meaningful depends on the operation type.
type Payload struct {
	Type     string            `json:"type,omitempty"`
	Strength *float64          `json:"strength,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Unset    []string          `json:"unset,omitempty"`
}

func (p Payload) clone() Payload {
	out := Payload{Type: p.Type, Metadata: maps.Clone(p.Metadata), Unset: slices.Clone(p.Unset)}
	if p.Strength != nil {
		s := *p.Strength
		out.Strength = &s
	}
	return out
}

// keys returns every metadata key the payload touches.
func (p Payload) keys() []string {
	keys := slices.Collect(maps.Keys(p.Metadata))
	keys = append(keys, p.Unset...)
	slices.Sort(keys)
	return slices.Compact(keys)
}

// Attributes is the live content of a relationship.
type Attributes struct {
	Live     bool              `json:"live"`
	Source   string            `json:"source,omitempty"`
	Target   string            `json:"target,omitempty"`
	Type     string            `json:"type,omitempty"`
	Strength float64           `json:"strength,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Operation is a relationship operation.
type Operation struct {
	OperationID    string  `json:"operation_id"`
	Type           OpType  `json:"type"`
	SourceMemoryID string  `json:"source_memory_id"`
	TargetMemoryID string  `json:"target_memory_id"`
	UserID         string  `json:"user_id"`
	Timestamp      uint64  `json:"logical_timestamp"`
	BaseVersion    uint64  `json:"base_version,omitempty"`
	Payload        Payload `json:"payload"`

	Status Status `json:"status,omitempty"`
	// Version is the relationship version this operation produced.
	Version uint64 `json:"version,omitempty"`
	// Prior holds the attributes the operation replaced.
	Prior *Attributes `json:"prior,omitempty"`
	// Original is the type before transformation turned the op into a NOOP.
	Original OpType `json:"original,omitempty"`
	// Inverts names the operation this one rolls back.
	Inverts string `json:"inverts,omitempty"`
}

// RelationshipID returns the id of the relationship the operation targets.
func (o Operation) RelationshipID() string {
	return RelationshipID(o.SourceMemoryID, o.TargetMemoryID)
}

func (o Operation) clone() Operation {
	c := o
	c.Payload = o.Payload.clone()
	if o.Prior != nil {
		p := *o.Prior
		p.Metadata = maps.Clone(o.Prior.Metadata)
		c.Prior = &p
	}
	return c
}

// noop turns o into a no-op, remembering what it was.
func (o Operation) noop() Operation {
	c := o.clone()
	if c.Original == "" {
		c.Original = o.Type
	}
	c.Type = OpNoop
	c.Payload = Payload{}
	return c
}

// Validate checks the payload matches the operation type.
func (o Operation) Validate() error {
	if o.SourceMemoryID == "" || o.TargetMemoryID == "" {
		return model.NewValidationError("memory_id", "source and target are required")
	}
	if o.SourceMemoryID == o.TargetMemoryID {
		return model.NewValidationError("target_memory_id", "a memory cannot relate to itself")
	}
	if o.UserID == "" {
		return model.NewValidationError("user_id", "is required")
	}
	p := o.Payload
	switch o.Type {
	case OpCreate:
		if strings.TrimSpace(p.Type) == "" {
			return model.NewValidationError("payload.type", "CREATE requires a relationship type")
		}
		if p.Strength != nil {
			if err := validStrength(*p.Strength); err != nil {
				return err
			}
		}
		if len(p.Unset) > 0 {
			return model.NewValidationError("payload.unset", "not valid for CREATE")
		}
	case OpDelete:
		if p.Type != "" || p.Strength != nil || len(p.Metadata) > 0 || len(p.Unset) > 0 {
			return model.NewValidationError("payload", "DELETE takes no payload")
		}
	case OpModifyStrength:
		if p.Strength == nil {
			return model.NewValidationError("payload.strength", "is required")
		}
		if err := validStrength(*p.Strength); err != nil {
			return err
		}
		if p.Type != "" || len(p.Metadata) > 0 || len(p.Unset) > 0 {
			return model.NewValidationError("payload", "MODIFY_STRENGTH only takes strength")
		}
	case OpModifyType:
		if strings.TrimSpace(p.Type) == "" {
			return model.NewValidationError("payload.type", "is required")
		}
		if p.Strength != nil || len(p.Metadata) > 0 || len(p.Unset) > 0 {
			return model.NewValidationError("payload", "MODIFY_TYPE only takes type")
		}
	case OpModifyMetadata:
		if len(p.Metadata) == 0 && len(p.Unset) == 0 {
			return model.NewValidationError("payload.metadata", "set or unset is required")
		}
		for _, k := range p.Unset {
			if _, ok := p.Metadata[k]; ok {
				return model.NewValidationError("payload.unset", "key %q is both set and unset", k)
			}
		}
		if p.Type != "" || p.Strength != nil {
			return model.NewValidationError("payload", "MODIFY_METADATA only takes metadata")
		}
	default:
		return model.NewValidationError("type", "unknown operation type %q", o.Type)
	}
	return nil
}

func validStrength(s float64) error {
	if math.IsNaN(s) || s < 0 || s > 1 {
		return model.NewValidationError("payload.strength", "must be within [0,1], got %v", s)
	}
	return nil
}

// Stamp identifies the operation that created a relationship.
type Stamp struct {
	UserID      string `json:"user_id,omitempty"`
	Timestamp   uint64 `json:"logical_timestamp,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
}

// State is the materialized state of one relationship.
type State struct {
	ID         string            `json:"relationship_id"`
	Members    [2]string         `json:"members"`
	Source     string            `json:"source_memory_id,omitempty"`
	Target     string            `json:"target_memory_id,omitempty"`
	Type       string            `json:"type,omitempty"`
	Strength   float64           `json:"strength"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Version    uint64            `json:"version"`
	Tombstoned bool              `json:"tombstoned,omitempty"`
	Exists     bool              `json:"exists"`
	CreatedBy  Stamp             `json:"created_by,omitzero"`
}

// Live reports whether the relationship currently exists and is not deleted.
func (s State) Live() bool { return s.Exists && !s.Tombstoned }

func (s State) attributes() Attributes {
	if !s.Live() {
		return Attributes{}
	}
	return Attributes{
		Live:     true,
		Source:   s.Source,
		Target:   s.Target,
		Type:     s.Type,
		Strength: s.Strength,
		Metadata: maps.Clone(s.Metadata),
	}
}

func (s State) clone() State {
	c := s
	c.Metadata = maps.Clone(s.Metadata)
	return c
}

func newState(a, b string) State {
	if b < a {
		a, b = b, a
	}
	return State{ID: RelationshipID(a, b), Members: [2]string{a, b}}
}

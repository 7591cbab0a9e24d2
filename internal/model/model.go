package model

import (
	"encoding/json"
	"time"
)

// Component identifies which replication component owns an operation.
type Component string

const (
	ComponentField        Component = "FIELD"
	ComponentRelationship Component = "RELATIONSHIP"
)

// FieldName identifies one of the CRDT-backed fields of a memory document.
type FieldName string

const (
	FieldTitle    FieldName = "title"
	FieldContent  FieldName = "content"
	FieldTags     FieldName = "tags"
	FieldMetadata FieldName = "metadata"
)

// Fields lists every memory field in a stable order.
var Fields = []FieldName{FieldTitle, FieldContent, FieldTags, FieldMetadata}

// IsValid reports whether f names a known field.
func (f FieldName) IsValid() bool {
	switch f {
	case FieldTitle, FieldContent, FieldTags, FieldMetadata:
		return true
	}
	return false
}

// IsSequence reports whether the field is backed by a sequence CRDT.
func (f FieldName) IsSequence() bool {
	return f == FieldTitle || f == FieldContent
}

// IsEmbedded reports whether changes to the field affect the memory's embedding.
func (f FieldName) IsEmbedded() bool {
	return f == FieldTitle || f == FieldContent || f == FieldTags
}

// Field op types carried by inbound FIELD messages.
const (
	FieldOpApply        = "APPLY"
	FieldOpMerge        = "MERGE"
	FieldOpDeleteMemory = "DELETE_MEMORY"
)

// Message is the inbound operation envelope accepted by the replica.
type Message struct {
	DocumentID       string          `json:"document_id"`
	Component        Component       `json:"component"`
	OpType           string          `json:"op_type"`
	Field            FieldName       `json:"field,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	UserID           string          `json:"user_id"`
	LogicalTimestamp uint64          `json:"logical_timestamp"`
}

// OpLogRecord is one entry in the append-only operation log.
type OpLogRecord struct {
	SequenceNo int64           `json:"sequence_no"`
	Segment    int64           `json:"segment"`
	Timestamp  time.Time       `json:"timestamp"`
	Component  Component       `json:"component"`
	DocumentID string          `json:"document_id"`
	Operation  json.RawMessage `json:"operation"`
}

// Snapshot is a compaction baseline: all state folded up to SequenceNo.
type Snapshot struct {
	SequenceNo int64           `json:"sequence_no"`
	Segment    int64           `json:"segment"`
	CreatedAt  time.Time       `json:"created_at"`
	State      json.RawMessage `json:"state"`
}

// EmbeddingRecord tracks the derived vector of a memory and whether it
// reflects the current content.
type EmbeddingRecord struct {
	MemoryID          string    `json:"memory_id"`
	ContentHash       string    `json:"content_hash"`
	Vector            []float32 `json:"vector,omitempty"`
	Model             string    `json:"model,omitempty"`
	Stale             bool      `json:"stale"`
	LastSyncedVersion uint64    `json:"last_synced_version"`
	SyncedHash        string    `json:"synced_hash,omitempty"`
	Attempts          int       `json:"attempts"`
	LastError         string    `json:"last_error,omitempty"`
	NextAttemptAt     time.Time `json:"next_attempt_at,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// EventKind classifies outbound notifications.
type EventKind string

const (
	EventSnapshot     EventKind = "snapshot"
	EventRelationship EventKind = "relationship"
	EventResolution   EventKind = "resolution"
	EventEmbedding    EventKind = "embedding"
)

// Event is published on the outbound notification bus.
type Event struct {
	Kind       EventKind       `json:"kind"`
	DocumentID string          `json:"document_id"`
	Payload    json.RawMessage `json:"payload"`
	At         time.Time       `json:"at"`
}

package conflict

import (
	"encoding/json"
	"time"

	"github.com/chirino/memory-sync/internal/model"
)

// Origin is the component a conflict was observed in.
type Origin string

const (
	OriginField        Origin = "FIELD"
	OriginRelationship Origin = "RELATIONSHIP"
	OriginEmbedding    Origin = "EMBEDDING"
)

func (o Origin) valid() bool {
	switch o {
	case OriginField, OriginRelationship, OriginEmbedding:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

func (s Severity) rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	}
	return 0
}

type Strategy string

const (
	StrategyNative    Strategy = "AUTOMATIC_NATIVE"
	StrategyStrength  Strategy = "STRENGTH_PRIORITY"
	StrategyUser      Strategy = "USER_PRIORITY"
	StrategySelective Strategy = "SELECTIVE_MERGE"
	StrategyRollback  Strategy = "ROLLBACK_TO_LAST_KNOWN_GOOD"
)

// ParseStrategy accepts the strategy names used in configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyNative, StrategyStrength, StrategyUser, StrategySelective, StrategyRollback:
		return st, nil
	}
	switch s {
	case "native", "automatic-native":
		return StrategyNative, nil
	case "strength", "strength-priority":
		return StrategyStrength, nil
	case "user", "user-priority":
		return StrategyUser, nil
	case "selective", "selective-merge":
		return StrategySelective, nil
	case "rollback", "rollback-to-last-known-good":
		return StrategyRollback, nil
	}
	return "", model.NewValidationError("strategy", "unknown conflict strategy %q", s)
}

type Status string

const (
	StatusDetected  Status = "DETECTED"
	StatusResolving Status = "RESOLVING"
	StatusResolved  Status = "RESOLVED"
	StatusEscalated Status = "ESCALATED"
)

func (s Status) done() bool {
	return s == StatusResolved || s == StatusEscalated
}

// NoticeReview is attached to resolutions that fell back to the native merge.
const NoticeReview = "auto-resolved, review recommended"

// Change is one of the conflicting operations of a group.
type Change struct {
	OperationID string          `json:"operation_id"`
	UserID      string          `json:"user_id"`
	Timestamp   uint64          `json:"logical_timestamp"`
	Strength    float64         `json:"strength,omitempty"`
	Summary     string          `json:"summary,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Event reports conflicting changes observed by a component. Confidence is
// how sure the component's native merge is that its result is what the
// users meant, in [0, 1].
type Event struct {
	Origin     Origin   `json:"origin"`
	TargetID   string   `json:"target_id"`
	Field      string   `json:"field,omitempty"`
	Confidence float64  `json:"confidence"`
	Changes    []Change `json:"changes"`
}

// Group collects the conflicting changes made to one target.
type Group struct {
	ID         string    `json:"group_id"`
	Generation int       `json:"generation"`
	Origin     Origin    `json:"origin"`
	TargetID   string    `json:"target_id"`
	Field      string    `json:"field,omitempty"`
	Members    []Change  `json:"member_operations"`
	Confidence float64   `json:"confidence"`
	Severity   Severity  `json:"severity"`
	Strategy   Strategy  `json:"strategy,omitempty"`
	Status     Status    `json:"status"`
	DetectedAt time.Time `json:"detected_at"`
	Queued     int       `json:"queued,omitempty"`
}

// Resolution is the outcome of resolving a group.
type Resolution struct {
	GroupID    string   `json:"group_id"`
	Generation int      `json:"generation"`
	Origin     Origin   `json:"origin"`
	TargetID   string   `json:"target_id"`
	Field      string   `json:"field,omitempty"`
	Strategy   Strategy `json:"strategy"`
	Status     Status   `json:"status"`
	Severity   Severity `json:"severity"`
	Members    []Change `json:"member_operations"`
	// Chosen are the operations the resolution keeps.
	Chosen []string `json:"chosen,omitempty"`
	// Unchosen are recorded for audit but not applied.
	Unchosen []string `json:"unchosen,omitempty"`
	// TargetVersion is the target's version once the resolution was applied.
	TargetVersion uint64    `json:"target_version"`
	Notice        string    `json:"notice,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	ResolvedAt    time.Time `json:"resolved_at"`
}

func cloneGroup(g Group) Group {
	c := g
	c.Members = make([]Change, len(g.Members))
	copy(c.Members, g.Members)
	return c
}

func cloneResolution(r Resolution) Resolution {
	c := r
	c.Members = append([]Change(nil), r.Members...)
	c.Chosen = append([]string(nil), r.Chosen...)
	c.Unchosen = append([]string(nil), r.Unchosen...)
	return c
}

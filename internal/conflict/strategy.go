package conflict

import (
	"cmp"
	"context"
	"slices"

	"github.com/chirino/memory-sync/internal/model"
)

// Chooser asks a user which changes of a group to keep.
type Chooser interface {
	Choose(ctx context.Context, g Group) ([]string, error)
}

// decision is what a strategy picked, before it is applied.
type decision struct {
	chosen   []string
	unchosen []string
}

func memberIDs(members []Change) []string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.OperationID
	}
	return ids
}

// split keeps the winner and records the rest.
func split(members []Change, winner string) decision {
	d := decision{chosen: []string{winner}}
	for _, m := range members {
		if m.OperationID != winner {
			d.unchosen = append(d.unchosen, m.OperationID)
		}
	}
	return d
}

// strongest orders changes by strength, then by the smaller user, then by
// the later timestamp, then by operation id.
func strongest(members []Change) Change {
	return slices.MinFunc(members, func(a, b Change) int {
		if c := cmp.Compare(b.Strength, a.Strength); c != 0 {
			return c
		}
		if c := cmp.Compare(a.UserID, b.UserID); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Timestamp, a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.OperationID, b.OperationID)
	})
}

// priorityUser picks the change of the lexicographically smallest user,
// latest timestamp first for the same user.
func priorityUser(members []Change) Change {
	return slices.MinFunc(members, func(a, b Change) int {
		if c := cmp.Compare(a.UserID, b.UserID); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Timestamp, a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.OperationID, b.OperationID)
	})
}

func (c *Coordinator) decide(ctx context.Context, g Group) (decision, error) {
	if len(g.Members) == 0 {
		return decision{}, model.NewValidationError("member_operations", "group %s has no members", g.ID)
	}
	switch g.Strategy {
	case StrategyNative:
		return decision{chosen: memberIDs(g.Members)}, nil
	case StrategyStrength:
		return split(g.Members, strongest(g.Members).OperationID), nil
	case StrategyUser:
		return split(g.Members, priorityUser(g.Members).OperationID), nil
	case StrategyRollback:
		return decision{unchosen: memberIDs(g.Members)}, nil
	case StrategySelective:
		if c.chooser == nil {
			return decision{}, model.NewValidationError("strategy", "selective merge needs a chooser")
		}
		picked, err := c.chooser.Choose(ctx, g)
		if err != nil {
			return decision{}, err
		}
		return selection(g.Members, picked)
	}
	return decision{}, model.NewValidationError("strategy", "unknown strategy %q", g.Strategy)
}

// selection validates a user's choice against the group's members.
func selection(members []Change, picked []string) (decision, error) {
	if len(picked) == 0 {
		return decision{}, model.NewValidationError("chosen", "at least one change must be kept")
	}
	keep := map[string]bool{}
	for _, id := range picked {
		if !slices.ContainsFunc(members, func(m Change) bool { return m.OperationID == id }) {
			return decision{}, model.NewValidationError("chosen", "operation %s is not part of the group", id)
		}
		keep[id] = true
	}
	var d decision
	for _, m := range members {
		if keep[m.OperationID] {
			d.chosen = append(d.chosen, m.OperationID)
		} else {
			d.unchosen = append(d.unchosen, m.OperationID)
		}
	}
	return d, nil
}

package conflict

import (
	"context"
	"slices"
	"sync"

	"github.com/chirino/memory-sync/internal/model"
)

// PendingChoices is a Chooser fed by an external caller, typically the HTTP
// choice endpoint. Choose blocks until Submit delivers a choice for the
// group or ctx ends.
type PendingChoices struct {
	mu      sync.Mutex
	waiting map[string]chan []string
	early   map[string][]string
}

func NewPendingChoices() *PendingChoices {
	return &PendingChoices{
		waiting: map[string]chan []string{},
		early:   map[string][]string{},
	}
}

func (p *PendingChoices) Choose(ctx context.Context, g Group) ([]string, error) {
	p.mu.Lock()
	if ids, ok := p.early[g.ID]; ok {
		delete(p.early, g.ID)
		p.mu.Unlock()
		return ids, nil
	}
	ch := make(chan []string, 1)
	p.waiting[g.ID] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.waiting[g.ID] == ch {
			delete(p.waiting, g.ID)
		}
		p.mu.Unlock()
	}()
	select {
	case ids := <-ch:
		return ids, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit delivers the operation ids to keep for a group. A choice that
// arrives before the coordinator asks is held for the next Choose.
func (p *PendingChoices) Submit(groupID string, chosen []string) error {
	if len(chosen) == 0 {
		return model.NewValidationError("chosen", "at least one change must be kept")
	}
	chosen = slices.Clone(chosen)
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.waiting[groupID]; ok {
		delete(p.waiting, groupID)
		ch <- chosen
		return nil
	}
	p.early[groupID] = chosen
	return nil
}

// Waiting lists the groups blocked on a choice.
func (p *PendingChoices) Waiting() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.waiting))
	for id := range p.waiting {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

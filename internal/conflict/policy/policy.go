// Package policy evaluates the Rego policy that picks the resolution
// strategy of a conflict group.
//
// The policy lives in package memorysync.conflict and defines `strategy`.
// Its input is
//
//	{"group": <conflict group>, "default_strategy": "...", "medium_strategy": "..."}
//
// An empty or undefined strategy keeps the severity default.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/conflict"
	"github.com/open-policy-agent/opa/rego"
)

const query = "data.memorysync.conflict.strategy"

// DefaultRego resolves HIGH groups by selective merge and MEDIUM groups by
// the configured medium strategy.
const DefaultRego = `
package memorysync.conflict

import future.keywords.if

default strategy = ""

strategy = "SELECTIVE_MERGE" if {
    input.group.severity == "HIGH"
}

strategy = input.medium_strategy if {
    input.group.severity == "MEDIUM"
}
`

// Engine holds the prepared strategy policy. It is safe for concurrent use
// and may be swapped at runtime.
type Engine struct {
	medium conflict.Strategy

	mu    sync.RWMutex
	query *rego.PreparedEvalQuery
	src   string
}

// New prepares the policy in file, or DefaultRego when file is empty.
func New(ctx context.Context, file string, medium conflict.Strategy) (*Engine, error) {
	src := DefaultRego
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("conflict policy: read %s: %w", file, err)
		}
		src = string(data)
	}
	e := &Engine{medium: medium}
	if err := e.Replace(ctx, src); err != nil {
		return nil, err
	}
	return e, nil
}

func prepare(ctx context.Context, src string) (*rego.PreparedEvalQuery, error) {
	pq, err := rego.New(
		rego.Query(query),
		rego.Module("conflict.rego", src),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	return &pq, nil
}

// Replace compiles src and swaps it in. The running policy is kept when src
// does not compile.
func (e *Engine) Replace(ctx context.Context, src string) error {
	src = strings.TrimSpace(src)
	if src == "" {
		return fmt.Errorf("conflict policy: empty policy")
	}
	q, err := prepare(ctx, src)
	if err != nil {
		return fmt.Errorf("conflict policy: compile: %w", err)
	}
	e.mu.Lock()
	e.query, e.src = q, src
	e.mu.Unlock()
	log.Info("Conflict policy: loaded", "bytes", len(src))
	return nil
}

// Source returns the active policy text.
func (e *Engine) Source() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.src
}

// SelectStrategy implements conflict.StrategyPolicy.
func (e *Engine) SelectStrategy(ctx context.Context, g conflict.Group, fallback conflict.Strategy) (conflict.Strategy, error) {
	e.mu.RLock()
	q := *e.query
	e.mu.RUnlock()

	// rego wants plain JSON values
	raw, err := json.Marshal(g)
	if err != nil {
		return "", err
	}
	var group map[string]interface{}
	if err := json.Unmarshal(raw, &group); err != nil {
		return "", err
	}
	input := map[string]interface{}{
		"group":            group,
		"default_strategy": string(fallback),
		"medium_strategy":  string(e.medium),
	}
	results, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("conflict policy eval: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", nil
	}
	name, _ := results[0].Expressions[0].Value.(string)
	if name == "" {
		return "", nil
	}
	return conflict.ParseStrategy(name)
}

var _ conflict.StrategyPolicy = (*Engine)(nil)

package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/chirino/memory-sync/internal/conflict"
	"github.com/chirino/memory-sync/internal/conflict/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fieldsByUser = `
package memorysync.conflict

import future.keywords.if

default strategy = ""

strategy = "USER_PRIORITY" if {
    input.group.origin == "FIELD"
    input.group.severity == "MEDIUM"
}

strategy = "ROLLBACK_TO_LAST_KNOWN_GOOD" if {
    input.group.origin == "RELATIONSHIP"
    count(input.group.member_operations) > 2
}
`

func group(origin conflict.Origin, severity conflict.Severity, members int) conflict.Group {
	g := conflict.Group{ID: "g1", Origin: origin, TargetID: "t1", Severity: severity}
	for i := 0; i < members; i++ {
		g.Members = append(g.Members, conflict.Change{OperationID: string(rune('a' + i)), UserID: "u"})
	}
	return g
}

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	e, err := policy.New(ctx, "", conflict.StrategyStrength)
	require.NoError(t, err)

	cases := []struct {
		severity conflict.Severity
		want     conflict.Strategy
	}{
		{conflict.SeverityHigh, conflict.StrategySelective},
		{conflict.SeverityMedium, conflict.StrategyStrength},
		{conflict.SeverityLow, ""},
	}
	for _, tc := range cases {
		t.Run(string(tc.severity), func(t *testing.T) {
			got, err := e.SelectStrategy(ctx, group(conflict.OriginRelationship, tc.severity, 2), conflict.StrategyNative)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPolicyFromFile(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "conflict.rego")
	require.NoError(t, os.WriteFile(file, []byte(fieldsByUser), 0o600))

	e, err := policy.New(ctx, file, conflict.StrategyStrength)
	require.NoError(t, err)

	got, err := e.SelectStrategy(ctx, group(conflict.OriginField, conflict.SeverityMedium, 2), conflict.StrategyStrength)
	require.NoError(t, err)
	assert.Equal(t, conflict.StrategyUser, got)

	got, err = e.SelectStrategy(ctx, group(conflict.OriginRelationship, conflict.SeverityHigh, 3), conflict.StrategySelective)
	require.NoError(t, err)
	assert.Equal(t, conflict.StrategyRollback, got)

	got, err = e.SelectStrategy(ctx, group(conflict.OriginRelationship, conflict.SeverityHigh, 2), conflict.StrategySelective)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReplaceKeepsPolicyOnCompileError(t *testing.T) {
	ctx := context.Background()
	e, err := policy.New(ctx, "", conflict.StrategyStrength)
	require.NoError(t, err)

	require.Error(t, e.Replace(ctx, "package memorysync.conflict\nstrategy = {"))
	require.Error(t, e.Replace(ctx, "  "))
	assert.Contains(t, e.Source(), `"SELECTIVE_MERGE"`)

	require.NoError(t, e.Replace(ctx, fieldsByUser))
	assert.Contains(t, e.Source(), "USER_PRIORITY")
}

func TestUnknownStrategyIsAnError(t *testing.T) {
	ctx := context.Background()
	e, err := policy.New(ctx, "", conflict.StrategyStrength)
	require.NoError(t, err)
	require.NoError(t, e.Replace(ctx, `
package memorysync.conflict

strategy = "COIN_FLIP"
`))
	_, err = e.SelectStrategy(ctx, group(conflict.OriginField, conflict.SeverityMedium, 2), conflict.StrategyStrength)
	require.Error(t, err)
}

func TestMissingPolicyFile(t *testing.T) {
	_, err := policy.New(context.Background(), filepath.Join(t.TempDir(), "nope.rego"), conflict.StrategyStrength)
	require.Error(t, err)
}

func TestCoordinatorConsultsPolicy(t *testing.T) {
	ctx := context.Background()
	e, err := policy.New(ctx, "", conflict.StrategyStrength)
	require.NoError(t, err)
	require.NoError(t, e.Replace(ctx, fieldsByUser))

	cfg := conflict.DefaultConfig()
	cfg.Policy = e
	c := conflict.NewCoordinator(cfg, nil, nil)

	g, err := c.Detect(conflict.Event{
		Origin:     conflict.OriginField,
		TargetID:   "m1",
		Field:      "title",
		Confidence: 0.6,
		Changes: []conflict.Change{
			{OperationID: "op-1", UserID: "alice", Timestamp: 1},
			{OperationID: "op-2", UserID: "bob", Timestamp: 2},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, conflict.SeverityMedium, g.Severity)
	assert.Equal(t, conflict.StrategyUser, g.Strategy)

	// LOW groups always use the native merge
	g, err = c.Detect(conflict.Event{
		Origin:     conflict.OriginField,
		TargetID:   "m2",
		Field:      "title",
		Confidence: 0.95,
		Changes: []conflict.Change{
			{OperationID: "op-3", UserID: "alice", Timestamp: 1},
			{OperationID: "op-4", UserID: "bob", Timestamp: 2},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, conflict.StrategyNative, g.Strategy)
}

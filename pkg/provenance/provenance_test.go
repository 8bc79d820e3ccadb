package provenance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion-labs/cognigate/pkg/contracts"
	"github.com/vorion-labs/cognigate/pkg/store"
)

func testService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st)
}

func TestCreateFreshAgent(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	row, err := svc.Create(ctx, "agent-1", contracts.CreationFresh, "")
	require.NoError(t, err)
	assert.Zero(t, row.ScoreModifier)
	assert.NotEmpty(t, row.LineageHash)

	mod, err := svc.Modifier(ctx, "agent-1")
	require.NoError(t, err)
	assert.Zero(t, mod)
}

func TestModifierTable(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "root", contracts.CreationFresh, "")
	require.NoError(t, err)

	cases := []struct {
		agent    string
		typ      contracts.CreationType
		expected float64
	}{
		{"clone", contracts.CreationCloned, -50},
		{"evolved", contracts.CreationEvolved, +100},
		{"promoted", contracts.CreationPromoted, +150},
		{"imported", contracts.CreationImported, -100},
	}
	for _, tc := range cases {
		parent := ""
		if tc.typ == contracts.CreationCloned || tc.typ == contracts.CreationEvolved {
			parent = "root"
		}
		row, err := svc.Create(ctx, tc.agent, tc.typ, parent)
		require.NoError(t, err, tc.agent)
		assert.Equal(t, tc.expected, row.ScoreModifier, tc.agent)
	}
}

func TestDerivedAgentsRequireParent(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "orphan", contracts.CreationCloned, "")
	assert.True(t, contracts.IsValidation(err))

	_, err = svc.Create(ctx, "orphan", contracts.CreationEvolved, "no-such-parent")
	assert.True(t, contracts.IsValidation(err))
}

func TestSelfParentRejected(t *testing.T) {
	svc := testService(t)
	_, err := svc.Create(context.Background(), "narcissus", contracts.CreationCloned, "narcissus")
	assert.True(t, contracts.IsValidation(err))
}

func TestLineageWalk(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "gen0", contracts.CreationFresh, "")
	require.NoError(t, err)
	_, err = svc.Create(ctx, "gen1", contracts.CreationEvolved, "gen0")
	require.NoError(t, err)
	_, err = svc.Create(ctx, "gen2", contracts.CreationCloned, "gen1")
	require.NoError(t, err)

	chain, err := svc.Lineage(ctx, "gen2")
	require.NoError(t, err)
	assert.Equal(t, []string{"gen1", "gen0"}, chain)
}

func TestLineageHashChains(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	root, err := svc.Create(ctx, "gen0", contracts.CreationFresh, "")
	require.NoError(t, err)
	child, err := svc.Create(ctx, "gen1", contracts.CreationCloned, "gen0")
	require.NoError(t, err)

	// The child's hash must depend on the parent's.
	assert.NotEqual(t, root.LineageHash, child.LineageHash)
	assert.Equal(t, lineageHash("gen1", contracts.CreationCloned, root.LineageHash), child.LineageHash)
}

func TestUnknownCreationTypeRejected(t *testing.T) {
	svc := testService(t)
	_, err := svc.Create(context.Background(), "agent-1", contracts.CreationType("SPAWNED"), "")
	assert.True(t, contracts.IsValidation(err))
}

func TestModifierDefaultsToFresh(t *testing.T) {
	svc := testService(t)
	mod, err := svc.Modifier(context.Background(), "unregistered")
	require.NoError(t, err)
	assert.Zero(t, mod)
}

package challenge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questd/internal/domain"
)

var catalog = []domain.ChallengeDefinition{
	{ID: "walk", Weight: 3},
	{ID: "read", Weight: 1},
	{ID: "swim", Weight: 0},
}

func TestWeightedPolicyIsStablePerUserAndDay(t *testing.T) {
	p := WeightedPolicy{}
	in := SelectInput{UserID: "u1", Date: "2024-06-01", Definitions: catalog}

	first, err := p.Select(context.Background(), in)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := p.Select(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}
}

func TestWeightedPolicyAvoidsRecentDefinitions(t *testing.T) {
	p := WeightedPolicy{}
	hist := []domain.ChallengeAssignment{{DefinitionID: "walk"}, {DefinitionID: "read"}}
	for _, user := range []string{"a", "b", "c", "d", "e", "f"} {
		got, err := p.Select(context.Background(), SelectInput{UserID: user, Date: "2024-06-01", Definitions: catalog, History: hist})
		require.NoError(t, err)
		assert.Equal(t, "swim", got.ID)
	}

	// Everything is recent: fall back to the full catalog.
	hist = append(hist, domain.ChallengeAssignment{DefinitionID: "swim"})
	got, err := p.Select(context.Background(), SelectInput{UserID: "a", Date: "2024-06-01", Definitions: catalog, History: hist})
	require.NoError(t, err)
	assert.Contains(t, []string{"walk", "read", "swim"}, got.ID)
}

func TestWeightedPolicyFollowsWeights(t *testing.T) {
	p := WeightedPolicy{}
	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		got, err := p.Select(context.Background(), SelectInput{
			UserID:      "user-" + string(rune('A'+i%26)) + string(rune('a'+i/26%26)) + string(rune('0'+i/676)),
			Date:        "2024-06-01",
			Definitions: catalog,
		})
		require.NoError(t, err)
		counts[got.ID]++
	}
	// walk carries 3/5 of the weight.
	assert.Greater(t, counts["walk"], counts["read"])
	assert.Greater(t, counts["walk"], counts["swim"])
	assert.NotZero(t, counts["swim"])
}

func TestWeightedPolicyEmptyCatalog(t *testing.T) {
	_, err := WeightedPolicy{}.Select(context.Background(), SelectInput{UserID: "u"})
	assert.ErrorIs(t, err, ErrNoDefinitions)
}

func TestPolicyFunc(t *testing.T) {
	var p Policy = PolicyFunc(func(_ context.Context, in SelectInput) (domain.ChallengeDefinition, error) {
		return in.Definitions[len(in.Definitions)-1], nil
	})
	got, err := p.Select(context.Background(), SelectInput{Definitions: catalog})
	require.NoError(t, err)
	assert.Equal(t, "swim", got.ID)
}

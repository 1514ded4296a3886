package xref

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"assetql/internal/store"
	"assetql/internal/store/memory"
	"assetql/pkg/models"
)

func TestParseExistsIn(t *testing.T) {
	ref, rest, ok, err := ParseExistsIn(`exists_in(12, "success", 1, successful_entities) and labels == "x"`)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Reference{RunID: 12, Condition: "success", ActionIndex: 1, ResultKind: models.ResultSuccessful}, ref)
	assert.Equal(t, `labels == "x"`, rest)

	ref, rest, ok, err = ParseExistsIn(`exists_in(3, main, 0, unsuccessful_entities)`)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.ConditionMain, ref.Condition)
	assert.Equal(t, "", rest)
}

func TestParseExistsInAbsent(t *testing.T) {
	_, rest, ok, err := ParseExistsIn(`labels == "exists_in("`)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, `labels == "exists_in("`, rest)
}

func TestParseExistsInErrors(t *testing.T) {
	for _, q := range []string{
		`exists_in(1, main, 0`,
		`exists_in(1, main, 0)`,
		`exists_in(x, main, 0, successful_entities)`,
		`exists_in(1, main, y, successful_entities)`,
		`exists_in(1, main, 0, everything)`,
	} {
		_, _, ok, err := ParseExistsIn(q)
		assert.True(t, ok, q)
		assert.Error(t, err, q)
	}
}

func seed(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	run := models.EnforcementRun{PrettyID: 5, Result: models.RunResult{
		Main: &models.ActionResult{
			Successful:   models.ChunkRef{ChunkID: "run5-main-ok"},
			Unsuccessful: models.ChunkRef{ChunkID: "run5-main-fail"},
		},
		Success: []models.ActionResult{
			{Successful: models.ChunkRef{ChunkID: "run5-success-0"}},
		},
	}}
	require.NoError(t, s.Insert(ctx, store.RunsCollection, run))
	require.NoError(t, s.AppendChunk("run5-main-ok",
		bson.M{"internal_axon_id": "a"},
		bson.M{"internal_axon_id": "b"},
		bson.M{"internal_axon_id": "c"},
	))
	require.NoError(t, s.AppendChunk("run5-success-0", bson.M{"internal_axon_id": "z"}))
	return s
}

func TestResolve(t *testing.T) {
	s := seed(t)
	r := NewResolver(s, s)
	ctx := context.Background()

	ids, err := r.Resolve(ctx, Reference{RunID: 5, Condition: "main", ActionIndex: 9, ResultKind: models.ResultSuccessful})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	ids, err = r.Resolve(ctx, Reference{RunID: 5, Condition: "success", ActionIndex: 0, ResultKind: models.ResultSuccessful})
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, ids)
}

func TestResolveMissesAreEmpty(t *testing.T) {
	s := seed(t)
	r := NewResolver(s, s)
	ctx := context.Background()

	for _, ref := range []Reference{
		{RunID: 999999, Condition: "main", ResultKind: models.ResultSuccessful},
		{RunID: 5, Condition: "failure", ResultKind: models.ResultSuccessful},
		{RunID: 5, Condition: "success", ActionIndex: 3, ResultKind: models.ResultSuccessful},
		{RunID: 5, Condition: "success", ActionIndex: 0, ResultKind: models.ResultUnsuccessful},
		{RunID: 5, Condition: "main", ResultKind: models.ResultUnsuccessful},
	} {
		ids, err := r.Resolve(ctx, ref)
		require.NoError(t, err, ref.String())
		assert.Empty(t, ids, ref.String())
		assert.NotNil(t, ids, ref.String())
	}
}

type failingRuns struct{}

func (failingRuns) FindRunByPrettyID(context.Context, int64) (*models.EnforcementRun, error) {
	return nil, errors.New("connection refused")
}

func TestResolvePropagatesStoreErrors(t *testing.T) {
	r := NewResolver(failingRuns{}, memory.New())
	_, err := r.Resolve(context.Background(), Reference{RunID: 1, Condition: "main", ResultKind: models.ResultSuccessful})
	assert.Error(t, err)
}

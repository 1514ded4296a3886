package querylang

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func translate(t *testing.T, q string) bson.D {
	t.Helper()
	e, err := Parse(q)
	require.NoError(t, err)
	d, err := ToFilter(e)
	require.NoError(t, err)
	return d
}

func TestToFilterComparisons(t *testing.T) {
	cases := []struct {
		query string
		want  bson.D
	}{
		{`a == 3`, bson.D{{Key: "a", Value: int64(3)}}},
		{`a != "x"`, bson.D{{Key: "a", Value: bson.D{{Key: "$ne", Value: "x"}}}}},
		{`a >= 1.5`, bson.D{{Key: "a", Value: bson.D{{Key: "$gte", Value: 1.5}}}}},
		{`a in [1, 2]`, bson.D{{Key: "a", Value: bson.D{{Key: "$in", Value: bson.A{int64(1), int64(2)}}}}}},
		{`a == exists(true)`, bson.D{{Key: "a", Value: bson.D{{Key: "$exists", Value: true}}}}},
		{`a != exists(true)`, bson.D{{Key: "a", Value: bson.D{{Key: "$exists", Value: false}}}}},
		{`a == regex("x")`, bson.D{{Key: "a", Value: primitive.Regex{Pattern: "x"}}}},
		{`a != regex("x")`, bson.D{{Key: "a", Value: bson.D{{Key: "$not", Value: primitive.Regex{Pattern: "x"}}}}}},
		{`adapters == size(2)`, bson.D{{Key: "adapters", Value: bson.D{{Key: "$size", Value: int64(2)}}}}},
		{`adapters > size(2)`, bson.D{{Key: "adapters", Value: bson.D{{Key: "$gt", Value: bson.D{{Key: "$size", Value: int64(2)}}}}}}},
		{`a == date("2026-01-02")`, bson.D{{Key: "a", Value: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)}}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, translate(t, tc.query), tc.query)
	}
}

func TestToFilterCompound(t *testing.T) {
	got := translate(t, `a == 1 and (b == 2 or c == 3)`)
	assert.Equal(t, bson.D{{Key: "$and", Value: bson.A{
		bson.D{{Key: "a", Value: int64(1)}},
		bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "b", Value: int64(2)}},
			bson.D{{Key: "c", Value: int64(3)}},
		}}},
	}}}, got)
}

func TestToFilterNegation(t *testing.T) {
	assert.Equal(t,
		bson.D{{Key: "a", Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$eq", Value: "x"}}}}}},
		translate(t, `not (a == "x")`))
	assert.Equal(t,
		bson.D{{Key: "a", Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$gt", Value: int64(3)}}}}}},
		translate(t, `not (a > 3)`))
	assert.Equal(t,
		bson.D{{Key: "a", Value: bson.D{{Key: "$not", Value: primitive.Regex{Pattern: "x"}}}}},
		translate(t, `not (a == regex("x"))`))
	assert.Equal(t,
		bson.D{{Key: "$nor", Value: bson.A{bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "a", Value: int64(1)}},
			bson.D{{Key: "b", Value: int64(2)}},
		}}}}}},
		translate(t, `not (a == 1 or b == 2)`))
}

func TestToFilterConnectionTuple(t *testing.T) {
	d, err := ToFilter(ConnectionTupleExpr{ClientID: "c", PluginUniqueName: "p"})
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: ClientUsedField, Value: "c"}, {Key: PluginUniqueNameField, Value: "p"}}, d)
}

func TestToFilterRejectsUnexpandedLabel(t *testing.T) {
	e, err := Parse(`connection_label == "x"`)
	require.NoError(t, err)
	_, err = ToFilter(e)
	assert.ErrorIs(t, err, ErrUnexpandedLabel)
}

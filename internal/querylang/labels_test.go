package querylang

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assetql/pkg/models"
)

var testLabels = map[string][]models.ConnectionRef{
	"prod": {
		{ClientID: "aws-1", PluginUniqueName: "aws_adapter_0"},
		{ClientID: "esx-1", PluginUniqueName: "esx_adapter_0"},
	},
	"lab": {
		{ClientID: "aws-2", PluginUniqueName: "aws_adapter_0"},
	},
}

func TestExpandConnectionLabelEquality(t *testing.T) {
	e, err := Parse(`connection_label == "prod"`)
	require.NoError(t, err)

	expanded, err := ExpandConnectionLabels(e, testLabels)
	require.NoError(t, err)
	assert.Equal(t, OrExpr{Terms: []Expr{
		ConnectionTupleExpr{ClientID: "aws-1", PluginUniqueName: "aws_adapter_0"},
		ConnectionTupleExpr{ClientID: "esx-1", PluginUniqueName: "esx_adapter_0"},
	}}, expanded)
}

func TestExpandConnectionLabelIn(t *testing.T) {
	e, err := Parse(`specific_data.connection_label in ["lab", "prod", "lab"]`)
	require.NoError(t, err)

	expanded, err := ExpandConnectionLabels(e, testLabels)
	require.NoError(t, err)
	or, ok := expanded.(OrExpr)
	require.True(t, ok)
	assert.Len(t, or.Terms, 3)
}

func TestExpandConnectionLabelMissing(t *testing.T) {
	e, err := Parse(`connection_label == "nope"`)
	require.NoError(t, err)

	expanded, err := ExpandConnectionLabels(e, testLabels)
	require.NoError(t, err)
	assert.Equal(t, CompareExpr{Field: ClientUsedField, Op: OpIn, Value: List{}}, expanded)
}

func TestExpandConnectionLabelExists(t *testing.T) {
	e, err := Parse(`a == 1 and not (connection_label == exists(false))`)
	require.NoError(t, err)

	expanded, err := ExpandConnectionLabels(e, testLabels)
	require.NoError(t, err)
	and := expanded.(AndExpr)
	outer := and.Terms[1].(NotExpr)
	inner := outer.Term.(NotExpr)
	assert.Len(t, inner.Term.(OrExpr).Terms, 3)
}

func TestExpandConnectionLabelRejectsRange(t *testing.T) {
	e, err := Parse(`connection_label > "a"`)
	require.NoError(t, err)
	_, err = ExpandConnectionLabels(e, testLabels)
	assert.Error(t, err)
}

func TestContainsConnectionLabel(t *testing.T) {
	assert.True(t, ContainsConnectionLabel(`connection_label == "x"`))
	assert.False(t, ContainsConnectionLabel(`labels == "x"`))
}

func TestLiteralConnectionLabels(t *testing.T) {
	e, err := Parse(`a == 1 or not (connection_label == "prod")`)
	require.NoError(t, err)
	assert.Equal(t, OrExpr{Terms: []Expr{
		CompareExpr{Field: "a", Op: OpEq, Value: int64(1)},
		NotExpr{Term: CompareExpr{Field: "connection_label", Op: OpEq, Value: "prod"}},
	}}, LiteralConnectionLabels(e))
}

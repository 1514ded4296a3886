package view

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"assetql/pkg/models"
)

func storedEntity(t *testing.T) bson.M {
	t.Helper()
	gone := models.AdapterRecord{PluginName: "p2", PluginUniqueName: "p2_0", PendingDelete: true, Data: bson.M{"id": "z"}}
	e := models.Entity{
		InternalAxonID: "e1",
		Adapters: []models.AdapterRecord{
			{PluginName: "p1", PluginUniqueName: "p1_0", ClientUsed: "c1", Data: bson.M{"id": "a"}},
			{PluginName: "p1", PluginUniqueName: "p1_0", ClientUsed: "c2", Data: bson.M{"id": "b"}},
			gone,
		},
		Tags: []models.Tag{
			{Type: models.TagTypeAdapterData, Name: "p1", PluginName: "p1", Data: bson.M{"id": "t"}},
			models.NewLabel("critical"),
			{Type: models.TagTypeLabel, Name: "removed", Data: false},
			{Type: models.TagTypeData, Name: "notes", Data: bson.M{"owner": "ops"}},
			{Type: models.TagTypeData, Name: "cleared", Data: false},
		},
	}
	doc, err := e.Document()
	require.NoError(t, err)
	doc["accurate_for_datetime"] = "2026-10-16"
	return doc
}

func TestMaterialize(t *testing.T) {
	v, err := Materialize(storedEntity(t), false)
	require.NoError(t, err)

	assert.Equal(t, "e1", v.InternalAxonID)
	assert.Equal(t, []string{"critical"}, v.Labels)
	assert.Equal(t, []string{"p1", "p1"}, v.Adapters)
	assert.Len(t, v.SpecificData, 3)
	require.Len(t, v.GenericData, 1)
	assert.Equal(t, "notes", v.GenericData[0]["name"])
	assert.Equal(t, bson.M{"accurate_for_datetime": "2026-10-16"}, v.Extra)
	assert.NotContains(t, v.AdaptersData, "p2")
}

func TestMaterializeAlignment(t *testing.T) {
	v, err := Materialize(storedEntity(t), false)
	require.NoError(t, err)

	require.Len(t, v.AdaptersData["p1"], 3)
	require.Len(t, v.AdaptersMeta["p1"], 3)
	assert.Equal(t, "a", v.AdaptersData["p1"][0]["id"])
	assert.Equal(t, "c1", v.AdaptersMeta["p1"][0]["client_used"])
	assert.Equal(t, "b", v.AdaptersData["p1"][1]["id"])
	assert.Equal(t, "c2", v.AdaptersMeta["p1"][1]["client_used"])
	assert.Equal(t, "t", v.AdaptersData["p1"][2]["id"])
	assert.Equal(t, bson.M{}, v.AdaptersMeta["p1"][2])
}

func TestMaterializeNil(t *testing.T) {
	v, err := Materialize(nil, false)
	assert.NoError(t, err)
	assert.Nil(t, v)
}

func TestMaterializeMissingKeys(t *testing.T) {
	doc := bson.M{"internal_axon_id": "e2", "tags": bson.A{}}
	_, err := Materialize(doc, false)
	assert.Error(t, err)

	v, err := Materialize(doc, true)
	require.NoError(t, err)
	assert.Empty(t, v.Adapters)
	assert.Empty(t, v.SpecificData)
}

func TestMaterializeProjectedDocument(t *testing.T) {
	doc := bson.M{
		"internal_axon_id": "e3",
		"adapters": bson.A{
			bson.M{"plugin_name": "p1"},
		},
		"tags": bson.A{
			bson.M{"plugin_name": "p1", "data": bson.M{"hostname": "h"}},
			bson.M{"type": "label", "data": true},
		},
	}

	_, err := Materialize(doc, false)
	assert.Error(t, err)

	v, err := Materialize(doc, true)
	require.NoError(t, err)
	assert.Len(t, v.SpecificData, 2)
	assert.Empty(t, v.AdaptersData)
	assert.Empty(t, v.Labels)
	assert.Equal(t, []string{"p1"}, v.Adapters)
}

package viewjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"assetql/pkg/models"
)

func sampleViews() []*models.View {
	return []*models.View{
		{InternalAxonID: "e1", Adapters: []string{"aws_adapter"}, Labels: []string{"prod"},
			AdaptersData: map[string][]bson.M{"aws_adapter": {{"hostname": "h1"}}}},
		{InternalAxonID: "e2", Adapters: []string{}, Labels: []string{}},
	}
}

func TestWriterFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "views.jsonl")
	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteViews(sampleViews()))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var row map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		ids = append(ids, row["internal_axon_id"].(string))
	}
	assert.Equal(t, []string{"e1", "e2"}, ids)
}

func TestStreamWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamWriter(&buf)
	require.NoError(t, w.WriteViews(sampleViews()[:1]))
	require.NoError(t, w.Close())

	var row models.View
	require.NoError(t, json.Unmarshal(buf.Bytes(), &row))
	assert.Equal(t, "e1", row.InternalAxonID)
	assert.Equal(t, "h1", row.AdaptersData["aws_adapter"][0]["hostname"])
}

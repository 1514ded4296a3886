package compiler

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"assetql/internal/store"
	"assetql/internal/store/memory"
	"assetql/internal/xref"
	"assetql/pkg/models"
)

var fixedNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func adapter(plugin string, data bson.M) models.AdapterRecord {
	return models.AdapterRecord{PluginName: plugin, PluginUniqueName: plugin + "_0", Data: data}
}

func fixture(t *testing.T) (*Compiler, *memory.Store) {
	t.Helper()
	ctx := context.Background()
	s := memory.New()

	pending := adapter("aws_adapter", bson.M{"hostname": "abc"})
	pending.PendingDelete = true
	labelled := adapter("aws_adapter", bson.M{"hostname": "lbl"})
	labelled.ClientUsed = "c1"

	entities := []models.Entity{
		{InternalAxonID: "live", Adapters: []models.AdapterRecord{
			adapter("aws_adapter", bson.M{"hostname": "abc", "last_seen": fixedNow.Add(-48 * time.Hour)}),
			adapter("aws_adapter", bson.M{"hostname": "abc-old", "_old": true}),
		}, Tags: []models.Tag{models.NewLabel("critical")}},
		{InternalAxonID: "tagged", Tags: []models.Tag{{
			Type: models.TagTypeAdapterData, Name: "gui", PluginName: "gui", Data: bson.M{"hostname": "abc"},
		}}},
		{InternalAxonID: "pending", Adapters: []models.AdapterRecord{pending}},
		{InternalAxonID: "outdated", Adapters: []models.AdapterRecord{
			adapter("esx_adapter", bson.M{"hostname": "abc", "_old": true}),
		}},
		{InternalAxonID: "other", Adapters: []models.AdapterRecord{
			adapter("esx_adapter", bson.M{"hostname": "xyz", "last_seen": fixedNow.Add(-30 * 24 * time.Hour)}),
		}, Tags: []models.Tag{models.NewLabel("ignore")}},
		{InternalAxonID: "labelled", Adapters: []models.AdapterRecord{labelled}},
	}
	for _, e := range entities {
		require.NoError(t, s.Insert(ctx, store.EntitiesCollection, e))
	}

	require.NoError(t, s.Insert(ctx, store.RunsCollection, models.EnforcementRun{PrettyID: 5, Result: models.RunResult{
		Main: &models.ActionResult{Successful: models.ChunkRef{ChunkID: "run5"}},
	}}))
	require.NoError(t, s.AppendChunk("run5", bson.M{"internal_axon_id": "live"}, bson.M{"internal_axon_id": "other"}))

	s.SetConnectionLabel("prod", models.ConnectionRef{ClientID: "c1", PluginUniqueName: "aws_adapter_0"})

	c, err := New(10,
		WithResolver(xref.NewResolver(s, s)),
		WithLabels(s),
		WithClock(func() time.Time { return fixedNow }),
	)
	require.NoError(t, err)
	return c, s
}

func matching(t *testing.T, c *Compiler, s *memory.Store, query string) []string {
	t.Helper()
	ctx := context.Background()
	f, err := c.ParseFilter(ctx, query, nil)
	require.NoError(t, err, query)

	cur, err := s.Find(ctx, store.EntitiesCollection, f.Doc(), bson.D{{Key: "internal_axon_id", Value: 1}})
	require.NoError(t, err, query)
	var ids []string
	for cur.Next(ctx) {
		var doc bson.M
		require.NoError(t, cur.Decode(&doc))
		ids = append(ids, doc["internal_axon_id"].(string))
	}
	sort.Strings(ids)
	return ids
}

func TestSpecificDataCoversAdaptersAndTags(t *testing.T) {
	c, s := fixture(t)
	assert.Equal(t, []string{"live", "tagged"}, matching(t, c, s, `specific_data.data.hostname == "abc"`))
}

func TestOutdatedExclusion(t *testing.T) {
	c, s := fixture(t)
	assert.Empty(t, matching(t, c, s, `specific_data.data.hostname == "abc-old"`))
	assert.Equal(t, []string{"live"}, matching(t, c, s, `INCLUDE OUTDATED: specific_data.data.hostname == "abc-old"`))
	assert.Equal(t, []string{"live", "outdated", "tagged"},
		matching(t, c, s, `INCLUDE OUTDATED: specific_data.data.hostname == "abc"`))
}

func TestPendingDeleteNeverMatches(t *testing.T) {
	c, s := fixture(t)
	for _, q := range []string{
		`specific_data.data.hostname == "abc"`,
		`INCLUDE OUTDATED: specific_data.data.hostname == "abc"`,
		`adapters_data.aws_adapter.hostname == "abc"`,
	} {
		assert.NotContains(t, matching(t, c, s, q), "pending", q)
	}
}

func TestAdaptersData(t *testing.T) {
	c, s := fixture(t)
	assert.Equal(t, []string{"live"}, matching(t, c, s, `adapters_data.aws_adapter.hostname == "abc"`))
	assert.Empty(t, matching(t, c, s, `adapters_data.esx_adapter.hostname == "abc"`))
}

func TestAdapterCount(t *testing.T) {
	c, s := fixture(t)
	assert.Equal(t, []string{"labelled", "live"}, matching(t, c, s, `adapters_data.aws_adapter.adapter_count == 1`))
	assert.Empty(t, matching(t, c, s, `adapters_data.aws_adapter.adapter_count >= 2`))
	assert.Equal(t, []string{"labelled", "live"}, matching(t, c, s, `adapters_data.aws_adapter.adapter_count == exists(true)`))
	assert.Equal(t, []string{"labelled", "live"}, matching(t, c, s, `adapters_data.aws_adapter.adapter_count in [1, 3]`))
	assert.Contains(t, matching(t, c, s, `adapters_data.aws_adapter.adapter_count == exists(false)`), "pending")
}

func TestAdapterCountBoundary(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	outdated := adapter("count_adapter", bson.M{"_old": true})
	pending := adapter("count_adapter", bson.M{})
	pending.PendingDelete = true
	require.NoError(t, s.Insert(ctx, store.EntitiesCollection, models.Entity{InternalAxonID: "three", Adapters: []models.AdapterRecord{
		adapter("count_adapter", bson.M{}), adapter("count_adapter", bson.M{}), adapter("count_adapter", bson.M{}),
	}}))
	require.NoError(t, s.Insert(ctx, store.EntitiesCollection, models.Entity{InternalAxonID: "two", Adapters: []models.AdapterRecord{
		adapter("count_adapter", bson.M{}), adapter("count_adapter", bson.M{}), outdated, pending,
	}}))

	c, err := New(10)
	require.NoError(t, err)
	assert.Equal(t, []string{"three"}, matching(t, c, s, `adapters_data.count_adapter.adapter_count > 2`))
	assert.Equal(t, []string{"two"}, matching(t, c, s, `adapters_data.count_adapter.adapter_count == 2`))
	assert.Equal(t, []string{"three", "two"}, matching(t, c, s, `adapters_data.count_adapter.adapter_count >= 2`))
}

func TestNegatedAdapterPresence(t *testing.T) {
	c, s := fixture(t)
	want := []string{"other", "outdated", "pending", "tagged"}
	for _, q := range []string{
		`not (adapters == "aws_adapter")`,
		`adapters != "aws_adapter"`,
		`not (adapters in ["aws_adapter"])`,
		`NOT[adapters == "aws_adapter"]`,
	} {
		assert.Equal(t, want, matching(t, c, s, q), q)
	}
	assert.Equal(t, []string{"labelled", "live", "pending", "tagged"},
		matching(t, c, s, `not (adapters in ["esx_adapter"])`))
}

func TestAdaptersAndLabels(t *testing.T) {
	c, s := fixture(t)
	assert.Equal(t, []string{"labelled", "live"}, matching(t, c, s, `adapters == "aws_adapter"`))
	assert.Equal(t, []string{"other", "outdated"}, matching(t, c, s, `adapters in ["esx_adapter"]`))
	assert.Equal(t, []string{"live"}, matching(t, c, s, `adapters == size(2)`))
	assert.Equal(t, []string{"live"}, matching(t, c, s, `labels == "critical"`))
}

func TestNegation(t *testing.T) {
	c, s := fixture(t)
	assert.Equal(t, []string{"labelled", "other", "outdated", "pending"},
		matching(t, c, s, `not (specific_data.data.hostname == "abc")`))

	f, err := c.ParseFilter(context.Background(), `not (labels == "x") and specific_data.data.hostname != regex("^a")`, nil)
	require.NoError(t, err)
	assert.False(t, containsKey(f.Doc(), "$not"))
}

func TestRelativeDates(t *testing.T) {
	c, s := fixture(t)
	assert.Equal(t, []string{"live"}, matching(t, c, s, `specific_data.data.last_seen > NOW - 7d`))

	history := fixedNow.Add(-60 * 24 * time.Hour)
	f, err := c.ParseFilter(context.Background(), `specific_data.data.last_seen > NOW - 7d`, &history)
	require.NoError(t, err)
	cur, err := s.Find(context.Background(), store.EntitiesCollection, f.Doc(), nil)
	require.NoError(t, err)
	n := 0
	for cur.Next(context.Background()) {
		n++
	}
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, c.cacheLen())
}

func TestRelativeDateCachePurity(t *testing.T) {
	_, s := fixture(t)
	now := fixedNow.Add(-24 * time.Hour)
	c, err := New(10, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	for _, q := range []string{
		`specific_data.data.last_seen >= date(NOW - 1d)`,
		`specific_data.data.last_seen >= date("NOW - 1d")`,
	} {
		now = fixedNow.Add(-24 * time.Hour)
		early, err := c.ParseFilter(context.Background(), q, nil)
		require.NoError(t, err, q)
		assert.Equal(t, []string{"live"}, matching(t, c, s, q), q)

		now = fixedNow.Add(48 * time.Hour)
		late, err := c.ParseFilter(context.Background(), q, nil)
		require.NoError(t, err, q)
		assert.NotEqual(t, early.Doc(), late.Doc(), q)
		assert.Empty(t, matching(t, c, s, q), q)
	}
	assert.Equal(t, 0, c.cacheLen())

	a, err := c.ParseFilter(context.Background(), `specific_data.data.hostname == "NOW"`, nil)
	require.NoError(t, err)
	assert.Contains(t, a.String(), `"NOW"`)
	assert.Equal(t, 1, c.cacheLen())
}

func TestConnectionLabels(t *testing.T) {
	c, s := fixture(t)
	assert.Equal(t, []string{"labelled"}, matching(t, c, s, `connection_label == "prod"`))
	assert.Empty(t, matching(t, c, s, `connection_label == "staging"`))
	assert.Len(t, matching(t, c, s, `not (connection_label == "staging")`), 6)
	assert.Equal(t, 0, c.cacheLen())
}

func TestExistsIn(t *testing.T) {
	c, s := fixture(t)
	assert.Equal(t, []string{"live", "other"}, matching(t, c, s, `exists_in(5, main, 0, successful_entities)`))
	assert.Equal(t, []string{"live"}, matching(t, c, s, `exists_in(5, main, 0, successful_entities) and labels == "critical"`))
	assert.Empty(t, matching(t, c, s, `exists_in(999999, main, 0, successful_entities) and labels == "critical"`))

	f, err := c.ParseFilter(context.Background(), `exists_in(999999, main, 0, successful_entities) and labels == "critical"`, nil)
	require.NoError(t, err)
	doc := f.Doc()
	require.Equal(t, "$and", doc[0].Key)
	assert.Equal(t, bson.D{{Key: "internal_axon_id", Value: bson.D{{Key: "$in", Value: bson.A{}}}}}, doc[0].Value.(bson.A)[0])
}

type blockingResolver struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (r *blockingResolver) Resolve(ctx context.Context, ref xref.Reference) ([]string, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	r.entered <- struct{}{}
	<-r.release
	return []string{"live"}, nil
}

func TestExistsInResolvesOutsideCacheLock(t *testing.T) {
	r := &blockingResolver{entered: make(chan struct{}, 2), release: make(chan struct{})}
	c, err := New(10, WithResolver(r))
	require.NoError(t, err)
	ctx := context.Background()
	query := `exists_in(5, main, 0, successful_entities) and labels == "critical"`

	done := make(chan PhysicalFilter, 1)
	go func() {
		f, err := c.ParseFilter(ctx, query, nil)
		assert.NoError(t, err)
		done <- f
	}()
	<-r.entered

	other := make(chan error, 1)
	go func() {
		_, err := c.ParseFilter(ctx, `labels == "ignore"`, nil)
		other <- err
	}()
	select {
	case err := <-other:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("compile blocked while an exists_in reference was being resolved")
	}

	close(r.release)
	f := <-done
	assert.Equal(t, bson.D{{Key: "$and", Value: bson.A{
		bson.D{{Key: "internal_axon_id", Value: bson.D{{Key: "$in", Value: bson.A{"live"}}}}},
		bson.D{{Key: "tags.label_value", Value: "critical"}},
	}}}, f.Doc())
	assert.Equal(t, 2, c.cacheLen())

	_, err = c.ParseFilter(ctx, query, nil)
	require.NoError(t, err)
	<-r.entered
	r.mu.Lock()
	assert.Equal(t, 2, r.calls)
	r.mu.Unlock()
	assert.Equal(t, 2, c.cacheLen())
}

func TestEndToEndScenario(t *testing.T) {
	c, s := fixture(t)
	query := `INCLUDE OUTDATED: (specific_data.data.hostname == "abc") and not (labels == "ignore")`
	f, err := c.ParseFilter(context.Background(), query, nil)
	require.NoError(t, err)

	notPending := bson.E{Key: "pending_delete", Value: bson.D{{Key: "$ne", Value: true}}}
	want := bson.D{{Key: "$and", Value: bson.A{
		bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "adapters", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
				{Key: "data.hostname", Value: "abc"}, notPending,
			}}}}},
			bson.D{{Key: "tags", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
				{Key: "data.hostname", Value: "abc"}, {Key: "type", Value: "adapterdata"}, notPending,
			}}}}},
		}}},
		bson.D{{Key: "$nor", Value: bson.A{
			bson.D{{Key: "tags.label_value", Value: bson.D{{Key: "$eq", Value: "ignore"}}}},
		}}},
	}}}
	assert.Equal(t, want, f.Doc())
	assert.Equal(t, []string{"live", "outdated", "tagged"}, matching(t, c, s, query))
}

func TestCacheBehaviour(t *testing.T) {
	c, _ := fixture(t)
	ctx := context.Background()

	a, err := c.ParseFilter(ctx, `labels == "critical"`, nil)
	require.NoError(t, err)
	b, err := c.ParseFilter(ctx, `labels == "critical"`, nil)
	require.NoError(t, err)
	assert.Equal(t, a.Doc(), b.Doc())
	assert.Equal(t, 1, c.cacheLen())

	history := fixedNow
	_, err = c.ParseFilter(ctx, `labels == "critical"`, &history)
	require.NoError(t, err)
	assert.Equal(t, 2, c.cacheLen())

	_, err = c.ParseFilter(ctx, `labels == `, nil)
	assert.Error(t, err)
	assert.Equal(t, 2, c.cacheLen())
}

func TestCachedFilterIsImmutable(t *testing.T) {
	c, _ := fixture(t)
	ctx := context.Background()

	first, err := c.ParseFilter(ctx, `labels == "critical"`, nil)
	require.NoError(t, err)
	doc := first.Doc()
	doc[0].Value = "tampered"

	again, err := c.ParseFilter(ctx, `labels == "critical"`, nil)
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "tags.label_value", Value: "critical"}}, again.Doc())
}

func TestCacheEviction(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)
	ctx := context.Background()
	for _, q := range []string{`a == 1`, `a == 2`, `a == 3`} {
		_, err := c.ParseFilter(ctx, q, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.cacheLen())
}

func TestEmptyFilter(t *testing.T) {
	c, _ := fixture(t)
	f, err := c.ParseFilter(context.Background(), "  ", nil)
	require.NoError(t, err)
	assert.True(t, f.IsEmpty())
	assert.Equal(t, bson.D{}, f.Doc())
	assert.Equal(t, "{}", f.String())
	assert.Equal(t, 0, c.cacheLen())
}

func TestParseFilterNonEntities(t *testing.T) {
	c, _ := fixture(t)
	f, err := c.ParseFilterNonEntities(context.Background(), `name == "x" and not (connection_label == "y")`, nil)
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "$and", Value: bson.A{
		bson.D{{Key: "name", Value: "x"}},
		bson.D{{Key: "$nor", Value: bson.A{bson.D{{Key: "connection_label", Value: bson.D{{Key: "$eq", Value: "y"}}}}}}},
	}}}, f.Doc())
	assert.Equal(t, 1, c.cacheLen())

	_, err = c.ParseFilterNonEntities(context.Background(), `when > NOW`, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c.cacheLen())
}

func TestExistsInWithoutResolver(t *testing.T) {
	c, err := New(0)
	require.NoError(t, err)
	_, err = c.ParseFilter(context.Background(), `exists_in(1, main, 0, successful_entities)`, nil)
	assert.Error(t, err)
}

func containsKey(v interface{}, key string) bool {
	switch x := v.(type) {
	case bson.D:
		for _, e := range x {
			if e.Key == key || containsKey(e.Value, key) {
				return true
			}
		}
	case bson.A:
		for _, item := range x {
			if containsKey(item, key) {
				return true
			}
		}
	}
	return false
}

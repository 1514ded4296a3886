package viewhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assetql/pkg/models"
)

func views(ids ...string) []*models.View {
	out := make([]*models.View, 0, len(ids))
	for _, id := range ids {
		out = append(out, &models.View{InternalAxonID: id})
	}
	return out
}

func TestWriteViews(t *testing.T) {
	var (
		mu     sync.Mutex
		pages  []Page
		counts []string
		token  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Page
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		pages = append(pages, p)
		counts = append(counts, r.Header.Get(EntityCountHeader))
		token = r.Header.Get("X-Token")
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL, PageSize: 2, Headers: map[string]string{"X-Token": "t1"}})
	require.NoError(t, err)
	require.NoError(t, w.WriteViews(views("e1", "e2", "e3")))
	require.NoError(t, w.Close())

	assert.Equal(t, "t1", token)
	require.Len(t, pages, 2)
	assert.Equal(t, []string{"e1", "e2"}, pages[0].IDs)
	assert.Equal(t, []string{"e3"}, pages[1].IDs)
	require.Len(t, pages[1].Views, 1)
	assert.Equal(t, "e3", pages[1].Views[0].InternalAxonID)
	assert.Equal(t, []string{"2", "1"}, counts)
}

func TestWriteViewsStatus(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("index is read-only " + strings.Repeat("x", 2*maxErrorBody)))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL, PageSize: 1})
	require.NoError(t, err)
	err = w.WriteViews(views("e1", "e2", "e3"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "views 1-1")
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "index is read-only")
	assert.Less(t, len(err.Error()), 2*maxErrorBody)
	assert.Equal(t, 2, calls)

	assert.NoError(t, w.WriteViews(nil))

	_, err = NewWriter(Config{})
	assert.Error(t, err)
}

func TestNewWriterDefaults(t *testing.T) {
	w, err := NewWriter(Config{URL: "http://sink/views"})
	require.NoError(t, err)
	assert.Equal(t, defaultPageSize, w.pageSize)
	assert.Equal(t, 5*time.Second, w.client.Timeout)
}

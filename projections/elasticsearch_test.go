package projections

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/stretchr/testify/require"
)

type esRequest struct {
	Method string
	Path   string
	Body   string
}

func fakeElasticsearch(t *testing.T, existing map[string]bool) (*elasticsearch.Client, func() []esRequest) {
	t.Helper()

	var mu sync.Mutex
	var requests []esRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")

		if r.URL.Path == "/" {
			_, _ = w.Write([]byte(`{"version":{"number":"7.17.0","build_flavor":"default"},"tagline":"You Know, for Search"}`))
			return
		}

		mu.Lock()
		requests = append(requests, esRequest{Method: r.Method, Path: r.URL.Path, Body: string(body)})
		mu.Unlock()

		if r.Method == http.MethodHead {
			if existing[strings.TrimPrefix(r.URL.Path, "/")] {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
			return
		}
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)

	return client, func() []esRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]esRequest(nil), requests...)
	}
}

func TestEnsureIndicesCreatesMissing(t *testing.T) {
	client, requests := fakeElasticsearch(t, map[string]bool{"cqrs-events": true})
	x := NewElasticsearchIndexer(client, "cqrs", nil)

	require.NoError(t, x.EnsureIndices(context.Background()))

	var created []string
	for _, r := range requests() {
		if r.Method == http.MethodPut {
			created = append(created, r.Path)
		}
	}
	require.Equal(t, []string{"/cqrs-projections"}, created)
}

func TestIndexerIndexesEventAndProjections(t *testing.T) {
	ctx := context.Background()
	client, requests := fakeElasticsearch(t, nil)

	m := NewManager(0)
	require.NoError(t, m.Register(revenueProjection()))
	x := NewElasticsearchIndexer(client, "cqrs", m)

	ev := orderEvent("o-1", "OrderCreated", 1, 25)
	require.Empty(t, m.Apply(ctx, ev))
	require.NoError(t, x.Handle(ctx, ev))

	got := requests()
	require.Len(t, got, 2)
	require.Equal(t, "/cqrs-events/_doc/"+ev.ID, got[0].Path)
	require.Contains(t, got[0].Body, `"OrderCreated"`)
	require.Equal(t, "/cqrs-projections/_doc/revenue", got[1].Path)
	require.Contains(t, got[1].Body, `"total":25`)
	require.Contains(t, got[1].Body, `"position":1`)
}

func TestFormatIndex(t *testing.T) {
	require.Equal(t, "events", NewElasticsearchIndexer(nil, "", nil).FormatIndex(EventsIndex))
	require.Equal(t, "prod-events", NewElasticsearchIndexer(nil, "prod", nil).FormatIndex(EventsIndex))
}

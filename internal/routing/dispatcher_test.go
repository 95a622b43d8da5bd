package routing

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"rootcellar/internal/cachestore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, req *Request) (*Response, error)
}

func (f *countingFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func (f *countingFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingQueue struct {
	mu      sync.Mutex
	entries []string
}

func (q *recordingQueue) Enqueue(topic string, req *Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, topic+" "+req.Method+" "+req.URL.String())
	return nil
}

func okResponse(body string) *Response {
	return &Response{
		Status: 200,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
		Source: SourceNetwork,
	}
}

func newTestDispatcher(t *testing.T, rules []*Rule, fetch Fetcher, queue Enqueuer) (*Dispatcher, *cachestore.Store) {
	t.Helper()
	store, err := cachestore.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureNamespace("api", cachestore.Policy{}))
	require.NoError(t, store.EnsureNamespace("media", cachestore.Policy{}))

	if queue == nil {
		queue = &recordingQueue{}
	}
	d := NewDispatcher(NewTable(rules), store, fetch, queue, zap.NewNop())
	t.Cleanup(d.Close)
	return d, store
}

func networkFirstRule(timeout time.Duration) *Rule {
	ms, _ := ParseMatch("PathPrefix(/api/orders)")
	return &Rule{
		Name:           "orders-read",
		Matchers:       ms,
		Strategy:       NetworkFirst,
		Namespace:      "api",
		NetworkTimeout: timeout,
	}
}

func TestNoMatchPassesThrough(t *testing.T) {
	fetch := &countingFetcher{fn: func(ctx context.Context, req *Request) (*Response, error) {
		return okResponse("direct"), nil
	}}
	d, store := newTestDispatcher(t, nil, fetch, nil)

	resp, err := d.Dispatch(context.Background(), &Request{
		Method: "GET", URL: mustParse(t, "https://farm.example/about"), Header: http.Header{},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("direct"), resp.Body)
	assert.Equal(t, 1, fetch.Calls())
	assert.Equal(t, 0, store.Count("api"), "passthrough never writes the cache")
}

func TestNetworkFirst(t *testing.T) {
	req := func() *Request {
		return &Request{Method: "GET", URL: mustParse(t, "https://farm.example/api/orders/123"), Header: http.Header{}}
	}
	key := NewDescriptor("GET", req().URL).Key()

	t.Run("network wins and updates cache", func(t *testing.T) {
		fetch := &countingFetcher{fn: func(ctx context.Context, r *Request) (*Response, error) {
			return okResponse("fresh"), nil
		}}
		d, store := newTestDispatcher(t, []*Rule{networkFirstRule(time.Second)}, fetch, nil)

		resp, err := d.Dispatch(context.Background(), req())
		require.NoError(t, err)
		assert.Equal(t, []byte("fresh"), resp.Body)
		assert.Equal(t, SourceNetwork, resp.Source)

		ent, ok := store.Get("api", key)
		require.True(t, ok)
		assert.Equal(t, []byte("fresh"), ent.Body)
	})

	t.Run("timeout falls back to cache", func(t *testing.T) {
		fetch := &countingFetcher{fn: func(ctx context.Context, r *Request) (*Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		d, store := newTestDispatcher(t, []*Rule{networkFirstRule(20 * time.Millisecond)}, fetch, nil)
		require.NoError(t, store.Put("api", key, cachestore.Entry{Status: 200, Body: []byte("stale")}))

		resp, err := d.Dispatch(context.Background(), req())
		require.NoError(t, err)
		assert.Equal(t, []byte("stale"), resp.Body)
		assert.Equal(t, SourceCache, resp.Source)
	})

	t.Run("timeout with no cache propagates ErrTimeout", func(t *testing.T) {
		fetch := &countingFetcher{fn: func(ctx context.Context, r *Request) (*Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		d, _ := newTestDispatcher(t, []*Rule{networkFirstRule(20 * time.Millisecond)}, fetch, nil)

		_, err := d.Dispatch(context.Background(), req())
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("network failure falls back to cache", func(t *testing.T) {
		fetch := &countingFetcher{fn: func(ctx context.Context, r *Request) (*Response, error) {
			return nil, errors.New("connection refused")
		}}
		d, store := newTestDispatcher(t, []*Rule{networkFirstRule(time.Second)}, fetch, nil)
		require.NoError(t, store.Put("api", key, cachestore.Entry{Status: 200, Body: []byte("stale")}))

		resp, err := d.Dispatch(context.Background(), req())
		require.NoError(t, err)
		assert.Equal(t, []byte("stale"), resp.Body)
	})

	t.Run("network failure with no cache propagates", func(t *testing.T) {
		netErr := errors.New("connection refused")
		fetch := &countingFetcher{fn: func(ctx context.Context, r *Request) (*Response, error) {
			return nil, netErr
		}}
		d, _ := newTestDispatcher(t, []*Rule{networkFirstRule(time.Second)}, fetch, nil)

		_, err := d.Dispatch(context.Background(), req())
		assert.ErrorIs(t, err, netErr)
	})
}

func TestCacheFirst(t *testing.T) {
	ms, _ := ParseMatch("PathPrefix(/media)")
	rule := &Rule{Name: "media", Matchers: ms, Strategy: CacheFirst, Namespace: "media"}
	req := func() *Request {
		return &Request{Method: "GET", URL: mustParse(t, "https://farm.example/media/field.jpg"), Header: http.Header{}}
	}

	t.Run("miss fetches and stores", func(t *testing.T) {
		fetch := &countingFetcher{fn: func(ctx context.Context, r *Request) (*Response, error) {
			return okResponse("pixels"), nil
		}}
		d, store := newTestDispatcher(t, []*Rule{rule}, fetch, nil)

		resp, err := d.Dispatch(context.Background(), req())
		require.NoError(t, err)
		assert.Equal(t, SourceNetwork, resp.Source)
		assert.Equal(t, 1, store.Count("media"))

		// Second dispatch is a pure cache hit.
		resp, err = d.Dispatch(context.Background(), req())
		require.NoError(t, err)
		assert.Equal(t, SourceCache, resp.Source)
		assert.Equal(t, []byte("pixels"), resp.Body)
		assert.Equal(t, 1, fetch.Calls(), "hit must not touch the network")
	})

	t.Run("miss with network failure propagates", func(t *testing.T) {
		netErr := errors.New("offline")
		fetch := &countingFetcher{fn: func(ctx context.Context, r *Request) (*Response, error) {
			return nil, netErr
		}}
		d, _ := newTestDispatcher(t, []*Rule{rule}, fetch, nil)

		_, err := d.Dispatch(context.Background(), req())
		assert.ErrorIs(t, err, netErr)
	})
}

func TestStaleWhileRevalidate(t *testing.T) {
	ms, _ := ParseMatch("Host(cdn.example)")
	rule := &Rule{Name: "cdn", Matchers: ms, Strategy: StaleWhileRevalidate, Namespace: "media"}
	req := func() *Request {
		return &Request{Method: "GET", URL: mustParse(t, "https://cdn.example/fonts/inter.woff2"), Header: http.Header{}}
	}
	key := NewDescriptor("GET", req().URL).Key()

	t.Run("hit returns stale and refreshes in background", func(t *testing.T) {
		fetch := &countingFetcher{fn: func(ctx context.Context, r *Request) (*Response, error) {
			return okResponse("new-font"), nil
		}}
		d, store := newTestDispatcher(t, []*Rule{rule}, fetch, nil)
		require.NoError(t, store.Put("media", key, cachestore.Entry{Status: 200, Body: []byte("old-font")}))

		resp, err := d.Dispatch(context.Background(), req())
		require.NoError(t, err)
		assert.Equal(t, []byte("old-font"), resp.Body, "caller gets the stale value immediately")

		d.Close() // joins the background revalidation
		ent, ok := store.Get("media", key)
		require.True(t, ok)
		assert.Equal(t, []byte("new-font"), ent.Body)
	})

	t.Run("failed revalidation leaves entry and caller untouched", func(t *testing.T) {
		fetch := &countingFetcher{fn: func(ctx context.Context, r *Request) (*Response, error) {
			return nil, errors.New("cdn down")
		}}
		d, store := newTestDispatcher(t, []*Rule{rule}, fetch, nil)
		require.NoError(t, store.Put("media", key, cachestore.Entry{Status: 200, Body: []byte("old-font")}))

		resp, err := d.Dispatch(context.Background(), req())
		require.NoError(t, err)
		assert.Equal(t, []byte("old-font"), resp.Body)

		d.Close()
		ent, ok := store.Get("media", key)
		require.True(t, ok)
		assert.Equal(t, []byte("old-font"), ent.Body, "cache entry unchanged after failed revalidation")
	})

	t.Run("miss fetches and stores", func(t *testing.T) {
		fetch := &countingFetcher{fn: func(ctx context.Context, r *Request) (*Response, error) {
			return okResponse("new-font"), nil
		}}
		d, store := newTestDispatcher(t, []*Rule{rule}, fetch, nil)

		resp, err := d.Dispatch(context.Background(), req())
		require.NoError(t, err)
		assert.Equal(t, SourceNetwork, resp.Source)
		assert.Equal(t, 1, store.Count("media"))
	})
}

func TestNetworkOnlyEnqueuesOnFailure(t *testing.T) {
	ms, _ := ParseMatch("PathPrefix(/api/orders)")
	rule := &Rule{
		Name: "order-submit", Method: "POST", Matchers: ms, Strategy: NetworkOnly,
		Plugins: []Plugin{{Kind: PluginEnqueueOnFailure, Topic: "orders"}},
	}
	req := func() *Request {
		return &Request{Method: "POST", URL: mustParse(t, "https://farm.example/api/orders"),
			Header: http.Header{}, Body: []byte(`{"produce":"chard"}`)}
	}

	t.Run("success skips queue and cache", func(t *testing.T) {
		queue := &recordingQueue{}
		fetch := &countingFetcher{fn: func(ctx context.Context, r *Request) (*Response, error) {
			return okResponse("created"), nil
		}}
		d, store := newTestDispatcher(t, []*Rule{rule}, fetch, queue)

		resp, err := d.Dispatch(context.Background(), req())
		require.NoError(t, err)
		assert.Equal(t, []byte("created"), resp.Body)
		assert.Empty(t, queue.entries)
		assert.Equal(t, 0, store.Count("api"), "network-only never writes the cache")
	})

	t.Run("failure queues each attempt and surfaces ErrQueued", func(t *testing.T) {
		queue := &recordingQueue{}
		fetch := &countingFetcher{fn: func(ctx context.Context, r *Request) (*Response, error) {
			return nil, errors.New("connection refused")
		}}
		d, _ := newTestDispatcher(t, []*Rule{rule}, fetch, queue)

		for i := 0; i < 2; i++ {
			_, err := d.Dispatch(context.Background(), req())
			assert.ErrorIs(t, err, ErrQueued)
		}
		assert.Len(t, queue.entries, 2, "no coalescing: one entry per failed attempt")
	})

	t.Run("failure without plugin propagates plainly", func(t *testing.T) {
		bare := &Rule{Name: "auth", Method: "POST", Matchers: ms, Strategy: NetworkOnly}
		netErr := errors.New("connection refused")
		fetch := &countingFetcher{fn: func(ctx context.Context, r *Request) (*Response, error) {
			return nil, netErr
		}}
		d, _ := newTestDispatcher(t, []*Rule{bare}, fetch, nil)

		_, err := d.Dispatch(context.Background(), req())
		assert.ErrorIs(t, err, netErr)
		assert.NotErrorIs(t, err, ErrQueued)
	})
}

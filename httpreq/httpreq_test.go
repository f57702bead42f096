package httpreq

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ygrebnov/loom"
)

func TestFetch_SuccessfulGET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "1")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	resp, err := loom.Run(nil, func(tc *loom.Context) (*Response, error) {
		loop := tc.Loop()
		mgr := NewManager(loop, nil)
		loop.SetHTTPManager(mgr)
		return loom.AwaitCancellable(tc, mgr.Fetch(tc.Std(), srv.URL, Options{Timeout: time.Second}))
	})

	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "ok", string(resp.Body))
	require.Equal(t, "1", resp.Headers.Get("X-Test"))
}

func TestFetch_CacheHitAvoidsSecondRequest(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("cached-body"))
	}))
	defer srv.Close()

	cache := NewMemoryCache()
	cfg := DefaultCacheConfig(cache)

	_, err := loom.Run(nil, func(tc *loom.Context) (struct{}, error) {
		loop := tc.Loop()
		mgr := NewManager(loop, nil)
		loop.SetHTTPManager(mgr)

		for i := 0; i < 2; i++ {
			_, err := loom.AwaitCancellable(tc, mgr.Fetch(tc.Std(), srv.URL, Options{Cache: &cfg}))
			if err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})

	require.NoError(t, err)
	require.Equal(t, 1, hits, "the second fetch must be served from cache")
}

func TestFetch_NonRetryConfigSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	resp, err := loom.Run(nil, func(tc *loom.Context) (*Response, error) {
		loop := tc.Loop()
		mgr := NewManager(loop, nil)
		loop.SetHTTPManager(mgr)
		return loom.AwaitCancellable(tc, mgr.Fetch(tc.Std(), srv.URL, Options{}))
	})

	require.NoError(t, err, "without a Retry config, a non-2xx status is returned, not treated as an error")
	require.Equal(t, http.StatusInternalServerError, resp.Status)
}

func TestMemoryCache_GetSet(t *testing.T) {
	c := NewMemoryCache()
	_, ok := c.Get("missing")
	require.False(t, ok)

	c.Set("k", cacheEntry{Body: []byte("v"), Status: 200})
	e, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("v"), e.Body)
}

func TestCacheKey_IsStableAndContentAddressed(t *testing.T) {
	require.Equal(t, cacheKey("http://x"), cacheKey("http://x"))
	require.NotEqual(t, cacheKey("http://x"), cacheKey("http://y"))
}

package cachegate

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher(t *testing.T) {
	var got *http.Request
	var gotBody string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer origin.Close()

	f := NewHTTPFetcher(origin.URL+"/", nil)

	t.Run("get", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "http://proxy.local/api/products?page=2", nil)
		r.Header.Set("Accept-Encoding", "gzip, br")
		r.Header.Set("Proxy-Authorization", "secret")
		r.Header.Set("Authorization", "Bearer t")

		resp, err := f.Fetch(context.Background(), r)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, SourceNetwork, resp.Source)
		assert.Equal(t, `{"ok":true}`, string(resp.Body))
		assert.Equal(t, "11", resp.Header.Get("Content-Length"))
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		require.NotNil(t, got)
		assert.Equal(t, "/api/products?page=2", got.URL.RequestURI())
		assert.Equal(t, "identity", got.Header.Get("Accept-Encoding"))
		assert.Equal(t, "Bearer t", got.Header.Get("Authorization"))
		assert.Empty(t, got.Header.Get("Proxy-Authorization"))
		assert.NotEqual(t, "proxy.local", got.Host)
		assert.Empty(t, gotBody)
	})

	t.Run("post forwards body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(`{"sku":"a1"}`))
		r.Header.Set("Content-Type", "application/json")

		resp, err := f.Fetch(context.Background(), r)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, http.MethodPost, got.Method)
		assert.Equal(t, `{"sku":"a1"}`, gotBody)
		assert.Equal(t, int64(12), got.ContentLength)
	})

	t.Run("head keeps origin length", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodHead, "/api/products", nil)
		resp, err := f.Fetch(context.Background(), r)
		require.NoError(t, err)
		assert.Empty(t, resp.Body)
		assert.Equal(t, "11", resp.Header.Get("Content-Length"))
	})
}

func TestHTTPFetcherUnreachable(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	url := origin.URL
	origin.Close()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := NewHTTPFetcher(url, nil).Fetch(context.Background(), r)
	assert.Error(t, err)
}

func TestStripHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "close, X-Trace")
	h.Set("X-Trace", "abc")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Upgrade", "websocket")
	h.Set("Cache-Control", "max-age=60")

	out := stripHopByHop(h)
	assert.Equal(t, http.Header{"Cache-Control": {"max-age=60"}}, out)
	assert.Equal(t, "abc", h.Get("X-Trace"), "input is not modified")

	assert.NotNil(t, stripHopByHop(nil))
}

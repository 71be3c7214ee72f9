package cachegate

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"cachegate/internal/storage"
)

type fetchFunc func(ctx context.Context, r *http.Request) (*Response, error)

// fakeFetcher answers from fn and counts calls per request URI.
type fakeFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fn    fetchFunc
}

func newFakeFetcher(fn fetchFunc) *fakeFetcher {
	if fn == nil {
		fn = func(_ context.Context, r *http.Request) (*Response, error) {
			return textResponse(http.StatusOK, "origin "+r.URL.RequestURI()), nil
		}
	}
	return &fakeFetcher{calls: map[string]int{}, fn: fn}
}

func (f *fakeFetcher) Fetch(ctx context.Context, r *http.Request) (*Response, error) {
	f.mu.Lock()
	f.calls[r.URL.RequestURI()]++
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, r)
}

func (f *fakeFetcher) set(fn fetchFunc) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func (f *fakeFetcher) count(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[uri]
}

func offline(context.Context, *http.Request) (*Response, error) {
	return nil, errOffline
}

var errOffline = errors.New("dial tcp: connection refused")

func textResponse(status int, body string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &Response{Status: status, Header: h, Body: []byte(body), Source: SourceNetwork}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEngine struct {
	*Engine
	fetcher *fakeFetcher
	clock   *clock
	backend storage.Backend
}

const baseConfig = `
version: "1"
server:
  origin: http://shop.test
sweep:
  interval: 0s
`

func newTestEngine(t *testing.T, extra string) *testEngine {
	t.Helper()
	return newTestEngineWith(t, extra, storage.NewMemory())
}

func newTestEngineWith(t *testing.T, extra string, backend storage.Backend) *testEngine {
	t.Helper()
	cfg, err := ParseConfig([]byte(baseConfig + extra))
	require.NoError(t, err)

	f := newFakeFetcher(nil)
	clk := newClock()
	nop := zerolog.Nop()
	e, err := NewEngine(context.Background(), cfg, Options{
		Backend: backend,
		Fetcher: f,
		Logger:  &nop,
		Now:     clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return &testEngine{Engine: e, fetcher: f, clock: clk, backend: backend}
}

// activate installs the default manifest and takes over requests.
func (te *testEngine) activate(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, te.Install(ctx))
	require.NoError(t, te.ReleaseClients(ctx))
	require.Equal(t, StateActive, te.State())
}

func get(t *testing.T, te *testEngine, uri string) *Response {
	t.Helper()
	r, err := http.NewRequest(http.MethodGet, uri, nil)
	require.NoError(t, err)
	return te.Fetch(context.Background(), r)
}

func putEntry(t *testing.T, te *testEngine, kind storage.Kind, uri, body string, storedAt time.Time) {
	t.Helper()
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	err := te.stores[kind].Put(context.Background(), &storage.Entry{
		Key:      "GET " + uri,
		Status:   http.StatusOK,
		Header:   h,
		Body:     []byte(body),
		StoredAt: storedAt,
	})
	require.NoError(t, err)
}

package cachegate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachegate/internal/storage"
)

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestHandlerProxiesThroughEngine(t *testing.T) {
	te := newTestEngine(t, "")
	te.activate(t)
	h := te.Handler()

	rec := serve(h, http.MethodGet, "/api/products", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "origin /api/products", rec.Body.String())
	assert.Equal(t, SourceMiss, rec.Header().Get("X-Cachegate"))
	assert.Equal(t, "X-Cachegate", rec.Header().Get("Access-Control-Expose-Headers"))
	assert.Equal(t, "20", rec.Header().Get("Content-Length"))

	rec = serve(h, http.MethodGet, "/api/products", "")
	assert.Equal(t, SourceHit, rec.Header().Get("X-Cachegate"))

	rec = serve(h, http.MethodGet, "/", "")
	assert.Equal(t, "origin /", rec.Body.String())
	assert.Equal(t, SourceHit, rec.Header().Get("X-Cachegate"))
}

func TestHandlerRange(t *testing.T) {
	te := newTestEngine(t, "")
	te.activate(t)
	putEntry(t, te, storage.KindVideo, "/videos/intro.mp4", strings.Repeat("a", 1000), te.clock.Now())

	r := httptest.NewRequest(http.MethodGet, "/videos/intro.mp4", nil)
	r.Header.Set("Range", "bytes=200-299")
	rec := httptest.NewRecorder()
	te.Handler().ServeHTTP(rec, r)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 200-299/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, "100", rec.Header().Get("Content-Length"))
	assert.Equal(t, 100, rec.Body.Len())
	assert.Equal(t, SourceRange, rec.Header().Get("X-Cachegate"))
}

func TestHandlerMessages(t *testing.T) {
	te := newTestEngine(t, "")
	te.activate(t)
	h := te.Handler()
	putEntry(t, te, storage.KindImage, "/img/a.png", "png", te.clock.Now())

	rec := serve(h, http.MethodPost, "/__cachegate/messages", `{"type":"CLEAR_CACHE","store":"image"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, storeSize(t, te, storage.KindImage))

	rec = serve(h, http.MethodPost, "/__cachegate/messages", `{"type":"REBOOT"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown control message")

	rec = serve(h, http.MethodPost, "/__cachegate/messages", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodGet, "/__cachegate/messages", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandlerActivateMessage(t *testing.T) {
	te := newTestEngine(t, "")
	h := te.Handler()

	rec := serve(h, http.MethodPost, "/__cachegate/messages", `{"type":"ACTIVATE_NOW"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, StateInstalling, te.State())

	require.NoError(t, te.Install(context.Background()))
	assert.Equal(t, StateActive, te.State())
}

func TestHandlerStatsAndSweep(t *testing.T) {
	te := newTestEngine(t, "")
	te.activate(t)
	h := te.Handler()

	serve(h, http.MethodGet, "/api/products", "")
	serve(h, http.MethodGet, "/api/products", "")
	putEntry(t, te, storage.KindAPI, "/api/old", "old", te.clock.Now().Add(-2*time.Hour))

	rec := serve(h, http.MethodGet, "/__cachegate/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "1", st.Version)
	assert.Equal(t, "active", st.State)
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	require.Len(t, st.Stores, len(storage.Kinds))
	assert.Equal(t, "static-v1", st.Stores[0].Name)
	assert.Equal(t, 3, st.Stores[0].Entries)
	assert.Equal(t, "api-v1", st.Stores[1].Name)
	assert.Equal(t, 2, st.Stores[1].Entries)

	rec = serve(h, http.MethodPost, "/__cachegate/sweep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":1}`, rec.Body.String())
}

func TestEnsureExposedHeader(t *testing.T) {
	h := make(http.Header)
	h.Set("Access-Control-Expose-Headers", "ETag, X-Request-Id")
	setStatusHeaders(h, SourceHit)
	assert.Equal(t, "ETag, X-Request-Id, X-Cachegate", h.Get("Access-Control-Expose-Headers"))

	setStatusHeaders(h, SourceMiss)
	assert.Equal(t, "ETag, X-Request-Id, X-Cachegate", h.Get("Access-Control-Expose-Headers"))
	assert.Equal(t, SourceMiss, h.Get("X-Cachegate"))
}

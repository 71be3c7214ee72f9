package cachegate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"cachegate/internal/storage"
)

const rootKey = "GET /"

func cacheKey(r *http.Request) string {
	return http.MethodGet + " " + r.URL.RequestURI()
}

// Fetch answers r through the engine. It never fails: network and cache
// trouble are turned into cached or synthesized fallbacks.
func (e *Engine) Fetch(ctx context.Context, r *http.Request) *Response {
	if r.Method != http.MethodGet || !e.Active() {
		resp := e.passthrough(ctx, r)
		e.stats.Observe(resp)
		return resp
	}

	class := e.classifier.Classify(r.URL)
	strategy := e.strategyFor(class, r.URL.Path)

	resp, err := e.run(ctx, class, strategy, r)
	if err != nil {
		e.log.Debug().Err(err).
			Str("url", r.URL.RequestURI()).
			Stringer("class", class).
			Stringer("strategy", strategy).
			Msg("serving fallback")
		resp = e.fallback(ctx, class, r)
	}
	e.stats.Observe(resp)
	return resp
}

func (e *Engine) strategyFor(class Class, path string) Strategy {
	switch class {
	case ClassAPI:
		for i := range e.cfg.Rules {
			if r := &e.cfg.Rules[i]; r.Matches(path) {
				return r.strategy
			}
		}
		return StrategyNetworkFirst
	case ClassStatic:
		return StrategyCacheFirst
	case ClassNavigation:
		return StrategyNetworkFirst
	}
	// media classes run their own procedure
	return StrategyCacheFirst
}

func (e *Engine) run(ctx context.Context, class Class, strategy Strategy, r *http.Request) (*Response, error) {
	kind := class.StoreKind()
	if class.isMedia() {
		return e.media(ctx, class, r)
	}
	switch strategy {
	case StrategyCacheFirst:
		return e.cacheFirst(ctx, kind, r)
	case StrategyStaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, kind, r)
	case StrategyNetworkFirst:
		return e.networkFirst(ctx, kind, r)
	}
	resp, err := e.fetchNetwork(ctx, r)
	if err != nil {
		return nil, err
	}
	resp.Source = SourceBypass
	return resp, nil
}

// passthrough serves requests the cache never touches.
func (e *Engine) passthrough(ctx context.Context, r *http.Request) *Response {
	resp, err := e.fetchNetwork(ctx, r)
	if err != nil {
		e.log.Debug().Err(err).Str("method", r.Method).Str("url", r.URL.RequestURI()).Msg("passthrough failed")
		return syntheticResponse(http.StatusBadGateway, "text/plain; charset=utf-8", []byte("bad gateway\n"))
	}
	resp.Source = SourceBypass
	return resp
}

func (e *Engine) cacheFirst(ctx context.Context, kind storage.Kind, r *http.Request) (*Response, error) {
	key := cacheKey(r)
	ent, cached := e.lookup(ctx, kind, key)
	if cached && e.fresh(kind, ent) {
		return entryResponse(ent, SourceHit), nil
	}

	resp, err := e.fetchNetwork(ctx, fullRequest(ctx, r))
	if err != nil {
		if cached {
			return entryResponse(ent, SourceStale), nil
		}
		return nil, fmt.Errorf("%w: %w", err, ErrCacheMiss)
	}
	if resp.storable() {
		e.admit(ctx, kind, key, resp)
	}
	resp.Source = SourceMiss
	return resp, nil
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, kind storage.Kind, r *http.Request) (*Response, error) {
	key := cacheKey(r)
	ent, cached := e.lookup(ctx, kind, key)
	if !cached {
		return e.networkFirst(ctx, kind, r)
	}

	source := SourceStale
	if e.fresh(kind, ent) {
		source = SourceHit
	}
	resp := entryResponse(ent, source)
	e.reval.schedule(kind, key, r)
	return resp, nil
}

func (e *Engine) networkFirst(ctx context.Context, kind storage.Kind, r *http.Request) (*Response, error) {
	key := cacheKey(r)
	resp, err := e.fetchNetwork(ctx, fullRequest(ctx, r))
	if err == nil {
		if resp.storable() {
			e.admit(ctx, kind, key, resp)
		}
		resp.Source = SourceNetwork
		return resp, nil
	}

	ent, cached := e.lookup(ctx, kind, key)
	if !cached {
		return nil, fmt.Errorf("%w: %w", err, ErrCacheMiss)
	}
	if e.fresh(kind, ent) {
		return entryResponse(ent, SourceHit), nil
	}
	return entryResponse(ent, SourceStale), nil
}

// media serves images, video and audio. The origin always gets a full-body
// request; ranges are cut from the cached or freshly fetched body.
func (e *Engine) media(ctx context.Context, class Class, r *http.Request) (*Response, error) {
	kind := class.StoreKind()
	key := cacheKey(r)
	rangeHeader := r.Header.Get("Range")

	serve := func(ent *storage.Entry, source string) *Response {
		if class == ClassVideo && rangeHeader != "" {
			resp := ServeRange(ent, rangeHeader)
			if resp.Status != http.StatusPartialContent {
				resp.Source = source
			}
			return resp
		}
		return entryResponse(ent, source)
	}

	ent, cached := e.lookup(ctx, kind, key)
	if cached && e.fresh(kind, ent) {
		return serve(ent, SourceHit), nil
	}

	resp, err := e.fetchNetwork(ctx, fullRequest(ctx, r))
	if err != nil {
		if cached {
			return serve(ent, SourceStale), nil
		}
		return nil, fmt.Errorf("%w: %w", err, ErrCacheMiss)
	}
	if resp.Status != http.StatusOK {
		resp.Source = SourceMiss
		return resp, nil
	}

	fresh := e.newEntry(key, resp)
	ok, err := e.governor.CanAdmit(ctx, kind, key, resp.declaredLength())
	switch {
	case err != nil:
		e.log.Warn().Err(err).Str("key", key).Msg("could not check store occupancy")
	case !ok:
		e.stats.rejected.Add(1)
		e.warnLog.Warn().
			Str("store", e.stores[kind].Name()).
			Str("key", key).
			Int64("size", resp.declaredLength()).
			Msg("media too large for store, serving uncached")
	default:
		e.admitEntry(ctx, kind, fresh)
	}
	return serve(fresh, SourceMiss), nil
}

// fullRequest asks the origin for the whole body. Ranges are only ever cut
// locally from a complete entry.
func fullRequest(ctx context.Context, r *http.Request) *http.Request {
	if r.Header.Get("Range") == "" && r.Header.Get("If-Range") == "" {
		return r
	}
	full := r.Clone(ctx)
	full.Header.Del("Range")
	full.Header.Del("If-Range")
	return full
}

func (e *Engine) fetchNetwork(ctx context.Context, r *http.Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.fetchTimeout)
	defer cancel()
	resp, err := e.fetcher.Fetch(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	return resp, nil
}

// lookup reads key from the store of kind. Read errors are logged and
// reported as a miss.
func (e *Engine) lookup(ctx context.Context, kind storage.Kind, key string) (*storage.Entry, bool) {
	ent, ok, err := e.stores[kind].Get(ctx, key)
	if err != nil {
		e.log.Warn().Err(err).Str("store", e.stores[kind].Name()).Str("key", key).Msg("cache read failed")
		return nil, false
	}
	return ent, ok
}

func (e *Engine) fresh(kind storage.Kind, ent *storage.Entry) bool {
	return Fresh(ent.StoredAt, e.cfg.Policy(kind).MaxAge, e.now())
}

func (e *Engine) newEntry(key string, resp *Response) *storage.Entry {
	now := e.now().UTC()
	h := resp.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Del(statusHeader)
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	if h.Get("Date") == "" {
		h.Set("Date", now.Format(http.TimeFormat))
	}
	return &storage.Entry{
		Key:      key,
		Status:   resp.Status,
		Header:   h,
		Body:     resp.Body,
		StoredAt: now,
	}
}

// admit writes a network response through the governor. Failures only cost
// the cache write.
func (e *Engine) admit(ctx context.Context, kind storage.Kind, key string, resp *Response) {
	e.admitEntry(ctx, kind, e.newEntry(key, resp))
}

func (e *Engine) admitEntry(ctx context.Context, kind storage.Kind, ent *storage.Entry) {
	err := e.governor.Admit(ctx, kind, ent)
	switch {
	case err == nil:
	case errors.Is(err, ErrAdmissionRejected):
		e.stats.rejected.Add(1)
	default:
		e.log.Warn().Err(err).Str("key", ent.Key).Msg("cache write failed")
	}
}

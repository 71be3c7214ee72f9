package cachegate

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"cachegate/internal/storage"
)

// Class is the classification of an intercepted request.
type Class int

const (
	ClassNavigation Class = iota
	ClassAPI
	ClassImage
	ClassVideo
	ClassAudio
	ClassStatic
)

func (c Class) String() string {
	switch c {
	case ClassNavigation:
		return "navigation"
	case ClassAPI:
		return "api"
	case ClassImage:
		return "media-image"
	case ClassVideo:
		return "media-video"
	case ClassAudio:
		return "media-audio"
	case ClassStatic:
		return "static-asset"
	}
	return "unknown"
}

// StoreKind routes a class to the store its responses live in. Navigations
// share the static store with the pre-warmed root document.
func (c Class) StoreKind() storage.Kind {
	switch c {
	case ClassAPI:
		return storage.KindAPI
	case ClassImage:
		return storage.KindImage
	case ClassVideo:
		return storage.KindVideo
	case ClassAudio:
		return storage.KindAudio
	case ClassStatic, ClassNavigation:
		return storage.KindStatic
	}
	panic(fmt.Sprintf("cachegate: unhandled class %d", int(c)))
}

func (c Class) isMedia() bool {
	return c == ClassImage || c == ClassVideo || c == ClassAudio
}

// Strategy is the decision procedure applied to a request.
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategyCacheFirst
	StrategyStaleWhileRevalidate
	StrategyNetworkFirst
)

func (s Strategy) String() string {
	switch s {
	case StrategyNone:
		return "none"
	case StrategyCacheFirst:
		return "cache-first"
	case StrategyStaleWhileRevalidate:
		return "stale-while-revalidate"
	case StrategyNetworkFirst:
		return "network-first"
	}
	return "unknown"
}

func parseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "bypass":
		return StrategyNone, nil
	case "cache-first":
		return StrategyCacheFirst, nil
	case "stale-while-revalidate", "swr":
		return StrategyStaleWhileRevalidate, nil
	case "network-first":
		return StrategyNetworkFirst, nil
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}

// Source values reported in the X-Cachegate response header.
const (
	SourceHit     = "hit"
	SourceStale   = "stale"
	SourceMiss    = "miss"
	SourceBypass  = "bypass"
	SourceRange   = "range"
	SourceOffline = "offline"
	SourceNetwork = "network"
)

// Response is a fully buffered response produced by the engine.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	// Source tells where the response came from (hit, miss, offline...).
	Source string
}

func (r *Response) ok() bool {
	return r.Status >= 200 && r.Status < 300
}

// storable reports whether the response is a complete 2xx body that may be
// written to a store. Partial content never is.
func (r *Response) storable() bool {
	return r.ok() && r.Status != http.StatusPartialContent
}

// declaredLength is the Content-Length announced by the origin, or the body
// length when the header is absent or unparsable.
func (r *Response) declaredLength() int64 {
	if v := r.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	return int64(len(r.Body))
}

func entryResponse(ent *storage.Entry, source string) *Response {
	return &Response{
		Status: ent.Status,
		Header: ent.Header.Clone(),
		Body:   ent.Body,
		Source: source,
	}
}

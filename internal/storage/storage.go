// Package storage holds the named, versioned response stores that back the
// cache engine. A Backend owns many Stores; each Store maps a request key to a
// captured response.
package storage

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("storage: backend closed")
	// ErrInvalidName is returned when a store name is empty or malformed.
	ErrInvalidName = errors.New("storage: invalid store name")
)

// Kind identifies one of the logical store partitions.
type Kind int

const (
	KindStatic Kind = iota
	KindAPI
	KindImage
	KindVideo
	KindAudio
)

// Kinds lists every store kind in a stable order.
var Kinds = []Kind{KindStatic, KindAPI, KindImage, KindVideo, KindAudio}

func (k Kind) String() string {
	switch k {
	case KindStatic:
		return "static"
	case KindAPI:
		return "api"
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	}
	return "unknown"
}

// ParseKind maps a store kind name back to its Kind.
func ParseKind(s string) (Kind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, k := range Kinds {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// StoreName returns the versioned name of a store, e.g. "image-v3.2.0".
// Bumping the version orphans every store named under the previous one.
func StoreName(k Kind, version string) string {
	return k.String() + "-v" + version
}

// Entry is one captured response.
type Entry struct {
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Size is the number of body bytes charged against a store budget.
func (e *Entry) Size() int64 {
	return int64(len(e.Body))
}

// Clone returns a copy whose header map can be mutated freely. The body is
// shared; entries treat it as immutable.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Header = e.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	return &c
}

// Meta is the part of an entry needed to walk a store without its body.
type Meta struct {
	Key      string
	Size     int64
	StoredAt time.Time
}

// Store is a single named partition. Writes replace whole entries, so two
// concurrent writers of the same key leave exactly one of the two values.
type Store interface {
	Name() string
	// Get returns the entry for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (ent *Entry, ok bool, err error)
	// Put stores ent under ent.Key, replacing any previous value.
	Put(ctx context.Context, ent *Entry) error
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Walk calls fn for every entry until fn returns false.
	Walk(ctx context.Context, fn func(Meta) bool) error
	// Size sums the body length of every entry. It is recomputed on each call.
	Size(ctx context.Context) (int64, error)
	// Clear removes every entry but keeps the store.
	Clear(ctx context.Context) error
}

// Backend owns a set of named stores.
type Backend interface {
	// Open returns the named store, creating it when absent.
	Open(ctx context.Context, name string) (Store, error)
	// Names lists the existing stores.
	Names(ctx context.Context) ([]string, error)
	// Delete drops a store with all its entries and reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "\x00")
}

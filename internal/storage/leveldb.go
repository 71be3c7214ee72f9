package storage

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout inside the single LevelDB database:
//
//	n:<store>            store marker
//	e:<store>\x00<key>   gob-encoded Entry
//	m:<store>\x00<key>   gob-encoded diskMeta
const (
	namePrefix  = "n:"
	entryPrefix = "e:"
	metaPrefix  = "m:"
)

type diskMeta struct {
	Size     int64
	StoredAt int64 // unix nanoseconds
}

// LevelDB is a Backend persisting every store into one LevelDB database.
type LevelDB struct {
	db *leveldb.DB

	mu     sync.RWMutex
	closed bool
}

// OpenLevelDB opens or creates the database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (d *LevelDB) Open(_ context.Context, name string) (Store, error) {
	if !validName(name) {
		return nil, ErrInvalidName
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	marker := []byte(namePrefix + name)
	ok, err := d.db.Has(marker, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := d.db.Put(marker, nil, nil); err != nil {
			return nil, err
		}
	}
	return &levelStore{name: name, owner: d}, nil
}

func (d *LevelDB) Names(_ context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	it := d.db.NewIterator(util.BytesPrefix([]byte(namePrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(namePrefix))))
	}
	return out, it.Error()
}

func (d *LevelDB) Delete(_ context.Context, name string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false, ErrClosed
	}
	marker := []byte(namePrefix + name)
	ok, err := d.db.Has(marker, nil)
	if err != nil || !ok {
		return false, err
	}
	batch := new(leveldb.Batch)
	if err := d.collectDeletes(batch, name); err != nil {
		return false, err
	}
	batch.Delete(marker)
	return true, d.db.Write(batch, nil)
}

func (d *LevelDB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}

func (d *LevelDB) collectDeletes(batch *leveldb.Batch, name string) error {
	for _, p := range []string{entryPrefix, metaPrefix} {
		it := d.db.NewIterator(util.BytesPrefix([]byte(p+name+"\x00")), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
	}
	return nil
}

type levelStore struct {
	name  string
	owner *LevelDB
}

func (s *levelStore) Name() string { return s.name }

func (s *levelStore) entryKey(key string) []byte {
	return []byte(entryPrefix + s.name + "\x00" + key)
}

func (s *levelStore) metaKey(key string) []byte {
	return []byte(metaPrefix + s.name + "\x00" + key)
}

func (s *levelStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	s.owner.mu.RLock()
	defer s.owner.mu.RUnlock()
	if s.owner.closed {
		return nil, false, ErrClosed
	}
	b, err := s.owner.db.Get(s.entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return nil, false, fmt.Errorf("decode %s/%s: %w", s.name, key, err)
	}
	if ent.Header == nil {
		ent.Header = make(http.Header)
	}
	return &ent, true, nil
}

func (s *levelStore) Put(_ context.Context, ent *Entry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	mb, err := encodeGob(diskMeta{Size: ent.Size(), StoredAt: ent.StoredAt.UnixNano()})
	if err != nil {
		return err
	}

	s.owner.mu.RLock()
	defer s.owner.mu.RUnlock()
	if s.owner.closed {
		return ErrClosed
	}
	batch := new(leveldb.Batch)
	batch.Put(s.entryKey(ent.Key), b)
	batch.Put(s.metaKey(ent.Key), mb)
	return s.owner.db.Write(batch, nil)
}

func (s *levelStore) Delete(_ context.Context, key string) (bool, error) {
	s.owner.mu.RLock()
	defer s.owner.mu.RUnlock()
	if s.owner.closed {
		return false, ErrClosed
	}
	ok, err := s.owner.db.Has(s.metaKey(key), nil)
	if err != nil || !ok {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Delete(s.entryKey(key))
	batch.Delete(s.metaKey(key))
	return true, s.owner.db.Write(batch, nil)
}

func (s *levelStore) Walk(ctx context.Context, fn func(Meta) bool) error {
	s.owner.mu.RLock()
	defer s.owner.mu.RUnlock()
	if s.owner.closed {
		return ErrClosed
	}
	prefix := []byte(metaPrefix + s.name + "\x00")
	it := s.owner.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var dm diskMeta
		if err := decodeGob(it.Value(), &dm); err != nil {
			continue
		}
		m := Meta{
			Key:      string(bytes.TrimPrefix(it.Key(), prefix)),
			Size:     dm.Size,
			StoredAt: time.Unix(0, dm.StoredAt).UTC(),
		}
		if !fn(m) {
			return nil
		}
	}
	return it.Error()
}

func (s *levelStore) Size(ctx context.Context) (int64, error) {
	var total int64
	err := s.Walk(ctx, func(m Meta) bool {
		total += m.Size
		return true
	})
	return total, err
}

func (s *levelStore) Clear(_ context.Context) error {
	s.owner.mu.RLock()
	defer s.owner.mu.RUnlock()
	if s.owner.closed {
		return ErrClosed
	}
	batch := new(leveldb.Batch)
	if err := s.owner.collectDeletes(batch, s.name); err != nil {
		return err
	}
	return s.owner.db.Write(batch, nil)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}

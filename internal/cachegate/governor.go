package cachegate

import (
	"context"
	"fmt"

	"cachegate/internal/storage"
)

// Governor keeps every store under its byte ceiling. Occupancy is recomputed
// from the store on each admission, so two concurrent admissions may
// overshoot by one entry. Entries already stored are never evicted to make
// room; oversized writes are refused instead.
type Governor struct {
	stores   map[storage.Kind]storage.Store
	policies map[storage.Kind]StorePolicy
	warn     *rateLimitedLogger
}

func newGovernor(stores map[storage.Kind]storage.Store, policies map[storage.Kind]StorePolicy, warn *rateLimitedLogger) *Governor {
	return &Governor{stores: stores, policies: policies, warn: warn}
}

// CanAdmit reports whether an entry of n bytes stored under key fits into
// the store of kind. An entry already stored under key is charged as freed.
func (g *Governor) CanAdmit(ctx context.Context, kind storage.Kind, key string, n int64) (bool, error) {
	max := g.policies[kind].MaxBytes
	if max <= 0 {
		return true, nil
	}
	if n > max {
		return false, nil
	}
	occ, err := g.occupancy(ctx, kind, key)
	if err != nil {
		return false, err
	}
	return occ+n <= max, nil
}

// occupancy is the store's size without the entry currently under key.
func (g *Governor) occupancy(ctx context.Context, kind storage.Kind, key string) (int64, error) {
	st := g.stores[kind]
	occ, err := st.Size(ctx)
	if err != nil {
		return 0, fmt.Errorf("size of %s: %w", st.Name(), err)
	}
	old, ok, err := st.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("get %s %q: %w", st.Name(), key, err)
	}
	if ok {
		occ -= old.Size()
	}
	return occ, nil
}

// Admit writes ent into the store of kind unless that would exceed the
// store's ceiling, in which case it returns ErrAdmissionRejected and leaves
// the store untouched. Replacing a key only charges the size difference.
func (g *Governor) Admit(ctx context.Context, kind storage.Kind, ent *storage.Entry) error {
	st := g.stores[kind]
	max := g.policies[kind].MaxBytes
	if max > 0 {
		occ, err := g.occupancy(ctx, kind, ent.Key)
		if err != nil {
			return err
		}
		if occ+ent.Size() > max {
			g.warn.Warn().
				Str("store", st.Name()).
				Str("key", ent.Key).
				Int64("size", ent.Size()).
				Str("used", formatBytes(uint64(occ))).
				Str("max", formatBytes(uint64(max))).
				Msg("store full, response not cached")
			return fmt.Errorf("%w: %s needs %d bytes, %d of %d used", ErrAdmissionRejected, st.Name(), ent.Size(), occ, max)
		}
	}
	if err := st.Put(ctx, ent); err != nil {
		return fmt.Errorf("put %s %q: %w", st.Name(), ent.Key, err)
	}
	return nil
}

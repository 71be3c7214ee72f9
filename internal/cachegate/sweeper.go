package cachegate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cachegate/internal/storage"
)

// SweepOnce deletes every entry that is stale for its store's max age and
// returns how many were removed. A failing store does not stop the others.
func (e *Engine) SweepOnce(ctx context.Context) (int, error) {
	now := e.now()
	removed := 0
	var errs []error
	for _, kind := range storage.Kinds {
		n, err := e.sweepStore(ctx, e.stores[kind], e.cfg.Policy(kind).MaxAge, now)
		removed += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

func (e *Engine) sweepStore(ctx context.Context, st storage.Store, maxAge time.Duration, now time.Time) (int, error) {
	var stale []string
	err := st.Walk(ctx, func(m storage.Meta) bool {
		if !Fresh(m.StoredAt, maxAge, now) {
			stale = append(stale, m.Key)
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", st.Name(), err)
	}

	removed := 0
	for _, key := range stale {
		ok, err := st.Delete(ctx, key)
		if err != nil {
			return removed, fmt.Errorf("sweep %s: delete %q: %w", st.Name(), key, err)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// startSweeper must be called with e.mu held.
func (e *Engine) startSweeper() {
	if e.sweepStop != nil || e.cfg.sweepEvery <= 0 {
		return
	}
	stop := make(chan struct{})
	e.sweepStop = stop
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sweepLoop(stop, e.cfg.sweepEvery)
	}()
}

// stopSweeper must be called with e.mu held.
func (e *Engine) stopSweeper() {
	if e.sweepStop == nil {
		return
	}
	close(e.sweepStop)
	e.sweepStop = nil
}

func (e *Engine) sweepLoop(stop <-chan struct{}, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-e.ctx.Done():
			return
		case <-t.C:
			n, err := e.SweepOnce(e.ctx)
			if err != nil {
				e.log.Warn().Err(err).Int("removed", n).Msg("sweep finished with errors")
				continue
			}
			e.log.Info().Int("removed", n).Msg("sweep finished")
		}
	}
}

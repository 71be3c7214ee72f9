package cachegate

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"cachegate/internal/storage"
)

type revalidateFunc func(ctx context.Context, kind storage.Kind, key string, r *http.Request) error

// revalidator refreshes cache entries off the request path. At most cap(sem)
// refreshes run at once; extra work is dropped, and concurrent refreshes of
// one key share a single fetch.
type revalidator struct {
	run     revalidateFunc
	base    context.Context
	timeout time.Duration

	sem   chan struct{}
	group singleflight.Group

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	errs    chan error
	errDone chan struct{}
}

func newRevalidator(base context.Context, timeout time.Duration, slots int, run revalidateFunc, report func(error)) *revalidator {
	rv := &revalidator{
		run:     run,
		base:    base,
		timeout: timeout,
		sem:     make(chan struct{}, slots),
		errs:    make(chan error, slots),
		errDone: make(chan struct{}),
	}
	go func() {
		defer close(rv.errDone)
		for err := range rv.errs {
			report(err)
		}
	}()
	return rv
}

// schedule queues a refresh of key and reports whether it was accepted. It
// never blocks the caller.
func (rv *revalidator) schedule(kind storage.Kind, key string, r *http.Request) bool {
	select {
	case rv.sem <- struct{}{}:
	default:
		return false
	}

	rv.mu.Lock()
	if rv.closed {
		rv.mu.Unlock()
		<-rv.sem
		return false
	}
	rv.wg.Add(1)
	rv.mu.Unlock()

	req := r.Clone(rv.base)
	go func() {
		defer rv.wg.Done()
		defer func() { <-rv.sem }()

		// only the caller that ran the refresh reports its failure
		ran := false
		_, err, _ := rv.group.Do(key, func() (any, error) {
			ran = true
			ctx, cancel := context.WithTimeout(rv.base, rv.timeout)
			defer cancel()
			return nil, rv.run(ctx, kind, key, req)
		})
		if err != nil && ran {
			select {
			case rv.errs <- fmt.Errorf("revalidate %q: %w", key, err):
			default:
			}
		}
	}()
	return true
}

// close waits for in-flight refreshes. The base context should be cancelled
// first so that slow fetches give up.
func (rv *revalidator) close() {
	rv.mu.Lock()
	if rv.closed {
		rv.mu.Unlock()
		return
	}
	rv.closed = true
	rv.mu.Unlock()

	rv.wg.Wait()
	close(rv.errs)
	<-rv.errDone
}

func (e *Engine) revalidate(ctx context.Context, kind storage.Kind, key string, r *http.Request) error {
	resp, err := e.fetchNetwork(ctx, fullRequest(ctx, r))
	if err != nil {
		return err
	}
	if !resp.storable() {
		return fmt.Errorf("origin returned %d", resp.Status)
	}
	return e.governor.Admit(ctx, kind, e.newEntry(key, resp))
}

package cachegate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"cachegate/internal/storage"
)

// State is the lifecycle phase of an engine.
type State int32

const (
	StateInstalling State = iota
	StateWaiting
	StateActive
	StateSuperseded
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateSuperseded:
		return "superseded"
	}
	return "unknown"
}

const installConcurrency = 8

func (e *Engine) State() State {
	return State(e.state.Load())
}

// Active reports whether requests are served through the cache. In every
// other state the engine is a plain network passthrough.
func (e *Engine) Active() bool {
	return e.State() == StateActive
}

// Install pre-warms the static store with the manifest. Every manifest path
// must come back 2xx or nothing is written and the engine stays installing.
// Paths found in sitemaps are best effort. On success the engine waits for
// ReleaseClients, or activates right away when skipWaiting is set.
func (e *Engine) Install(ctx context.Context) error {
	if s := e.State(); s != StateInstalling {
		return fmt.Errorf("%w: install from %s", ErrInvalidTransition, s)
	}
	start := time.Now()

	entries, err := e.prefetch(ctx, e.cfg.Lifecycle.Manifest)
	if err != nil {
		return fmt.Errorf("install %s: %w", e.version, err)
	}
	for _, ent := range entries {
		e.admitEntry(ctx, storage.KindStatic, ent)
	}
	discovered := e.prewarmDiscovered(ctx)

	e.mu.Lock()
	if s := e.State(); s != StateInstalling {
		e.mu.Unlock()
		return fmt.Errorf("%w: install finished in %s", ErrInvalidTransition, s)
	}
	e.state.Store(int32(StateWaiting))
	skip := e.skipWaiting
	e.mu.Unlock()

	e.log.Info().
		Int("manifest", len(entries)).
		Int("discovered", discovered).
		Dur("took", time.Since(start)).
		Msg("installed")

	if skip {
		return e.Activate(ctx)
	}
	return nil
}

// InstallWithRetry runs Install until it succeeds, backing off from initial
// up to max between attempts. It stops early when ctx is done or the engine
// has left the installing state.
func (e *Engine) InstallWithRetry(ctx context.Context, initial, max time.Duration) error {
	wait := initial
	for attempt := 1; ; attempt++ {
		err := e.Install(ctx)
		if err == nil || errors.Is(err, ErrInvalidTransition) {
			return err
		}
		e.log.Warn().Err(err).Int("attempt", attempt).Dur("retryIn", wait).Msg("install failed")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if wait *= 2; wait > max {
			wait = max
		}
	}
}

// prefetch fetches every path concurrently and fails on the first error.
func (e *Engine) prefetch(ctx context.Context, paths []string) ([]*storage.Entry, error) {
	entries := make([]*storage.Entry, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			ent, err := e.fetchEntry(gctx, p)
			if err != nil {
				return err
			}
			entries[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (e *Engine) fetchEntry(ctx context.Context, path string) (*storage.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("pre-warm %s: %w", path, err)
	}
	resp, err := e.fetchNetwork(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("pre-warm %s: %w", path, err)
	}
	if !resp.storable() {
		return nil, fmt.Errorf("pre-warm %s: origin returned %d", path, resp.Status)
	}
	return e.newEntry(cacheKey(req), resp), nil
}

// ReleaseClients signals that the previous instance has let go of its
// clients, moving a waiting engine to active.
func (e *Engine) ReleaseClients(ctx context.Context) error {
	return e.Activate(ctx)
}

// Activate drops every store that does not belong to the current version,
// takes over request handling and starts the sweeper.
func (e *Engine) Activate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := e.State(); s != StateWaiting {
		return fmt.Errorf("%w: activate from %s", ErrInvalidTransition, s)
	}

	removed, err := e.deleteOrphanStores(ctx)
	if err != nil {
		return fmt.Errorf("activate %s: %w", e.version, err)
	}
	e.state.Store(int32(StateActive))
	e.startSweeper()

	e.log.Info().Strs("removed", removed).Msg("activated")
	return nil
}

func (e *Engine) deleteOrphanStores(ctx context.Context) ([]string, error) {
	current := make(map[string]struct{}, len(e.stores))
	for _, st := range e.stores {
		current[st.Name()] = struct{}{}
	}
	names, err := e.backend.Names(ctx)
	if err != nil {
		return nil, err
	}
	var (
		removed []string
		errs    []error
	)
	for _, name := range names {
		if _, ok := current[name]; ok {
			continue
		}
		if _, err := e.backend.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		removed = append(removed, name)
	}
	return removed, errors.Join(errs...)
}

// Supersede retires the engine for good: the sweeper stops and requests go
// straight to the network.
func (e *Engine) Supersede() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := e.State(); s == StateSuperseded {
		return fmt.Errorf("%w: supersede from %s", ErrInvalidTransition, s)
	}
	e.state.Store(int32(StateSuperseded))
	e.stopSweeper()
	e.log.Info().Msg("superseded")
	return nil
}

// activateNow skips the wait for the previous instance. During install it
// only marks the engine to activate as soon as the install completes.
func (e *Engine) activateNow(ctx context.Context) error {
	e.mu.Lock()
	switch s := e.State(); s {
	case StateInstalling:
		e.skipWaiting = true
		e.mu.Unlock()
		return nil
	case StateActive:
		e.mu.Unlock()
		return nil
	case StateSuperseded:
		e.mu.Unlock()
		return fmt.Errorf("%w: activate from %s", ErrInvalidTransition, s)
	}
	e.mu.Unlock()
	return e.Activate(ctx)
}

package cachegate

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cachegate/internal/storage"
)

const revalidateSlots = 32

// Options carries the collaborators of an Engine. Zero values get defaults.
type Options struct {
	// Version names the stores when the config does not set one.
	Version string
	// Backend holds the stores. A private in-memory backend is used if nil;
	// a caller-provided backend is not closed by the engine.
	Backend storage.Backend
	// Fetcher performs network requests. Defaults to an HTTPFetcher for the
	// configured origin.
	Fetcher Fetcher
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Now is the clock used for freshness.
	Now func() time.Time
}

// Engine classifies requests, applies the caching strategy of each class and
// keeps the versioned stores in shape.
type Engine struct {
	cfg     Config
	version string
	log     zerolog.Logger
	now     func() time.Time

	backend     storage.Backend
	ownsBackend bool
	fetcher     Fetcher
	stores      map[storage.Kind]storage.Store

	classifier *Classifier
	governor   *Governor
	reval      *revalidator
	stats      *statsCollector
	warnLog    *rateLimitedLogger

	// mu serializes lifecycle transitions; state is read lock-free.
	mu          sync.Mutex
	state       atomic.Int32
	skipWaiting bool
	sweepStop   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewEngine opens the stores of the current version and starts the
// background workers. The engine starts out installing.
func NewEngine(ctx context.Context, cfg Config, opts Options) (*Engine, error) {
	if cfg.policies == nil {
		return nil, fmt.Errorf("config is not compiled, use LoadConfig or ParseConfig")
	}

	version := cfg.Version
	if version == "" {
		version = opts.Version
	}
	if version == "" {
		return nil, fmt.Errorf("no version to name stores with")
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("version", version).Logger()

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		cfg:         cfg,
		version:     version,
		log:         logger,
		now:         now,
		backend:     opts.Backend,
		fetcher:     opts.Fetcher,
		stores:      make(map[storage.Kind]storage.Store, len(storage.Kinds)),
		classifier:  NewClassifier(cfg.Classify, cfg.Lifecycle.Manifest),
		stats:       newStatsCollector(),
		warnLog:     newRateLimitedLogger(logger, time.Minute, now),
		skipWaiting: cfg.Lifecycle.SkipWaiting,
	}
	if e.backend == nil {
		e.backend = storage.NewMemory()
		e.ownsBackend = true
	}
	if e.fetcher == nil {
		e.fetcher = NewHTTPFetcher(cfg.Server.Origin, &http.Client{Timeout: cfg.fetchTimeout})
	}

	for _, kind := range storage.Kinds {
		st, err := e.backend.Open(ctx, storage.StoreName(kind, version))
		if err != nil {
			if e.ownsBackend {
				_ = e.backend.Close()
			}
			return nil, fmt.Errorf("open %s store: %w", kind, err)
		}
		e.stores[kind] = st
	}
	e.governor = newGovernor(e.stores, cfg.policies, e.warnLog)

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.reval = newRevalidator(e.ctx, cfg.fetchTimeout, revalidateSlots, e.revalidate, func(err error) {
		e.warnLog.Warn().Err(err).Msg("background revalidation failed")
	})
	e.state.Store(int32(StateInstalling))

	if cfg.statsEvery > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.statsLoop(cfg.statsEvery)
		}()
	}

	return e, nil
}

// Version is the tag the engine's stores are named with.
func (e *Engine) Version() string { return e.version }

// Close stops background work and waits for it. Revalidations still in flight
// are cancelled.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	e.stopSweeper()
	e.mu.Unlock()

	e.cancel()
	e.reval.close()
	e.wg.Wait()

	if e.ownsBackend {
		return e.backend.Close()
	}
	return nil
}

// OpenBackend opens the storage backend selected in the config.
func OpenBackend(cfg Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemory(), nil
	case "leveldb":
		b, err := storage.OpenLevelDB(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "sqlite":
		b, err := storage.OpenSQLite(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
}

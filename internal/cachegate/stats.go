package cachegate

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"cachegate/internal/storage"
)

type statsCollector struct {
	hits      atomic.Uint64
	stale     atomic.Uint64
	misses    atomic.Uint64
	bypassed  atomic.Uint64
	ranges    atomic.Uint64
	fallbacks atomic.Uint64
	rejected  atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe counts one served response by its source.
func (s *statsCollector) Observe(resp *Response) {
	switch resp.Source {
	case SourceHit:
		s.hits.Add(1)
	case SourceStale:
		s.stale.Add(1)
	case SourceMiss, SourceNetwork:
		s.misses.Add(1)
	case SourceBypass:
		s.bypassed.Add(1)
	case SourceRange:
		s.ranges.Add(1)
	}

	n := uint64(len(resp.Body))
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

// StoreStats is the occupancy of one store.
type StoreStats struct {
	Name     string `json:"name"`
	Entries  int    `json:"entries"`
	Bytes    int64  `json:"bytes"`
	MaxBytes int64  `json:"maxBytes"`
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Version   string       `json:"version"`
	State     string       `json:"state"`
	Hits      uint64       `json:"hits"`
	Stale     uint64       `json:"stale"`
	Misses    uint64       `json:"misses"`
	Bypassed  uint64       `json:"bypassed"`
	Ranges    uint64       `json:"ranges"`
	Fallbacks uint64       `json:"fallbacks"`
	Rejected  uint64       `json:"rejected"`
	Responses uint64       `json:"responses"`
	RespBytes uint64       `json:"respBytes"`
	MinResp   uint64       `json:"minRespBytes"`
	AvgResp   uint64       `json:"avgRespBytes"`
	MaxResp   uint64       `json:"maxRespBytes"`
	Stores    []StoreStats `json:"stores"`
}

func (s *statsCollector) snapshot() Stats {
	out := Stats{
		Hits:      s.hits.Load(),
		Stale:     s.stale.Load(),
		Misses:    s.misses.Load(),
		Bypassed:  s.bypassed.Load(),
		Ranges:    s.ranges.Load(),
		Fallbacks: s.fallbacks.Load(),
		Rejected:  s.rejected.Load(),
		Responses: s.totalResponses.Load(),
		RespBytes: s.totalRespBytes.Load(),
	}
	if out.Responses == 0 {
		return out
	}
	out.MinResp = s.minRespBytes.Load()
	if out.MinResp == math.MaxUint64 {
		out.MinResp = 0
	}
	out.MaxResp = s.maxRespBytes.Load()
	out.AvgResp = out.RespBytes / out.Responses
	return out
}

// Stats collects counters and walks every current store for its occupancy.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	out := e.stats.snapshot()
	out.Version = e.version
	out.State = e.State().String()
	for _, kind := range storage.Kinds {
		st := e.stores[kind]
		ss := StoreStats{Name: st.Name(), MaxBytes: e.cfg.Policy(kind).MaxBytes}
		err := st.Walk(ctx, func(m storage.Meta) bool {
			ss.Entries++
			ss.Bytes += m.Size
			return true
		})
		if err != nil {
			return Stats{}, err
		}
		out.Stores = append(out.Stores, ss)
	}
	return out, nil
}

func (e *Engine) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
			st, err := e.Stats(e.ctx)
			if err != nil {
				e.log.Warn().Err(err).Msg("could not collect stats")
				continue
			}
			ev := e.log.Info().
				Str("state", st.State).
				Uint64("hits", st.Hits).
				Uint64("stale", st.Stale).
				Uint64("misses", st.Misses).
				Uint64("fallbacks", st.Fallbacks).
				Str("resp", formatBytes(st.MinResp)+"/"+formatBytes(st.AvgResp)+"/"+formatBytes(st.MaxResp))
			for _, ss := range st.Stores {
				ev = ev.Str(ss.Name, formatBytes(uint64(ss.Bytes)))
			}
			ev.Msg("cache stats")
		}
	}
}

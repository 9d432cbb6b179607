package persistence

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Store is the part of DB the saver writes through.
type Store interface {
	SaveState(st State) (bool, error)
}

// Saver writes states on a pool of background workers so the tick loop
// never waits on disk.
type Saver struct {
	store Store
	queue chan State
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	onFail func(State)

	saved   atomic.Int64
	skipped atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewSaver starts workers draining a queue of size queueSize.
func NewSaver(store Store, workers, queueSize int) *Saver {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	s := &Saver{store: store, queue: make(chan State, queueSize)}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.work(i)
	}
	return s
}

func (s *Saver) work(id int) {
	defer s.wg.Done()
	for st := range s.queue {
		start := time.Now()
		ok, err := s.store.SaveState(st)
		switch {
		case err != nil:
			s.failed.Add(1)
			slog.Error("save failed", "worker", id, "tick", st.Tick, "error", err)
			s.mu.RLock()
			fn := s.onFail
			s.mu.RUnlock()
			if fn != nil {
				fn(st)
			}
		case !ok:
			s.skipped.Add(1)
		default:
			s.saved.Add(1)
			slog.Debug("state saved", "worker", id, "tick", st.Tick,
				"factions", len(st.Records), "events", len(st.Events), "took", time.Since(start))
		}
	}
}

// OnFailure registers fn to receive states whose save returned an error,
// so their events can ride along with a later save.
func (s *Saver) OnFailure(fn func(State)) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.onFail = fn
	s.mu.Unlock()
}

// Enqueue hands a state to the workers without blocking. Returns false when
// the queue is full or the saver is closed.
func (s *Saver) Enqueue(st State) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.queue <- st:
		return true
	default:
		s.dropped.Add(1)
		slog.Warn("save queue full, dropping save", "tick", st.Tick)
		return false
	}
}

// Close stops accepting saves and waits for queued ones to finish.
func (s *Saver) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// SaverStats counts save outcomes.
type SaverStats struct {
	Saved   int64 `json:"saved"`
	Skipped int64 `json:"skipped"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
}

// Stats returns the save counters.
func (s *Saver) Stats() SaverStats {
	return SaverStats{
		Saved:   s.saved.Load(),
		Skipped: s.skipped.Load(),
		Dropped: s.dropped.Load(),
		Failed:  s.failed.Load(),
	}
}

// LoadResult is delivered by LoadAsync.
type LoadResult struct {
	Loaded Loaded
	Err    error
}

// Loader is the part of DB LoadAsync reads through.
type Loader interface {
	Load() (Loaded, error)
}

// LoadAsync reads the saved session on a background goroutine. The channel
// receives exactly one result and is then closed.
func LoadAsync(ctx context.Context, db Loader) <-chan LoadResult {
	out := make(chan LoadResult, 1)
	go func() {
		defer close(out)
		l, err := db.Load()
		if err == nil {
			err = ctx.Err()
		}
		out <- LoadResult{Loaded: l, Err: err}
	}()
	return out
}

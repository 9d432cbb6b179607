// Package engine provides the periodic scheduler and the Simulation that
// runs the analytics stages in order.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Engine drives the session forward one check at a time. A check that
// lands on a batch boundary runs the batch first.
type Engine struct {
	Interval   time.Duration // Base check interval (default 5 seconds)
	BatchEvery uint64        // Checks per batch
	SoftBudget time.Duration // A tick running longer than this is logged

	// Callbacks populated during setup.
	OnBatch func(ctx context.Context, tick uint64) // Every BatchEvery checks
	OnTick  func(ctx context.Context, tick uint64) // Every check

	mu      sync.Mutex
	tick    uint64
	speed   float64
	running bool
	stop    chan struct{}
}

// NewEngine creates an engine with default settings.
func NewEngine() *Engine {
	return &Engine{
		Interval:   5 * time.Second,
		BatchEvery: 3,
		SoftBudget: 16 * time.Millisecond,
		speed:      1.0,
	}
}

// Run drives the loop until ctx is cancelled or Stop is called. The next
// tick is not scheduled until the current one returns.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stop = make(chan struct{})
	stop := e.stop
	tick := e.tick
	speed := e.speed
	e.mu.Unlock()

	slog.Info("engine started", "tick", tick, "speed", speed, "interval", e.Interval, "batch_every", e.BatchEvery)
	defer func() {
		e.mu.Lock()
		e.running = false
		tick := e.tick
		e.mu.Unlock()
		slog.Info("engine stopped", "tick", tick)
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-timer.C:
		}

		speed := e.Speed()
		if speed <= 0 {
			// Paused.
			timer.Reset(100 * time.Millisecond)
			continue
		}

		start := time.Now()
		e.Step(ctx)
		elapsed := time.Since(start)

		wait := time.Duration(float64(e.Interval)/speed) - elapsed
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// Stop halts the loop. It is safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running && e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
}

// Step advances the session by one check.
func (e *Engine) Step(ctx context.Context) {
	e.mu.Lock()
	e.tick++
	tick := e.tick
	e.mu.Unlock()

	start := time.Now()
	batch := e.BatchEvery > 0 && tick%e.BatchEvery == 0
	if batch && e.OnBatch != nil {
		e.OnBatch(ctx, tick)
	}
	if e.OnTick != nil {
		e.OnTick(ctx, tick)
	}

	if took := time.Since(start); e.SoftBudget > 0 && took > e.SoftBudget {
		slog.Warn("tick over budget", "tick", tick, "batch", batch, "took", took, "budget", e.SoftBudget)
	}
}

// Tick returns the current check counter.
func (e *Engine) Tick() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

// SetTick resumes the counter from a saved session.
func (e *Engine) SetTick(t uint64) {
	e.mu.Lock()
	e.tick = t
	e.mu.Unlock()
}

// Speed returns the pace multiplier: 1.0 = real time, 0 = paused.
func (e *Engine) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// SetSpeed changes the pace multiplier.
func (e *Engine) SetSpeed(s float64) error {
	if s < 0 || s > 1000 {
		return fmt.Errorf("speed %v outside [0,1000]", s)
	}
	e.mu.Lock()
	e.speed = s
	e.mu.Unlock()
	return nil
}

// Running reports whether Run is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// SessionTime renders the simulated time covered by tick checks.
func SessionTime(tick uint64, interval time.Duration) string {
	total := time.Duration(tick) * interval
	days := total / (24 * time.Hour)
	total -= days * 24 * time.Hour
	h := total / time.Hour
	total -= h * time.Hour
	m := total / time.Minute
	total -= m * time.Minute
	s := total / time.Second
	return fmt.Sprintf("Day %d, %d:%02d:%02d", days+1, h, m, s)
}

// Package clock provides the drift-free jittered scheduler that paces the
// trading loop. Jitter is symmetric around the base interval so a fleet of
// workers polling the same exchange spreads its requests out, and the
// startup stagger keeps simultaneously-restarted workers from thundering in
// together.
package clock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"tradeworker/internal/config"
)

// Scheduler holds the polling cadence: base interval, symmetric jitter, and
// a minimum floor, all in seconds. The held values are hot-reloadable through
// NextInterval.
type Scheduler struct {
	mu     sync.Mutex
	base   float64
	jitter float64
	min    float64

	// Injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewScheduler creates a scheduler. base and min are clamped to the global
// poll floor; negative jitter is coerced to zero.
func NewScheduler(baseSeconds, jitterSeconds, minSeconds float64) *Scheduler {
	s := &Scheduler{
		now:   time.Now,
		sleep: sleepCtx,
	}
	s.update(baseSeconds, jitterSeconds, minSeconds)
	return s
}

func (s *Scheduler) update(base, jitter, min float64) {
	if min < config.MinPollSeconds {
		min = config.MinPollSeconds
	}
	if base < min {
		base = min
	}
	if jitter < 0 {
		jitter = 0
	}
	s.base = base
	s.jitter = jitter
	s.min = min
}

// StartupStagger sleeps a uniform-random duration in [0, base). Called once
// at boot.
func (s *Scheduler) StartupStagger(ctx context.Context) {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()

	delay := time.Duration(rand.Float64() * base * float64(time.Second))
	s.sleep(ctx, delay)
}

// NextInterval recomputes the polling interval. Non-negative arguments update
// the held cadence parameters (hot reload); pass a negative value to keep the
// current one. The result is max(min, base + U[-jitter, +jitter]) seconds.
func (s *Scheduler) NextInterval(baseSeconds, jitterSeconds, minSeconds float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, jitter, min := s.base, s.jitter, s.min
	if baseSeconds >= 0 {
		base = baseSeconds
	}
	if jitterSeconds >= 0 {
		jitter = jitterSeconds
	}
	if minSeconds >= 0 {
		min = minSeconds
	}
	s.update(base, jitter, min)

	interval := s.base + (rand.Float64()*2-1)*s.jitter
	if interval < s.min {
		interval = s.min
	}
	return interval
}

// SleepFor sleeps until startedAt + interval. Time already spent inside the
// tick is absorbed so the cadence stays drift-free; an overrunning tick gets
// a zero sleep, never a catch-up burst.
func (s *Scheduler) SleepFor(ctx context.Context, intervalSeconds float64, startedAt time.Time) {
	target := startedAt.Add(time.Duration(intervalSeconds * float64(time.Second)))
	remaining := target.Sub(s.now())
	if remaining <= 0 {
		return
	}
	s.sleep(ctx, remaining)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

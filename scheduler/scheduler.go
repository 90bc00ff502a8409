// Package scheduler runs the periodic tick that decides which registered
// pairs are due for a sync and submits them to the execution pool. A single
// goroutine ticks every tickInterval, comparing each entry's last-check
// time against its configured interval; shutdown is signaled via context
// cancellation.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/mirrorbot/repo-mirror/internal/lock"
)

// DefaultTickInterval is the tick period used when none is configured.
const DefaultTickInterval = 30 * time.Second

// Submitter is the subset of pool.Pool the scheduler needs.
type Submitter interface {
	Submit(ctx context.Context, pairID string)
	IsActive(pairID string) bool
}

// entry is a per-pair scheduling record: the fields needed from a RepoPair
// (interval, enabled) plus the last-check/last-dispatch timestamps. The
// authoritative RepoPair lives in the store; the worker re-fetches it
// before every attempt, so this snapshot only has to be fresh enough to
// decide due-ness.
type entry struct {
	intervalMinutes int
	enabled         bool
	lastCheck       time.Time
	lastDispatch    time.Time
}

// Scheduler periodically checks registered pairs against their configured
// interval and submits due ones to a Submitter. Safe for concurrent use.
type Scheduler struct {
	pool         Submitter
	tickInterval time.Duration
	log          *slog.Logger

	mu      lock.RWMutex
	entries map[string]*entry

	clockNow func() time.Time

	runMu  lock.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler submitting due pairs to pool. tickInterval
// defaults to DefaultTickInterval when zero.
func New(pool Submitter, tickInterval time.Duration, log *slog.Logger) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		pool:         pool,
		tickInterval: tickInterval,
		log:          log,
		entries:      make(map[string]*entry),
		clockNow:     time.Now,
	}
}

// SetTickInterval changes the tick period for subsequent ticks. Takes
// effect on the next tick, not immediately.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultTickInterval
	}
	s.mu.Lock()
	s.tickInterval = d
	s.mu.Unlock()
}

// SchedulePair registers pairID with the given sync interval and enabled
// flag, clearing any previous last-check so the pair is due on the very
// next tick. Start-time registration relies on this: re-registering every
// stored pair after a restart makes them all immediately due. Use
// ReschedulePair to update a pair without resetting its clock.
func (s *Scheduler) SchedulePair(pairID string, intervalMinutes int, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[pairID] = &entry{intervalMinutes: intervalMinutes, enabled: enabled}
}

// ReschedulePair updates pairID's interval/enabled flag while preserving
// its last-check, so changing a pair's settings does not reset its clock.
// This is the deliberate counterpart to SchedulePair, which does reset it.
func (s *Scheduler) ReschedulePair(pairID string, intervalMinutes int, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[pairID]
	if !ok {
		s.entries[pairID] = &entry{intervalMinutes: intervalMinutes, enabled: enabled}
		return
	}
	e.intervalMinutes = intervalMinutes
	e.enabled = enabled
}

// UnschedulePair removes pairID from scheduling. It does not abort an
// in-flight sync; that is the pool's job.
func (s *Scheduler) UnschedulePair(pairID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, pairID)
}

// IsScheduled reports whether pairID is currently registered.
func (s *Scheduler) IsScheduled(pairID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[pairID]
	return ok
}

// Start begins the periodic tick loop in a new goroutine. Calling Start
// twice without an intervening Stop is a programmer error; the second call
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done

	go func() {
		defer close(done)
		s.log.Info("scheduler started", "tick_interval", s.currentTickInterval())
		for {
			interval := s.currentTickInterval()
			select {
			case <-loopCtx.Done():
				s.log.Info("scheduler stopped")
				return
			case <-time.After(interval):
				s.tick(loopCtx)
			}
		}
	}()
}

// Stop signals the tick loop to exit and waits for it to do so.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsRunning reports whether the tick loop is currently active.
func (s *Scheduler) IsRunning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) currentTickInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tickInterval
}

// tick checks every registered entry and submits those whose interval has
// elapsed since their last check, advancing last_check for each dispatched
// pair only. A pair that is still syncing is skipped without touching its
// last_check, so it becomes due again as soon as the running sync finishes
// rather than a full interval later.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clockNow()

	s.mu.Lock()
	var due []string
	for pairID, e := range s.entries {
		if !e.enabled || s.pool.IsActive(pairID) {
			continue
		}
		if now.Sub(e.lastCheck) >= time.Duration(e.intervalMinutes)*time.Minute {
			e.lastCheck = now
			e.lastDispatch = now
			due = append(due, pairID)
		}
	}
	s.mu.Unlock()

	for _, pairID := range due {
		s.log.Debug("submitting due pair", "pair_id", pairID)
		s.pool.Submit(ctx, pairID)
	}
}

// Reconcile runs one immediate due-check outside the normal tick cadence,
// for use at startup so newly loaded pairs aren't left waiting a full tick
// interval before their first check.
func (s *Scheduler) Reconcile(ctx context.Context) {
	s.tick(ctx)
}

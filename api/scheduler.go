/*
scheduler.go - Timer-driven session transitions

PURPOSE:
  Periodically sweeps requests whose deadlines passed:
  - pending requests past their TTL are expired
  - paid sessions whose window opened are started
  - unpaid sessions past the join grace period are cancelled
  - sessions a party missed are closed as no-shows
  - ongoing sessions past their end are completed

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Every transition goes through booking.Engine, so a sweep racing a user
    action loses cleanly with a conflict and is retried next tick
  - A failing request is logged and skipped; the sweep continues

USAGE:
  scheduler := NewSessionScheduler(engine, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunSweep endpoint (manual sweep)
  - booking/session.go: Engine.Sweep
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/consultation-engine/booking"
)

// SessionScheduler drives the timed transitions of the booking engine.
type SessionScheduler struct {
	Engine        *booking.Engine
	CheckInterval time.Duration
	Enabled       bool

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSessionScheduler creates a new scheduler.
func NewSessionScheduler(engine *booking.Engine, log *zap.Logger) *SessionScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionScheduler{
		Engine:        engine,
		CheckInterval: 30 * time.Second,
		Enabled:       true,
		log:           log.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (s *SessionScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker.C, s.stop)

	s.log.Info("started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (s *SessionScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info("stopped")
	}
}

func (s *SessionScheduler) run(tick <-chan time.Time, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow()

	for {
		select {
		case <-tick:
			s.RunNow()
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep (for testing/admin).
func (s *SessionScheduler) RunNow() booking.SweepReport {
	ctx, cancel := context.WithTimeout(context.Background(), s.CheckInterval)
	defer cancel()

	rep, err := s.Engine.Sweep(ctx)
	if err != nil {
		s.log.Error("sweep failed", zap.Error(err))
		return rep
	}
	if rep != (booking.SweepReport{}) {
		s.log.Info("sweep completed",
			zap.Int("expired", rep.Expired),
			zap.Int("started", rep.Started),
			zap.Int("completed", rep.Completed),
			zap.Int("no_shows", rep.NoShows),
			zap.Int("cancelled", rep.Cancelled),
			zap.Int("failed", rep.Failed),
		)
	}
	return rep
}

/*
scheduler.go - Scheduled circulation sweep

PURPOSE:
  Periodically runs the circulation sweep: ages overdue loans to lost,
  bills aged to lost loans, sends due notices and charges reminder fees,
  and expires unbilled actual cost records.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Runs once immediately on start
  - Only one sweep runs at a time; a manual run waits for the scheduled one
  - Every run is recorded for audit and the admin endpoints

CONFIGURATION:
  - Interval: Time between sweeps (default: 1 minute)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(sweeper, store, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunSweep endpoint (manual sweep)
  - circulation/sweep.go: Sweeper
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/store/sqlite"
)

// SweepRecorder stores the report of each sweep.
type SweepRecorder interface {
	SaveSweepRun(ctx context.Context, report circulation.SweepReport) (sqlite.SweepRun, error)
}

// SweepScheduler runs the circulation sweep on a ticker.
type SweepScheduler struct {
	Sweeper  *circulation.Sweeper
	Recorder SweepRecorder
	Logger   *slog.Logger
	Interval time.Duration
	Enabled  bool
	Now      func() time.Time

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
	runMu  sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(sweeper *circulation.Sweeper, recorder SweepRecorder, logger *slog.Logger) *SweepScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepScheduler{
		Sweeper:  sweeper,
		Recorder: recorder,
		Logger:   logger.With("component", "sweep-scheduler"),
		Interval: time.Minute,
		Enabled:  true,
		Now:      time.Now,
	}
}

// Start begins the scheduler.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan bool)
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.Logger.Info("scheduler started", "interval", s.Interval)
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info("scheduler stopped")
	}
}

func (s *SweepScheduler) run(ticker *time.Ticker, stop chan bool) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-stop:
			return
		}
	}
}

func (s *SweepScheduler) sweep(ctx context.Context) {
	if _, err := s.RunNow(ctx, s.Now()); err != nil {
		s.Logger.Error("failed to record sweep", "error", err)
	}
}

// RunNow runs one sweep at now and records it.
func (s *SweepScheduler) RunNow(ctx context.Context, now time.Time) (sqlite.SweepRun, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	// The sweeper logs the run summary.
	report := s.Sweeper.Run(ctx, now)

	if s.Recorder == nil {
		return sqlite.SweepRun{RanAt: report.RanAt, Duration: report.Duration, Failures: len(report.Failures), Report: report}, nil
	}
	return s.Recorder.SaveSweepRun(ctx, report)
}

// NextRunTime returns when the next scheduled sweep will occur.
func (s *SweepScheduler) NextRunTime() time.Time {
	return s.Now().Add(s.Interval)
}

/*
scheduler.go - Background hold-expiry sweeper

PURPOSE:
  Holds expire lazily: any operation that touches a unit reverts an
  elapsed hold first. The sweeper makes expiry visible for units nobody
  touches, so inventory listings stop showing stale holds.

DESIGN:
  - Ticker loop with a stop channel, started and stopped by main
  - Each sweep lists held units whose expiry has passed and expires them
    through Engine.ExpireHold, the same locked path every operation
    uses, so a sweep never races a confirmation
  - Up to Concurrency units are expired in parallel (errgroup limit)
  - A failed unit is counted and logged; it never aborts the sweep
  - Only one sweep runs at a time; a manual trigger during a sweep gets
    ErrSweepInProgress
  - The last runs are kept in memory for GET /api/admin/sweeps

CONFIGURATION:
  - Interval:    time between sweeps (default: 1 minute)
  - Concurrency: parallel expirations (default: 4)
  - BatchSize:   max units per sweep, 0 for all (default: 500)
  - Enabled:     whether Start launches the loop

USAGE:
  sweeper := api.NewHoldSweeper(eng, store, log)
  sweeper.Start()
  defer sweeper.Stop()

SEE ALSO:
  - handlers.go: manual trigger and run history endpoints
  - engine/hold.go: ExpireHold
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/warp/booking-engine/engine"
)

// ErrSweepInProgress is returned when a sweep is requested while one runs.
var ErrSweepInProgress = errors.New("hold sweep already in progress")

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"

	historySize = 20
)

// SweepRun records the outcome of one sweep.
type SweepRun struct {
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"`
	AsOf       time.Time `json:"as_of"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Candidates int       `json:"candidates"`
	Expired    int       `json:"expired"`
	Skipped    int       `json:"skipped"` // confirmed, released or already swept by the time the lock was taken
	Failed     int       `json:"failed"`
	Errors     []string  `json:"errors,omitempty"`
}

// ExpiredHoldLister finds sweep candidates. engine.Store satisfies it.
type ExpiredHoldLister interface {
	ListExpiredHolds(ctx context.Context, asOf time.Time, limit int) ([]engine.InventoryID, error)
}

// HoldSweeper expires elapsed holds in the background.
type HoldSweeper struct {
	Engine      *engine.Engine
	Holds       ExpiredHoldLister
	Interval    time.Duration
	Concurrency int
	BatchSize   int
	Enabled     bool

	log     zerolog.Logger
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running sync.Mutex

	histMu  sync.RWMutex
	history []SweepRun
}

// NewHoldSweeper creates an enabled sweeper with default settings.
func NewHoldSweeper(eng *engine.Engine, holds ExpiredHoldLister, log zerolog.Logger) *HoldSweeper {
	return &HoldSweeper{
		Engine:      eng,
		Holds:       holds,
		Interval:    time.Minute,
		Concurrency: 4,
		BatchSize:   500,
		Enabled:     true,
		log:         log.With().Str("component", "hold_sweeper").Logger(),
	}
}

// Start launches the sweep loop. It sweeps once immediately.
func (s *HoldSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info().Msg("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)
	go s.run()

	s.log.Info().Dur("interval", s.Interval).Int("concurrency", s.Concurrency).Msg("started")
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *HoldSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info().Msg("stopped")
}

func (s *HoldSweeper) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.sweepLogged(ctx, TriggerSchedule)
	for {
		select {
		case <-s.ticker.C:
			s.sweepLogged(ctx, TriggerSchedule)
		case <-s.stop:
			return
		}
	}
}

func (s *HoldSweeper) sweepLogged(ctx context.Context, trigger string) {
	if _, err := s.Sweep(ctx, trigger); err != nil && !errors.Is(err, ErrSweepInProgress) && ctx.Err() == nil {
		s.log.Error().Err(err).Msg("sweep failed")
	}
}

// Sweep runs one pass now and records it in the history.
func (s *HoldSweeper) Sweep(ctx context.Context, trigger string) (SweepRun, error) {
	if !s.running.TryLock() {
		return SweepRun{}, ErrSweepInProgress
	}
	defer s.running.Unlock()

	run := SweepRun{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		AsOf:      s.Engine.Now(),
		StartedAt: time.Now().UTC(),
	}

	ids, err := s.Holds.ListExpiredHolds(ctx, run.AsOf, s.BatchSize)
	if err != nil {
		run.FinishedAt = time.Now().UTC()
		run.Errors = append(run.Errors, err.Error())
		s.record(run)
		return run, err
	}
	run.Candidates = len(ids)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.Concurrency, 1))
	for _, id := range ids {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			reverted, err := s.Engine.ExpireHold(gctx, id, engine.SystemActor)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				run.Failed++
				run.Errors = append(run.Errors, string(id)+": "+err.Error())
				s.log.Warn().Err(err).Str("inventory_id", string(id)).Msg("expire hold failed")
			case reverted:
				run.Expired++
			default:
				run.Skipped++
			}
			return nil
		})
	}
	err = g.Wait()
	run.FinishedAt = time.Now().UTC()
	s.record(run)

	if run.Expired > 0 || run.Failed > 0 {
		s.log.Info().
			Str("trigger", trigger).
			Int("expired", run.Expired).
			Int("skipped", run.Skipped).
			Int("failed", run.Failed).
			Dur("took", run.FinishedAt.Sub(run.StartedAt)).
			Msg("sweep finished")
	}
	return run, err
}

func (s *HoldSweeper) record(run SweepRun) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.history = append([]SweepRun{run}, s.history...)
	if len(s.history) > historySize {
		s.history = s.history[:historySize]
	}
}

// History returns recent runs, newest first.
func (s *HoldSweeper) History() []SweepRun {
	s.histMu.RLock()
	defer s.histMu.RUnlock()
	return append([]SweepRun(nil), s.history...)
}

// LastRun returns the most recent run, if any.
func (s *HoldSweeper) LastRun() (SweepRun, bool) {
	s.histMu.RLock()
	defer s.histMu.RUnlock()
	if len(s.history) == 0 {
		return SweepRun{}, false
	}
	return s.history[0], true
}

// NextRunTime estimates when the loop sweeps next.
func (s *HoldSweeper) NextRunTime() time.Time {
	if last, ok := s.LastRun(); ok && last.Trigger == TriggerSchedule {
		return last.StartedAt.Add(s.Interval)
	}
	return time.Now().UTC().Add(s.Interval)
}

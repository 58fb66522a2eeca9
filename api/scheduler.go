/*
scheduler.go - Automated monthly generation scheduler

PURPOSE:
  Periodically runs generation for the current competence month so that
  movements appear without anyone calling the generate endpoint. Repeating
  the run is harmless: months that already generated count as ignored.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each tick drains the backlog for the current month by repeating the
    batch call until no eligible rules remain
  - Per-rule failures stay inside the run summary; rules blocked or failed
    are retried on the next tick

USAGE:
  scheduler := NewGenerationScheduler(generator, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: GenerateMonth endpoint (manual trigger)
  - recurrence/generator.go: the engine this drives
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/recurrence-engine/recurrence"
)

// GenerationScheduler drives the generator on a fixed interval.
type GenerationScheduler struct {
	Generator     *recurrence.Generator
	CheckInterval time.Duration
	Enabled       bool

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewGenerationScheduler creates a scheduler with a one hour interval.
func NewGenerationScheduler(generator *recurrence.Generator, log zerolog.Logger) *GenerationScheduler {
	return &GenerationScheduler{
		Generator:     generator,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		log:           log.With().Str("component", "scheduler").Logger(),
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (gs *GenerationScheduler) Start() {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if !gs.Enabled {
		gs.log.Info().Msg("scheduler disabled, not starting")
		return
	}

	gs.ticker = time.NewTicker(gs.CheckInterval)
	gs.wg.Add(1)

	go gs.run()

	gs.log.Info().Dur("interval", gs.CheckInterval).Msg("scheduler started")
}

// Stop stops the scheduler.
func (gs *GenerationScheduler) Stop() {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.ticker != nil {
		gs.ticker.Stop()
		close(gs.stop)
		gs.wg.Wait()
		gs.log.Info().Msg("scheduler stopped")
	}
}

func (gs *GenerationScheduler) run() {
	defer gs.wg.Done()

	// Run immediately on start
	gs.RunNow()

	for {
		select {
		case <-gs.ticker.C:
			gs.RunNow()
		case <-gs.stop:
			return
		}
	}
}

// RunNow drains the current month's backlog immediately.
func (gs *GenerationScheduler) RunNow() {
	ctx := context.Background()
	month := recurrence.MonthOf(time.Now().UTC())

	var generated, blocked, failed int
	for {
		result, err := gs.Generator.GenerateForMonth(ctx, recurrence.GenerateInput{
			CompetenceMonth: month,
		})
		if err != nil {
			gs.log.Error().Err(err).Str("competence_month", month.String()).
				Msg("scheduled generation run failed")
			return
		}
		generated += result.GeneratedCount
		blocked += result.BlockedCount
		failed += result.FailedCount
		if result.ProcessedRules == 0 {
			break
		}
		// Blocked and failed rules stay eligible; without progress another
		// pass would reclaim the same rules forever.
		if result.GeneratedCount == 0 && result.IgnoredCount == 0 {
			break
		}
	}

	if generated > 0 || blocked > 0 || failed > 0 {
		gs.log.Info().
			Str("competence_month", month.String()).
			Int("generated", generated).
			Int("blocked", blocked).
			Int("failed", failed).
			Msg("scheduled generation completed")
	}
}

// GetNextRunTime returns when the next scheduled check will occur.
func (gs *GenerationScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(gs.CheckInterval)
}

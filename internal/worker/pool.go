package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gbtami/fairyfishnet/internal/client"
)

// DefaultStatsInterval is how often the pool logs throughput totals.
const DefaultStatsInterval = time.Minute

// Pool runs a set of worker slots plus the shared progress reporter and
// aggregates their fate into a single verdict.
type Pool struct {
	workers       []*Worker
	reporter      *ProgressReporter
	logger        *slog.Logger
	statsInterval time.Duration
}

// NewPool wraps ready built workers. The reporter may be nil.
func NewPool(workers []*Worker, reporter *ProgressReporter, logger *slog.Logger, statsInterval time.Duration) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if statsInterval <= 0 {
		statsInterval = DefaultStatsInterval
	}
	return &Pool{
		workers:       workers,
		reporter:      reporter,
		logger:        logger,
		statsInterval: statsInterval,
	}
}

// StopSoon lets every slot finish its current job and then stop.
func (p *Pool) StopSoon() {
	p.logger.Info("stopping soon, letting workers finish their jobs")
	for _, w := range p.workers {
		w.StopSoon()
	}
}

// Run starts every slot and blocks until all of them have stopped. An
// update request on any slot stops the whole pool. The returned error is
// the most actionable fatal condition across the slots, nil for a clean
// stop.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.workers) == 0 {
		return errors.New("no workers configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var background sync.WaitGroup
	if p.reporter != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			p.reporter.Run(runCtx)
		}()
	}
	background.Add(1)
	go func() {
		defer background.Done()
		p.stats(runCtx)
	}()

	var wg sync.WaitGroup
	errs := make([]error, len(p.workers))
	for i, w := range p.workers {
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			err := w.Run(runCtx)
			errs[i] = err
			if err == nil {
				return
			}
			p.logger.Error("worker gave up",
				slog.String("worker", w.Name()),
				slog.String("error", err.Error()))
			if isFatal(err) {
				// No point letting the other slots keep crunching.
				cancel()
			}
		}(i, w)
	}

	wg.Wait()
	cancel()
	background.Wait()

	p.logTotals()
	return p.verdict(errs)
}

// verdict folds the per slot errors into the pool result. An update
// request wins, then rejected credentials, then a pool whose every
// engine failed; a pool where at least one slot worked stops clean.
func (p *Pool) verdict(errs []error) error {
	var credentials, other error
	unavailable := 0
	for _, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, client.ErrUpdateRequired) {
			return err
		}
		var ce *client.CredentialsError
		if errors.As(err, &ce) {
			credentials = err
			continue
		}
		if errors.Is(err, ErrEngineUnavailable) {
			unavailable++
			continue
		}
		if other == nil {
			other = err
		}
	}

	if credentials != nil {
		return credentials
	}
	if unavailable == len(p.workers) {
		return fmt.Errorf("%w on every slot", ErrEngineUnavailable)
	}
	return other
}

func (p *Pool) stats(ctx context.Context) {
	ticker := time.NewTicker(p.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.logTotals()
		}
	}
}

func (p *Pool) logTotals() {
	var nodes, positions int64
	for _, w := range p.workers {
		nodes += w.Nodes()
		positions += w.Positions()
	}
	p.logger.Info("crunched",
		slog.Int64("positions", positions),
		slog.Int64("mnodes", nodes/1_000_000),
		slog.String("workers", p.stateSummary()))
}

// stateSummary renders the slot states as "idle:2 running:3".
func (p *Pool) stateSummary() string {
	counts := make(map[string]int)
	for _, w := range p.workers {
		counts[w.State().String()]++
	}

	states := make([]string, 0, len(counts))
	for state := range counts {
		states = append(states, state)
	}
	sort.Strings(states)

	parts := make([]string, 0, len(states))
	for _, state := range states {
		parts = append(parts, fmt.Sprintf("%s:%d", state, counts[state]))
	}
	return strings.Join(parts, " ")
}

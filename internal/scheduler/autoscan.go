// Package scheduler runs the periodic scan of every placed plan.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"gttdesk/internal/desk"
	"gttdesk/internal/util"
)

// Scanner is the part of the desk the scheduler drives.
type Scanner interface {
	ScanAll(ctx context.Context) (*desk.ScanSummary, error)
}

// AutoScan scans all plans on a cron schedule (with a seconds field). When a
// trading calendar is set, ticks outside its session are skipped. A tick that
// is still running when the next one fires causes that one to be skipped.
type AutoScan struct {
	cron     *cron.Cron
	scanner  Scanner
	calendar *util.TradingCalendar
	log      *slog.Logger
	now      func() time.Time
}

// New creates an AutoScan. A nil calendar scans around the clock.
func New(scanner Scanner, schedule string, calendar *util.TradingCalendar, log *slog.Logger) (*AutoScan, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &AutoScan{
		scanner:  scanner,
		calendar: calendar,
		log:      log,
		now:      time.Now,
	}
	a.cron = cron.New(
		cron.WithSeconds(),
		cron.WithLocation(util.IST),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := a.cron.AddFunc(schedule, func() { a.Tick(context.Background()) }); err != nil {
		return nil, fmt.Errorf("autoscan schedule %q: %w", schedule, err)
	}
	return a, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running tick to finish.
func (a *AutoScan) Run(ctx context.Context) error {
	a.log.Info("autoscan started", "entries", len(a.cron.Entries()))
	a.cron.Start()
	<-ctx.Done()
	<-a.cron.Stop().Done()
	a.log.Info("autoscan stopped")
	return nil
}

// Tick performs one scheduled sweep. It reports whether a sweep ran.
func (a *AutoScan) Tick(ctx context.Context) bool {
	if a.calendar != nil && !a.calendar.IsMarketOpen(a.now()) {
		a.log.Debug("autoscan skipped outside market hours")
		return false
	}
	sum, err := a.scanner.ScanAll(ctx)
	if err != nil {
		a.log.Warn("autoscan failed", "error", err)
		return true
	}
	for id, msg := range sum.Failed {
		a.log.Warn("autoscan plan failed", "plan", id, "error", msg)
	}
	return true
}

package util

import (
	"time"
)

// IST is India Standard Time. India observes no daylight saving, so a fixed
// zone avoids depending on the tz database.
var IST = time.FixedZone("IST", 5*3600+1800)

// TradingCalendar provides market-hours awareness for a single exchange
// session. Holidays are not modelled.
type TradingCalendar struct {
	loc   *time.Location
	open  time.Duration // offset from local midnight
	close time.Duration
}

// NewTradingCalendar creates a TradingCalendar for a weekday session between
// open and close (offsets from midnight) in loc.
func NewTradingCalendar(loc *time.Location, opens, closes time.Duration) *TradingCalendar {
	return &TradingCalendar{loc: loc, open: opens, close: closes}
}

// NSECalendar returns the NSE/BSE equity session, 09:15 to 15:30 IST.
func NSECalendar() *TradingCalendar {
	return NewTradingCalendar(IST, 9*time.Hour+15*time.Minute, 15*time.Hour+30*time.Minute)
}

// IsMarketOpen returns whether the market is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	t = t.In(tc.loc)
	if !isWeekday(t) {
		return false
	}
	since := t.Sub(midnight(t))
	return since >= tc.open && since < tc.close
}

// NextOpen returns the next market open time at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	t = t.In(tc.loc)
	for day := midnight(t); ; day = day.AddDate(0, 0, 1) {
		if !isWeekday(day) {
			continue
		}
		if open := day.Add(tc.open); !open.Before(t) {
			return open
		}
	}
}

// NextClose returns the next market close time at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	t = t.In(tc.loc)
	for day := midnight(t); ; day = day.AddDate(0, 0, 1) {
		if !isWeekday(day) {
			continue
		}
		if cl := day.Add(tc.close); !cl.Before(t) {
			return cl
		}
	}
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func isWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

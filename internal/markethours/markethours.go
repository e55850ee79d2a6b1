// Package markethours classifies instants against the KRX trading session.
//
// All session boundaries are KST wall-clock. The holiday calendar is injected
// so tests (and year rollovers) never depend on a compiled-in table.
package markethours

import (
	"fmt"
	"time"

	"github.com/hyunwoolee/kis-trend-atr/internal/models"
)

// Status is the session phase at an instant.
type Status string

const (
	StatusClosed       Status = "CLOSED"
	StatusPreOpen      Status = "PRE_OPEN_AUCTION" // 08:30-09:00
	StatusOpen         Status = "OPEN"             // 09:00-15:20, continuous session
	StatusCloseAuction Status = "CLOSE_AUCTION"    // 15:20-15:30
)

// Session boundaries in minutes from midnight KST.
const (
	preOpenStartMin = 8*60 + 30
	openStartMin    = 9 * 60
	closeAuctionMin = 15*60 + 20
	sessionEndMin   = 15*60 + 30
)

// Clock abstracts time.Now so the session logic is testable frozen.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock is a frozen Clock for tests.
type FixedClock struct{ T time.Time }

// Now returns the frozen instant.
func (c FixedClock) Now() time.Time { return c.T }

// Calendar answers whether a KST date is a market holiday.
type Calendar interface {
	IsHoliday(date time.Time) bool
}

// HolidaySet is a Calendar backed by a set of YYYY-MM-DD dates.
type HolidaySet map[string]struct{}

// NewHolidaySet parses YYYY-MM-DD strings into a HolidaySet. Invalid entries
// are reported, not silently dropped.
func NewHolidaySet(dates []string) (HolidaySet, error) {
	set := make(HolidaySet, len(dates))
	for _, d := range dates {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, fmt.Errorf("holiday %q: %w", d, err)
		}
		set[d] = struct{}{}
	}
	return set, nil
}

// IsHoliday reports whether the KST date of t is in the set.
func (h HolidaySet) IsHoliday(t time.Time) bool {
	_, ok := h[t.In(models.KST).Format("2006-01-02")]
	return ok
}

// Service classifies instants and gates order placement.
type Service struct {
	calendar Calendar
	enforce  bool
}

// NewService builds a Service. With enforce=false, Tradeable always passes
// (used by DRY_RUN replay and backtests); Status still reports truthfully.
func NewService(calendar Calendar, enforce bool) *Service {
	if calendar == nil {
		calendar = HolidaySet{}
	}
	return &Service{calendar: calendar, enforce: enforce}
}

// Status returns the session phase at t.
func (s *Service) Status(t time.Time) Status {
	kst := t.In(models.KST)
	if wd := kst.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return StatusClosed
	}
	if s.calendar.IsHoliday(kst) {
		return StatusClosed
	}

	min := kst.Hour()*60 + kst.Minute()
	switch {
	case min >= preOpenStartMin && min < openStartMin:
		return StatusPreOpen
	case min >= openStartMin && min < closeAuctionMin:
		return StatusOpen
	case min >= closeAuctionMin && min < sessionEndMin:
		return StatusCloseAuction
	default:
		return StatusClosed
	}
}

// Tradeable reports whether an order may be attempted at t. Only OPEN
// qualifies; emergency exits may additionally attempt during the close
// auction. Entries never trade outside OPEN regardless of flags.
func (s *Service) Tradeable(t time.Time, emergency bool) (bool, string) {
	if !s.enforce {
		return true, "market hours not enforced"
	}
	status := s.Status(t)
	switch status {
	case StatusOpen:
		return true, ""
	case StatusCloseAuction:
		if emergency {
			return true, "emergency exit during close auction"
		}
		return false, "close auction: only emergency exits may trade"
	default:
		return false, fmt.Sprintf("market %s", status)
	}
}

// NextOpen returns the duration from t until the next session open.
// Returns zero if the market is open at t.
func (s *Service) NextOpen(t time.Time) time.Duration {
	kst := t.In(models.KST)
	if s.Status(kst) == StatusOpen {
		return 0
	}

	// Scan forward day by day; the KR calendar never closes the market for
	// more than a handful of consecutive days.
	for day := 0; day < 30; day++ {
		candidate := kst.AddDate(0, 0, day)
		open := time.Date(candidate.Year(), candidate.Month(), candidate.Day(), 9, 0, 0, 0, models.KST)
		if !open.After(kst) {
			continue
		}
		if wd := open.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		if s.calendar.IsHoliday(open) {
			continue
		}
		return open.Sub(kst)
	}
	return 0
}

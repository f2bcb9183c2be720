// Package calendar answers market-session questions: is a market open, what
// was its last trading day, and what close stamp keys a daily bar.
package calendar

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/models"
)

// Session is one continuous trading window in market-local wall clock,
// expressed as minutes after midnight.
type Session struct {
	Open  int
	Close int
}

// Market describes one market's trading week.
type Market struct {
	Code     string
	Location *time.Location
	Weekdays map[time.Weekday]bool
	Sessions []Session
}

// Calendar holds the per-market configuration and holiday sets.
type Calendar struct {
	markets  map[string]*Market
	holidays map[string]map[string]bool
}

// Open-state reasons.
const (
	ReasonInSession  = "in session"
	ReasonWeekend    = "weekend"
	ReasonHoliday    = "holiday"
	ReasonBeforeOpen = "before open"
	ReasonLunch      = "lunch break"
	ReasonAfterClose = "after close"
)

func hm(h, m int) int { return h*60 + m }

var weekdays = map[time.Weekday]bool{
	time.Monday: true, time.Tuesday: true, time.Wednesday: true, time.Thursday: true, time.Friday: true,
}

var everyDay = map[time.Weekday]bool{
	time.Sunday: true, time.Monday: true, time.Tuesday: true, time.Wednesday: true,
	time.Thursday: true, time.Friday: true, time.Saturday: true,
}

// loadLocation falls back to a fixed offset when tzdata is unavailable.
func loadLocation(name string, offsetHours int) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone(name, offsetHours*3600)
	}
	return loc
}

// DefaultMarkets returns the built-in session tables.
func DefaultMarkets() map[string]*Market {
	return map[string]*Market{
		models.MarketCN: {
			Code:     models.MarketCN,
			Location: loadLocation("Asia/Shanghai", 8),
			Weekdays: weekdays,
			Sessions: []Session{{hm(9, 30), hm(11, 30)}, {hm(13, 0), hm(15, 0)}},
		},
		models.MarketHK: {
			Code:     models.MarketHK,
			Location: loadLocation("Asia/Hong_Kong", 8),
			Weekdays: weekdays,
			Sessions: []Session{{hm(9, 30), hm(12, 0)}, {hm(13, 0), hm(16, 0)}},
		},
		models.MarketUS: {
			Code:     models.MarketUS,
			Location: loadLocation("America/New_York", -5),
			Weekdays: weekdays,
			Sessions: []Session{{hm(9, 30), hm(16, 0)}},
		},
		models.MarketWorld: {
			Code:     models.MarketWorld,
			Location: time.UTC,
			Weekdays: everyDay,
			Sessions: []Session{{0, hm(24, 0)}},
		},
	}
}

// New builds a calendar. holidays maps market -> "2006-01-02" dates that are
// not trading days even when they fall on a trading weekday.
func New(holidays map[string][]string) (*Calendar, error) {
	c := &Calendar{
		markets:  DefaultMarkets(),
		holidays: make(map[string]map[string]bool),
	}
	for market, days := range holidays {
		if _, ok := c.markets[market]; !ok {
			return nil, fmt.Errorf("holidays configured for unknown market %q", market)
		}
		set := make(map[string]bool, len(days))
		for _, d := range days {
			if _, err := time.Parse(models.DateLayout, d); err != nil {
				return nil, fmt.Errorf("invalid holiday %q for %s: %w", d, market, err)
			}
			set[d] = true
		}
		c.holidays[market] = set
	}
	return c, nil
}

func (c *Calendar) market(code string) (*Market, error) {
	m, ok := c.markets[code]
	if !ok {
		return nil, common.NewInputError("calendar", code, "unknown market")
	}
	return m, nil
}

// Location returns the market's time zone.
func (c *Calendar) Location(market string) (*time.Location, error) {
	m, err := c.market(market)
	if err != nil {
		return nil, err
	}
	return m.Location, nil
}

// IsTradingDay reports whether the market-local date of at is a trading day.
func (c *Calendar) IsTradingDay(market string, at time.Time) (bool, error) {
	m, err := c.market(market)
	if err != nil {
		return false, err
	}
	local := at.In(m.Location)
	return c.isTradingDate(m, local), nil
}

func (c *Calendar) isTradingDate(m *Market, local time.Time) bool {
	if !m.Weekdays[local.Weekday()] {
		return false
	}
	return !c.holidays[m.Code][local.Format(models.DateLayout)]
}

// IsOpen reports whether the market is in a trading session at the given
// instant, with the reason.
func (c *Calendar) IsOpen(market string, at time.Time) (bool, string, error) {
	m, err := c.market(market)
	if err != nil {
		return false, "", err
	}
	local := at.In(m.Location)
	if !m.Weekdays[local.Weekday()] {
		return false, ReasonWeekend, nil
	}
	if c.holidays[m.Code][local.Format(models.DateLayout)] {
		return false, ReasonHoliday, nil
	}

	minute := local.Hour()*60 + local.Minute()
	if minute < m.Sessions[0].Open {
		return false, ReasonBeforeOpen, nil
	}
	for i, s := range m.Sessions {
		if minute >= s.Open && minute < s.Close {
			return true, ReasonInSession, nil
		}
		if i+1 < len(m.Sessions) && minute >= s.Close && minute < m.Sessions[i+1].Open {
			return false, ReasonLunch, nil
		}
	}
	return false, ReasonAfterClose, nil
}

// LastTradingDay returns the market-local date (midnight in the market's
// zone) of the most recent trading day whose session has started by at.
func (c *Calendar) LastTradingDay(market string, at time.Time) (time.Time, error) {
	m, err := c.market(market)
	if err != nil {
		return time.Time{}, err
	}
	local := at.In(m.Location)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, m.Location)

	minute := local.Hour()*60 + local.Minute()
	if c.isTradingDate(m, day) && minute >= m.Sessions[0].Open {
		return day, nil
	}
	for i := 0; i < 366; i++ {
		day = day.AddDate(0, 0, -1)
		if c.isTradingDate(m, day) {
			return day, nil
		}
	}
	return time.Time{}, fmt.Errorf("no trading day within a year before %s for %s", local.Format(models.DateLayout), market)
}

// ExpectedCloseStamp is the canonical end-of-day timestamp keying a daily
// bar: the date at the final session close, as naive market-local text.
func (c *Calendar) ExpectedCloseStamp(market string, date time.Time) (string, error) {
	m, err := c.market(market)
	if err != nil {
		return "", err
	}
	closeMin := m.Sessions[len(m.Sessions)-1].Close
	if closeMin >= hm(24, 0) {
		closeMin = hm(23, 59)
	}
	stamp := time.Date(date.Year(), date.Month(), date.Day(), closeMin/60, closeMin%60, 0, 0, time.UTC)
	if closeMin == hm(23, 59) {
		stamp = stamp.Add(59 * time.Second)
	}
	return stamp.Format(models.TimestampLayout), nil
}

// DateOf returns the naive date of a close stamp or date string.
func DateOf(stamp string) (time.Time, error) {
	if len(stamp) < len(models.DateLayout) {
		return time.Time{}, fmt.Errorf("invalid stamp %q", stamp)
	}
	return time.Parse(models.DateLayout, stamp[:len(models.DateLayout)])
}

package eodhd

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/guregu/null/v6"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/models"
	"github.com/bobmcallan/marketcore/internal/symbols"
)

// fundamentalsResponse is the subset of /fundamentals used for reports.
// EODHD publishes discrete quarters; reports carry year-to-date values so
// quarters are accumulated per fiscal year below.
type fundamentalsResponse struct {
	General struct {
		Code          string `json:"Code"`
		CurrencyCode  string `json:"CurrencyCode"`
		FiscalYearEnd string `json:"FiscalYearEnd"`
	} `json:"General"`
	Earnings struct {
		History map[string]struct {
			Date      string       `json:"date"`
			EPSActual *flexFloat64 `json:"epsActual"`
		} `json:"History"`
	} `json:"Earnings"`
	Financials struct {
		IncomeStatement struct {
			CurrencySymbol string `json:"currency_symbol"`
			Quarterly      map[string]struct {
				Date         string       `json:"date"`
				NetIncome    *flexFloat64 `json:"netIncome"`
				TotalRevenue *flexFloat64 `json:"totalRevenue"`
			} `json:"quarterly"`
		} `json:"Income_Statement"`
	} `json:"Financials"`
}

type quarter struct {
	date    time.Time
	eps     null.Float
	income  null.Float
	revenue null.Float
}

// FetchFundamentals returns year-to-date fiscal reports.
func (c *Client) FetchFundamentals(ctx context.Context, assetID string) ([]models.FinancialReport, error) {
	sym := symbols.Render(assetID, Name)

	var resp fundamentalsResponse
	if err := c.get(ctx, sym, "/fundamentals/"+sym, nil, &resp); err != nil {
		return nil, err
	}

	currency := resp.Financials.IncomeStatement.CurrencySymbol
	if currency == "" {
		currency = resp.General.CurrencyCode
	}
	fyEnd := fiscalYearEndMonth(resp.General.FiscalYearEnd)

	quarters := map[string]*quarter{}
	entry := func(date string) *quarter {
		q, ok := quarters[date]
		if !ok {
			d, err := time.Parse(models.DateLayout, date)
			if err != nil {
				return nil
			}
			q = &quarter{date: d}
			quarters[date] = q
		}
		return q
	}
	for key, e := range resp.Earnings.History {
		date := e.Date
		if date == "" {
			date = key
		}
		if q := entry(date); q != nil && e.EPSActual != nil {
			q.eps = null.FloatFrom(float64(*e.EPSActual))
		}
	}
	for key, f := range resp.Financials.IncomeStatement.Quarterly {
		date := f.Date
		if date == "" {
			date = key
		}
		q := entry(date)
		if q == nil {
			continue
		}
		if f.NetIncome != nil {
			q.income = null.FloatFrom(float64(*f.NetIncome))
		}
		if f.TotalRevenue != nil {
			q.revenue = null.FloatFrom(float64(*f.TotalRevenue))
		}
	}

	sorted := make([]*quarter, 0, len(quarters))
	for _, q := range quarters {
		sorted = append(sorted, q)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].date.Before(sorted[j].date) })

	reports := ytdReports(assetID, currency, fyEnd, sorted)
	if len(reports) == 0 {
		return nil, common.NewProviderError(Name, sym, 0, common.ErrEmptyResponse)
	}
	return reports, nil
}

// fiscalYearEndMonth parses "December" style names, defaulting to December.
func fiscalYearEndMonth(name string) time.Month {
	if t, err := time.Parse("January", strings.TrimSpace(name)); err == nil {
		return t.Month()
	}
	return time.December
}

// fiscalPosition returns the quarter number 1..4 of month within a fiscal
// year ending in fyEnd.
func fiscalPosition(month, fyEnd time.Month) int {
	return (int(month)-int(fyEnd)+11)%12/3 + 1
}

// fiscalYear labels a date by the calendar year its fiscal year ends in.
func fiscalYear(d time.Time, fyEnd time.Month) int {
	if d.Month() > fyEnd {
		return d.Year() + 1
	}
	return d.Year()
}

// ytdReports accumulates discrete quarters into year-to-date reports. A
// quarter is emitted only when every earlier quarter of its fiscal year is
// present; a field missing from any quarter is null for the rest of the year.
func ytdReports(assetID, currency string, fyEnd time.Month, sorted []*quarter) []models.FinancialReport {
	var (
		out     []models.FinancialReport
		year    = -1
		count   int
		eps     null.Float
		income  null.Float
		revenue null.Float
	)
	add := func(acc *null.Float, v null.Float, first bool) {
		switch {
		case first:
			*acc = v
		case acc.Valid && v.Valid:
			*acc = null.FloatFrom(acc.Float64 + v.Float64)
		default:
			*acc = null.Float{}
		}
	}

	for _, q := range sorted {
		if fy := fiscalYear(q.date, fyEnd); fy != year {
			year, count = fy, 0
		}
		count++
		first := count == 1
		add(&eps, q.eps, first)
		add(&income, q.income, first)
		add(&revenue, q.revenue, first)

		if fiscalPosition(q.date.Month(), fyEnd) != count {
			continue
		}
		if !eps.Valid && !income.Valid && !revenue.Valid {
			continue
		}
		reportType := models.ReportQuarterly
		if q.date.Month() == fyEnd {
			reportType = models.ReportAnnual
		}
		out = append(out, models.FinancialReport{
			AssetID:    assetID,
			ReportDate: q.date.Format(models.DateLayout),
			ReportType: reportType,
			EPS:        eps,
			NetIncome:  income,
			Revenue:    revenue,
			Currency:   currency,
			Source:     Name,
		})
	}
	return out
}

package etl

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bobmcallan/marketcore/internal/models"
)

type datedReport struct {
	date time.Time
	ytd  decimal.Decimal
	rep  models.FinancialReport
}

// sortedReports keeps reports with a parseable date and EPS, ascending.
func sortedReports(reports []models.FinancialReport) []datedReport {
	out := make([]datedReport, 0, len(reports))
	for _, r := range reports {
		if !r.EPS.Valid {
			continue
		}
		d, err := r.Date()
		if err != nil {
			continue
		}
		out = append(out, datedReport{date: d, ytd: decimal.NewFromFloat(r.EPS.Float64), rep: r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].date.Before(out[j].date) })
	return out
}

func isAnnual(r datedReport) bool {
	if r.rep.ReportType != "" {
		return r.rep.ReportType == models.ReportAnnual
	}
	return r.date.Month() == time.December
}

// TTMEPS rolls year-to-date EPS up to a trailing-twelve-month figure as of
// asOf. The latest report on or before asOf decides: an annual report is its
// own TTM; an interim one needs the previous annual report and the prior
// year's same-period report. Any missing input leaves TTM undefined.
func TTMEPS(reports []models.FinancialReport, asOf time.Time) (decimal.Decimal, *models.FinancialReport, bool) {
	return ttmFromSorted(sortedReports(reports), asOf)
}

func ttmFromSorted(sorted []datedReport, asOf time.Time) (decimal.Decimal, *models.FinancialReport, bool) {
	latest := -1
	for i, r := range sorted {
		if r.date.After(asOf) {
			break
		}
		latest = i
	}
	if latest < 0 {
		return decimal.Zero, nil, false
	}
	cur := sorted[latest]
	if isAnnual(cur) {
		return cur.ytd, &cur.rep, true
	}

	var prevAnnual, priorSame *datedReport
	// month start: AddDate would carry Feb 29 into March
	yearAgo := time.Date(cur.date.Year()-1, cur.date.Month(), 1, 0, 0, 0, 0, cur.date.Location())
	for i := latest - 1; i >= 0; i-- {
		r := sorted[i]
		if prevAnnual == nil && isAnnual(r) && r.date.After(yearAgo) {
			prevAnnual = &sorted[i]
		}
		if priorSame == nil && !isAnnual(r) && sameFiscalPeriod(r.date, yearAgo) {
			priorSame = &sorted[i]
		}
	}
	if prevAnnual == nil || priorSame == nil {
		return decimal.Zero, &cur.rep, false
	}
	return prevAnnual.ytd.Add(cur.ytd).Sub(priorSame.ytd), &cur.rep, true
}

// sameFiscalPeriod matches report dates by year and month; period ends drift
// by a day or two between filings.
func sameFiscalPeriod(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}

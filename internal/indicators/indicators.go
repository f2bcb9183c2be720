// Package indicators computes the technical indicator columns persisted with
// daily history. Every function is a full batch recompute over the series.
package indicators

import (
	"github.com/guregu/null/v6"
	"github.com/markcheno/go-talib"

	"github.com/bobmcallan/marketcore/internal/models"
)

// Moving average periods persisted per bar.
var MAPeriods = []int{5, 10, 20, 30, 60}

// RSI periods persisted per bar.
var RSIPeriods = []int{6, 12, 24}

// MACD and KDJ parameters.
const (
	MACDFast   = 12
	MACDSlow   = 26
	MACDSignal = 9
	KDJWindow  = 9
)

// SMA is the simple moving average of closes; values before a full window
// are null.
func SMA(closes []float64, period int) []null.Float {
	out := make([]null.Float, len(closes))
	if period <= 0 || len(closes) < period {
		return out
	}
	sma := talib.Sma(closes, period)
	for i := period - 1; i < len(closes); i++ {
		out[i] = null.FloatFrom(sma[i])
	}
	return out
}

// EMA is the recursive exponential average seeded at the first value.
func EMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	alpha := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// MACDResult holds the three MACD series.
type MACDResult struct {
	DIF  []float64
	DEA  []float64
	Hist []float64
}

// MACD computes DIF = EMA(fast) - EMA(slow), DEA = EMA(DIF, signal) and
// the histogram 2*(DIF-DEA).
func MACD(closes []float64, fast, slow, signal int) MACDResult {
	emaFast := EMA(closes, fast)
	emaSlow := EMA(closes, slow)
	dif := make([]float64, len(closes))
	for i := range closes {
		dif[i] = emaFast[i] - emaSlow[i]
	}
	dea := EMA(dif, signal)
	hist := make([]float64, len(closes))
	for i := range closes {
		hist[i] = 2 * (dif[i] - dea[i])
	}
	return MACDResult{DIF: dif, DEA: dea, Hist: hist}
}

// KDJResult holds the three KDJ series.
type KDJResult struct {
	K []float64
	D []float64
	J []float64
}

// KDJ computes the stochastic oscillator over a rolling window that accepts
// partial windows at the start. K and D are seeded at 50 and smoothed with
// weight 1/3; all three are clamped to [0, 100].
func KDJ(highs, lows, closes []float64, n int) KDJResult {
	size := len(closes)
	res := KDJResult{K: make([]float64, size), D: make([]float64, size), J: make([]float64, size)}
	prevK, prevD := 50.0, 50.0
	for i := 0; i < size; i++ {
		start := i - n + 1
		if start < 0 {
			start = 0
		}
		lo, hi := lows[start], highs[start]
		for j := start + 1; j <= i; j++ {
			if lows[j] < lo {
				lo = lows[j]
			}
			if highs[j] > hi {
				hi = highs[j]
			}
		}
		rsv := 50.0
		if hi > lo {
			rsv = (closes[i] - lo) / (hi - lo) * 100
		}
		k := 2.0/3.0*prevK + 1.0/3.0*rsv
		d := 2.0/3.0*prevD + 1.0/3.0*k
		j := 3*k - 2*d
		prevK, prevD = k, d
		res.K[i], res.D[i], res.J[i] = clamp(k), clamp(d), clamp(j)
	}
	return res
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// RSI is Wilder's relative strength index. The first value lands at index
// period. talib reports 0 while the series has not moved; that is 50 here.
func RSI(closes []float64, period int) []null.Float {
	out := make([]null.Float, len(closes))
	if period < 2 || len(closes) <= period {
		return out
	}
	rsi := talib.Rsi(closes, period)
	flat := true
	for i := 1; i < len(closes); i++ {
		flat = flat && closes[i] == closes[i-1]
		if i < period {
			continue
		}
		if flat {
			out[i] = null.FloatFrom(50)
		} else {
			out[i] = null.FloatFrom(rsi[i])
		}
	}
	return out
}

// Compute returns the indicator columns for bars sorted by timestamp.
func Compute(bars []models.DailyBar) []models.Indicators {
	n := len(bars)
	out := make([]models.Indicators, n)
	if n == 0 {
		return out
	}
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, b := range bars {
		closes[i], highs[i], lows[i] = b.Close, b.High, b.Low
	}

	ma := make(map[int][]null.Float, len(MAPeriods))
	for _, p := range MAPeriods {
		ma[p] = SMA(closes, p)
	}
	rsi := make(map[int][]null.Float, len(RSIPeriods))
	for _, p := range RSIPeriods {
		rsi[p] = RSI(closes, p)
	}
	macd := MACD(closes, MACDFast, MACDSlow, MACDSignal)
	kdj := KDJ(highs, lows, closes, KDJWindow)

	for i := range bars {
		out[i] = models.Indicators{
			MA5:      ma[5][i],
			MA10:     ma[10][i],
			MA20:     ma[20][i],
			MA30:     ma[30][i],
			MA60:     ma[60][i],
			MACDDIF:  null.FloatFrom(macd.DIF[i]),
			MACDDEA:  null.FloatFrom(macd.DEA[i]),
			MACDHist: null.FloatFrom(macd.Hist[i]),
			KDJK:     null.FloatFrom(kdj.K[i]),
			KDJD:     null.FloatFrom(kdj.D[i]),
			KDJJ:     null.FloatFrom(kdj.J[i]),
			RSI6:     rsi[6][i],
			RSI12:    rsi[12][i],
			RSI24:    rsi[24][i],
		}
	}
	return out
}

package normalize

// Canonical column names.
const (
	ColTimestamp     = "timestamp"
	ColOpen          = "open"
	ColHigh          = "high"
	ColLow           = "low"
	ColClose         = "close"
	ColVolume        = "volume"
	ColTurnover      = "turnover"
	ColChange        = "change"
	ColPctChange     = "pct_change"
	ColPrevClose     = "prev_close"
	ColPE            = "pe"
	ColPB            = "pb"
	ColPS            = "ps"
	ColEPS           = "eps"
	ColDividendYield = "dividend_yield"
	ColMarketCap     = "market_cap"
)

// canonicalColumns is the canonical schema in output order.
var canonicalColumns = []string{
	ColTimestamp, ColOpen, ColHigh, ColLow, ColClose, ColVolume, ColTurnover,
	ColChange, ColPctChange, ColPrevClose, ColPE, ColPB, ColPS, ColEPS,
	ColDividendYield, ColMarketCap,
}

var isCanonical = func() map[string]bool {
	m := make(map[string]bool, len(canonicalColumns))
	for _, c := range canonicalColumns {
		m[c] = true
	}
	return m
}()

// Source names known to the normalizer.
const (
	SourceEastmoney = "eastmoney"
	SourceYahoo     = "yahoo"
	SourceEODHD     = "eodhd"
	SourceTushare   = "tushare"
	SourceSina      = "sina"
	SourceGeneric   = "generic"
)

// columnMaps renames provider columns to canonical names. Adding a provider
// means adding an entry here and a signature below.
var columnMaps = map[string]map[string]string{
	SourceEastmoney: {
		"日期":  ColTimestamp,
		"时间":  ColTimestamp,
		"开盘":  ColOpen,
		"收盘":  ColClose,
		"最新价": ColClose,
		"今开":  ColOpen,
		"最高":  ColHigh,
		"最低":  ColLow,
		"成交量": ColVolume,
		"成交额": ColTurnover,
		"涨跌幅": ColPctChange,
		"涨跌额": ColChange,
		"昨收":  ColPrevClose,
		"市盈率": ColPE,
		"市净率": ColPB,
		"总市值": ColMarketCap,
	},
	SourceYahoo: {
		"Date":                       ColTimestamp,
		"Datetime":                   ColTimestamp,
		"Open":                       ColOpen,
		"High":                       ColHigh,
		"Low":                        ColLow,
		"Close":                      ColClose,
		"Volume":                     ColVolume,
		"regularMarketTime":          ColTimestamp,
		"regularMarketPrice":         ColClose,
		"regularMarketDayHigh":       ColHigh,
		"regularMarketDayLow":        ColLow,
		"regularMarketVolume":        ColVolume,
		"regularMarketChangePercent": ColPctChange,
		"chartPreviousClose":         ColPrevClose,
		"previousClose":              ColPrevClose,
		"trailingPE":                 ColPE,
		"marketCap":                  ColMarketCap,
	},
	SourceEODHD: {
		"date":                 ColTimestamp,
		"change_p":             ColPctChange,
		"previousClose":        ColPrevClose,
		"MarketCapitalization": ColMarketCap,
	},
	SourceTushare: {
		"trade_date": ColTimestamp,
		"vol":        ColVolume,
		"amount":     ColTurnover,
		"pct_chg":    ColPctChange,
		"pre_close":  ColPrevClose,
		"pe_ttm":     ColPE,
		"pb":         ColPB,
		"ps_ttm":     ColPS,
		"total_mv":   ColMarketCap,
	},
	SourceSina: {
		"day":    ColTimestamp,
		"amount": ColTurnover,
	},
	SourceGeneric: {
		"date":     ColTimestamp,
		"datetime": ColTimestamp,
		"time":     ColTimestamp,
		"Date":     ColTimestamp,
		"Open":     ColOpen,
		"High":     ColHigh,
		"Low":      ColLow,
		"Close":    ColClose,
		"Volume":   ColVolume,
		"amount":   ColTurnover,
	},
}

// signatures are the columns whose presence votes for a source.
var signatures = map[string][]string{
	SourceEastmoney: {"日期", "开盘", "收盘", "最高", "最低", "成交量", "成交额", "振幅", "涨跌幅", "涨跌额", "换手率"},
	SourceYahoo:     {"Date", "Datetime", "Adj Close", "adjclose", "regularMarketPrice", "regularMarketTime", "chartPreviousClose"},
	SourceEODHD:     {"date", "adjusted_close", "change_p", "previousClose", "code", "gmtoffset"},
	SourceTushare:   {"ts_code", "trade_date", "pre_close", "pct_chg", "vol", "amount"},
	SourceSina:      {"day", "ma_price5", "ma_volume5"},
}

// detectOrder breaks voting ties deterministically.
var detectOrder = []string{SourceEastmoney, SourceYahoo, SourceEODHD, SourceTushare, SourceSina}

// Detect picks the source whose signature columns best match, returning the
// generic source when nothing votes.
func Detect(columns []string) (string, int) {
	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}
	best, bestVotes := SourceGeneric, 0
	for _, src := range detectOrder {
		votes := 0
		for _, sig := range signatures[src] {
			if present[sig] {
				votes++
			}
		}
		if votes > bestVotes {
			best, bestVotes = src, votes
		}
	}
	return best, bestVotes
}

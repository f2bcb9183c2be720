package symbols

import (
	"strings"

	"github.com/bobmcallan/marketcore/internal/models"
)

// Provider names with rendering tables.
const (
	ProviderYahoo     = "yahoo"
	ProviderEODHD     = "eodhd"
	ProviderEastmoney = "eastmoney"
)

// indexTables maps canonical index ids to provider symbols. Indices have no
// derivable provider form so they are always table-driven.
var indexTables = map[string]map[string]string{
	ProviderYahoo: {
		"US:INDEX:SPX":    "^GSPC",
		"US:INDEX:NDX":    "^NDX",
		"US:INDEX:DJI":    "^DJI",
		"US:INDEX:IXIC":   "^IXIC",
		"HK:INDEX:HSI":    "^HSI",
		"HK:INDEX:HSTECH": "^HSTECH",
		"CN:INDEX:000001": "000001.SS",
		"CN:INDEX:000300": "000300.SS",
		"CN:INDEX:000905": "000905.SS",
		"CN:INDEX:399001": "399001.SZ",
		"CN:INDEX:399006": "399006.SZ",
	},
	ProviderEODHD: {
		"US:INDEX:SPX":    "GSPC.INDX",
		"US:INDEX:NDX":    "NDX.INDX",
		"US:INDEX:DJI":    "DJI.INDX",
		"US:INDEX:IXIC":   "IXIC.INDX",
		"HK:INDEX:HSI":    "HSI.INDX",
		"CN:INDEX:000001": "000001.SHG",
		"CN:INDEX:000300": "000300.SHG",
		"CN:INDEX:399001": "399001.SHE",
	},
	ProviderEastmoney: {
		"US:INDEX:SPX":    "100.SPX",
		"US:INDEX:NDX":    "100.NDX",
		"US:INDEX:DJI":    "100.DJIA",
		"HK:INDEX:HSI":    "100.HSI",
		"CN:INDEX:000001": "1.000001",
		"CN:INDEX:000300": "1.000300",
		"CN:INDEX:000905": "1.000905",
		"CN:INDEX:399001": "0.399001",
		"CN:INDEX:399006": "0.399006",
	},
}

// reverseIndex maps upper-cased provider symbols back to canonical ids.
var reverseIndex = buildReverseIndex()

func buildReverseIndex() map[string]string {
	out := make(map[string]string)
	for _, table := range indexTables {
		for canonical, sym := range table {
			out[strings.ToUpper(sym)] = canonical
		}
	}
	return out
}

// usExchangeSecid overrides the eastmoney market prefix for NYSE listings;
// everything else defaults to NASDAQ (105).
var usExchangeSecid = map[string]string{
	"BABA":  "106",
	"BRK.B": "106",
	"JPM":   "106",
	"KO":    "106",
	"NIO":   "106",
	"TSM":   "106",
	"V":     "106",
	"XOM":   "106",
}

// Render converts a canonical id into the symbol a provider expects.
// Unknown providers and malformed ids fall through to the bare code.
func Render(assetID, provider string) string {
	id, err := ParseAssetID(assetID)
	if err != nil {
		return assetID
	}
	if table, ok := indexTables[provider]; ok {
		if sym, ok := table[id.String()]; ok {
			return sym
		}
	}

	switch provider {
	case ProviderYahoo:
		return renderYahoo(id)
	case ProviderEODHD:
		return renderEODHD(id)
	case ProviderEastmoney:
		return renderEastmoney(id)
	default:
		return id.Code
	}
}

// hk4 renders an HK code with four digits, the form most providers expect.
func hk4(code string) string {
	trimmed := strings.TrimLeft(code, "0")
	if len(trimmed) < 4 {
		trimmed = strings.Repeat("0", 4-len(trimmed)) + trimmed
	}
	return trimmed
}

func renderYahoo(id AssetID) string {
	switch id.Market {
	case models.MarketCN:
		if cnExchange(id.Code) == "SH" {
			return id.Code + ".SS"
		}
		return id.Code + ".SZ"
	case models.MarketHK:
		if id.Type == models.TypeIndex {
			return "^" + id.Code
		}
		return hk4(id.Code) + ".HK"
	case models.MarketUS:
		if id.Type == models.TypeIndex {
			return "^" + id.Code
		}
		return strings.ReplaceAll(id.Code, ".", "-")
	default:
		return id.Code
	}
}

func renderEODHD(id AssetID) string {
	if id.Type == models.TypeIndex && id.Market != models.MarketCN {
		return id.Code + ".INDX"
	}
	switch id.Market {
	case models.MarketCN:
		if cnExchange(id.Code) == "SH" {
			return id.Code + ".SHG"
		}
		return id.Code + ".SHE"
	case models.MarketHK:
		return hk4(id.Code) + ".HK"
	case models.MarketUS:
		return id.Code + ".US"
	case models.MarketWorld:
		return id.Code + ".CC"
	default:
		return id.Code
	}
}

func renderEastmoney(id AssetID) string {
	switch id.Market {
	case models.MarketCN:
		if cnExchange(id.Code) == "SH" {
			return "1." + id.Code
		}
		return "0." + id.Code
	case models.MarketHK:
		if id.Type == models.TypeIndex {
			return "100." + id.Code
		}
		return "116." + id.Code
	case models.MarketUS:
		if id.Type == models.TypeIndex {
			return "100." + id.Code
		}
		if prefix, ok := usExchangeSecid[id.Code]; ok {
			return prefix + "." + id.Code
		}
		return "105." + id.Code
	default:
		return id.Code
	}
}

// Package symbols maps user input to canonical asset ids and canonical ids
// to provider-specific symbols.
package symbols

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bobmcallan/marketcore/internal/models"
)

// Resolution failure reasons, wrapped in *common.InputError.
var (
	ErrAmbiguous = errors.New("ambiguous symbol")
	ErrUnknown   = errors.New("unknown symbol")
)

// AssetID is the parsed MARKET:TYPE:CODE triple.
type AssetID struct {
	Market string
	Type   string
	Code   string
}

func (a AssetID) String() string {
	return a.Market + ":" + a.Type + ":" + a.Code
}

// ParseAssetID parses a canonical id. The market and type must be recognised
// and the code non-empty.
func ParseAssetID(s string) (AssetID, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return AssetID{}, fmt.Errorf("not a canonical id: %q", s)
	}
	id := AssetID{
		Market: strings.ToUpper(parts[0]),
		Type:   strings.ToUpper(parts[1]),
		Code:   strings.ToUpper(parts[2]),
	}
	if !models.IsMarket(id.Market) {
		return AssetID{}, fmt.Errorf("unknown market %q", parts[0])
	}
	if !models.IsAssetType(id.Type) {
		return AssetID{}, fmt.Errorf("unknown asset type %q", parts[1])
	}
	if id.Code == "" {
		return AssetID{}, fmt.Errorf("empty code in %q", s)
	}
	return id, nil
}

// MustParse is ParseAssetID for ids known to be valid, such as constants in tests.
func MustParse(s string) AssetID {
	id, err := ParseAssetID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// MarketOf returns the market part of a canonical id, or "" when malformed.
func MarketOf(s string) string {
	id, err := ParseAssetID(s)
	if err != nil {
		return ""
	}
	return id.Market
}

var cnSuffixes = []string{".SS", ".SH", ".SZ", ".SHG", ".SHE"}

// NormalizeCode applies the market-specific code rules: HK pure-digit codes
// are zero-padded to 5, CN exchange suffixes and the US ".US" suffix are
// stripped. A leading caret is never part of a market-local code.
func NormalizeCode(market, code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	c = strings.TrimPrefix(c, "^")
	switch market {
	case models.MarketHK:
		c = strings.TrimSuffix(c, ".HK")
		if isDigits(c) && len(c) < 5 {
			c = strings.Repeat("0", 5-len(c)) + c
		}
	case models.MarketCN:
		for _, s := range cnSuffixes {
			if strings.HasSuffix(c, s) {
				c = strings.TrimSuffix(c, s)
				break
			}
		}
	case models.MarketUS:
		c = strings.TrimSuffix(c, ".US")
	}
	return c
}

// cnETFPrefixes identifies exchange-traded funds among 6-digit CN codes.
var cnETFPrefixes = []string{"51", "15", "58"}

func classifyCN(code string) string {
	for _, p := range cnETFPrefixes {
		if strings.HasPrefix(code, p) {
			return models.TypeETF
		}
	}
	return models.TypeStock
}

// cnExchange returns "SH" or "SZ" for a CN code.
func cnExchange(code string) string {
	if strings.HasPrefix(code, "6") || strings.HasPrefix(code, "5") || strings.HasPrefix(code, "9") {
		return "SH"
	}
	return "SZ"
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isAlpha(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

package symbols

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/models"
)

type fakeAliases struct {
	aliases map[string][]models.SymbolAlias
	assets  map[string]bool
	calls   int
}

func (f *fakeAliases) LookupAlias(_ context.Context, symbol string) ([]models.SymbolAlias, error) {
	f.calls++
	return f.aliases[symbol], nil
}

func (f *fakeAliases) AssetExists(_ context.Context, assetID string) (bool, error) {
	return f.assets[assetID], nil
}

func TestResolve_HKCodeWithHints(t *testing.T) {
	r := NewResolver(nil)
	ctx := context.Background()

	got, err := r.Resolve(ctx, "700", Hints{Market: "HK", Type: "STOCK"})
	require.NoError(t, err)
	assert.Equal(t, "HK:STOCK:00700", got)

	got, err = r.Resolve(ctx, "HK:STOCK:00700", Hints{})
	require.NoError(t, err)
	assert.Equal(t, "HK:STOCK:00700", got)
}

func TestResolve_CanonicalIsIdempotent(t *testing.T) {
	r := NewResolver(&fakeAliases{})
	for _, id := range []string{"CN:STOCK:600000", "US:INDEX:SPX", "WORLD:CRYPTO:BTC-USD", "cn:etf:510300"} {
		got, err := r.Resolve(context.Background(), id, Hints{Market: "US", Type: "ETF"})
		require.NoError(t, err)
		assert.Equal(t, MustParse(id).String(), got)
	}
}

func TestResolve_HintNormalization(t *testing.T) {
	r := NewResolver(nil)
	tests := []struct {
		in    string
		hints Hints
		want  string
	}{
		{"600000.SS", Hints{Market: "CN", Type: "STOCK"}, "CN:STOCK:600000"},
		{"000001.sz", Hints{Market: "cn", Type: "stock"}, "CN:STOCK:000001"},
		{"TSLA.US", Hints{Market: "US", Type: "STOCK"}, "US:STOCK:TSLA"},
		{"5", Hints{Market: "HK", Type: "STOCK"}, "HK:STOCK:00005"},
		{"^GSPC", Hints{Market: "US", Type: "INDEX"}, "US:INDEX:SPX"},
		{"000300", Hints{Market: "CN", Type: "INDEX"}, "CN:INDEX:000300"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tt.in, tt.hints)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_AliasTable(t *testing.T) {
	store := &fakeAliases{aliases: map[string][]models.SymbolAlias{
		"TENCENT": {{Symbol: "TENCENT", CanonicalID: "HK:STOCK:00700", Priority: 1, IsActive: true}},
		"HSTECH": {
			{Symbol: "HSTECH", CanonicalID: "HK:ETF:03033", Priority: 2, IsActive: true},
			{Symbol: "HSTECH", CanonicalID: "HK:INDEX:HSTECH", Priority: 1, IsActive: true},
		},
		"TIE": {
			{Symbol: "TIE", CanonicalID: "US:ETF:TIE", Priority: 1, IsActive: true},
			{Symbol: "TIE", CanonicalID: "US:STOCK:TIE", Priority: 1, IsActive: true},
		},
		"OLD": {
			{Symbol: "OLD", CanonicalID: "US:STOCK:OLDX", Priority: 1, IsActive: false},
		},
	}}
	ctx := context.Background()

	t.Run("single active row", func(t *testing.T) {
		got, err := NewResolver(store).Resolve(ctx, "tencent", Hints{})
		require.NoError(t, err)
		assert.Equal(t, "HK:STOCK:00700", got)
	})

	t.Run("type hint wins over priority", func(t *testing.T) {
		got, err := NewResolver(store).Resolve(ctx, "HSTECH", Hints{Type: "ETF"})
		require.NoError(t, err)
		assert.Equal(t, "HK:ETF:03033", got)
	})

	t.Run("lowest priority without hint", func(t *testing.T) {
		got, err := NewResolver(store).Resolve(ctx, "HSTECH", Hints{})
		require.NoError(t, err)
		assert.Equal(t, "HK:INDEX:HSTECH", got)
	})

	t.Run("strict tie without hint is ambiguous", func(t *testing.T) {
		_, err := NewResolver(store, WithStrict(true)).Resolve(ctx, "TIE", Hints{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrAmbiguous))
		assert.True(t, common.IsInputError(err))
	})

	t.Run("non-strict tie picks deterministically", func(t *testing.T) {
		got, err := NewResolver(store).Resolve(ctx, "TIE", Hints{})
		require.NoError(t, err)
		assert.Equal(t, "US:ETF:TIE", got)
	})

	t.Run("inactive rows are ignored", func(t *testing.T) {
		got, err := NewResolver(store).Resolve(ctx, "OLD", Hints{})
		require.NoError(t, err)
		assert.Equal(t, "US:STOCK:OLD", got, "falls through to the heuristic")
	})
}

func TestResolve_Heuristics(t *testing.T) {
	r := NewResolver(&fakeAliases{})
	tests := []struct {
		in    string
		hints Hints
		want  string
	}{
		{"0700.HK", Hints{}, "HK:STOCK:00700"},
		{"600519.SH", Hints{}, "CN:STOCK:600519"},
		{"000016.SS", Hints{Type: "INDEX"}, "CN:INDEX:000016"},
		{"AAPL", Hints{}, "US:STOCK:AAPL"},
		{"SPY", Hints{Type: "ETF"}, "US:ETF:SPY"},
		{"510300", Hints{}, "CN:ETF:510300"},
		{"159915", Hints{}, "CN:ETF:159915"},
		{"588000", Hints{}, "CN:ETF:588000"},
		{"600000", Hints{}, "CN:STOCK:600000"},
		{"9988", Hints{}, "HK:STOCK:09988"},
		{"BTC-USD", Hints{}, "WORLD:CRYPTO:BTC-USD"},
		{"^HSI", Hints{}, "HK:INDEX:HSI"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tt.in, tt.hints)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_AssetTableAndCaretRetry(t *testing.T) {
	store := &fakeAliases{
		assets: map[string]bool{"US:TRUST:GBTC-OLD": true},
		aliases: map[string][]models.SymbolAlias{
			"VIXY2": {{Symbol: "VIXY2", CanonicalID: "US:ETF:VIXY", Priority: 1, IsActive: true}},
		},
	}
	r := NewResolver(store)

	got, err := r.Resolve(context.Background(), "^VIXY2", Hints{})
	require.NoError(t, err)
	assert.Equal(t, "US:ETF:VIXY", got)
}

func TestResolve_UnknownStrictVsLenient(t *testing.T) {
	ctx := context.Background()

	_, err := NewResolver(&fakeAliases{}, WithStrict(true)).Resolve(ctx, "NOT A SYMBOL", Hints{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknown))

	got, err := NewResolver(&fakeAliases{}).Resolve(ctx, " not a symbol ", Hints{})
	require.NoError(t, err)
	assert.Equal(t, "not a symbol", got)

	_, err = NewResolver(nil).Resolve(ctx, "   ", Hints{})
	assert.True(t, common.IsInputError(err))
}

func TestRender(t *testing.T) {
	tests := []struct {
		id, provider, want string
	}{
		{"CN:STOCK:600000", ProviderYahoo, "600000.SS"},
		{"CN:STOCK:000001", ProviderYahoo, "000001.SZ"},
		{"US:INDEX:SPX", ProviderYahoo, "^GSPC"},
		{"HK:STOCK:00700", ProviderYahoo, "0700.HK"},
		{"HK:STOCK:09988", ProviderYahoo, "9988.HK"},
		{"CN:STOCK:600000", ProviderEODHD, "600000.SHG"},
		{"US:STOCK:AAPL", ProviderEODHD, "AAPL.US"},
		{"US:INDEX:SPX", ProviderEODHD, "GSPC.INDX"},
		{"CN:STOCK:000001", ProviderEastmoney, "0.000001"},
		{"CN:INDEX:000001", ProviderEastmoney, "1.000001"},
		{"HK:STOCK:00700", ProviderEastmoney, "116.00700"},
		{"US:STOCK:AAPL", ProviderEastmoney, "105.AAPL"},
		{"US:STOCK:BABA", ProviderEastmoney, "106.BABA"},
		{"US:STOCK:AAPL", "someone-else", "AAPL"},
		{"garbage", ProviderYahoo, "garbage"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Render(tt.id, tt.provider), "%s via %s", tt.id, tt.provider)
	}
}

func TestRender_RoundTripsThroughHeuristics(t *testing.T) {
	ids := []string{
		"CN:STOCK:600000", "CN:STOCK:000001", "CN:STOCK:300750", "CN:ETF:510300", "CN:ETF:159915",
		"HK:STOCK:00700", "HK:STOCK:09988", "HK:STOCK:00005",
		"US:STOCK:AAPL", "US:STOCK:TSLA",
		"US:INDEX:SPX", "US:INDEX:NDX", "US:INDEX:DJI", "HK:INDEX:HSI",
		"CN:INDEX:000300", "CN:INDEX:000001", "CN:INDEX:399001",
		"WORLD:CRYPTO:BTC-USD",
	}
	r := NewResolver(&fakeAliases{})
	for _, id := range ids {
		for _, provider := range []string{ProviderYahoo, ProviderEODHD, ProviderEastmoney} {
			rendered := Render(id, provider)
			got, err := r.Resolve(context.Background(), rendered, Hints{})
			require.NoError(t, err)
			assert.Equal(t, id, got, "%s rendered for %s as %s", id, provider, rendered)
		}
	}

	// bare codes round-trip for types the heuristic can infer
	for _, id := range []string{"CN:STOCK:600000", "CN:ETF:510300", "HK:STOCK:00700", "US:STOCK:AAPL", "WORLD:CRYPTO:BTC-USD"} {
		got, err := r.Resolve(context.Background(), Render(id, "bare"), Hints{})
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}

func TestParseAssetID(t *testing.T) {
	id, err := ParseAssetID("us:stock:aapl")
	require.NoError(t, err)
	assert.Equal(t, AssetID{Market: "US", Type: "STOCK", Code: "AAPL"}, id)

	for _, bad := range []string{"", "AAPL", "XX:STOCK:AAPL", "US:BOND:T", "US:STOCK:", "A:B:C:D"} {
		_, err := ParseAssetID(bad)
		assert.Error(t, err, bad)
	}
}

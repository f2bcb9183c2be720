package imports

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/models"
	"github.com/bobmcallan/marketcore/internal/storage/sqlstore"
	"github.com/bobmcallan/marketcore/internal/symbols"
)

const symbolsTxt = `# Watchlist maintained by hand
???

# CN Indices
000300 沪深300

# HK Stocks
700, Tencent
9988	Alibaba

# US Stocks
AAPL Apple Inc.
BRK.B
# a comment, not a header
`

func newStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := sqlstore.Open(common.StorageConfig{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:imports_%s?mode=memory&cache=shared", name),
		MaxOpenConns: 1,
		Raw:          common.RawConfig{Node: 1},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestParseSymbolsFile(t *testing.T) {
	entries, err := ParseSymbolsFile(strings.NewReader(symbolsTxt))
	require.NoError(t, err)
	require.Len(t, entries, 6)

	assert.Equal(t, SymbolEntry{Line: 2, Symbol: "???"}, entries[0])
	assert.Equal(t, "CN", entries[1].Market)
	assert.Equal(t, models.TypeIndex, entries[1].Type)
	assert.Equal(t, "沪深300", entries[1].Name)
	assert.Equal(t, "Tencent", entries[2].Name)
	assert.Equal(t, "9988", entries[3].Symbol)
	assert.Equal(t, "Alibaba", entries[3].Name)
	assert.Equal(t, "US Stocks", entries[4].Section)
	assert.Equal(t, "Apple Inc.", entries[4].Name)
	assert.Equal(t, "BRK.B", entries[5].Symbol)
	assert.Empty(t, entries[5].Name)
}

func TestImportSymbols(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	entries, err := ParseSymbolsFile(strings.NewReader(symbolsTxt))
	require.NoError(t, err)

	resolver := symbols.NewResolver(store.AssetStorage(), symbols.WithStrict(true))
	now := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	res, err := ImportSymbols(ctx, entries, resolver, store, interfaces.ConflictUpsert, now)

	// the unhinted junk line is rejected, the rest still land
	require.Error(t, err)
	assert.True(t, common.IsInputError(err))
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 5, res.Saved)

	ids := make([]string, len(res.Assets))
	for i, a := range res.Assets {
		ids[i] = a.AssetID
	}
	assert.Equal(t, []string{"CN:INDEX:000300", "HK:STOCK:00700", "HK:STOCK:09988", "US:STOCK:AAPL", "US:STOCK:BRK.B"}, ids)

	tencent, err := store.AssetStorage().GetAsset(ctx, "HK:STOCK:00700")
	require.NoError(t, err)
	require.NotNil(t, tencent)
	assert.Equal(t, "HKD", tencent.Currency)
	assert.Equal(t, "Tencent", tencent.Name)

	watch, err := store.WatchlistStorage().List(ctx, "US")
	require.NoError(t, err)
	require.Len(t, watch, 2)
	assert.Equal(t, "US Stocks", watch[0].Section)
	assert.Equal(t, "BRK.B", watch[1].DisplayName)
}

func TestParseConflictMode(t *testing.T) {
	m, err := ParseConflictMode("")
	require.NoError(t, err)
	assert.Equal(t, interfaces.ConflictUpsert, m)

	m, err = ParseConflictMode(" IGNORE ")
	require.NoError(t, err)
	assert.Equal(t, interfaces.ConflictIgnore, m)

	_, err = ParseConflictMode("merge")
	assert.True(t, common.IsInputError(err))
}

func TestReadClassifications(t *testing.T) {
	csv := "asset_id,scheme,sector_code,sector_name,industry_code,industry_name,as_of_date,is_active\n" +
		"us:stock:aapl,GICS,45,Information Technology,452020,Technology Hardware,2024-01-01,true\n" +
		"CN:STOCK:600519,SW,34,食品饮料,340500,白酒,2024-01-01,0\n"
	rows, err := ReadClassifications(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "US:STOCK:AAPL", rows[0].AssetID)
	assert.True(t, rows[0].IsActive)
	assert.Equal(t, "白酒", rows[1].IndustryName)
	assert.False(t, rows[1].IsActive)
}

func TestReadClassifications_Malformed(t *testing.T) {
	tests := []struct {
		name string
		csv  string
		want string
	}{
		{"missing column", "asset_id,scheme,sector_code\nUS:STOCK:AAPL,GICS,45\n", "as_of_date"},
		{"bad date", "asset_id,scheme,sector_code,as_of_date\nUS:STOCK:AAPL,GICS,45,01/02/2024\n", "line 2"},
		{"bad id", "asset_id,scheme,sector_code,as_of_date\nAAPL,GICS,45,2024-01-02\n", "asset_id"},
		{"bad bool", "asset_id,scheme,sector_code,as_of_date,is_active\nUS:STOCK:AAPL,GICS,45,2024-01-02,maybe\n", "boolean"},
		{"empty", "", "empty file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadClassifications(strings.NewReader(tt.csv))
			require.Error(t, err)
			assert.True(t, common.IsInputError(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReadSectorProxies(t *testing.T) {
	csv := "scheme,sector_code,sector_name,proxy_etf_id,market_index_id,priority,is_active,note\n" +
		"GICS,45,Information Technology,US:ETF:XLK,US:INDEX:SPX,1,true,primary proxy\n" +
		"GICS,45,Information Technology,US:ETF:VGT,,2,false,\n"
	rows, err := ReadSectorProxies(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "US:INDEX:SPX", rows[0].MarketIndexID)
	assert.Equal(t, 2, rows[1].Priority)
	assert.False(t, rows[1].IsActive)

	_, err = ReadSectorProxies(strings.NewReader("scheme,sector_code,proxy_etf_id,priority\nGICS,45,US:ETF:XLK,high\n"))
	assert.True(t, common.IsInputError(err))
}

func TestReadSymbolMap_OptionalColumns(t *testing.T) {
	rows, err := ReadSymbolMap(strings.NewReader("canonical_id,symbol\nHK:STOCK:00700,tcehy\n"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.SymbolAlias{Symbol: "TCEHY", CanonicalID: "HK:STOCK:00700", Priority: 100, IsActive: true}, rows[0])
}

func TestImport_ConflictModes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	csv := "canonical_id,symbol,source,priority,is_active,note\nHK:STOCK:00700,TENCENT,manual,1,true,\n"

	n, err := Import(ctx, KindSymbolMap, strings.NewReader(csv), store.AssetStorage(), interfaces.ConflictUpsert)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = Import(ctx, KindSymbolMap, strings.NewReader(csv), store.AssetStorage(), interfaces.ConflictIgnore)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = Import(ctx, KindSymbolMap, strings.NewReader(csv), store.AssetStorage(), interfaces.ConflictFail)
	assert.True(t, common.IsInputError(err))

	_, err = Import(ctx, "prices", strings.NewReader(csv), store.AssetStorage(), interfaces.ConflictUpsert)
	assert.True(t, common.IsInputError(err))

	// resolver now sees the alias
	resolver := symbols.NewResolver(store.AssetStorage())
	id, err := resolver.Resolve(ctx, "tencent", symbols.Hints{})
	require.NoError(t, err)
	assert.Equal(t, "HK:STOCK:00700", id)
}

func TestKindFromFilename(t *testing.T) {
	kind, err := KindFromFilename("/data/asset_classification.csv")
	require.NoError(t, err)
	assert.Equal(t, KindClassification, kind)

	kind, err = KindFromFilename(`C:\imports\sector_proxy_map.csv`)
	require.NoError(t, err)
	assert.Equal(t, KindSectorProxy, kind)

	_, err = KindFromFilename("prices.csv")
	assert.Error(t, err)
}

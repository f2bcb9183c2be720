package main

import (
	"context"
	"flag"
	"strings"

	"github.com/google/subcommands"

	"github.com/bobmcallan/marketcore/internal/app"
	"github.com/bobmcallan/marketcore/internal/services/fetcher"
)

type resetCmd struct {
	*cli
	symbols string
	years   int
}

func (*resetCmd) Name() string     { return "reset-and-redownload" }
func (*resetCmd) Synopsis() string { return "truncate core tables, import symbols.txt and refetch everything" }
func (*resetCmd) Usage() string {
	return `reset-and-redownload [-symbols symbols.txt] [-history-years N]

  Truncates assets, history, snapshots, fundamentals, corporate actions and
  the watchlist (alias and classification tables are kept), imports the
  symbols file and downloads history and fundamentals for every entry.
  -history-years 0 uses the configured default; -1 downloads the maximum.
`
}

func (c *resetCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.symbols, "symbols", "symbols.txt", "symbols file with '# <MARKET> <Stocks|ETFs|Indices>' sections")
	f.IntVar(&c.years, "history-years", 0, "years of history to download (0: configured default, -1: max)")
}

func (c *resetCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	return c.run(ctx, func(ctx context.Context, a *app.App) error {
		res, err := a.ResetAndRedownload(ctx, c.symbols, c.years)
		if res != nil {
			c.printf("run %s: imported %d, rejected %d, backfilled %d, failed %d\n",
				res.RunID, res.Imported, res.Rejected, res.Backfilled, res.Failed)
		}
		return err
	})
}

type addAssetCmd struct {
	*cli
	symbol    string
	name      string
	market    string
	assetType string
	years     int
}

func (*addAssetCmd) Name() string     { return "add-asset" }
func (*addAssetCmd) Synopsis() string { return "register one symbol and download its history, fundamentals and actions" }
func (*addAssetCmd) Usage() string {
	return `add-asset -symbol <symbol> -market <CN|HK|US> [-name <name>] [-type STOCK|ETF|INDEX] [-history-years N]

  Resolves the symbol (raw code, provider form or alias), adds it to the
  watchlist and downloads its data. A failed download leaves the asset
  registered and exits with code 2.
`
}

func (c *addAssetCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.symbol, "symbol", "", "symbol to add (required)")
	f.StringVar(&c.name, "name", "", "display name (defaults to the code)")
	f.StringVar(&c.market, "market", "", "market: CN, HK or US (required)")
	f.StringVar(&c.assetType, "type", "", "asset type hint: STOCK, ETF or INDEX")
	f.IntVar(&c.years, "history-years", 0, "years of history (0: configured default, -1: max)")
}

func (c *addAssetCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.symbol == "" || c.market == "" {
		return c.usage("-symbol and -market are required")
	}
	return c.run(ctx, func(ctx context.Context, a *app.App) error {
		res, err := a.AddAsset(ctx, app.AddAssetRequest{
			Symbol:       c.symbol,
			Name:         c.name,
			Market:       c.market,
			Type:         strings.ToUpper(c.assetType),
			HistoryYears: c.years,
		})
		if res != nil && res.Asset.AssetID != "" {
			c.printf("added %s (%s)\n", res.Asset.AssetID, res.Asset.Name)
			printOutcome(c.cli, "history", res.History)
			printOutcome(c.cli, "fundamentals", res.Fundamentals)
			printOutcome(c.cli, "corporate actions", res.Actions)
		}
		return err
	})
}

type corporateActionsCmd struct {
	*cli
	mode  string
	asset string
	all   bool
}

func (*corporateActionsCmd) Name() string     { return "fetch-corporate-actions" }
func (*corporateActionsCmd) Synopsis() string { return "fetch dividends and splits" }
func (*corporateActionsCmd) Usage() string {
	return `fetch-corporate-actions -mode <full|incremental> (-asset <id> | -all)

  Fetches dividends and splits for one asset or every stock and ETF.
  Incremental mode starts from the latest stored action date.
`
}

func (c *corporateActionsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.mode, "mode", fetcher.ModeIncremental, "full or incremental")
	f.StringVar(&c.asset, "asset", "", "asset id or symbol")
	f.BoolVar(&c.all, "all", false, "every stock and ETF")
}

func (c *corporateActionsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if (c.asset == "") == !c.all {
		return c.usage("exactly one of -asset or -all is required")
	}
	return c.run(ctx, func(ctx context.Context, a *app.App) error {
		outcomes, err := a.FetchCorporateActions(ctx, c.mode, c.asset, c.all)
		for _, out := range outcomes {
			printOutcome(c.cli, out.AssetID, out)
		}
		return err
	})
}

type syncMarketCmd struct {
	*cli
	force bool
}

func (*syncMarketCmd) Name() string     { return "sync-market" }
func (*syncMarketCmd) Synopsis() string { return "run one refresh pass over a market's watchlist" }
func (*syncMarketCmd) Usage() string {
	return `sync-market [-force] <CN|HK|US|WORLD>

  Refreshes every watchlist asset of the market once. Closed markets whose
  history already covers the last trading day make no provider calls.
`
}

func (c *syncMarketCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.force, "force", false, "skip the open-market freshness check")
}

func (c *syncMarketCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return c.usage("sync-market takes exactly one market")
	}
	return c.run(ctx, func(ctx context.Context, a *app.App) error {
		res, err := a.SyncMarket(ctx, f.Arg(0), c.force)
		printSync(c.cli, res)
		return err
	})
}

type forceRefreshCmd struct {
	*cli
}

func (*forceRefreshCmd) Name() string     { return "force-refresh" }
func (*forceRefreshCmd) Synopsis() string { return "refresh every watchlist symbol in every market" }
func (*forceRefreshCmd) Usage() string {
	return `force-refresh

  Runs a forced refresh pass over every market. The closed-market debounce
  still applies.
`
}

func (*forceRefreshCmd) SetFlags(*flag.FlagSet) {}

func (c *forceRefreshCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	return c.run(ctx, func(ctx context.Context, a *app.App) error {
		results, err := a.ForceRefresh(ctx)
		for _, res := range results {
			printSync(c.cli, res)
		}
		return err
	})
}

func printSync(c *cli, res *app.SyncResult) {
	if res == nil {
		return
	}
	c.printf("%s run %s: %d assets, fetched %d, skipped %d, failed %d\n",
		res.Market, res.RunID, res.Assets, res.Fetched, res.Skipped, res.Failed)
	for _, out := range res.Outcomes {
		printOutcome(c, out.AssetID, out)
	}
}

func printOutcome(c *cli, label string, out *fetcher.Outcome) {
	if out == nil {
		return
	}
	line := "  " + label + ": " + out.Decision
	if out.Source != "" {
		line += " via " + out.Source
	}
	if out.Reason != "" {
		line += " (" + out.Reason + ")"
	}
	if out.Err != nil {
		line += " error: " + out.Err.Error()
	}
	c.printf("%s\n", line)
}

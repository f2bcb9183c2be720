package main

import (
	"context"
	"flag"

	"github.com/goccy/go-json"
	"github.com/google/subcommands"

	"github.com/bobmcallan/marketcore/internal/app"
	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/imports"
)

type importSymbolsCmd struct {
	*cli
	mode string
}

func (*importSymbolsCmd) Name() string     { return "import-symbols" }
func (*importSymbolsCmd) Synopsis() string { return "import a symbols.txt file into assets and the watchlist" }
func (*importSymbolsCmd) Usage() string {
	return `import-symbols [-mode upsert|ignore|fail] <symbols.txt>

  Resolves each entry under its section header and writes the asset and
  watchlist rows. Unresolvable lines are reported and the rest imported.
`
}

func (c *importSymbolsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.mode, "mode", "upsert", "conflict mode: upsert, ignore or fail")
}

func (c *importSymbolsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return c.usage("import-symbols takes exactly one file")
	}
	mode, err := imports.ParseConflictMode(c.mode)
	if err != nil {
		return c.usage("%v", err)
	}
	return c.run(ctx, func(ctx context.Context, a *app.App) error {
		res, err := a.ImportSymbolsFromFile(ctx, f.Arg(0), mode)
		if res != nil {
			c.printf("saved %d, rejected %d\n", res.Saved, res.Rejected)
		}
		return err
	})
}

type importCSVCmd struct {
	*cli
	kind string
	mode string
}

func (*importCSVCmd) Name() string     { return "import-csv" }
func (*importCSVCmd) Synopsis() string { return "import a reference CSV (classification, sector proxy, symbol map)" }
func (*importCSVCmd) Usage() string {
	return `import-csv [-kind classification|sector_proxy|symbol_map] [-mode upsert|ignore|fail] <file.csv>

  The kind defaults to the file name: asset_classification.csv,
  sector_proxy.csv or symbol_map.csv.
`
}

func (c *importCSVCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.kind, "kind", "", "table to import into (default: from the file name)")
	f.StringVar(&c.mode, "mode", "upsert", "conflict mode: upsert, ignore or fail")
}

func (c *importCSVCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return c.usage("import-csv takes exactly one file")
	}
	mode, err := imports.ParseConflictMode(c.mode)
	if err != nil {
		return c.usage("%v", err)
	}
	return c.run(ctx, func(ctx context.Context, a *app.App) error {
		n, err := a.ImportCSVFile(ctx, f.Arg(0), c.kind, mode)
		c.printf("imported %d rows\n", n)
		return err
	})
}

type recoverCmd struct {
	*cli
}

func (*recoverCmd) Name() string     { return "recover" }
func (*recoverCmd) Synopsis() string { return "re-run the ETL over unprocessed raw payloads" }
func (*recoverCmd) Usage() string {
	return `recover

  Processes every raw payload not yet marked processed, in insertion order.
`
}

func (*recoverCmd) SetFlags(*flag.FlagSet) {}

func (c *recoverCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	return c.run(ctx, func(ctx context.Context, a *app.App) error {
		res, err := a.Recover(ctx)
		if res != nil {
			c.printf("pending %d, processed %d, failed %d\n", res.Pending, res.Processed, res.Failed)
		}
		return err
	})
}

type snapshotCmd struct {
	*cli
	refresh bool
	force   bool
}

func (*snapshotCmd) Name() string     { return "snapshot" }
func (*snapshotCmd) Synopsis() string { return "print the latest snapshot of an asset as JSON" }
func (*snapshotCmd) Usage() string {
	return `snapshot [-refresh [-force]] <asset>
`
}

func (c *snapshotCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.refresh, "refresh", false, "run the orchestrator before reading")
	f.BoolVar(&c.force, "force", false, "with -refresh, skip the open-market freshness check")
}

func (c *snapshotCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return c.usage("snapshot takes exactly one asset")
	}
	return c.run(ctx, func(ctx context.Context, a *app.App) error {
		out, err := a.Snapshot(ctx, f.Arg(0), c.refresh, c.force)
		if err != nil {
			return err
		}
		if out.Snapshot != nil {
			body, err := json.MarshalIndent(out.Snapshot, "", "  ")
			if err != nil {
				return err
			}
			c.printf("%s\n", body)
		}
		return out.Err
	})
}

type versionCmd struct {
	*cli
}

func (*versionCmd) Name() string           { return "version" }
func (*versionCmd) Synopsis() string       { return "print version information" }
func (*versionCmd) Usage() string          { return "version\n" }
func (*versionCmd) SetFlags(*flag.FlagSet) {}

func (c *versionCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	c.reached = true
	common.LoadBinaryBuildStamp()
	c.printf("marketcore %s\n", common.CurrentBuild())
	return subcommands.ExitSuccess
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"

	"github.com/bobmcallan/marketcore/internal/app"
	"github.com/bobmcallan/marketcore/internal/common"
)

// cli is the state shared by every command: the global -config flag, the
// output streams and the App factory.
type cli struct {
	configPath string
	out        io.Writer
	errOut     io.Writer
	open       func(configPath string) (*app.App, error)

	// reached is set once a command body runs; before that, a failing
	// status came from flag parsing or an unknown command.
	reached bool
}

// newCommander registers the global flags and every command on fs.
func newCommander(fs *flag.FlagSet, name string, c *cli) *subcommands.Commander {
	fs.StringVar(&c.configPath, "config", "", "path to marketcore.toml (default: $MARKETCORE_CONFIG, then next to the binary)")

	commander := subcommands.NewCommander(fs, name)
	commander.Output = c.out
	commander.Error = c.errOut
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	commander.Register(&resetCmd{cli: c}, "ingest")
	commander.Register(&addAssetCmd{cli: c}, "ingest")
	commander.Register(&corporateActionsCmd{cli: c}, "ingest")
	commander.Register(&syncMarketCmd{cli: c}, "ingest")
	commander.Register(&forceRefreshCmd{cli: c}, "ingest")

	commander.Register(&importSymbolsCmd{cli: c}, "reference")
	commander.Register(&importCSVCmd{cli: c}, "reference")

	commander.Register(&recoverCmd{cli: c}, "maintenance")
	commander.Register(&snapshotCmd{cli: c}, "maintenance")
	commander.Register(&versionCmd{cli: c}, "")
	return commander
}

// run opens the App, runs fn and maps its error onto the exit code.
func (c *cli) run(ctx context.Context, fn func(context.Context, *app.App) error) subcommands.ExitStatus {
	c.reached = true
	a, err := c.open(c.configPath)
	if err != nil {
		return c.fail(err)
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		a.Logger.Debug().Err(err).Msg("Command failed")
		return c.fail(err)
	}
	return subcommands.ExitSuccess
}

func (c *cli) fail(err error) subcommands.ExitStatus {
	fmt.Fprintf(c.errOut, "Error: %v\n", err)
	return subcommands.ExitStatus(common.ExitCode(err))
}

// usage reports a flag validation problem with exit code 1.
func (c *cli) usage(format string, args ...any) subcommands.ExitStatus {
	c.reached = true
	fmt.Fprintf(c.errOut, "Error: "+format+"\n", args...)
	return subcommands.ExitStatus(common.ExitInput)
}

func (c *cli) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// exitCode converts the commander status into the process exit code.
// subcommands reports bad flags as ExitUsageError (2), which is a usage
// error here (1).
func (c *cli) exitCode(status subcommands.ExitStatus) int {
	if !c.reached && status != subcommands.ExitSuccess {
		return common.ExitInput
	}
	return int(status)
}

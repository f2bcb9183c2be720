// Command marketcore runs one ingestion task and exits:
// 0 on success, 1 on bad input, 2 on unrecovered provider or storage errors.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/bobmcallan/marketcore/internal/app"
)

func main() {
	c := &cli{
		out:    os.Stdout,
		errOut: os.Stderr,
		open:   func(configPath string) (*app.App, error) { return app.NewApp(configPath) },
	}
	commander := newCommander(flag.CommandLine, path.Base(os.Args[0]), c)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := commander.Execute(ctx)
	stop()
	os.Exit(c.exitCode(status))
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobmcallan/marketcore/internal/app"
	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to marketcore.toml (default: $MARKETCORE_CONFIG)")
	flag.Parse()

	a, err := app.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		os.Exit(common.ExitCode(err))
	}

	common.PrintBanner(a.Config, a.Logger)

	// Recovery and the first refresh run in the background
	a.StartWarmCache()
	a.StartScheduler()

	srv := server.NewServer(a)
	shutdownChan := make(chan struct{}, 1)
	srv.SetShutdownChannel(shutdownChan)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	a.Logger.Info().
		Str("url", fmt.Sprintf("http://%s", srv.Addr())).
		Msg("Server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exit := common.ExitOK
	select {
	case sig := <-sigChan:
		a.Logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-shutdownChan:
		a.Logger.Info().Msg("Shutdown requested")
	case err := <-serverErr:
		a.Logger.Error().Err(err).Msg("HTTP server failed")
		exit = common.ExitUnrecovered
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	common.PrintShutdownBanner(a.Logger)
	a.Close()
	a.Logger.Info().Msg("Server stopped")
	if exit != common.ExitOK {
		os.Exit(exit)
	}
}

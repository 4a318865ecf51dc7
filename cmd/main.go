package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/downdeck-backend/internal/app"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "downdeck: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		return err
	}
	a.Log.Info("downdeck started", "port", a.Cfg.Port, "env", a.Cfg.AppEnv)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Run(gctx)
	})

	err = g.Wait()
	// Let in-flight attempts finish their release/settle before closing
	// the database.
	a.Orchestrator.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.Log.Info("downdeck stopped")
	return nil
}

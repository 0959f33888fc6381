package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/quantfold/tradeflow/internal/app"
)

func main() {
	// Gateways, planner and alert sender are deployment-specific; the open
	// binary runs the engine with none wired, which is enough for the ops
	// surface and for draining persisted work that needs no exchange I/O.
	a, err := app.New(app.Options{})
	if err != nil {
		fmt.Printf("Failed to init app: %v\n", err)
		os.Exit(1)
	}

	a.Start()
	a.Log.Info("tradeflow started", "ops_addr", a.Cfg.OpsAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	a.Log.Info("Shutting down...")
	a.Stop()
}

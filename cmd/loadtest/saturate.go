package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaychat/presence/internal/loadtest/stats"
)

// runSaturate opens a number of identified connections over a ramp period,
// then holds them while counting drops. Every admission changes the roster,
// so this also exercises presence fan-out at full connection count.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	t := addTargetFlags(fs)
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "", "Prometheus metrics endpoint URL (optional)")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *t.url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		collector.SetScraper(scraper)
		scraper.Start(ctx)
		defer scraper.Stop()
	}

	fmt.Println("\n--- Ramp-up phase ---")
	rampStart := time.Now()
	clients, interrupted := rampConnect(ctx, t, *connections, *rampUp, *concurrency, collector)
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	dropped := 0
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		initial := countAlive(clients)
		fmt.Printf("Holding %d connections for %s...\n", initial, *hold)

		holdTimer := time.NewTimer(*hold)
		status := time.NewTicker(5 * time.Second)
	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-status.C:
				alive := countAlive(clients)
				dropped = initial - alive
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, initial, dropped)
			}
		}
		holdTimer.Stop()
		status.Stop()

		// Pings answered during the hold show the liveness checks reached
		// every idle client.
		pings := 0
		for _, c := range clients {
			if c != nil {
				pings += c.GetMetrics().PingsAnswered
			}
		}
		fmt.Printf("Liveness pings answered: %d\n", pings)
	}

	fmt.Println("\n--- Cleanup ---")
	closeAll(clients)
	fmt.Println("All connections closed.")

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}

package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/relaychat/presence/internal/auth"
	"github.com/relaychat/presence/internal/loadtest/client"
	"github.com/relaychat/presence/internal/loadtest/stats"
)

// target holds the connection flags shared by every subcommand.
type target struct {
	url    *string
	secret *string
	prefix *string
}

func addTargetFlags(fs *flag.FlagSet) *target {
	return &target{
		url:    fs.String("url", "ws://localhost:4000/", "WebSocket server URL"),
		secret: fs.String("jwt-secret", "dev-secret", "Secret used to sign user tokens"),
		prefix: fs.String("user-prefix", "lt", "Prefix for generated user ids"),
	}
}

// dial mints a token for user n and connects as that user.
func (t *target) dial(ctx context.Context, n int) (*client.Client, error) {
	userID := fmt.Sprintf("%s-%d", *t.prefix, n)
	token, err := auth.NewVerifier(*t.secret, "loadtest").Issue(
		auth.Identity{UserID: userID, Username: userID}, time.Hour)
	if err != nil {
		return nil, err
	}
	return client.Dial(ctx, *t.url, token, userID)
}

// rampConnect opens total connections spread over ramp, with at most
// concurrency attempts in flight. It returns the clients that connected, in
// user order, and whether ctx was cancelled before all were launched.
func rampConnect(ctx context.Context, t *target, total int, ramp time.Duration,
	concurrency int, collector *stats.Collector) ([]*client.Client, bool) {

	interval := ramp / time.Duration(total)
	if interval <= 0 {
		interval = time.Millisecond
	}

	clients := make([]*client.Client, total)
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				conns := collector.ConnectionCount()
				rate := float64(conns-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [connect] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					conns, total, collector.ErrorCount(), rate)
				lastCount, lastTime = conns, now
			case <-progressStop:
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	interrupted := false
launch:
	for n := 0; n < total; n++ {
		select {
		case <-ctx.Done():
			interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := t.dial(connCtx, n)
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)
			clients[n] = c
		}(n)
	}
	ticker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	return clients, interrupted
}

func closeAll(clients []*client.Client) {
	for _, c := range clients {
		if c != nil {
			c.Close()
		}
	}
}

func countAlive(clients []*client.Client) int {
	alive := 0
	for _, c := range clients {
		if c == nil {
			continue
		}
		select {
		case <-c.Done():
		default:
			alive++
		}
	}
	return alive
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/relaychat/presence/internal/chat"
	"github.com/relaychat/presence/internal/loadtest/client"
	"github.com/relaychat/presence/internal/loadtest/stats"
	"github.com/relaychat/presence/internal/messaging"
	"github.com/relaychat/presence/internal/protocol"
)

// runChat connects pairs of users and has each side send to the other at a
// fixed interval. Each message carries its send time so the receiver can
// record relay latency.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	t := addTargetFlags(fs)
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	duration := fs.Duration("duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:4000/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	natsURL := fs.String("nats-url", "", "NATS URL to count published message events (optional)")
	fs.Parse(args)

	total := *pairs * 2
	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, duration=%s, interval=%s, msg-size=%d)\n",
		*pairs, total, *t.url, *rampUp, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var events atomic.Int64
	if *natsURL != "" {
		nc, err := followMessageEvents(*natsURL, &events)
		if err != nil {
			fmt.Printf("NATS unavailable, not counting events: %v\n", err)
		} else {
			defer func() {
				nc.Close()
				fmt.Printf("NATS message events: %d\n", events.Load())
			}()
		}
	}

	// -----------------------------------------------------------------------
	// Phase 1: connect all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")
	clients, interrupted := rampConnect(ctx, t, total, *rampUp, *concurrency, collector)
	for _, c := range clients {
		if c != nil {
			c.OnMessage(func(m protocol.DeliveredMsg) {
				if sent, ok := sentAt(m.Text); ok {
					collector.AddRelayLatency(time.Since(sent))
				}
			})
		}
	}
	fmt.Printf("\nPhase 1 complete: %d/%d connections (%d errors)\n",
		collector.ConnectionCount(), total, collector.ErrorCount())

	if interrupted {
		fmt.Println("Interrupted, skipping chat phase.")
		finish(clients, scraper, collector)
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2: wait for each pair to see each other online
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Presence ---")
	var ready [][2]*client.Client
	presenceStart := time.Now()
	for i := 0; i+1 < total; i += 2 {
		a, b := clients[i], clients[i+1]
		if a == nil || b == nil {
			continue
		}
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		errA := a.WaitOnline(waitCtx, b.UserID())
		errB := b.WaitOnline(waitCtx, a.UserID())
		cancel()
		if errA != nil || errB != nil {
			collector.AddError()
			continue
		}
		ready = append(ready, [2]*client.Client{a, b})
	}
	fmt.Printf("%d/%d pairs see each other online (%s)\n",
		len(ready), *pairs, time.Since(presenceStart).Round(time.Millisecond))

	// -----------------------------------------------------------------------
	// Phase 3: exchange messages
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 3: Chatting for %s ---\n", *duration)
	chatCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var sent atomic.Int64
	var wg sync.WaitGroup
	for _, p := range ready {
		for side := 0; side < 2; side++ {
			from, to := p[side], p[1-side]
			wg.Add(1)
			go func() {
				defer wg.Done()
				chatLoop(chatCtx, from, to.UserID(), *msgInterval, *msgSize, collector, &sent)
			}()
		}
	}

	progress := time.NewTicker(5 * time.Second)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
progressLoop:
	for {
		select {
		case <-done:
			break progressLoop
		case <-progress.C:
			s, r := collector.Delivered()
			fmt.Printf("  [chat] sent: %d  delivered: %d  alive: %d\n", s, r, countAlive(clients))
		}
	}
	progress.Stop()

	// Let in-flight deliveries land before the report.
	time.Sleep(500 * time.Millisecond)
	fmt.Printf("\nChat phase complete: %d messages sent\n", sent.Load())
	finish(clients, scraper, collector)
}

// followMessageEvents counts every message event the servers publish.
func followMessageEvents(url string, events *atomic.Int64) (*messaging.NATSClient, error) {
	cfg := messaging.DefaultNATSConfig()
	cfg.URL = url
	cfg.Name = "loadtest"
	nc, err := messaging.NewNATSClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := nc.SubscribeMessages("*", func(chat.Message) { events.Add(1) }); err != nil {
		nc.Close()
		return nil, err
	}
	return nc, nil
}

func chatLoop(ctx context.Context, from *client.Client, to string, interval time.Duration,
	size int, collector *stats.Collector, sent *atomic.Int64) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-from.Done():
			return
		case <-ticker.C:
		}
		if err := from.Send(to, stampText(size)); err != nil {
			collector.AddError()
			return
		}
		collector.AddSent()
		sent.Add(1)
	}
}

// stampText builds a message of at least size bytes whose first field is the
// send time in unix nanoseconds.
func stampText(size int) string {
	stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
	if pad := size - len(stamp) - 1; pad > 0 {
		return stamp + " " + strings.Repeat("x", pad)
	}
	return stamp
}

func sentAt(text string) (time.Time, bool) {
	stamp, _, _ := strings.Cut(text, " ")
	ns, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

func finish(clients []*client.Client, scraper *stats.Scraper, collector *stats.Collector) {
	fmt.Println("\n--- Cleanup ---")
	closeAll(clients)
	scraper.Stop()
	collector.Report()
}

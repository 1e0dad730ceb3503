package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/relaychat/presence/internal/auth"
	"github.com/relaychat/presence/internal/chat"
	"github.com/relaychat/presence/internal/loadtest/client"
	"github.com/relaychat/presence/internal/protocol"
)

// check is the outcome of one smoke scenario.
type check struct {
	name   string
	err    error
	detail string
}

// runSmoke walks two users through the presence and delivery flow against a
// running server and exits non-zero if any step fails.
func runSmoke(args []string) {
	fs := flag.NewFlagSet("smoke", flag.ExitOnError)
	t := addTargetFlags(fs)
	apiBase := fs.String("api", "http://localhost:4000", "HTTP base URL")
	timeout := fs.Duration("timeout", 30*time.Second, "Global timeout")
	fs.Parse(args)

	fmt.Println("=== relaychat smoke test ===")
	fmt.Printf("Server: %s\n\n", *t.url)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []check
	results = append(results, smokeHealth(ctx, *apiBase))
	results = append(results, smokeRejectsBadToken(ctx, *t.url))
	results = append(results, smokeFlow(ctx, t, *apiBase)...)

	failed := 0
	fmt.Println()
	for _, r := range results {
		tag := "PASS"
		if r.err != nil {
			tag = "FAIL"
			failed++
		}
		fmt.Printf("[%s] %s", tag, r.name)
		switch {
		case r.err != nil:
			fmt.Printf(" (%v)", r.err)
		case r.detail != "":
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()
	}
	fmt.Printf("\n=== Results: %d/%d passed ===\n", len(results)-failed, len(results))
	if failed > 0 {
		os.Exit(1)
	}
}

func smokeHealth(ctx context.Context, apiBase string) check {
	c := check{name: "health"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/health", nil)
	if err != nil {
		c.err = err
		return c
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.err = err
		return c
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.err = fmt.Errorf("decode: %w", err)
		return c
	}
	if resp.StatusCode != http.StatusOK {
		c.err = fmt.Errorf("status %d", resp.StatusCode)
		return c
	}
	c.detail = fmt.Sprintf("connections=%v", body["connections"])
	return c
}

func smokeRejectsBadToken(ctx context.Context, url string) check {
	c := check{name: "handshake rejects invalid token"}
	conn, err := client.Dial(ctx, url, "not-a-token", "nobody")
	if err == nil {
		conn.Close()
		c.err = fmt.Errorf("connection was accepted")
		return c
	}
	c.detail = err.Error()
	return c
}

// smokeFlow runs the two-user scenario. Later steps are reported as failed
// when an earlier one leaves nothing to check.
func smokeFlow(ctx context.Context, t *target, apiBase string) []check {
	steps := []string{
		"both users see each other online",
		"message delivered to recipient",
		"sender is not echoed",
		"history returns the message",
		"disconnect removes user from roster",
	}
	results := make([]check, len(steps))
	for i, s := range steps {
		results[i].name = s
	}
	abort := func(from int, err error) []check {
		for i := from; i < len(results); i++ {
			results[i].err = err
		}
		return results
	}

	// Run-unique ids keep repeated smoke runs from reading old history.
	*t.prefix = fmt.Sprintf("%s-smoke-%d", *t.prefix, time.Now().Unix())
	a, err := t.dial(ctx, 0)
	if err != nil {
		return abort(0, fmt.Errorf("dial A: %w", err))
	}
	defer a.Close()
	b, err := t.dial(ctx, 1)
	if err != nil {
		return abort(0, fmt.Errorf("dial B: %w", err))
	}
	defer b.Close()

	inboxA := make(chan protocol.DeliveredMsg, 4)
	inboxB := make(chan protocol.DeliveredMsg, 4)
	a.OnMessage(func(m protocol.DeliveredMsg) { inboxA <- m })
	b.OnMessage(func(m protocol.DeliveredMsg) { inboxB <- m })

	if err := a.WaitOnline(ctx, b.UserID()); err != nil {
		return abort(0, fmt.Errorf("A waiting for B: %w", err))
	}
	if err := b.WaitOnline(ctx, a.UserID()); err != nil {
		return abort(0, fmt.Errorf("B waiting for A: %w", err))
	}
	results[0].detail = fmt.Sprintf("roster size %d", a.Online())

	text := fmt.Sprintf("smoke %d", time.Now().UnixNano())
	if err := a.Send(b.UserID(), text); err != nil {
		return abort(1, fmt.Errorf("send: %w", err))
	}
	select {
	case m := <-inboxB:
		if m.Text != text || m.Sender != a.UserID() || m.ID == "" {
			results[1].err = fmt.Errorf("unexpected delivery %+v", m)
		} else {
			results[1].detail = "id " + m.ID
		}
	case <-time.After(5 * time.Second):
		results[1].err = fmt.Errorf("no delivery within 5s")
	case <-ctx.Done():
		return abort(1, ctx.Err())
	}

	select {
	case m := <-inboxA:
		results[2].err = fmt.Errorf("sender received %+v", m)
	case <-time.After(500 * time.Millisecond):
	}

	results[3] = smokeHistory(ctx, t, apiBase, a.UserID(), b.UserID(), text)

	b.Close()
	if err := a.WaitOffline(ctx, b.UserID()); err != nil {
		results[4].err = err
	}
	return results
}

func smokeHistory(ctx context.Context, t *target, apiBase, self, other, text string) check {
	c := check{name: "history returns the message"}
	token, err := auth.NewVerifier(*t.secret, "loadtest").Issue(
		auth.Identity{UserID: self, Username: self}, time.Minute)
	if err != nil {
		c.err = err
		return c
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(apiBase, "/")+"/api/messages/"+other, nil)
	if err != nil {
		c.err = err
		return c
	}
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: token})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.err = err
		return c
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.err = fmt.Errorf("status %d", resp.StatusCode)
		return c
	}

	var msgs []chat.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		c.err = fmt.Errorf("decode: %w", err)
		return c
	}
	for _, m := range msgs {
		if m.Text == text {
			c.detail = fmt.Sprintf("%d messages", len(msgs))
			return c
		}
	}
	c.err = fmt.Errorf("message not found among %d", len(msgs))
	return c
}

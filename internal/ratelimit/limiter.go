// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. Counters are shared by every server instance pointed at the
// same Redis, so limits hold across a horizontally scaled deployment.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:msg:"
	Limit  int           // max count in the window
	Window time.Duration // window length
}

// Default rules.
var (
	// RuleMessage allows 20 chat messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleUpload allows 10 attachments per minute per user.
	RuleUpload = Rule{Key: "rl:upload:", Limit: 10, Window: time.Minute}

	// RuleConnect allows 30 WebSocket upgrades per minute per client IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: time.Minute}
)

// Decision is the outcome of one Check.
type Decision struct {
	Allowed   bool
	Count     int64         // requests seen in the current window, this one included
	Remaining int           // requests left in the current window
	ResetIn   time.Duration // time until the window closes
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Check counts one request for identifier under rule. On Redis errors the
// decision is Allowed so an outage never blocks traffic; the error is still
// returned for logging.
func (l *Limiter) Check(ctx context.Context, rule Rule, identifier string) (Decision, error) {
	key := rule.Key + identifier

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Allowed: true, Remaining: rule.Limit}, err
	}

	count := incr.Val()
	resetIn := ttl.Val()

	// A key without expiry either was just created or lost its EXPIRE to an
	// earlier failure; both cases start the window now.
	if resetIn < 0 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.client.Del(ctx, key)
			return Decision{Allowed: true, Count: count, Remaining: rule.Limit}, err
		}
		resetIn = rule.Window
	}

	remaining := rule.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= rule.Limit,
		Count:     count,
		Remaining: remaining,
		ResetIn:   resetIn,
	}, nil
}

// Allow reports whether identifier is within rule, failing open on Redis
// errors.
func (l *Limiter) Allow(ctx context.Context, rule Rule, identifier string) bool {
	d, err := l.Check(ctx, rule, identifier)
	if err != nil {
		log.Printf("[ratelimit] key=%s%s: %v (failing open)", rule.Key, identifier, err)
	}
	return d.Allowed
}

// AllowMessage applies RuleMessage to a sending user.
func (l *Limiter) AllowMessage(ctx context.Context, userID string) bool {
	return l.Allow(ctx, RuleMessage, userID)
}

// AllowUpload applies RuleUpload to a user sending an attachment.
func (l *Limiter) AllowUpload(ctx context.Context, userID string) bool {
	return l.Allow(ctx, RuleUpload, userID)
}

// AllowConnect applies RuleConnect to a client address.
func (l *Limiter) AllowConnect(ctx context.Context, ip string) bool {
	return l.Allow(ctx, RuleConnect, ip)
}

// Package ratelimit implements the key derivation and algorithm
// evaluation of spec.md §4.5 against a pluggable Store, generalized from
// the teacher's ratelimit package (Settings/Lookuper/implementation
// split, leaky-bucket-over-Redis idiom) to the token-bucket / fixed-
// window / sliding-window formulas this spec requires.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Algorithm selects the formula a Rule evaluates.
type Algorithm string

const (
	TokenBucket    Algorithm = "token_bucket"
	FixedWindow    Algorithm = "fixed_window"
	SlidingWindow  Algorithm = "sliding_window"
)

// Rule is one rate-limiting policy, either the global default or a
// per-route override.
type Rule struct {
	Name        string
	Algorithm   Algorithm
	KeyTemplate string // composed from {ip}, {user}, {route}, literals
	Capacity    int
	RefillRate  float64
	Window      time.Duration
	Limit       int
	FailOpen    bool
}

// Store provides atomic read-modify-write primitives for each algorithm;
// implementations (MemoryStore, RedisStore) must never perform a
// separate read-then-write without serializability (spec §4.5).
type Store interface {
	// TokenBucketConsume refills then attempts to consume one token,
	// returning the post-operation remaining count and the number of
	// seconds until capacity is fully replenished.
	TokenBucketConsume(ctx context.Context, key string, capacity int, refill float64, now time.Time) (allowed bool, remaining int, resetSeconds int, err error)

	// WindowIncrement atomically increments the counter for the window
	// containing now and returns its new value plus seconds remaining
	// in that window.
	WindowIncrement(ctx context.Context, key string, window time.Duration, now time.Time) (count int, resetSeconds int, err error)

	// WindowPeek returns the counter for the window immediately prior
	// to the one containing now, without incrementing anything; used by
	// the sliding window algorithm's weighted estimate.
	WindowPeek(ctx context.Context, key string, window time.Duration, now time.Time) (count int, err error)

	// Ping reports whether the store is currently reachable.
	Ping(ctx context.Context) error
}

// KeyInputs are the values a key template may reference.
type KeyInputs struct {
	IP    string
	User  string
	Route string
}

// DeriveKey renders a rule's key template, substituting {ip}/{user}/
// {route}; if {user} is requested but no Principal is attached, the
// limiter falls back to {ip} entirely (spec §4.5).
func DeriveKey(rule *Rule, in KeyInputs) string {
	tmpl := rule.KeyTemplate
	if tmpl == "" {
		tmpl = "{ip}"
	}
	if strings.Contains(tmpl, "{user}") && in.User == "" {
		tmpl = "{ip}"
	}
	r := strings.NewReplacer("{ip}", in.IP, "{user}", in.User, "{route}", in.Route)
	return r.Replace(tmpl)
}

// Decision is the outcome of evaluating a Rule against the Store.
type Decision struct {
	Allowed      bool
	Limit        int
	Remaining    int
	ResetSeconds int
	RetryAfter   int
}

// Limiter evaluates Rules against a Store.
type Limiter struct {
	store Store
}

func New(store Store) *Limiter {
	return &Limiter{store: store}
}

// Evaluate runs rule's configured algorithm for key, applying the
// store-error fail_open/fail_closed policy on error.
func (l *Limiter) Evaluate(ctx context.Context, rule *Rule, key string, now time.Time) (Decision, error) {
	switch rule.Algorithm {
	case TokenBucket, "":
		return l.evaluateTokenBucket(ctx, rule, key, now)
	case FixedWindow:
		return l.evaluateFixedWindow(ctx, rule, key, now)
	case SlidingWindow:
		return l.evaluateSlidingWindow(ctx, rule, key, now)
	default:
		return Decision{}, fmt.Errorf("ratelimit: unknown algorithm %q", rule.Algorithm)
	}
}

func (l *Limiter) evaluateTokenBucket(ctx context.Context, rule *Rule, key string, now time.Time) (Decision, error) {
	allowed, remaining, resetSecs, err := l.store.TokenBucketConsume(ctx, key, rule.Capacity, rule.RefillRate, now)
	if err != nil {
		return failPolicy(rule, rule.Capacity, resetSecs), err
	}
	d := Decision{Allowed: allowed, Limit: rule.Capacity, Remaining: remaining, ResetSeconds: resetSecs}
	if !allowed {
		d.RetryAfter = resetSecs
		if d.RetryAfter < 1 {
			d.RetryAfter = 1
		}
	}
	return d, nil
}

func (l *Limiter) evaluateFixedWindow(ctx context.Context, rule *Rule, key string, now time.Time) (Decision, error) {
	count, resetSecs, err := l.store.WindowIncrement(ctx, key, rule.Window, now)
	if err != nil {
		return failPolicy(rule, rule.Limit, resetSecs), err
	}
	allowed := count <= rule.Limit
	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{Allowed: allowed, Limit: rule.Limit, Remaining: remaining, ResetSeconds: resetSecs}
	if !allowed {
		d.RetryAfter = resetSecs
	}
	return d, nil
}

func (l *Limiter) evaluateSlidingWindow(ctx context.Context, rule *Rule, key string, now time.Time) (Decision, error) {
	curr, resetSecs, err := l.store.WindowIncrement(ctx, key, rule.Window, now)
	if err != nil {
		return failPolicy(rule, rule.Limit, resetSecs), err
	}
	prev, err := l.store.WindowPeek(ctx, key, rule.Window, now)
	if err != nil {
		return failPolicy(rule, rule.Limit, resetSecs), err
	}

	elapsed := elapsedInWindow(rule.Window, now)
	weight := 1 - elapsed
	if weight < 0 {
		weight = 0
	}
	estimate := float64(prev)*weight + float64(curr)

	allowed := estimate <= float64(rule.Limit)
	remaining := rule.Limit - int(estimate)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{Allowed: allowed, Limit: rule.Limit, Remaining: remaining, ResetSeconds: resetSecs}
	if !allowed {
		d.RetryAfter = resetSecs
	}
	return d, nil
}

// elapsedInWindow returns the fraction (0..1) of the current window that
// has elapsed as of now.
func elapsedInWindow(window time.Duration, now time.Time) float64 {
	if window <= 0 {
		return 1
	}
	sinceEpoch := now.UnixNano()
	windowNanos := window.Nanoseconds()
	into := sinceEpoch % windowNanos
	return float64(into) / float64(windowNanos)
}

// failPolicy returns the configured fall-through decision when the store
// itself errors: fail_open allows the request, fail_closed denies it.
func failPolicy(rule *Rule, limit, resetSecs int) Decision {
	if rule.FailOpen {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}
	}
	return Decision{Allowed: false, Limit: limit, ResetSeconds: resetSecs, RetryAfter: resetSecs}
}

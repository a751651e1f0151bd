// Copyright 2026 The devflow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package admission gates provider calls against per-provider rate budgets.
// Each provider has a continuously refilled token bucket; acquisition is an
// atomic check-and-decrement, and a denial reports the exact wall-clock time
// at which one token will be available.
package admission

import (
	"fmt"
	"sync"
	"time"
)

// BudgetConfig defines one provider's rate bucket.
type BudgetConfig struct {
	// Capacity is the bucket size in admission tokens.
	Capacity float64 `yaml:"capacity" json:"capacity"`

	// Window is the time to refill a full bucket; the refill rate is
	// Capacity/Window, applied continuously.
	Window time.Duration `yaml:"window" json:"window"`
}

// Decision is the result of one acquisition attempt.
type Decision struct {
	// Granted reports whether a token was debited.
	Granted bool `json:"granted"`

	// RetryAfter is the earliest time at least one token will be available.
	// Zero when granted.
	RetryAfter time.Time `json:"retry_after,omitempty"`
}

// BudgetSnapshot is the operator-facing view of one bucket.
type BudgetSnapshot struct {
	ProviderID string        `json:"provider_id"`
	Capacity   float64       `json:"capacity"`
	Tokens     float64       `json:"tokens"`
	Window     time.Duration `json:"window"`
}

type bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillPerS float64
	last       time.Time
}

// refillLocked advances the bucket to now. Caller holds b.mu.
func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillPerS
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// Controller holds one bucket per provider. Buckets are locked individually,
// so a contended provider never blocks admission checks for the others.
type Controller struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewController creates a controller with the given per-provider budgets.
// Buckets start full.
func NewController(budgets map[string]BudgetConfig) (*Controller, error) {
	c := &Controller{
		buckets: make(map[string]*bucket, len(budgets)),
		now:     time.Now,
	}
	for id, cfg := range budgets {
		if err := c.configure(id, cfg); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetClock overrides the controller's clock. Test hook.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

func (c *Controller) configure(providerID string, cfg BudgetConfig) error {
	if cfg.Capacity <= 0 {
		return fmt.Errorf("admission: provider %s: capacity must be positive", providerID)
	}
	if cfg.Window <= 0 {
		return fmt.Errorf("admission: provider %s: window must be positive", providerID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets[providerID] = &bucket{
		capacity:   cfg.Capacity,
		tokens:     cfg.Capacity,
		refillPerS: cfg.Capacity / cfg.Window.Seconds(),
		last:       c.now(),
	}
	return nil
}

// Configure adds or replaces a provider budget. The replacement bucket starts
// full.
func (c *Controller) Configure(providerID string, cfg BudgetConfig) error {
	return c.configure(providerID, cfg)
}

// TryAcquire attempts to debit one token from the provider's bucket.
// Check-and-decrement happens in one step under the bucket lock; under
// concurrent callers the bucket never over-grants and never goes negative.
// An unknown provider is granted unconditionally: no configured budget means
// no admission constraint.
func (c *Controller) TryAcquire(providerID string) Decision {
	c.mu.RLock()
	b, ok := c.buckets[providerID]
	c.mu.RUnlock()
	if !ok {
		return Decision{Granted: true}
	}

	now := c.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)
	if b.tokens >= 1 {
		b.tokens--
		return Decision{Granted: true}
	}

	// Exact availability from the current fill level and refill rate.
	deficit := 1 - b.tokens
	wait := time.Duration(deficit / b.refillPerS * float64(time.Second))
	return Decision{Granted: false, RetryAfter: now.Add(wait)}
}

// Refund returns one token to the bucket, used when an admitted call was
// never sent to the provider. The bucket is still capped at capacity.
func (c *Controller) Refund(providerID string) {
	c.mu.RLock()
	b, ok := c.buckets[providerID]
	c.mu.RUnlock()
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(c.now())
	b.tokens++
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Snapshot returns the current fill level of every bucket.
func (c *Controller) Snapshot() []BudgetSnapshot {
	c.mu.RLock()
	ids := make([]string, 0, len(c.buckets))
	buckets := make([]*bucket, 0, len(c.buckets))
	for id, b := range c.buckets {
		ids = append(ids, id)
		buckets = append(buckets, b)
	}
	c.mu.RUnlock()

	now := c.now()
	out := make([]BudgetSnapshot, 0, len(buckets))
	for i, b := range buckets {
		b.mu.Lock()
		b.refillLocked(now)
		out = append(out, BudgetSnapshot{
			ProviderID: ids[i],
			Capacity:   b.capacity,
			Tokens:     b.tokens,
			Window:     time.Duration(b.capacity / b.refillPerS * float64(time.Second)),
		})
		b.mu.Unlock()
	}
	return out
}

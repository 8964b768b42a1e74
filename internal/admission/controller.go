// Package admission gates when remote-facing operations may start.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mediagrab/mediagrab/internal/grab"
	"github.com/mediagrab/mediagrab/internal/metrics"
)

const windowSpan = time.Minute

// Config controls Controller behavior.
type Config struct {
	MinDelay      time.Duration
	MaxPerMinute  int
	BurstCooldown time.Duration
}

// Controller enforces minimum spacing between operations and a rolling
// per-minute cap. The decide-and-record step runs under one mutex so
// the spacing invariant holds under concurrent callers.
type Controller struct {
	mu            sync.Mutex
	cfg           Config
	window        []time.Time
	lastStart     time.Time
	cooldownUntil time.Time
	clock         grab.Clock
	logger        *zap.Logger
}

// Stats is the admission section of the service stats payload.
type Stats struct {
	RequestsLastMinute int        `json:"requests_last_minute"`
	MaxPerMinute       int        `json:"max_per_minute"`
	MinDelayMs         int64      `json:"min_delay_ms"`
	Throttled          bool       `json:"throttled"`
	ThrottleUntil      *time.Time `json:"throttle_until,omitempty"`
}

// New constructs a Controller.
func New(cfg Config, clock grab.Clock, logger *zap.Logger) *Controller {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 2 * time.Second
	}
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = 15
	}
	if cfg.BurstCooldown <= 0 {
		cfg.BurstCooldown = time.Minute
	}
	return &Controller{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
}

// AwaitSlot blocks until the caller may start a remote-facing
// operation. Checks run in order: active cooldown, rolling-window cap
// (which sets a burst cooldown and clears the window), then minimum
// spacing since the previous grant. The grant time is recorded only
// after every wait has resolved.
func (c *Controller) AwaitSlot(ctx context.Context) error {
	started := c.clock.Now()
	for {
		wait, granted := c.evaluate()
		if granted {
			metrics.ObserveAdmissionWait(c.clock.Now().Sub(started))
			return nil
		}
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("admission wait: %w", err)
		}
	}
}

// evaluate runs one pass of the admission policy. It either records a
// grant and returns granted=true, or returns how long the caller
// should sleep before re-evaluating.
func (c *Controller) evaluate() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if now.Before(c.cooldownUntil) {
		return c.cooldownUntil.Sub(now), false
	}

	c.pruneLocked(now)
	if len(c.window) >= c.cfg.MaxPerMinute {
		c.cooldownUntil = now.Add(c.cfg.BurstCooldown)
		c.window = c.window[:0]
		c.logger.Warn("admission burst cap hit, cooling down",
			zap.Int("max_per_minute", c.cfg.MaxPerMinute),
			zap.Duration("cooldown", c.cfg.BurstCooldown),
		)
		return c.cfg.BurstCooldown, false
	}

	if !c.lastStart.IsZero() {
		if remaining := c.cfg.MinDelay - now.Sub(c.lastStart); remaining > 0 {
			return remaining, false
		}
	}

	c.lastStart = now
	c.window = append(c.window, now)
	return 0, true
}

// TriggerCooldown forces a suspension window for all subsequent
// admissions, used when the remote visibly throttles.
func (c *Controller) TriggerCooldown(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	until := c.clock.Now().Add(d)
	if until.After(c.cooldownUntil) {
		c.cooldownUntil = until
	}
	c.logger.Warn("admission cooldown triggered", zap.Duration("duration", d))
}

// Stats reports the current admission state.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	c.pruneLocked(now)
	s := Stats{
		RequestsLastMinute: len(c.window),
		MaxPerMinute:       c.cfg.MaxPerMinute,
		MinDelayMs:         c.cfg.MinDelay.Milliseconds(),
		Throttled:          now.Before(c.cooldownUntil),
	}
	if s.Throttled {
		until := c.cooldownUntil
		s.ThrottleUntil = &until
	}
	return s
}

func (c *Controller) pruneLocked(now time.Time) {
	cutoff := now.Add(-windowSpan)
	kept := c.window[:0]
	for _, t := range c.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.window = kept
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

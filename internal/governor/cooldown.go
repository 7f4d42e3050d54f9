package governor

import (
	"context"
	"sync"
	"time"
)

const (
	maxEntries      = 10000
	cleanupInterval = time.Minute
	entryTTL        = 5 * time.Minute
)

// CooldownBackend tracks per-account read/write cooldowns.
type CooldownBackend interface {
	// Reserve starts the cooldown when none is pending and returns 0.
	// Otherwise it returns the remaining wait.
	Reserve(ctx context.Context, key string, period time.Duration) (time.Duration, error)
	// Release cancels a reservation made by Reserve, used when a later
	// admission gate turns the call away.
	Release(ctx context.Context, key string) error
}

type memoryCooldowns struct {
	mu          sync.Mutex
	deadlines   map[string]time.Time
	lastCleanup time.Time
}

// NewMemoryCooldowns returns the in-process cooldown backend used when no
// redis is configured.
func NewMemoryCooldowns() CooldownBackend {
	return &memoryCooldowns{
		deadlines:   make(map[string]time.Time),
		lastCleanup: time.Now(),
	}
}

func (c *memoryCooldowns) cleanup(now time.Time) {
	if now.Sub(c.lastCleanup) < cleanupInterval {
		return
	}
	c.lastCleanup = now

	for key, deadline := range c.deadlines {
		if now.Sub(deadline) > entryTTL {
			delete(c.deadlines, key)
		}
	}

	if len(c.deadlines) > maxEntries {
		drop := len(c.deadlines) / 5
		for key := range c.deadlines {
			delete(c.deadlines, key)
			drop--
			if drop <= 0 {
				break
			}
		}
	}
}

func (c *memoryCooldowns) Reserve(_ context.Context, key string, period time.Duration) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.cleanup(now)

	if deadline, ok := c.deadlines[key]; ok {
		if remaining := deadline.Sub(now); remaining > 0 {
			return remaining, nil
		}
	}
	c.deadlines[key] = now.Add(period)
	return 0, nil
}

func (c *memoryCooldowns) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.deadlines, key)
	return nil
}

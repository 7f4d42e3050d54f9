// Package governor admits remote game calls through four gates taken in
// order: a per-user read/write cooldown, a per-user in-flight cap, a global
// concurrency semaphore and a per-account write lock. Cooldown and in-flight
// follow the caller so a busy scheduler never starves an operator; the write
// lock follows the account so two writers can never touch the same farm at
// once. A successful Acquire returns a Lease that releases the gates in
// reverse order; a failure at any gate rolls back the gates already taken.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	apperrors "github.com/openfarm/farm-runtime-go/internal/errors"
	"github.com/openfarm/farm-runtime-go/internal/model"
)

type Config struct {
	// GlobalLimit caps in-flight calls across all users.
	GlobalLimit int64
	// InflightLimit caps in-flight calls per user. Calls beyond the cap
	// are rejected immediately rather than queued.
	InflightLimit int
	ReadCooldown  time.Duration
	WriteCooldown time.Duration
}

type Governor struct {
	cfg       Config
	cooldowns CooldownBackend
	global    *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]int
	// buffered capacity-1 channels, one per account, acting as ctx-aware
	// write locks; entries live as long as the process
	writeLocks map[string]chan struct{}
}

func New(cfg Config, cooldowns CooldownBackend) *Governor {
	if cfg.GlobalLimit < 1 {
		cfg.GlobalLimit = 1
	}
	if cfg.InflightLimit < 1 {
		cfg.InflightLimit = 1
	}
	return &Governor{
		cfg:        cfg,
		cooldowns:  cooldowns,
		global:     semaphore.NewWeighted(cfg.GlobalLimit),
		inflight:   make(map[string]int),
		writeLocks: make(map[string]chan struct{}),
	}
}

// Lease represents a granted admission. Release is idempotent.
type Lease struct {
	g         *Governor
	userID    string
	accountID string
	write     bool
	once      sync.Once
}

func (l *Lease) Release() {
	l.once.Do(func() {
		if l.write {
			l.g.unlockAccount(l.accountID)
		}
		l.g.global.Release(1)
		l.g.releaseInflight(l.userID)
	})
}

// Acquire admits one call of the given class made by userID against
// accountID. Cooldown and in-flight violations reject immediately; the
// global semaphore and the write lock block until granted or ctx ends.
// Scheduler traffic passes its own synthetic user so its cadence never
// counts against the human behind the account.
func (g *Governor) Acquire(ctx context.Context, userID, accountID string, class model.ActionClass) (*Lease, error) {
	write := class.IsWrite()

	kind, period := "read", g.cfg.ReadCooldown
	if write {
		kind, period = "write", g.cfg.WriteCooldown
	}

	cooldownKey := ""
	if period > 0 {
		cooldownKey = userID + ":" + kind
		remaining, err := g.cooldowns.Reserve(ctx, cooldownKey, period)
		if err != nil {
			return nil, err
		}
		if remaining > 0 {
			return nil, apperrors.CooldownActive(fmt.Sprintf(
				"%s cooldown active for user %s, %dms remaining", kind, userID, remaining.Milliseconds()))
		}
	}

	if !g.admitInflight(userID) {
		g.rollbackCooldown(ctx, cooldownKey)
		return nil, apperrors.AdmissionRejected(fmt.Sprintf(
			"user %s already has %d call(s) in flight", userID, g.cfg.InflightLimit))
	}

	if err := g.global.Acquire(ctx, 1); err != nil {
		g.releaseInflight(userID)
		g.rollbackCooldown(ctx, cooldownKey)
		return nil, apperrors.AdmissionRejected("wait for global concurrency slot aborted").WithCause(err)
	}

	if write {
		if err := g.lockAccount(ctx, accountID); err != nil {
			g.global.Release(1)
			g.releaseInflight(userID)
			g.rollbackCooldown(ctx, cooldownKey)
			return nil, err
		}
	}

	return &Lease{g: g, userID: userID, accountID: accountID, write: write}, nil
}

// Stats is the operator-facing admission snapshot.
type Stats struct {
	InFlight int            `json:"inFlight"`
	ByUser   map[string]int `json:"byUser"`
}

func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	stats := Stats{ByUser: make(map[string]int, len(g.inflight))}
	for userID, count := range g.inflight {
		if count == 0 {
			continue
		}
		stats.ByUser[userID] = count
		stats.InFlight += count
	}
	return stats
}

func (g *Governor) admitInflight(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight[userID] >= g.cfg.InflightLimit {
		return false
	}
	g.inflight[userID]++
	return true
}

func (g *Governor) releaseInflight(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight[userID] <= 1 {
		delete(g.inflight, userID)
		return
	}
	g.inflight[userID]--
}

func (g *Governor) rollbackCooldown(ctx context.Context, key string) {
	if key == "" {
		return
	}
	// the rejection must not inherit a dead ctx
	_ = g.cooldowns.Release(context.WithoutCancel(ctx), key)
}

func (g *Governor) writeLock(accountID string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.writeLocks[accountID]
	if !ok {
		ch = make(chan struct{}, 1)
		g.writeLocks[accountID] = ch
	}
	return ch
}

func (g *Governor) lockAccount(ctx context.Context, accountID string) error {
	select {
	case g.writeLock(accountID) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return apperrors.AdmissionRejected("wait for write lock aborted for account " + accountID).
			WithCause(ctx.Err())
	}
}

func (g *Governor) unlockAccount(accountID string) {
	<-g.writeLock(accountID)
}

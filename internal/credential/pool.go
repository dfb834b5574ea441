package credential

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSyncInterval is how often the pool reloads from the store.
const DefaultSyncInterval = 30 * time.Second

// Pool is the in-memory tier view the selector picks from. It is rebuilt by
// a periodic sync from the store; health flags can additionally be flipped
// out-of-band between syncs.
//
// Safe for concurrent use.
type Pool struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	byTier map[Tier][]*Credential
}

// NewPool creates a pool over the store. interval <= 0 uses the default.
func NewPool(store *Store, interval time.Duration, logger *slog.Logger) *Pool {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:    store,
		interval: interval,
		logger:   logger,
		byTier:   make(map[Tier][]*Credential),
	}
}

// Sync rebuilds the tier view from the store.
func (p *Pool) Sync(ctx context.Context) error {
	creds, err := p.store.List(ctx, "")
	if err != nil {
		return err
	}
	byTier := make(map[Tier][]*Credential, len(Tiers))
	for _, c := range creds {
		byTier[c.Tier] = append(byTier[c.Tier], c)
	}

	p.mu.Lock()
	p.byTier = byTier
	p.mu.Unlock()
	return nil
}

// Run syncs on a fixed interval until ctx is cancelled. A failed sync keeps
// the previous view.
func (p *Pool) Run(ctx context.Context) {
	if err := p.Sync(ctx); err != nil {
		p.logger.Warn("credential pool initial sync failed", "error", err)
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Sync(ctx); err != nil {
				p.logger.Warn("credential pool sync failed", "error", err)
			}
		}
	}
}

// Tier returns the credentials of one tier. The slice is shared read-only
// state; callers must not mutate entries other than through Flag.
func (p *Pool) Tier(t Tier) []*Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byTier[t]
}

// Healthy returns the healthy credentials of one tier.
func (p *Pool) Healthy(t Tier) []*Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Credential
	for _, c := range p.byTier[t] {
		if c.IsHealthy {
			out = append(out, c)
		}
	}
	return out
}

// Flag flips a credential's health out-of-band, ahead of the next sync, and
// mirrors the change to the store.
func (p *Pool) Flag(ctx context.Context, id string, healthy bool) {
	p.mu.Lock()
	for _, creds := range p.byTier {
		for _, c := range creds {
			if c.ID == id {
				c.IsHealthy = healthy
			}
		}
	}
	p.mu.Unlock()

	if err := p.store.SetHealthy(ctx, id, healthy); err != nil {
		p.logger.Warn("persist credential health failed", "credential", id, "error", err)
	}
}

// Size returns the total entry count across tiers.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, creds := range p.byTier {
		n += len(creds)
	}
	return n
}

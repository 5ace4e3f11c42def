package notify

import (
	"context"
	"log"
	"sync"
)

// AppBadge is the OS-level badge surface. A nil AppBadge means the platform
// has no badge support; updates are skipped, never an error.
type AppBadge interface {
	Set(count int) error
	Clear() error
}

// BadgeSynchronizer owns the unread count. Every mutation is serialized,
// clamped to >= 0, persisted through the store, and then fanned out to the
// platform badge and every connected page.
type BadgeSynchronizer struct {
	mu    sync.Mutex
	store *Store
	badge AppBadge
	pages PageRegistry
	logf  func(format string, args ...any)
}

func NewBadgeSynchronizer(store *Store, badge AppBadge, pages PageRegistry, logf func(string, ...any)) *BadgeSynchronizer {
	if pages == nil {
		pages = NoPages{}
	}
	if logf == nil {
		logf = log.Printf
	}
	return &BadgeSynchronizer{store: store, badge: badge, pages: pages, logf: logf}
}

func (b *BadgeSynchronizer) Count() int {
	return b.store.BadgeCount()
}

func (b *BadgeSynchronizer) Increment(ctx context.Context) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applyLocked(ctx, b.store.BadgeCount()+1)
}

func (b *BadgeSynchronizer) Decrement(ctx context.Context) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applyLocked(ctx, b.store.BadgeCount()-1)
}

func (b *BadgeSynchronizer) Set(ctx context.Context, count int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applyLocked(ctx, count)
}

// RecomputeFromStore is the reconciliation primitive: the unread count in
// the store is authoritative, the badge is a cache of it. Call on visibility
// regain, on reconnect, and periodically.
func (b *BadgeSynchronizer) RecomputeFromStore(ctx context.Context) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applyLocked(ctx, b.store.UnreadCount())
}

func (b *BadgeSynchronizer) applyLocked(ctx context.Context, count int) int {
	count = b.store.SetBadgeCount(count)
	b.fanOut(ctx, count)
	return count
}

func (b *BadgeSynchronizer) fanOut(ctx context.Context, count int) {
	if b.badge != nil {
		var err error
		if count > 0 {
			err = b.badge.Set(count)
		} else {
			err = b.badge.Clear()
		}
		if err != nil {
			b.logf("notify: app badge update failed: %v", err)
		}
	}
	msg := BadgeUpdatedMessage(count)
	for _, page := range b.pages.Snapshot(ctx) {
		if err := page.Deliver(ctx, msg); err != nil {
			b.logf("notify: badge broadcast to page %s failed: %v", page.ID(), err)
		}
	}
}

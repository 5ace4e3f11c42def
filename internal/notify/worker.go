package notify

import (
	"context"
	"log"
	"time"
)

const (
	DefaultSettleDelay = 1500 * time.Millisecond
	DefaultVersion     = "5.0.0"
)

// ShellCache is the resource-cache lifecycle the worker drives on install
// and activate.
type ShellCache interface {
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
}

type WorkerOptions struct {
	Store       *Store
	Notifier    Notifier
	Pages       PageRegistry
	AppBadge    AppBadge
	Cache       ShellCache
	AppTitle    string
	Origin      string
	Version     string
	SettleDelay time.Duration
	Logf        func(format string, args ...any)
}

// Worker is the background context: it receives lifecycle events (install,
// activate, push, notification click, page messages) and runs each to
// completion. All state mutations funnel through the store and the badge
// synchronizer, so the worker itself can terminate between events without
// losing anything a recompute cannot restore.
type Worker struct {
	store       *Store
	badge       *BadgeSynchronizer
	mat         *Materializer
	notifier    Notifier
	pages       PageRegistry
	cache       ShellCache
	origin      string
	version     string
	settleDelay time.Duration
	logf        func(format string, args ...any)
}

func NewWorker(opts WorkerOptions) *Worker {
	store := opts.Store
	if store == nil {
		store = NewStore()
	}
	pages := opts.Pages
	if pages == nil {
		pages = NoPages{}
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logf: logf}
	}
	version := opts.Version
	if version == "" {
		version = DefaultVersion
	}
	settleDelay := opts.SettleDelay
	if settleDelay <= 0 {
		settleDelay = DefaultSettleDelay
	}
	w := &Worker{
		store:       store,
		notifier:    notifier,
		pages:       pages,
		cache:       opts.Cache,
		origin:      opts.Origin,
		version:     version,
		settleDelay: settleDelay,
		logf:        logf,
	}
	w.badge = NewBadgeSynchronizer(store, opts.AppBadge, pages, logf)
	w.mat = NewMaterializer(store, notifier, opts.AppTitle, logf)
	return w
}

func (w *Worker) Store() *Store               { return w.store }
func (w *Worker) Badge() *BadgeSynchronizer   { return w.badge }
func (w *Worker) Materializer() *Materializer { return w.mat }
func (w *Worker) Version() string             { return w.version }

// Install pre-populates the current cache generation from the asset
// manifest. Never fatal: a failed install leaves the shell network-only.
func (w *Worker) Install(ctx context.Context) {
	if w.cache == nil {
		return
	}
	if err := w.cache.Install(ctx); err != nil {
		w.logf("notify: cache install failed: %v", err)
	}
}

// Activate reclaims every cache generation other than the current one.
func (w *Worker) Activate(ctx context.Context) {
	if w.cache == nil {
		return
	}
	if err := w.cache.Activate(ctx); err != nil {
		w.logf("notify: cache activate failed: %v", err)
	}
}

// HandlePush materializes an inbound push payload and reconciles the badge
// from the store. The record is persisted before the badge moves, so a crash
// in between is recovered by the next recompute.
func (w *Worker) HandlePush(ctx context.Context, raw []byte) NotificationRecord {
	record := w.mat.HandlePush(ctx, raw)
	w.badge.RecomputeFromStore(ctx)
	return record
}

// HandleMessage dispatches one page->worker frame and returns the reply
// frame, if the kind expects one. Unknown kinds are a no-op.
func (w *Worker) HandleMessage(ctx context.Context, msg Message) *Message {
	switch msg.Kind {
	case KindBackgroundNotification:
		bn := BackgroundNotification{}
		if msg.Notification != nil {
			bn = *msg.Notification
		}
		if bn.Data == nil && msg.Data != nil {
			bn.Data = msg.Data
		}
		w.mat.MaterializeBackground(ctx, bn)
		w.badge.RecomputeFromStore(ctx)
		return nil
	case KindUpdateBadge:
		if msg.Count != nil {
			w.badge.Set(ctx, *msg.Count)
		}
		return nil
	case KindGetBadgeCount:
		reply := BadgeCountReply(w.badge.Count())
		return &reply
	case KindClearBadge:
		w.store.Clear()
		w.badge.Set(ctx, 0)
		return nil
	case KindPing:
		reply := PongMessage(w.version)
		return &reply
	default:
		return nil
	}
}

package notify

import (
	"context"
	"testing"
	"time"
)

func newClickWorker(t *testing.T, registry PageRegistry) (*Worker, *Store, *recordingNotifier) {
	t.Helper()
	store := newTestStore(t)
	notifier := &recordingNotifier{}
	worker := NewWorker(WorkerOptions{
		Store:       store,
		Notifier:    notifier,
		Pages:       registry,
		Origin:      "app.example",
		SettleDelay: time.Millisecond,
		Logf:        discardLogf,
	})
	return worker, store, notifier
}

func TestDismissMarksReadOnce(t *testing.T) {
	worker, store, notifier := newClickWorker(t, nil)
	ctx := context.Background()
	putN(t, store, 2)
	worker.Badge().RecomputeFromStore(ctx)

	event := ClickEvent{NotificationID: "n-000", Action: ActionDismiss}
	worker.HandleClick(ctx, event)
	if store.BadgeCount() != 1 {
		t.Fatalf("badge = %d after dismiss, want 1", store.BadgeCount())
	}
	record, err := store.Get("n-000")
	if err != nil || !record.Read {
		t.Fatalf("record not marked read: %+v, %v", record, err)
	}

	// Second dismiss for the same id must not decrement again.
	worker.HandleClick(ctx, event)
	if store.BadgeCount() != 1 {
		t.Fatalf("badge = %d after duplicate dismiss, want 1", store.BadgeCount())
	}
	if len(notifier.closed) != 2 {
		t.Fatalf("notifier.Close calls = %d, want 2", len(notifier.closed))
	}
}

func TestDismissWithoutIDClampsAtZero(t *testing.T) {
	worker, store, _ := newClickWorker(t, nil)
	ctx := context.Background()

	worker.HandleClick(ctx, ClickEvent{Action: ActionDismiss})
	if store.BadgeCount() != 0 {
		t.Fatalf("badge = %d, want 0", store.BadgeCount())
	}
}

func TestClickDeliversToFocusedPage(t *testing.T) {
	page := &fakePage{id: "page-1", origin: "https://app.example/grades"}
	registry := &fakeRegistry{pages: []*fakePage{page}}
	worker, store, _ := newClickWorker(t, registry)
	ctx := context.Background()
	putN(t, store, 1)
	store.SetBadgeCount(1)

	worker.HandleClick(ctx, ClickEvent{
		NotificationID: "n-000",
		Data:           map[string]any{"page": "grades", "childId": "c-9"},
	})

	if page.focused != 1 {
		t.Fatalf("page focused %d times, want 1", page.focused)
	}
	msgs := page.messages()
	if len(msgs) != 2 {
		// NOTIFICATION_CLICKED plus the BADGE_UPDATED from the read flip.
		t.Fatalf("page received %d messages, want 2", len(msgs))
	}
	clicked := msgs[0]
	if clicked.Kind != KindNotificationClicked {
		t.Fatalf("first message kind = %s", clicked.Kind)
	}
	if clicked.Data["page"] != "grades" || clicked.Data["childId"] != "c-9" {
		t.Fatalf("click data = %v", clicked.Data)
	}
	record, err := store.Get("n-000")
	if err != nil || !record.Read {
		t.Fatalf("record not marked read: %+v, %v", record, err)
	}
	if store.BadgeCount() != 0 {
		t.Fatalf("badge = %d, want 0", store.BadgeCount())
	}
}

func TestClickOpensRootWhenNoPageConnected(t *testing.T) {
	opened := &fakePage{id: "page-new", origin: "https://app.example/"}
	registry := &fakeRegistry{opened: opened}
	worker, store, _ := newClickWorker(t, registry)
	ctx := context.Background()
	putN(t, store, 1)
	worker.Badge().RecomputeFromStore(ctx)

	worker.HandleClick(ctx, ClickEvent{NotificationID: "n-000"})

	msgs := opened.messages()
	if len(msgs) == 0 || msgs[0].Kind != KindNotificationClicked {
		t.Fatalf("opened page messages = %+v", msgs)
	}
	record, err := store.Get("n-000")
	if err != nil || !record.Read {
		t.Fatalf("record not marked read: %+v, %v", record, err)
	}
}

func TestClickWithoutPagesOrOpenerIsSafe(t *testing.T) {
	worker, store, _ := newClickWorker(t, NoPages{})
	ctx := context.Background()
	putN(t, store, 1)
	worker.Badge().RecomputeFromStore(ctx)

	worker.HandleClick(ctx, ClickEvent{NotificationID: "n-000"})

	// No page received the handoff, so the record stays unread.
	record, err := store.Get("n-000")
	if err != nil || record.Read {
		t.Fatalf("record should stay unread: %+v, %v", record, err)
	}
	if store.BadgeCount() != 1 {
		t.Fatalf("badge = %d, want 1", store.BadgeCount())
	}
}

func TestClickFallsBackToDataNotificationID(t *testing.T) {
	page := &fakePage{id: "page-1", origin: "https://app.example/"}
	registry := &fakeRegistry{pages: []*fakePage{page}}
	worker, store, _ := newClickWorker(t, registry)
	ctx := context.Background()
	putN(t, store, 1)
	worker.Badge().RecomputeFromStore(ctx)

	worker.HandleClick(ctx, ClickEvent{Data: map[string]any{"notificationId": "n-000"}})

	record, err := store.Get("n-000")
	if err != nil || !record.Read {
		t.Fatalf("record not marked read via data fallback: %+v, %v", record, err)
	}
}

func TestClickSkipsForeignOriginPages(t *testing.T) {
	foreign := &fakePage{id: "page-x", origin: "https://other.example/"}
	registry := &fakeRegistry{pages: []*fakePage{foreign}}
	worker, _, _ := newClickWorker(t, registry)

	worker.HandleClick(context.Background(), ClickEvent{NotificationID: "n-000"})

	if foreign.focused != 0 || len(foreign.messages()) != 0 {
		t.Fatal("foreign-origin page must not receive the handoff")
	}
}

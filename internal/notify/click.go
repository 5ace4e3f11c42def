package notify

import (
	"context"
	"strings"
	"time"
)

// ClickEvent is a platform click on a displayed notification. Action is
// empty for a plain body click, or one of the declared notification actions.
type ClickEvent struct {
	NotificationID string         `json:"notificationId"`
	Tag            string         `json:"tag,omitempty"`
	Action         string         `json:"action,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// HandleClick runs the click-to-navigation handoff. The handler tolerates
// being invoked twice for the same notification id: the read flip is the
// deduplication point, and decrements clamp at zero.
func (w *Worker) HandleClick(ctx context.Context, event ClickEvent) {
	if err := w.notifier.Close(ctx, event.NotificationID); err != nil {
		w.logf("notify: closing notification %s failed: %v", event.NotificationID, err)
	}

	if event.Action == ActionDismiss {
		w.settleRead(ctx, event.NotificationID)
		return
	}

	data := event.Data
	if data == nil {
		data = map[string]any{}
	}

	page := w.findAppPage(ctx)
	if page != nil {
		if err := page.Focus(ctx); err != nil {
			w.logf("notify: focusing page %s failed: %v", page.ID(), err)
		}
		if err := page.Deliver(ctx, NotificationClickedMessage(data, w.badge.Count())); err != nil {
			w.logf("notify: click delivery to page %s failed: %v", page.ID(), err)
			return
		}
		w.settleRead(ctx, clickNotificationID(event, data))
		return
	}

	opened, err := w.pages.OpenRoot(ctx)
	if err != nil {
		w.logf("notify: opening page failed: %v", err)
		return
	}
	if opened == nil {
		return
	}
	// No explicit ready signal exists for a fresh page; wait a fixed
	// settling delay before delivering.
	select {
	case <-time.After(w.settleDelay):
	case <-ctx.Done():
		return
	}
	if err := opened.Deliver(ctx, NotificationClickedMessage(data, w.badge.Count())); err != nil {
		w.logf("notify: click delivery to new page failed: %v", err)
		return
	}
	w.settleRead(ctx, clickNotificationID(event, data))
}

// settleRead marks a record read and decrements the badge only when the flip
// actually changed something, so a duplicate click never double-decrements.
// Without an id the decrement still clamps at zero.
func (w *Worker) settleRead(ctx context.Context, notificationID string) {
	if notificationID == "" {
		w.badge.Decrement(ctx)
		return
	}
	if w.store.MarkRead(notificationID) {
		w.badge.Decrement(ctx)
	}
}

func (w *Worker) findAppPage(ctx context.Context) Page {
	for _, page := range w.pages.Snapshot(ctx) {
		if w.origin == "" || strings.Contains(page.Origin(), w.origin) {
			return page
		}
	}
	return nil
}

func clickNotificationID(event ClickEvent, data map[string]any) string {
	if event.NotificationID != "" {
		return event.NotificationID
	}
	return dataString(data, "notificationId")
}

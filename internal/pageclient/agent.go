package pageclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/theo357-maker/parenpush/internal/notify"
)

const (
	DefaultReconcileInterval = 30 * time.Second
	reconnectDelay           = 2 * time.Second
	writeTimeout             = 5 * time.Second
)

var titlePrefixPattern = regexp.MustCompile(`^\(\d+\)\s*`)

type Options struct {
	// URL is the worker's websocket endpoint.
	URL string
	// BaseTitle is the undecorated document title.
	BaseTitle string
	// ReconcileInterval bounds the staleness window for missed badge
	// messages. Defaults to 30s.
	ReconcileInterval time.Duration
	// Navigate performs the in-app navigation for NOTIFICATION_CLICKED.
	Navigate func(page, childID string)
	// HTTPClient is used for the websocket dial.
	HTTPClient *http.Client
	Version    string
	Logf       func(format string, args ...any)
}

// Agent is the foreground page side of the protocol: it mirrors the badge
// into local UI state (counter text, document title) and pulls the
// authoritative count whenever it might have drifted.
type Agent struct {
	opts Options

	mu     sync.Mutex
	conn   *websocket.Conn
	unread int
	title  string

	kick chan struct{}
}

func New(opts Options) (*Agent, error) {
	if opts.URL == "" {
		return nil, errors.New("pageclient: URL is required")
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	return &Agent{
		opts:  opts,
		title: opts.BaseTitle,
		kick:  make(chan struct{}, 1),
	}, nil
}

// Run connects and serves the session, reconnecting until ctx is done.
// Every reconnect starts with a reconciliation pull, so a worker restart
// never leaves the page stuck with a stale count.
func (a *Agent) Run(ctx context.Context) error {
	for {
		if err := a.runSession(ctx); err != nil && ctx.Err() == nil {
			a.logf("pageclient: session ended: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (a *Agent) runSession(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, a.opts.URL, &websocket.DialOptions{
		HTTPClient: a.opts.HTTPClient,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
	}()

	if err := a.send(ctx, notify.NewMessage(notify.KindPing)); err != nil {
		return err
	}
	if err := a.requestBadgeCount(ctx); err != nil {
		return err
	}

	msgCh := make(chan notify.Message)
	errCh := make(chan error, 1)
	go func() {
		for {
			var msg notify.Message
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(a.opts.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-ticker.C:
			if err := a.requestBadgeCount(ctx); err != nil {
				return err
			}
		case <-a.kick:
			if err := a.requestBadgeCount(ctx); err != nil {
				return err
			}
		case msg := <-msgCh:
			a.handle(msg)
		}
	}
}

// VisibilityRegained triggers an immediate reconciliation pull, mirroring
// the page coming back into the foreground.
func (a *Agent) VisibilityRegained() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

func (a *Agent) handle(msg notify.Message) {
	switch msg.Kind {
	case notify.KindBadgeUpdated, notify.KindBadgeCount:
		if msg.Count != nil {
			a.setUnread(*msg.Count)
		}
	case notify.KindNotificationClicked:
		if msg.BadgeCount != nil {
			a.setUnread(*msg.BadgeCount)
		}
		a.navigate(msg.Data)
	case notify.KindPong:
		a.logf("pageclient: worker version %s", msg.Version)
	default:
		// Unknown kinds are ignored.
	}
}

func (a *Agent) navigate(data map[string]any) {
	if a.opts.Navigate == nil || data == nil {
		return
	}
	page, _ := data["page"].(string)
	childID, _ := data["childId"].(string)
	if page == "" {
		return
	}
	a.opts.Navigate(page, childID)
}

func (a *Agent) setUnread(count int) {
	if count < 0 {
		count = 0
	}
	a.mu.Lock()
	a.unread = count
	a.title = DecorateTitle(a.title, count)
	a.mu.Unlock()
}

func (a *Agent) UnreadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unread
}

// Title returns the document title with the unread prefix applied.
func (a *Agent) Title() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.title
}

// CounterText is the visible counter element content: empty when read,
// capped at 99+.
func (a *Agent) CounterText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.unread <= 0:
		return ""
	case a.unread > 99:
		return "99+"
	default:
		return strconv.Itoa(a.unread)
	}
}

// DecorateTitle strips any existing "(N) " prefix before applying the new
// one, so repeated application never stacks prefixes.
func DecorateTitle(title string, count int) string {
	base := titlePrefixPattern.ReplaceAllString(title, "")
	if count <= 0 {
		return base
	}
	return fmt.Sprintf("(%d) %s", count, base)
}

// RequestBackgroundNotification asks the worker to materialize a
// notification on the page's behalf.
func (a *Agent) RequestBackgroundNotification(ctx context.Context, title, body string, data map[string]any) error {
	msg := notify.NewMessage(notify.KindBackgroundNotification)
	msg.Notification = &notify.BackgroundNotification{Title: title, Body: body, Data: data}
	return a.send(ctx, msg)
}

// ClearBadge resets the badge and the store on the worker side.
func (a *Agent) ClearBadge(ctx context.Context) error {
	return a.send(ctx, notify.NewMessage(notify.KindClearBadge))
}

// SetBadge pushes an explicit count to the worker.
func (a *Agent) SetBadge(ctx context.Context, count int) error {
	msg := notify.NewMessage(notify.KindUpdateBadge)
	msg.Count = &count
	return a.send(ctx, msg)
}

func (a *Agent) requestBadgeCount(ctx context.Context) error {
	return a.send(ctx, notify.NewMessage(notify.KindGetBadgeCount))
}

func (a *Agent) send(ctx context.Context, msg notify.Message) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return errors.New("pageclient: not connected")
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

func (a *Agent) logf(format string, args ...any) {
	a.opts.Logf(format, args...)
}

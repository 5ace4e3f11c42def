package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/theo357-maker/parenpush/internal/cachepolicy"
	"github.com/theo357-maker/parenpush/internal/notify"
)

func discardLogf(string, ...any) {}

func newTestServer(t *testing.T) (*Server, *notify.Worker, *Hub) {
	t.Helper()
	hub := NewHub()
	hub.Logf = discardLogf
	worker := notify.NewWorker(notify.WorkerOptions{
		Store: notify.NewStoreWithOptions(notify.StoreOptions{Logf: discardLogf}),
		Pages: hub,
		Logf:  discardLogf,
	})
	server := NewServer(worker, nil, hub, ServerConfig{})
	return server, worker, hub
}

func TestHealthz(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPushIngestAcceptsStructuredPayload(t *testing.T) {
	server, worker, _ := newTestServer(t)
	body := strings.NewReader(`{"data":{"type":"grades","childName":"Alice","subject":"Math"}}`)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/push", body))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var reply struct {
		Status     string `json:"status"`
		ID         string `json:"id"`
		Type       string `json:"type"`
		BadgeCount int    `json:"badgeCount"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Status != "accepted" || reply.ID == "" || reply.Type != "grades" {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.BadgeCount != 1 {
		t.Fatalf("badgeCount = %d, want 1", reply.BadgeCount)
	}
	if worker.Store().UnreadCount() != 1 {
		t.Fatalf("unread = %d", worker.Store().UnreadCount())
	}
}

func TestPushIngestNeverRejectsMalformedPayload(t *testing.T) {
	server, worker, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/push",
		strings.NewReader("\xff\xfe not json")))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 for malformed payload", rec.Code)
	}
	if worker.Store().Len() != 1 {
		t.Fatalf("records = %d, want fallback notification", worker.Store().Len())
	}
}

func TestClickEndpoint(t *testing.T) {
	server, worker, _ := newTestServer(t)
	pushRec := httptest.NewRecorder()
	server.ServeHTTP(pushRec, httptest.NewRequest(http.MethodPost, "/internal/push",
		strings.NewReader(`{"data":{"type":"homework"}}`)))
	var pushed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(pushRec.Body.Bytes(), &pushed); err != nil {
		t.Fatalf("decode push reply: %v", err)
	}

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/click",
		strings.NewReader(`{"notificationId":"`+pushed.ID+`","action":"dismiss"}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	record, err := worker.Store().Get(pushed.ID)
	if err != nil || !record.Read {
		t.Fatalf("record not marked read: %+v, %v", record, err)
	}
}

func TestClickEndpointRejectsInvalidJSON(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/click",
		strings.NewReader("{not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListNotificationsWithFilter(t *testing.T) {
	server, worker, _ := newTestServer(t)
	ctx := context.Background()
	worker.HandlePush(ctx, []byte(`{"data":{"type":"grades"}}`))
	worker.HandlePush(ctx, []byte(`{"data":{"type":"homework"}}`))

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/notifications?type=grades", nil))
	var reply struct {
		Notifications []notify.NotificationRecord `json:"notifications"`
		Unread        int                         `json:"unread"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(reply.Notifications) != 1 {
		t.Fatalf("filtered notifications = %d, want 1", len(reply.Notifications))
	}
	if reply.Unread != 2 {
		t.Fatalf("unread = %d, want 2", reply.Unread)
	}
}

func TestReadAllResetsBadge(t *testing.T) {
	server, worker, _ := newTestServer(t)
	ctx := context.Background()
	worker.HandlePush(ctx, []byte(`{"data":{"type":"grades"}}`))
	worker.HandlePush(ctx, []byte(`{"data":{"type":"messages"}}`))

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/notifications/read-all", nil))
	var reply struct {
		Changed    int `json:"changed"`
		BadgeCount int `json:"badgeCount"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Changed != 2 || reply.BadgeCount != 0 {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestBadgeEndpoint(t *testing.T) {
	server, worker, _ := newTestServer(t)
	worker.Badge().Set(context.Background(), 4)

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/badge", nil))
	var reply struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Count != 4 {
		t.Fatalf("count = %d, want 4", reply.Count)
	}
}

func TestUnknownRouteWithoutCacheIs404(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

type staticFetcher struct {
	body string
}

func (f staticFetcher) Fetch(context.Context, cachepolicy.Request) (cachepolicy.Response, error) {
	return cachepolicy.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(f.body)}, nil
}

func TestShellServedThroughCacheEngine(t *testing.T) {
	hub := NewHub()
	hub.Logf = discardLogf
	worker := notify.NewWorker(notify.WorkerOptions{
		Store: notify.NewStoreWithOptions(notify.StoreOptions{Logf: discardLogf}),
		Pages: hub,
		Logf:  discardLogf,
	})
	cache, err := cachepolicy.New(cachepolicy.Options{
		DBPath:  filepath.Join(t.TempDir(), "cache.db"),
		Fetcher: staticFetcher{body: "<html>shell</html>"},
		Logf:    discardLogf,
	})
	if err != nil {
		t.Fatalf("cachepolicy.New: %v", err)
	}
	defer cache.Close()
	server := NewServer(worker, cache, hub, ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "<html>shell</html>" {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}

	// Second navigation comes from cache and says so.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Sec-Fetch-Dest", "document")
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWebSocketSession(t *testing.T) {
	server, _, hub := newTestServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, notify.Message{Kind: notify.KindPing}); err != nil {
		t.Fatalf("write PING: %v", err)
	}
	var pong notify.Message
	if err := wsjson.Read(ctx, conn, &pong); err != nil {
		t.Fatalf("read PONG: %v", err)
	}
	if pong.Kind != notify.KindPong || pong.Version != notify.DefaultVersion {
		t.Fatalf("pong = %+v", pong)
	}

	if err := wsjson.Write(ctx, conn, notify.Message{Kind: notify.KindGetBadgeCount}); err != nil {
		t.Fatalf("write GET_BADGE_COUNT: %v", err)
	}
	var count notify.Message
	if err := wsjson.Read(ctx, conn, &count); err != nil {
		t.Fatalf("read BADGE_COUNT: %v", err)
	}
	if count.Kind != notify.KindBadgeCount || count.Count == nil || *count.Count != 0 {
		t.Fatalf("badge count reply = %+v", count)
	}

	if got := len(hub.Snapshot(ctx)); got != 1 {
		t.Fatalf("hub sessions = %d, want 1", got)
	}
}

func TestHubUnregisterOnDisconnect(t *testing.T) {
	server, _, hub := newTestServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(hub.Snapshot(ctx)) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session still registered after close: %d", len(hub.Snapshot(ctx)))
}

package httpapi

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/theo357-maker/parenpush/internal/notify"
)

const sessionWriteTimeout = 5 * time.Second

// PageOpener lets a platform integration open a fresh page at the root
// route. The daemon itself cannot open browser windows; without an opener
// the click handoff simply skips delivery.
type PageOpener interface {
	OpenRoot(ctx context.Context) (notify.Page, error)
}

// Hub tracks live page sessions. It satisfies notify.PageRegistry: the
// snapshot is taken at call time and must not outlive the broadcast that
// requested it.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session
	seq      uint64

	Opener PageOpener
	Logf   func(format string, args ...any)
}

func NewHub() *Hub {
	return &Hub{sessions: map[string]*session{}}
}

func (h *Hub) Snapshot(context.Context) []notify.Page {
	h.mu.Lock()
	defer h.mu.Unlock()
	pages := make([]notify.Page, 0, len(h.sessions))
	for _, sess := range h.sessions {
		pages = append(pages, sess)
	}
	return pages
}

func (h *Hub) OpenRoot(ctx context.Context) (notify.Page, error) {
	if h.Opener == nil {
		return nil, nil
	}
	return h.Opener.OpenRoot(ctx)
}

func (h *Hub) register(origin string, conn *websocket.Conn) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	sess := &session{
		id:     fmt.Sprintf("page-%d", h.seq),
		origin: origin,
		conn:   conn,
	}
	h.sessions[sess.id] = sess
	return sess
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, id)
}

func (h *Hub) logf(format string, args ...any) {
	if h.Logf != nil {
		h.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

type session struct {
	id     string
	origin string
	conn   *websocket.Conn
	mu     sync.Mutex
}

func (s *session) ID() string     { return s.id }
func (s *session) Origin() string { return s.origin }

func (s *session) Deliver(ctx context.Context, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, sessionWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, msg)
}

// Focus is a no-op at the transport level: the page brings itself forward
// when it receives NOTIFICATION_CLICKED.
func (s *session) Focus(context.Context) error { return nil }

// handleWebSocket runs one page session: register, serve the page->worker
// protocol until the connection drops, unregister.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.hub.logf("httpapi: websocket accept: %v", err)
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = r.Host
	}
	sess := s.hub.register(origin, conn)
	defer s.hub.unregister(sess.id)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		var msg notify.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		reply := s.worker.HandleMessage(ctx, msg)
		if reply == nil {
			continue
		}
		if err := sess.Deliver(ctx, *reply); err != nil {
			s.hub.logf("httpapi: reply to %s failed: %v", sess.id, err)
			return
		}
	}
}

package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/theo357-maker/parenpush/internal/cachepolicy"
	"github.com/theo357-maker/parenpush/internal/notify"
)

type ServerConfig struct {
	// MaxBodyBytes caps inbound payload sizes. Zero means the default.
	MaxBodyBytes int64
}

const defaultMaxBodyBytes = 1 << 20

// Server is the worker's HTTP surface: push ingest from the delivery
// collaborator, websocket page sessions, a small notification API, and the
// application shell served through the cache policy engine.
type Server struct {
	worker *notify.Worker
	cache  *cachepolicy.Engine
	hub    *Hub
	cfg    ServerConfig
}

func NewServer(worker *notify.Worker, cache *cachepolicy.Engine, hub *Hub, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{worker: worker, cache: cache, hub: hub, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if r.URL.Path == "/internal/push" && r.Method == http.MethodPost {
		s.handlePush(w, r)
		return
	}
	if r.URL.Path == "/internal/click" && r.Method == http.MethodPost {
		s.handleClick(w, r)
		return
	}
	if r.URL.Path == "/ws" && r.Method == http.MethodGet {
		s.handleWebSocket(w, r)
		return
	}
	if r.URL.Path == "/api/notifications" && r.Method == http.MethodGet {
		s.handleListNotifications(w, r)
		return
	}
	if r.URL.Path == "/api/notifications/read-all" && r.Method == http.MethodPost {
		s.handleReadAll(w, r)
		return
	}
	if r.URL.Path == "/api/badge" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]int{"count": s.worker.Badge().Count()})
		return
	}

	s.handleShell(w, r)
}

// handlePush accepts a raw push payload. Malformed payloads still produce a
// fallback notification, so this never answers 5xx for bad input.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable_body", "could not read payload")
		return
	}
	record := s.worker.HandlePush(r.Context(), body)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "accepted",
		"id":         record.ID,
		"type":       record.Type,
		"badgeCount": s.worker.Badge().Count(),
	})
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	var event notify.ClickEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, s.cfg.MaxBodyBytes)).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_click", "could not decode click event")
		return
	}
	s.worker.HandleClick(r.Context(), event)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "accepted",
		"badgeCount": s.worker.Badge().Count(),
	})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	filter := notify.NotificationType(strings.TrimSpace(r.URL.Query().Get("type")))
	records := s.worker.Store().List(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": records,
		"unread":        s.worker.Store().UnreadCount(),
	})
}

func (s *Server) handleReadAll(w http.ResponseWriter, r *http.Request) {
	changed := s.worker.Store().MarkAllRead()
	count := s.worker.Badge().RecomputeFromStore(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"changed": changed, "badgeCount": count})
}

// handleShell serves everything else through the cache policy engine, so the
// application shell stays available offline.
func (s *Server) handleShell(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	resp, err := s.cache.Serve(r.Context(), cachepolicy.Request{
		Method:      r.Method,
		URL:         requestURL(r),
		Destination: fetchDestination(r),
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_failed", err.Error())
		return
	}
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	if resp.FromCache {
		w.Header().Set("X-Served-From", "cache")
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func fetchDestination(r *http.Request) string {
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest
	}
	accept := r.Header.Get("Accept")
	switch {
	case strings.Contains(accept, "text/html"):
		return "document"
	case strings.HasPrefix(accept, "image/"):
		return "image"
	default:
		return ""
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	DefaultAppTitle = "CS La Colombe"
	defaultBody     = "Nouvelle notification"

	iconPath        = "/icon-192x192.png"
	badgeIconPath   = "/icon-72x72.png"
	viewIconPath    = "/icon-view-48x48.png"
	dismissIconPath = "/icon-dismiss-48x48.png"
)

const (
	ActionView    = "view"
	ActionDismiss = "dismiss"
)

// pushPayloadSchema bounds the structured push envelope. Anything that fails
// it takes the opaque-text or fixed-default fallback path.
const pushPayloadSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"notification": {
			"type": "object",
			"properties": {
				"title": {"type": "string"},
				"body": {"type": "string"}
			}
		},
		"data": {
			"type": "object"
		}
	}
}`

type PushPayload struct {
	Notification *PayloadNotification `json:"notification,omitempty"`
	Data         map[string]any       `json:"data,omitempty"`
}

type PayloadNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type DisplayAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// DisplayRequest is what the OS notification surface receives. Tag makes the
// platform coalesce notifications of the same type instead of stacking them.
type DisplayRequest struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	Body               string          `json:"body"`
	Icon               string          `json:"icon"`
	Badge              string          `json:"badge"`
	Vibration          []int           `json:"vibrate"`
	Tag                string          `json:"tag"`
	Renotify           bool            `json:"renotify"`
	RequireInteraction bool            `json:"requireInteraction"`
	Silent             bool            `json:"silent"`
	Data               map[string]any  `json:"data,omitempty"`
	Actions            []DisplayAction `json:"actions"`
}

// Notifier is the OS notification surface. Close must be idempotent.
type Notifier interface {
	Show(ctx context.Context, req DisplayRequest) error
	Close(ctx context.Context, id string) error
}

// LogNotifier logs display requests instead of showing them. Used when no
// platform integration is wired in.
type LogNotifier struct {
	Logf func(format string, args ...any)
}

func (n LogNotifier) Show(_ context.Context, req DisplayRequest) error {
	logf := n.Logf
	if logf == nil {
		logf = log.Printf
	}
	logf("notify: show %s [%s] %s — %s", req.ID, req.Tag, req.Title, req.Body)
	return nil
}

func (n LogNotifier) Close(_ context.Context, id string) error {
	logf := n.Logf
	if logf == nil {
		logf = log.Printf
	}
	logf("notify: close %s", id)
	return nil
}

// Materializer turns an inbound push payload into a displayed notification
// plus a persisted unread record. Malformed payloads never escape as errors;
// the OS always receives something.
type Materializer struct {
	store    *Store
	notifier Notifier
	appTitle string
	schema   *jsonschema.Schema
	logf     func(format string, args ...any)
}

func NewMaterializer(store *Store, notifier Notifier, appTitle string, logf func(string, ...any)) *Materializer {
	if appTitle == "" {
		appTitle = DefaultAppTitle
	}
	if notifier == nil {
		notifier = LogNotifier{Logf: logf}
	}
	if logf == nil {
		logf = log.Printf
	}
	m := &Materializer{store: store, notifier: notifier, appTitle: appTitle, logf: logf}
	m.schema = compilePushSchema(logf)
	return m
}

func compilePushSchema(logf func(string, ...any)) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pushPayloadSchema))
	if err != nil {
		logf("notify: push payload schema unreadable: %v", err)
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("push-payload.json", doc); err != nil {
		logf("notify: push payload schema resource: %v", err)
		return nil
	}
	schema, err := compiler.Compile("push-payload.json")
	if err != nil {
		logf("notify: push payload schema compile: %v", err)
		return nil
	}
	return schema
}

// HandlePush materializes a push payload: show to the OS first, then persist
// the unread record. Badge propagation is the caller's step; recovery from a
// crash between persist and badge update is a recompute from the store.
func (m *Materializer) HandlePush(ctx context.Context, raw []byte) NotificationRecord {
	req := m.buildDisplayRequest(raw)
	req.ID = m.store.NewID()
	if err := m.notifier.Show(ctx, req); err != nil {
		m.logf("notify: showing notification failed: %v", err)
	}
	record := NotificationRecord{
		ID:    req.ID,
		Type:  NormalizeType(req.Tag),
		Title: req.Title,
		Body:  req.Body,
		Data:  req.Data,
		Read:  false,
	}
	if err := m.store.Put(record); err != nil {
		m.logf("notify: persisting notification failed: %v", err)
	}
	stored, err := m.store.Get(record.ID)
	if err != nil {
		return record
	}
	return stored
}

// MaterializeBackground handles a page-initiated BACKGROUND_NOTIFICATION
// request: same display and persistence path, page-supplied fields.
func (m *Materializer) MaterializeBackground(ctx context.Context, bn BackgroundNotification) NotificationRecord {
	payload := PushPayload{Data: bn.Data}
	if bn.Title != "" || bn.Body != "" {
		payload.Notification = &PayloadNotification{Title: bn.Title, Body: bn.Body}
	}
	req := m.displayFromPayload(payload)
	req.ID = m.store.NewID()
	if err := m.notifier.Show(ctx, req); err != nil {
		m.logf("notify: showing notification failed: %v", err)
	}
	record := NotificationRecord{
		ID:    req.ID,
		Type:  NormalizeType(req.Tag),
		Title: req.Title,
		Body:  req.Body,
		Data:  req.Data,
	}
	if err := m.store.Put(record); err != nil {
		m.logf("notify: persisting notification failed: %v", err)
	}
	stored, err := m.store.Get(record.ID)
	if err != nil {
		return record
	}
	return stored
}

func (m *Materializer) buildDisplayRequest(raw []byte) DisplayRequest {
	payload, ok := m.parsePayload(raw)
	if ok {
		return m.displayFromPayload(payload)
	}
	if text, textOK := opaqueText(raw); textOK {
		return m.displayDefaults("", m.appTitle, text, nil)
	}
	m.logf("notify: malformed push payload (%d bytes), using fallback notification", len(raw))
	return m.displayDefaults("", m.appTitle, defaultBody, nil)
}

func (m *Materializer) parsePayload(raw []byte) (PushPayload, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return PushPayload{}, false
	}
	if m.schema != nil {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
		if err != nil {
			return PushPayload{}, false
		}
		if err := m.schema.Validate(doc); err != nil {
			m.logf("notify: push payload failed validation: %v", err)
			return PushPayload{}, false
		}
	}
	var payload PushPayload
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return PushPayload{}, false
	}
	return payload, true
}

func (m *Materializer) displayFromPayload(payload PushPayload) DisplayRequest {
	data := payload.Data
	title := m.titleFor(payload)
	body := m.bodyFor(payload)
	tag := dataString(data, "type")
	return m.displayDefaults(tag, title, body, data)
}

func (m *Materializer) displayDefaults(tag, title, body string, data map[string]any) DisplayRequest {
	if tag == "" {
		tag = string(TypeGeneral)
	}
	if data == nil {
		data = map[string]any{}
	}
	return DisplayRequest{
		Title:              title,
		Body:               body,
		Icon:               iconPath,
		Badge:              badgeIconPath,
		Vibration:          []int{200, 100, 200},
		Tag:                tag,
		Renotify:           true,
		RequireInteraction: true,
		Silent:             false,
		Data:               data,
		Actions: []DisplayAction{
			{Action: ActionView, Title: "👁️ Voir", Icon: viewIconPath},
			{Action: ActionDismiss, Title: "❌ Fermer", Icon: dismissIconPath},
		},
	}
}

func (m *Materializer) titleFor(payload PushPayload) string {
	switch dataString(payload.Data, "type") {
	case "grades":
		return "📊 Nouvelle note"
	case "incidents":
		return "⚠️ Nouvel incident"
	case "homework":
		return "📚 Nouveau devoir"
	case "presence":
		return "📅 Mise à jour présence"
	case "communiques":
		return "📄 Nouveau communiqué"
	case "payments":
		return "💰 Paiement"
	case "messages":
		return "📨 Nouveau message"
	default:
		if payload.Notification != nil && payload.Notification.Title != "" {
			return payload.Notification.Title
		}
		return m.appTitle
	}
}

func (m *Materializer) bodyFor(payload PushPayload) string {
	fallback := defaultBody
	if payload.Notification != nil && payload.Notification.Body != "" {
		fallback = payload.Notification.Body
	}
	childName := dataString(payload.Data, "childName")
	if childName == "" {
		return fallback
	}
	switch dataString(payload.Data, "type") {
	case "grades":
		subject := dataString(payload.Data, "subject")
		if subject == "" {
			subject = "une matière"
		}
		return childName + ": Nouvelle note en " + subject
	case "incidents":
		return childName + ": Incident signalé"
	case "homework":
		return childName + ": Nouveau devoir"
	case "presence":
		return childName + ": Mise à jour présence"
	default:
		return fallback
	}
}

func dataString(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	value, ok := data[key]
	if !ok {
		return ""
	}
	text, ok := value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(text)
}

// opaqueText accepts a payload as display text when it is printable UTF-8.
func opaqueText(raw []byte) (string, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || !utf8.ValidString(trimmed) {
		return "", false
	}
	for _, r := range trimmed {
		if r != '\n' && r != '\t' && unicode.IsControl(r) {
			return "", false
		}
	}
	return trimmed, true
}

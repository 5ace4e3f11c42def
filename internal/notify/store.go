package notify

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type NotificationType string

const (
	TypeGrades      NotificationType = "grades"
	TypeIncidents   NotificationType = "incidents"
	TypeHomework    NotificationType = "homework"
	TypePresence    NotificationType = "presence"
	TypeCommuniques NotificationType = "communiques"
	TypePayments    NotificationType = "payments"
	TypeMessages    NotificationType = "messages"
	TypeGeneral     NotificationType = "general"
	TypeTest        NotificationType = "test"
)

func NormalizeType(raw string) NotificationType {
	switch NotificationType(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeGrades:
		return TypeGrades
	case TypeIncidents:
		return TypeIncidents
	case TypeHomework:
		return TypeHomework
	case TypePresence:
		return TypePresence
	case TypeCommuniques:
		return TypeCommuniques
	case TypePayments:
		return TypePayments
	case TypeMessages:
		return TypeMessages
	case TypeTest:
		return TypeTest
	default:
		return TypeGeneral
	}
}

type NotificationRecord struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Data      map[string]any   `json:"data,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	Read      bool             `json:"read"`
}

type persistedState struct {
	Records    map[string]NotificationRecord `json:"records"`
	Order      []string                      `json:"order"`
	BadgeCount int                           `json:"badgeCount"`
	LastChecks map[string]time.Time          `json:"lastChecks"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

const DefaultMaxRecords = 100

type StoreOptions struct {
	StateBackend StateBackend
	StateFile    string
	MaxRecords   int
	Logf         func(format string, args ...any)
	Now          func() time.Time
}

// Store holds notification records and the badge count. All durable
// persistence goes through the configured StateBackend; a backend failure is
// logged and the in-memory state stays authoritative for the process
// lifetime.
type Store struct {
	mu         sync.Mutex
	records    map[string]NotificationRecord
	order      []string
	badgeCount int
	lastChecks map[string]time.Time

	backend    StateBackend
	maxRecords int
	logf       func(format string, args ...any)
	now        func() time.Time
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	maxRecords := opts.MaxRecords
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	backend := opts.StateBackend
	if backend == nil && strings.TrimSpace(opts.StateFile) != "" {
		backend = NewJSONFileStateBackend(opts.StateFile)
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		records:    map[string]NotificationRecord{},
		lastChecks: map[string]time.Time{},
		backend:    backend,
		maxRecords: maxRecords,
		logf:       logf,
		now:        now,
	}
	if err := s.loadFromBackend(); err != nil {
		s.logf("notify: loading persisted state failed, starting empty: %v", err)
	}
	return s
}

func (s *Store) Close() {
	if s == nil {
		return
	}
	if closer, ok := s.backend.(stateBackendCloser); ok {
		_ = closer.Close()
	}
}

// NewID builds a record identifier from the current time plus a random
// suffix, unique within the local store.
func (s *Store) NewID() string {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "bg_" + s.now().Format("20060102150405.000000000")
	}
	return "bg_" + s.now().UTC().Format("20060102150405") + "_" + hex.EncodeToString(buf)
}

// Put upserts a record by id. New records enter creation order and may evict
// the oldest records past the retention ceiling.
func (s *Store) Put(record NotificationRecord) error {
	if s == nil || strings.TrimSpace(record.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	if record.Type == "" {
		record.Type = TypeGeneral
	}
	if _, exists := s.records[record.ID]; !exists {
		s.order = append(s.order, record.ID)
	}
	s.records[record.ID] = record
	s.pruneLocked(s.maxRecords)
	s.persistLocked()
	return nil
}

func (s *Store) Get(id string) (NotificationRecord, error) {
	if s == nil {
		return NotificationRecord{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return NotificationRecord{}, ErrNotFound
	}
	return record, nil
}

// List returns records newest first. An empty filter returns everything.
func (s *Store) List(filter NotificationType) []NotificationRecord {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]NotificationRecord, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		record, ok := s.records[s.order[i]]
		if !ok {
			continue
		}
		if filter != "" && record.Type != filter {
			continue
		}
		result = append(result, record)
	}
	return result
}

// MarkRead flips a record to read and reports whether a change occurred.
// Absent or already-read records are a no-op.
func (s *Store) MarkRead(id string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok || record.Read {
		return false
	}
	record.Read = true
	s.records[id] = record
	s.persistLocked()
	return true
}

// MarkAllRead flips every unread record and returns how many changed.
func (s *Store) MarkAllRead() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for id, record := range s.records {
		if record.Read {
			continue
		}
		record.Read = true
		s.records[id] = record
		changed++
	}
	if changed > 0 {
		s.persistLocked()
	}
	return changed
}

// Prune evicts oldest records by creation order until at most maxRecords
// remain, regardless of read state. Returns the number evicted.
func (s *Store) Prune(maxRecords int) int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := s.pruneLocked(maxRecords)
	if evicted > 0 {
		s.persistLocked()
	}
	return evicted
}

func (s *Store) pruneLocked(maxRecords int) int {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	evicted := 0
	for len(s.order) > maxRecords {
		oldest := s.order[0]
		s.order = s.order[1:]
		if _, ok := s.records[oldest]; ok {
			delete(s.records, oldest)
			evicted++
		}
	}
	return evicted
}

// Clear removes all records and resets the badge to zero.
func (s *Store) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = map[string]NotificationRecord{}
	s.order = nil
	s.badgeCount = 0
	s.persistLocked()
}

func (s *Store) UnreadCount() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, record := range s.records {
		if !record.Read {
			count++
		}
	}
	return count
}

func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) BadgeCount() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.badgeCount
}

// SetBadgeCount persists a clamped badge count. Only the badge synchronizer
// should call this; everything else requests mutation through it.
func (s *Store) SetBadgeCount(count int) int {
	if s == nil {
		return 0
	}
	if count < 0 {
		count = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badgeCount = count
	s.persistLocked()
	return count
}

func lastCheckKey(t NotificationType, childID string) string {
	return "lastCheck:" + string(t) + ":" + childID
}

func (s *Store) SetLastCheck(t NotificationType, childID string, at time.Time) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastChecks[lastCheckKey(t, childID)] = at
	s.persistLocked()
}

func (s *Store) LastCheck(t NotificationType, childID string) (time.Time, bool) {
	if s == nil {
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastChecks[lastCheckKey(t, childID)]
	return at, ok
}

func (s *Store) persistLocked() {
	if s.backend == nil {
		return
	}
	snapshot := &persistedState{
		Records:    s.records,
		Order:      append([]string(nil), s.order...),
		BadgeCount: s.badgeCount,
		LastChecks: s.lastChecks,
	}
	if err := s.backend.Save(snapshot); err != nil {
		s.logf("notify: persisting state failed: %v", err)
	}
}

func (s *Store) loadFromBackend() error {
	if s.backend == nil {
		return nil
	}
	snapshot, err := s.backend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot.Records != nil {
		s.records = snapshot.Records
	}
	if snapshot.LastChecks != nil {
		s.lastChecks = snapshot.LastChecks
	}
	s.order = snapshot.Order
	s.rebuildOrderLocked()
	s.badgeCount = snapshot.BadgeCount
	if s.badgeCount < 0 {
		s.badgeCount = 0
	}
	return nil
}

// rebuildOrderLocked reconciles the creation-order index with the record set
// after loading a snapshot: dangling ids are dropped, unindexed records are
// appended by creation time.
func (s *Store) rebuildOrderLocked() {
	seen := map[string]bool{}
	order := make([]string, 0, len(s.records))
	for _, id := range s.order {
		if _, ok := s.records[id]; ok && !seen[id] {
			order = append(order, id)
			seen[id] = true
		}
	}
	missing := make([]string, 0)
	for id := range s.records {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		return s.records[missing[i]].CreatedAt.Before(s.records[missing[j]].CreatedAt)
	})
	s.order = append(order, missing...)
}

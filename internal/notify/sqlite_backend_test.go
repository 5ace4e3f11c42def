package notify

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	backend, err := NewSQLiteStateBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteStateBackend: %v", err)
	}

	state := &persistedState{
		Records: map[string]NotificationRecord{
			"a": {ID: "a", Type: TypeGrades, Title: "t", CreatedAt: time.Now().UTC(), Read: true},
		},
		Order:      []string{"a"},
		BadgeCount: 1,
	}
	if err := backend.Save(state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil || loaded.BadgeCount != 1 {
		t.Fatalf("loaded = %+v", loaded)
	}
	record, ok := loaded.Records["a"]
	if !ok || !record.Read || record.Type != TypeGrades {
		t.Fatalf("record = %+v, %v", record, ok)
	}

	// A second save overwrites the single snapshot row.
	state.BadgeCount = 5
	if err := backend.Save(state); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	loaded, err = backend.Load()
	if err != nil || loaded.BadgeCount != 5 {
		t.Fatalf("after overwrite: %+v, %v", loaded, err)
	}
}

func TestSQLiteBackendEmptyDatabaseLoadsNil(t *testing.T) {
	backend, err := NewSQLiteStateBackend(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStateBackend: %v", err)
	}
	state, err := backend.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if state != nil {
		t.Fatalf("expected nil state, got %+v", state)
	}
}

func TestSQLiteBackendRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStateBackend("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreWithSQLiteBackendSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	backend, err := NewSQLiteStateBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteStateBackend: %v", err)
	}
	store := NewStoreWithOptions(StoreOptions{StateBackend: backend, Logf: discardLogf})
	putN(t, store, 2)
	store.SetBadgeCount(2)
	store.Close()

	backend, err = NewSQLiteStateBackend(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	reopened := NewStoreWithOptions(StoreOptions{StateBackend: backend, Logf: discardLogf})
	defer reopened.Close()
	if reopened.Len() != 2 || reopened.BadgeCount() != 2 {
		t.Fatalf("after restart: len=%d badge=%d", reopened.Len(), reopened.BadgeCount())
	}
}

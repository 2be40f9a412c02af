package edits

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/geo"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{now: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

// Now advances by one second on every call so creation order is strict.
func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "edits.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&ElementEditRecord{}, &NoteEditRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func mustElementController(t *testing.T, clock *steppingClock) *ElementEditController {
	t.Helper()
	store, err := NewElementEditStore(openTestDatabase(t))
	if err != nil {
		t.Fatalf("failed to create element store: %v", err)
	}
	controller, err := NewElementEditController(ElementEditControllerConfig{
		Store:  store,
		Clock:  clock.Now,
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to create element controller: %v", err)
	}
	return controller
}

func mustNoteController(t *testing.T, clock *steppingClock) *NoteEditController {
	t.Helper()
	store, err := NewNoteEditStore(openTestDatabase(t))
	if err != nil {
		t.Fatalf("failed to create note store: %v", err)
	}
	controller, err := NewNoteEditController(NoteEditControllerConfig{
		Store:  store,
		Clock:  clock.Now,
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to create note controller: %v", err)
	}
	return controller
}

func tagEdit(elementType ElementType, id int64, action ElementEditAction) NewElementEdit {
	return NewElementEdit{
		Element:   ElementKey{Type: elementType, ID: id},
		QuestType: "AddRoadName",
		Source:    "survey",
		Position:  geo.LatLon{Latitude: 52.5, Longitude: 13.4},
		Action:    action,
		Payload:   []byte(`{"add":{"name":"Main Street"}}`),
	}
}

type elementEvents struct {
	mu      sync.Mutex
	added   []ElementEdit
	synced  []ElementEdit
	deleted []ElementEdit
}

func (e *elementEvents) OnAddedElementEdit(edit ElementEdit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.added = append(e.added, edit)
}

func (e *elementEvents) OnSyncedElementEdit(edit ElementEdit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.synced = append(e.synced, edit)
}

func (e *elementEvents) OnDeletedElementEdit(edit ElementEdit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleted = append(e.deleted, edit)
}

type noteEvents struct {
	added   []NoteEdit
	synced  []NoteEdit
	deleted []NoteEdit
}

func (e *noteEvents) OnAddedNoteEdit(edit NoteEdit) {
	e.added = append(e.added, edit)
}

func (e *noteEvents) OnSyncedNoteEdit(edit NoteEdit) {
	e.synced = append(e.synced, edit)
}

func (e *noteEvents) OnDeletedNoteEdit(edit NoteEdit) {
	e.deleted = append(e.deleted, edit)
}

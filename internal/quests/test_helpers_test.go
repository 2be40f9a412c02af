package quests

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/geo"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/notes"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/preferences"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testAppName = "FieldQueue"

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "quests.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&HiddenNoteQuestRecord{},
		&HiddenElementQuestRecord{},
		&VisibleQuestTypeRecord{},
		&notes.NoteRecord{},
		&users.SessionRecord{},
	))
	return db
}

type questFixture struct {
	db          *gorm.DB
	clock       *fixedClock
	notes       *notes.Service
	users       *users.Service
	preferences *preferences.NotesPreferences
	hidden      *HiddenNoteQuestStore
	controller  *NoteQuestController
	events      *questEvents
}

func newQuestFixture(t *testing.T, onlyQuestions bool) *questFixture {
	t.Helper()
	db := openTestDatabase(t)
	clock := &fixedClock{now: time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)}

	noteService, err := notes.NewService(notes.ServiceConfig{Database: db, Clock: clock.Now, Logger: zap.NewNop()})
	require.NoError(t, err)
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock.Now})
	require.NoError(t, err)
	notesPreferences := preferences.NewNotesPreferences(onlyQuestions, zap.NewNop())
	hidden, err := NewHiddenNoteQuestStore(db, clock.Now)
	require.NoError(t, err)

	controller, err := NewNoteQuestController(NoteQuestControllerConfig{
		Notes:       noteService,
		Hidden:      hidden,
		Users:       userService,
		Preferences: notesPreferences,
		Filter:      NoteFilter{AppName: testAppName},
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(controller.Close)

	events := &questEvents{}
	controller.AddListener(events)

	return &questFixture{
		db:          db,
		clock:       clock,
		notes:       noteService,
		users:       userService,
		preferences: notesPreferences,
		hidden:      hidden,
		controller:  controller,
		events:      events,
	}
}

type questUpdate struct {
	added   []NoteQuest
	removed []int64
}

type questEvents struct {
	updates      []questUpdate
	invalidation int
}

func (e *questEvents) OnNoteQuestsUpdated(added []NoteQuest, removedNoteIDs []int64) {
	e.updates = append(e.updates, questUpdate{added: added, removed: removedNoteIDs})
}

func (e *questEvents) OnNoteQuestsInvalidated() {
	e.invalidation++
}

func comment(userID int64, action notes.CommentAction, text string) notes.Comment {
	var author *notes.User
	if userID > 0 {
		author = &notes.User{ID: userID, Name: "user"}
	}
	return notes.Comment{
		CreatedAt: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		Text:      text,
		Action:    action,
		User:      author,
	}
}

func note(id int64, comments ...notes.Comment) notes.Note {
	return notes.Note{
		ID:        id,
		Position:  geo.LatLon{Latitude: 52.5 + float64(id)/1000, Longitude: 13.4},
		Status:    notes.StatusOpen,
		CreatedAt: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		Comments:  comments,
	}
}

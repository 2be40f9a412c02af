package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/changesets"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/edits"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/notes"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/preferences"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/quests"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeUploadStatus struct {
	active atomic.Bool
}

func (s *fakeUploadStatus) IsUploadInProgress() bool {
	return s.active.Load()
}

type testStack struct {
	db           *gorm.DB
	clock        func() time.Time
	deps         Dependencies
	handler      http.Handler
	token        string
	elementEdits *edits.ElementEditController
	noteEdits    *edits.NoteEditController
	notes        *notes.Service
	noteQuests   *quests.NoteQuestController
	uploads      *fakeUploadStatus
	events       *EventBus
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&edits.ElementEditRecord{},
		&edits.NoteEditRecord{},
		&changesets.OpenChangesetRecord{},
		&notes.NoteRecord{},
		&users.SessionRecord{},
		&quests.HiddenNoteQuestRecord{},
		&quests.HiddenElementQuestRecord{},
		&quests.VisibleQuestTypeRecord{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	now := time.Date(2024, time.May, 5, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	elementStore, err := edits.NewElementEditStore(db)
	if err != nil {
		t.Fatalf("element store: %v", err)
	}
	noteStore, err := edits.NewNoteEditStore(db)
	if err != nil {
		t.Fatalf("note store: %v", err)
	}
	elementEdits, err := edits.NewElementEditController(edits.ElementEditControllerConfig{Store: elementStore, Clock: clock})
	if err != nil {
		t.Fatalf("element controller: %v", err)
	}
	noteEdits, err := edits.NewNoteEditController(edits.NoteEditControllerConfig{Store: noteStore, Clock: clock})
	if err != nil {
		t.Fatalf("note controller: %v", err)
	}
	noteService, err := notes.NewService(notes.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("notes service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("users service: %v", err)
	}
	hiddenNotes, err := quests.NewHiddenNoteQuestStore(db, clock)
	if err != nil {
		t.Fatalf("hidden notes: %v", err)
	}
	hiddenElements, err := quests.NewHiddenElementQuestStore(db, clock)
	if err != nil {
		t.Fatalf("hidden elements: %v", err)
	}
	questTypes, err := quests.NewVisibleQuestTypeStore(db)
	if err != nil {
		t.Fatalf("quest types: %v", err)
	}
	noteQuests, err := quests.NewNoteQuestController(quests.NoteQuestControllerConfig{
		Notes:       noteService,
		Hidden:      hiddenNotes,
		Users:       userService,
		Preferences: preferences.NewNotesPreferences(false, nil),
		Filter:      quests.NoteFilter{AppName: "FieldQueue"},
	})
	if err != nil {
		t.Fatalf("note quests: %v", err)
	}
	t.Cleanup(noteQuests.Close)

	bus := NewEventBus(clock)
	bridge := NewEventBridge(bus)
	elementEdits.AddListener(bridge)
	noteEdits.AddListener(bridge)
	noteQuests.AddListener(bridge)

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "fieldqueue",
		Audience:      "fieldqueue-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	token, _, err := issuer.IssueToken("test-client")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	uploads := &fakeUploadStatus{}
	deps := Dependencies{
		Tokens:              issuer,
		ElementEdits:        elementEdits,
		NoteEdits:           noteEdits,
		NoteQuests:          noteQuests,
		HiddenElementQuests: hiddenElements,
		QuestTypes:          questTypes,
		Uploads:             uploads,
		Events:              bus,
		HeartbeatInterval:   time.Hour,
		Logger:              zap.NewNop(),
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return &testStack{
		db:           db,
		clock:        clock,
		deps:         deps,
		handler:      handler,
		token:        token,
		elementEdits: elementEdits,
		noteEdits:    noteEdits,
		notes:        noteService,
		noteQuests:   noteQuests,
		uploads:      uploads,
		events:       bus,
	}
}

func (s *testStack) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Authorization", "Bearer "+s.token)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

package notes

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/geo"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordedUpdate struct {
	added   []Note
	updated []Note
	deleted []int64
}

type recordingListener struct {
	updates []recordedUpdate
}

func (listener *recordingListener) OnUpdated(added []Note, updated []Note, deleted []int64) {
	listener.updates = append(listener.updates, recordedUpdate{added: added, updated: updated, deleted: deleted})
}

func mustService(t *testing.T) *Service {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "notes.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&NoteRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func sampleNote(id int64, latitude, longitude float64, text string) Note {
	return Note{
		ID:        id,
		Position:  geo.LatLon{Latitude: latitude, Longitude: longitude},
		Status:    StatusOpen,
		CreatedAt: time.Unix(1690000000, 0).UTC(),
		Comments: []Comment{
			{
				CreatedAt: time.Unix(1690000000, 0).UTC(),
				Text:      text,
				Action:    CommentActionOpened,
				User:      &User{ID: 7, Name: "mapper"},
			},
		},
	}
}

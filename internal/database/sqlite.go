// Package database opens the local SQLite file and brings its schema up to date.
package database

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/changesets"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/edits"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/notes"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/quests"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Models lists every table owned by the queue.
func Models() []any {
	return []any{
		&edits.ElementEditRecord{},
		&edits.NoteEditRecord{},
		&changesets.OpenChangesetRecord{},
		&quests.HiddenNoteQuestRecord{},
		&quests.HiddenElementQuestRecord{},
		&quests.VisibleQuestTypeRecord{},
		&notes.NoteRecord{},
		&users.SessionRecord{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, time.Now, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", path))
	return db, nil
}

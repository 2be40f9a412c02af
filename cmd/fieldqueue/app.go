package main

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/changesets"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/config"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/database"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/edits"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/logging"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/notes"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/preferences"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/quests"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/upload"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/users"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds the wired core shared by the server and the one-shot
// subcommands.
type application struct {
	config         config.AppConfig
	logger         *zap.Logger
	db             *gorm.DB
	elementEdits   *edits.ElementEditController
	noteEdits      *edits.NoteEditController
	changesets     *changesets.Registry
	notes          *notes.Service
	users          *users.Service
	preferences    *preferences.NotesPreferences
	hiddenNotes    *quests.HiddenNoteQuestStore
	hiddenElements *quests.HiddenElementQuestStore
	questTypes     *quests.VisibleQuestTypeStore
	noteQuests     *quests.NoteQuestController
}

func openApplication(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	app := &application{config: appConfig, logger: logger, db: db}
	if err := app.wire(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (a *application) wire(ctx context.Context) error {
	clock := time.Now

	elementStore, err := edits.NewElementEditStore(a.db)
	if err != nil {
		return err
	}
	noteStore, err := edits.NewNoteEditStore(a.db)
	if err != nil {
		return err
	}
	a.elementEdits, err = edits.NewElementEditController(edits.ElementEditControllerConfig{Store: elementStore, Clock: clock, Logger: a.logger})
	if err != nil {
		return err
	}
	a.noteEdits, err = edits.NewNoteEditController(edits.NoteEditControllerConfig{Store: noteStore, Clock: clock, Logger: a.logger})
	if err != nil {
		return err
	}

	a.changesets, err = changesets.NewRegistry(changesets.RegistryConfig{Database: a.db, Clock: clock, Logger: a.logger})
	if err != nil {
		return err
	}

	a.notes, err = notes.NewService(notes.ServiceConfig{Database: a.db, Clock: clock, Logger: a.logger})
	if err != nil {
		return err
	}
	a.users, err = users.NewService(users.ServiceConfig{Database: a.db, Clock: clock, Logger: a.logger})
	if err != nil {
		return err
	}
	if err := a.users.Load(ctx); err != nil {
		return err
	}
	a.preferences = preferences.NewNotesPreferences(a.config.OnlyQuestionNotes, a.logger)

	a.hiddenNotes, err = quests.NewHiddenNoteQuestStore(a.db, clock)
	if err != nil {
		return err
	}
	a.hiddenElements, err = quests.NewHiddenElementQuestStore(a.db, clock)
	if err != nil {
		return err
	}
	a.questTypes, err = quests.NewVisibleQuestTypeStore(a.db)
	if err != nil {
		return err
	}
	a.noteQuests, err = quests.NewNoteQuestController(quests.NoteQuestControllerConfig{
		Notes:       a.notes,
		Hidden:      a.hiddenNotes,
		Users:       a.users,
		Preferences: a.preferences,
		Filter:      quests.NoteFilter{AppName: a.config.AppName},
		Logger:      a.logger,
	})
	return err
}

// newUploader wires an uploader for remote against the queues and the
// changeset registry, honouring the configured changeset reuse window.
func (a *application) newUploader(remote upload.RemoteAPI) (*upload.Uploader, error) {
	return upload.NewUploader(upload.UploaderConfig{
		Elements:        a.elementEdits,
		Notes:           a.noteEdits,
		Changesets:      a.changesets,
		Remote:          remote,
		ChangesetMaxAge: a.config.ChangesetMaxAge,
		Clock:           time.Now,
		Logger:          a.logger,
	})
}

// Close releases subscriptions and the database handle.
func (a *application) Close() error {
	if a.noteQuests != nil {
		a.noteQuests.Close()
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func loadApplication(ctx context.Context, requireSecret bool) (*application, error) {
	appConfig, err := config.Load(viper.GetViper(), requireSecret)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logging.Options{Level: appConfig.LogLevel, File: appConfig.LogFile})
	if err != nil {
		return nil, err
	}
	app, err := openApplication(ctx, appConfig, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return app, nil
}

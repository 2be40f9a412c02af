package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/edits"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearEmptyAttachmentActivation = "2024-06-01_clear_empty_attachment_activation"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, clock func() time.Time, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationClearEmptyAttachmentActivation, apply: clearEmptyAttachmentActivation},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: clock().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// clearEmptyAttachmentActivation drops the activation marker from note edits
// that carry no attachments; they would otherwise never become collectable.
func clearEmptyAttachmentActivation(db *gorm.DB) error {
	return db.Model(&edits.NoteEditRecord{}).
		Where("attachments_need_activation = ? AND (attachments_json = '' OR attachments_json = '[]')", true).
		Update("attachments_need_activation", false).Error
}

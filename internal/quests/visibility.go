package quests

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/storage"
	"gorm.io/gorm"
)

// VisibleQuestTypeRecord stores an explicit visibility choice for a quest
// type. Quest types without a row are visible.
type VisibleQuestTypeRecord struct {
	QuestType string `gorm:"column:quest_type;primaryKey;size:190"`
	Visible   bool   `gorm:"column:visible;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VisibleQuestTypeRecord) TableName() string {
	return "quest_type_visibility"
}

type VisibleQuestTypeStore struct {
	db *gorm.DB
}

func NewVisibleQuestTypeStore(db *gorm.DB) (*VisibleQuestTypeStore, error) {
	if db == nil {
		return nil, newServiceError(opVisibilityNew, reasonMissingDatabase, errMissingDatabase)
	}
	return &VisibleQuestTypeStore{db: db}, nil
}

// Get returns whether questType is visible, defaulting to true.
func (s *VisibleQuestTypeStore) Get(ctx context.Context, questType string) (bool, error) {
	var record VisibleQuestTypeRecord
	err := s.db.WithContext(ctx).Where("quest_type = ?", questType).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, newServiceError(opVisibilityGet, reasonQueryFailed, err)
	}
	return record.Visible, nil
}

// Put records the visibility of questType.
func (s *VisibleQuestTypeStore) Put(ctx context.Context, questType string, visible bool) error {
	trimmed := strings.TrimSpace(questType)
	if trimmed == "" {
		return newServiceError(opVisibilityPut, reasonInvalidInput, ErrInvalidQuestKey)
	}
	record := VisibleQuestTypeRecord{QuestType: trimmed, Visible: visible}
	if _, err := storage.Insert(s.db.WithContext(ctx), &record, storage.ConflictReplace); err != nil {
		return newServiceError(opVisibilityPut, reasonInsertFailed, err)
	}
	return nil
}

// GetAll returns every explicit choice.
func (s *VisibleQuestTypeStore) GetAll(ctx context.Context) (map[string]bool, error) {
	var records []VisibleQuestTypeRecord
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, newServiceError(opVisibilityGetAll, reasonQueryFailed, err)
	}
	result := make(map[string]bool, len(records))
	for _, record := range records {
		result[record.QuestType] = record.Visible
	}
	return result, nil
}

// Clear drops every explicit choice so all quest types are visible again.
func (s *VisibleQuestTypeStore) Clear(ctx context.Context) (int64, error) {
	deleted, err := storage.Delete(s.db.WithContext(ctx), &VisibleQuestTypeRecord{}, "1 = 1")
	if err != nil {
		return 0, newServiceError(opVisibilityClear, reasonDeleteFailed, err)
	}
	return deleted, nil
}

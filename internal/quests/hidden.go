package quests

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/edits"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/storage"
	"gorm.io/gorm"
)

// ErrInvalidQuestKey indicates a hidden quest key with missing parts.
var ErrInvalidQuestKey = errors.New("quests: invalid quest key")

// HiddenNoteQuestRecord marks a note the contributor does not want offered.
type HiddenNoteQuestRecord struct {
	NoteID         int64 `gorm:"column:note_id;primaryKey;autoIncrement:false"`
	HiddenAtMillis int64 `gorm:"column:hidden_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (HiddenNoteQuestRecord) TableName() string {
	return "note_quests_hidden"
}

// ElementQuestKey identifies one quest type on one map element.
type ElementQuestKey struct {
	Element   edits.ElementKey
	QuestType string
}

// NewElementQuestKey validates the parts and returns an ElementQuestKey.
func NewElementQuestKey(rawElementType string, elementID int64, questType string) (ElementQuestKey, error) {
	element, err := edits.NewElementKey(rawElementType, elementID)
	if err != nil {
		return ElementQuestKey{}, fmt.Errorf("%w: %v", ErrInvalidQuestKey, err)
	}
	trimmed := strings.TrimSpace(questType)
	if trimmed == "" {
		return ElementQuestKey{}, fmt.Errorf("%w: empty quest type", ErrInvalidQuestKey)
	}
	return ElementQuestKey{Element: element, QuestType: trimmed}, nil
}

// HiddenElementQuestRecord marks an element quest the contributor does not want offered.
type HiddenElementQuestRecord struct {
	ElementType    string `gorm:"column:element_type;primaryKey;size:16"`
	ElementID      int64  `gorm:"column:element_id;primaryKey;autoIncrement:false"`
	QuestType      string `gorm:"column:quest_type;primaryKey;size:190"`
	HiddenAtMillis int64  `gorm:"column:hidden_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (HiddenElementQuestRecord) TableName() string {
	return "element_quests_hidden"
}

func (record HiddenElementQuestRecord) toKey() ElementQuestKey {
	elementType, err := edits.ParseElementType(record.ElementType)
	if err != nil {
		panic(fmt.Sprintf("quests: hidden element quest has invalid element type: %v", err))
	}
	return ElementQuestKey{
		Element:   edits.ElementKey{Type: elementType, ID: record.ElementID},
		QuestType: record.QuestType,
	}
}

// HiddenQuest is a hidden key together with the time it was hidden.
type HiddenQuest[K comparable] struct {
	Key      K
	HiddenAt time.Time
}

// HiddenNoteQuestStore is the durable set of hidden note quests.
type HiddenNoteQuestStore struct {
	db    *gorm.DB
	clock func() time.Time
}

func NewHiddenNoteQuestStore(db *gorm.DB, clock func() time.Time) (*HiddenNoteQuestStore, error) {
	if db == nil {
		return nil, newServiceError(opHiddenStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	if clock == nil {
		clock = time.Now
	}
	return &HiddenNoteQuestStore{db: db, clock: clock}, nil
}

// Add hides noteID and reports whether it was not hidden before.
func (s *HiddenNoteQuestStore) Add(ctx context.Context, noteID int64) (bool, error) {
	record := HiddenNoteQuestRecord{NoteID: noteID, HiddenAtMillis: s.clock().UTC().UnixMilli()}
	written, err := storage.Insert(s.db.WithContext(ctx), &record, storage.ConflictIgnore)
	if err != nil {
		return false, newServiceError(opHiddenAdd, reasonInsertFailed, err)
	}
	return written == 1, nil
}

// AddAll hides every id in one transaction and returns how many were new.
func (s *HiddenNoteQuestStore) AddAll(ctx context.Context, noteIDs []int64) (int64, error) {
	hiddenAt := s.clock().UTC().UnixMilli()
	records := make([]HiddenNoteQuestRecord, 0, len(noteIDs))
	for _, noteID := range noteIDs {
		records = append(records, HiddenNoteQuestRecord{NoteID: noteID, HiddenAtMillis: hiddenAt})
	}
	written, err := storage.InsertMany(ctx, s.db, records, storage.ConflictIgnore)
	if err != nil {
		return 0, newServiceError(opHiddenAddAll, reasonInsertFailed, err)
	}
	return written, nil
}

// Contains reports whether noteID is hidden.
func (s *HiddenNoteQuestStore) Contains(ctx context.Context, noteID int64) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&HiddenNoteQuestRecord{}).Where("note_id = ?", noteID).Count(&count).Error; err != nil {
		return false, newServiceError(opHiddenContains, reasonQueryFailed, err)
	}
	return count > 0, nil
}

// GetAll returns every hidden note id.
func (s *HiddenNoteQuestStore) GetAll(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := s.db.WithContext(ctx).Model(&HiddenNoteQuestRecord{}).Order("note_id ASC").Pluck("note_id", &ids).Error; err != nil {
		return nil, newServiceError(opHiddenGetAll, reasonQueryFailed, err)
	}
	return ids, nil
}

// GetNewerThan returns the notes hidden after since, newest first.
func (s *HiddenNoteQuestStore) GetNewerThan(ctx context.Context, since time.Time) ([]HiddenQuest[int64], error) {
	var records []HiddenNoteQuestRecord
	if err := s.db.WithContext(ctx).
		Where("hidden_at_ms > ?", since.UnixMilli()).
		Order("hidden_at_ms DESC, note_id ASC").
		Find(&records).Error; err != nil {
		return nil, newServiceError(opHiddenGetNewer, reasonQueryFailed, err)
	}
	result := make([]HiddenQuest[int64], 0, len(records))
	for _, record := range records {
		result = append(result, HiddenQuest[int64]{Key: record.NoteID, HiddenAt: time.UnixMilli(record.HiddenAtMillis).UTC()})
	}
	return result, nil
}

// DeleteAll unhides every note and returns how many were hidden.
func (s *HiddenNoteQuestStore) DeleteAll(ctx context.Context) (int64, error) {
	deleted, err := storage.Delete(s.db.WithContext(ctx), &HiddenNoteQuestRecord{}, "1 = 1")
	if err != nil {
		return 0, newServiceError(opHiddenDeleteAll, reasonDeleteFailed, err)
	}
	return deleted, nil
}

// HiddenElementQuestStore is the durable set of hidden element quests.
type HiddenElementQuestStore struct {
	db    *gorm.DB
	clock func() time.Time
}

func NewHiddenElementQuestStore(db *gorm.DB, clock func() time.Time) (*HiddenElementQuestStore, error) {
	if db == nil {
		return nil, newServiceError(opHiddenStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	if clock == nil {
		clock = time.Now
	}
	return &HiddenElementQuestStore{db: db, clock: clock}, nil
}

func newHiddenElementQuestRecord(key ElementQuestKey, hiddenAt int64) HiddenElementQuestRecord {
	return HiddenElementQuestRecord{
		ElementType:    string(key.Element.Type),
		ElementID:      key.Element.ID,
		QuestType:      key.QuestType,
		HiddenAtMillis: hiddenAt,
	}
}

// Add hides key and reports whether it was not hidden before.
func (s *HiddenElementQuestStore) Add(ctx context.Context, key ElementQuestKey) (bool, error) {
	record := newHiddenElementQuestRecord(key, s.clock().UTC().UnixMilli())
	written, err := storage.Insert(s.db.WithContext(ctx), &record, storage.ConflictIgnore)
	if err != nil {
		return false, newServiceError(opHiddenAdd, reasonInsertFailed, err)
	}
	return written == 1, nil
}

// AddAll hides every key in one transaction and returns how many were new.
func (s *HiddenElementQuestStore) AddAll(ctx context.Context, keys []ElementQuestKey) (int64, error) {
	hiddenAt := s.clock().UTC().UnixMilli()
	records := make([]HiddenElementQuestRecord, 0, len(keys))
	for _, key := range keys {
		records = append(records, newHiddenElementQuestRecord(key, hiddenAt))
	}
	written, err := storage.InsertMany(ctx, s.db, records, storage.ConflictIgnore)
	if err != nil {
		return 0, newServiceError(opHiddenAddAll, reasonInsertFailed, err)
	}
	return written, nil
}

// Contains reports whether key is hidden.
func (s *HiddenElementQuestStore) Contains(ctx context.Context, key ElementQuestKey) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&HiddenElementQuestRecord{}).
		Where("element_type = ? AND element_id = ? AND quest_type = ?", string(key.Element.Type), key.Element.ID, key.QuestType).
		Count(&count).Error; err != nil {
		return false, newServiceError(opHiddenContains, reasonQueryFailed, err)
	}
	return count > 0, nil
}

// GetAll returns every hidden key.
func (s *HiddenElementQuestStore) GetAll(ctx context.Context) ([]ElementQuestKey, error) {
	var records []HiddenElementQuestRecord
	if err := s.db.WithContext(ctx).Order("element_type ASC, element_id ASC, quest_type ASC").Find(&records).Error; err != nil {
		return nil, newServiceError(opHiddenGetAll, reasonQueryFailed, err)
	}
	keys := make([]ElementQuestKey, 0, len(records))
	for _, record := range records {
		keys = append(keys, record.toKey())
	}
	return keys, nil
}

// GetNewerThan returns the keys hidden after since, newest first.
func (s *HiddenElementQuestStore) GetNewerThan(ctx context.Context, since time.Time) ([]HiddenQuest[ElementQuestKey], error) {
	var records []HiddenElementQuestRecord
	if err := s.db.WithContext(ctx).
		Where("hidden_at_ms > ?", since.UnixMilli()).
		Order("hidden_at_ms DESC, element_type ASC, element_id ASC, quest_type ASC").
		Find(&records).Error; err != nil {
		return nil, newServiceError(opHiddenGetNewer, reasonQueryFailed, err)
	}
	result := make([]HiddenQuest[ElementQuestKey], 0, len(records))
	for _, record := range records {
		result = append(result, HiddenQuest[ElementQuestKey]{Key: record.toKey(), HiddenAt: time.UnixMilli(record.HiddenAtMillis).UTC()})
	}
	return result, nil
}

// DeleteAll unhides every element quest and returns how many were hidden.
func (s *HiddenElementQuestStore) DeleteAll(ctx context.Context) (int64, error) {
	deleted, err := storage.Delete(s.db.WithContext(ctx), &HiddenElementQuestRecord{}, "1 = 1")
	if err != nil {
		return 0, newServiceError(opHiddenDeleteAll, reasonDeleteFailed, err)
	}
	return deleted, nil
}

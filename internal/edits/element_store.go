package edits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/geo"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/storage"
	"gorm.io/gorm"
)

const (
	opElementStoreNew           = "edits.element_store.new"
	opElementAdd                = "edits.element_store.add"
	opElementGet                = "edits.element_store.get"
	opElementGetAll             = "edits.element_store.get_all"
	opElementGetUnsynced        = "edits.element_store.get_all_unsynced"
	opElementGetForElements     = "edits.element_store.get_all_unsynced_for_elements"
	opElementGetOldest          = "edits.element_store.get_oldest_unsynced"
	opElementGetMostRecent      = "edits.element_store.get_most_recent_unsynced"
	opElementCount              = "edits.element_store.count_unsynced"
	opElementPositiveCount      = "edits.element_store.count_positive_unsynced"
	opElementMarkSynced         = "edits.element_store.mark_synced"
	opElementMarkUnblocked      = "edits.element_store.mark_unblocked"
	opElementUpdateIDs          = "edits.element_store.update_element_ids"
	opElementDelete             = "edits.element_store.delete"
	opElementDeleteSyncedBefore = "edits.element_store.delete_synced_older_than"
	queryElementTupleIn         = "(element_type, element_id) IN ?"
)

// ElementEditStore owns the element_edits table.
type ElementEditStore struct {
	db *gorm.DB
}

func NewElementEditStore(db *gorm.DB) (*ElementEditStore, error) {
	if db == nil {
		return nil, newServiceError(opElementStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	return &ElementEditStore{db: db}, nil
}

// Add persists edit and returns the id assigned to it. Ids grow
// monotonically; any id set on edit is ignored.
func (s *ElementEditStore) Add(ctx context.Context, edit ElementEdit) (int64, error) {
	record := newElementEditRecord(edit)
	record.ID = 0
	err := storage.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		_, insertErr := storage.Insert(tx, &record, storage.ConflictAbort)
		return insertErr
	})
	if err != nil {
		return 0, newServiceError(opElementAdd, reasonInsertFailed, err)
	}
	return record.ID, nil
}

// Get returns the edit with the given id, synced or not.
func (s *ElementEditStore) Get(ctx context.Context, id int64) (ElementEdit, bool, error) {
	var record ElementEditRecord
	err := s.db.WithContext(ctx).Where(queryEditID, id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ElementEdit{}, false, nil
	}
	if err != nil {
		return ElementEdit{}, false, newServiceError(opElementGet, reasonQueryFailed, err)
	}
	return record.toEdit(), true, nil
}

// GetAll returns every stored edit ordered by creation time.
func (s *ElementEditStore) GetAll(ctx context.Context) ([]ElementEdit, error) {
	var records []ElementEditRecord
	if err := s.db.WithContext(ctx).Order(orderCreatedAsc).Find(&records).Error; err != nil {
		return nil, newServiceError(opElementGetAll, reasonQueryFailed, err)
	}
	return toElementEdits(records), nil
}

// GetAllUnsynced returns the unsynced edits ordered by creation time.
func (s *ElementEditStore) GetAllUnsynced(ctx context.Context) ([]ElementEdit, error) {
	var records []ElementEditRecord
	if err := s.db.WithContext(ctx).
		Where(queryUnsynced, false).
		Order(orderCreatedAsc).
		Find(&records).Error; err != nil {
		return nil, newServiceError(opElementGetUnsynced, reasonQueryFailed, err)
	}
	return toElementEdits(records), nil
}

// GetAllUnsyncedInBBox returns the unsynced edits positioned inside bbox.
func (s *ElementEditStore) GetAllUnsyncedInBBox(ctx context.Context, bbox geo.BoundingBox) ([]ElementEdit, error) {
	var records []ElementEditRecord
	if err := s.db.WithContext(ctx).
		Where(queryUnsynced, false).
		Where(queryBoundsBox, bbox.MinLatitude, bbox.MaxLatitude, bbox.MinLongitude, bbox.MaxLongitude).
		Order(orderCreatedAsc).
		Find(&records).Error; err != nil {
		return nil, newServiceError(opElementGetUnsynced, reasonQueryFailed, err)
	}
	return toElementEdits(records), nil
}

// GetAllUnsyncedForElements returns the unsynced edits targeting any of keys.
func (s *ElementEditStore) GetAllUnsyncedForElements(ctx context.Context, keys []ElementKey) ([]ElementEdit, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	tuples := make([][]any, 0, len(keys))
	for _, key := range keys {
		tuples = append(tuples, []any{string(key.Type), key.ID})
	}
	var records []ElementEditRecord
	if err := s.db.WithContext(ctx).
		Where(queryUnsynced, false).
		Where(queryElementTupleIn, tuples).
		Order(orderCreatedAsc).
		Find(&records).Error; err != nil {
		return nil, newServiceError(opElementGetForElements, reasonQueryFailed, err)
	}
	return toElementEdits(records), nil
}

// GetOldestUnsynced returns the next edit to upload. Blocked edits are
// skipped.
func (s *ElementEditStore) GetOldestUnsynced(ctx context.Context) (ElementEdit, bool, error) {
	return s.first(ctx, opElementGetOldest, orderCreatedAsc, true)
}

// GetMostRecentUnsynced returns the newest unsynced edit, blocked or not.
func (s *ElementEditStore) GetMostRecentUnsynced(ctx context.Context) (ElementEdit, bool, error) {
	return s.first(ctx, opElementGetMostRecent, orderCreatedDesc, false)
}

func (s *ElementEditStore) first(ctx context.Context, operation, order string, skipBlocked bool) (ElementEdit, bool, error) {
	query := s.db.WithContext(ctx).Where(queryUnsynced, false)
	if skipBlocked {
		query = query.Where("is_blocked = ?", false)
	}
	var record ElementEditRecord
	err := query.Order(order).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ElementEdit{}, false, nil
	}
	if err != nil {
		return ElementEdit{}, false, newServiceError(operation, reasonQueryFailed, err)
	}
	return record.toEdit(), true, nil
}

// GetUnsyncedCount returns the number of edits waiting for upload.
func (s *ElementEditStore) GetUnsyncedCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&ElementEditRecord{}).Where(queryUnsynced, false).Count(&count).Error; err != nil {
		return 0, newServiceError(opElementCount, reasonQueryFailed, err)
	}
	return count, nil
}

// GetPositiveUnsyncedCount returns the unsynced edit count where each revert
// counts as minus one, since it cancels a contribution already made.
func (s *ElementEditStore) GetPositiveUnsyncedCount(ctx context.Context) (int64, error) {
	var total int64
	row := s.db.WithContext(ctx).
		Model(&ElementEditRecord{}).
		Select("COALESCE(SUM(CASE WHEN action IN ? THEN -1 ELSE 1 END), 0)", revertActions()).
		Where(queryUnsynced, false).
		Row()
	if err := row.Scan(&total); err != nil {
		return 0, newServiceError(opElementPositiveCount, reasonQueryFailed, err)
	}
	return total, nil
}

// MarkSynced flips the edit to synced and reports whether it was unsynced
// before. A synced edit is never blocked.
func (s *ElementEditStore) MarkSynced(ctx context.Context, id int64) (bool, error) {
	changed, err := storage.Update(s.db.WithContext(ctx), &ElementEditRecord{},
		map[string]any{"is_synced": true, "is_blocked": false},
		"id = ? AND is_synced = ?", id, false)
	if err != nil {
		return false, newServiceError(opElementMarkSynced, reasonUpdateFailed, err)
	}
	return changed == 1, nil
}

// MarkUnblocked clears the blocked flag of an unsynced edit.
func (s *ElementEditStore) MarkUnblocked(ctx context.Context, id int64) (bool, error) {
	changed, err := storage.Update(s.db.WithContext(ctx), &ElementEditRecord{},
		map[string]any{"is_blocked": false},
		"id = ? AND is_synced = ? AND is_blocked = ?", id, false, true)
	if err != nil {
		return false, newServiceError(opElementMarkUnblocked, reasonUpdateFailed, err)
	}
	return changed == 1, nil
}

// UpdateElementIDs rewrites placeholder element ids of unsynced edits to
// their remote ids in one transaction and returns the number of rewritten edits.
func (s *ElementEditStore) UpdateElementIDs(ctx context.Context, updates []ElementIDUpdate) (int64, error) {
	for _, update := range updates {
		if _, err := ParseElementType(string(update.Type)); err != nil {
			return 0, newServiceError(opElementUpdateIDs, reasonInvalidInput, err)
		}
		if update.OldID == 0 || update.NewID == 0 {
			return 0, newServiceError(opElementUpdateIDs, reasonInvalidInput, fmt.Errorf("%w: %s %d -> %d", ErrInvalidIDUpdate, update.Type, update.OldID, update.NewID))
		}
	}
	if len(updates) == 0 {
		return 0, nil
	}

	var rewritten int64
	err := storage.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		for _, update := range updates {
			if update.OldID == update.NewID {
				continue
			}
			changed, err := storage.Update(tx, &ElementEditRecord{},
				map[string]any{"element_id": update.NewID},
				"element_type = ? AND element_id = ? AND is_synced = ?", string(update.Type), update.OldID, false)
			if err != nil {
				return err
			}
			rewritten += changed
		}
		return nil
	})
	if err != nil {
		return 0, newServiceError(opElementUpdateIDs, reasonTransactionError, err)
	}
	return rewritten, nil
}

// Delete removes an unsynced edit and reports whether a row was removed.
// Synced edits only leave the store through DeleteSyncedOlderThan.
func (s *ElementEditStore) Delete(ctx context.Context, id int64) (bool, error) {
	deleted, err := storage.Delete(s.db.WithContext(ctx), &ElementEditRecord{}, queryUnsyncedEditID, id, false)
	if err != nil {
		return false, newServiceError(opElementDelete, reasonDeleteFailed, err)
	}
	return deleted == 1, nil
}

// DeleteSyncedOlderThan removes synced edits created before cutoff.
func (s *ElementEditStore) DeleteSyncedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	deleted, err := storage.Delete(s.db.WithContext(ctx), &ElementEditRecord{},
		"is_synced = ? AND created_at_ms < ?", true, cutoff.UnixMilli())
	if err != nil {
		return 0, newServiceError(opElementDeleteSyncedBefore, reasonDeleteFailed, err)
	}
	return deleted, nil
}

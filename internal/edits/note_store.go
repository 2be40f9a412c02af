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
	opNoteStoreNew            = "edits.note_store.new"
	opNoteAdd                 = "edits.note_store.add"
	opNoteGet                 = "edits.note_store.get"
	opNoteGetAll              = "edits.note_store.get_all"
	opNoteGetUnsynced         = "edits.note_store.get_all_unsynced"
	opNoteGetPositions        = "edits.note_store.get_all_unsynced_positions"
	opNoteGetOldest           = "edits.note_store.get_oldest_unsynced"
	opNoteGetNeedsActivation  = "edits.note_store.get_oldest_needing_activation"
	opNoteGetMostRecent       = "edits.note_store.get_most_recent_unsynced"
	opNoteCount               = "edits.note_store.count_unsynced"
	opNoteMarkSynced          = "edits.note_store.mark_synced"
	opNoteMarkActivated       = "edits.note_store.mark_attachments_activated"
	opNoteUpdateNoteID        = "edits.note_store.update_note_id"
	opNoteDelete              = "edits.note_store.delete"
	opNoteDeleteSyncedBefore  = "edits.note_store.delete_synced_older_than"
	queryNoteEditNoteIDIn     = "note_id IN ?"
	queryNeedsActivation      = "is_synced = ? AND attachments_need_activation = ?"
	columnAttachmentsActivate = "attachments_need_activation"
)

var errAlreadySynced = errors.New("edits: edit is no longer unsynced")

// NoteEditStore owns the note_edits table.
type NoteEditStore struct {
	db *gorm.DB
}

func NewNoteEditStore(db *gorm.DB) (*NoteEditStore, error) {
	if db == nil {
		return nil, newServiceError(opNoteStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	return &NoteEditStore{db: db}, nil
}

// Add persists edit and returns it with its id assigned. A create edit gets
// the negated edit id as its placeholder note id in the same transaction.
func (s *NoteEditStore) Add(ctx context.Context, edit NoteEdit) (NoteEdit, error) {
	edit.ID = 0
	record, err := newNoteEditRecord(edit)
	if err != nil {
		return NoteEdit{}, newServiceError(opNoteAdd, reasonInvalidInput, err)
	}
	err = storage.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		if _, insertErr := storage.Insert(tx, &record, storage.ConflictAbort); insertErr != nil {
			return insertErr
		}
		if edit.Action != NoteActionCreate {
			return nil
		}
		record.NoteID = -record.ID
		_, updateErr := storage.Update(tx, &NoteEditRecord{}, map[string]any{"note_id": record.NoteID}, queryEditID, record.ID)
		return updateErr
	})
	if err != nil {
		return NoteEdit{}, newServiceError(opNoteAdd, reasonInsertFailed, err)
	}
	return record.toEdit(), nil
}

// Get returns the edit with the given id, synced or not.
func (s *NoteEditStore) Get(ctx context.Context, id int64) (NoteEdit, bool, error) {
	var record NoteEditRecord
	err := s.db.WithContext(ctx).Where(queryEditID, id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NoteEdit{}, false, nil
	}
	if err != nil {
		return NoteEdit{}, false, newServiceError(opNoteGet, reasonQueryFailed, err)
	}
	return record.toEdit(), true, nil
}

// GetAll returns every stored edit ordered by creation time.
func (s *NoteEditStore) GetAll(ctx context.Context) ([]NoteEdit, error) {
	var records []NoteEditRecord
	if err := s.db.WithContext(ctx).Order(orderCreatedAsc).Find(&records).Error; err != nil {
		return nil, newServiceError(opNoteGetAll, reasonQueryFailed, err)
	}
	return toNoteEdits(records), nil
}

// GetAllUnsynced returns the unsynced edits ordered by creation time.
func (s *NoteEditStore) GetAllUnsynced(ctx context.Context) ([]NoteEdit, error) {
	return s.findUnsynced(s.db.WithContext(ctx))
}

// GetAllUnsyncedForNote returns the unsynced edits of one note.
func (s *NoteEditStore) GetAllUnsyncedForNote(ctx context.Context, noteID int64) ([]NoteEdit, error) {
	return s.findUnsynced(s.db.WithContext(ctx).Where("note_id = ?", noteID))
}

// GetAllUnsyncedForNotes returns the unsynced edits of any of noteIDs.
func (s *NoteEditStore) GetAllUnsyncedForNotes(ctx context.Context, noteIDs []int64) ([]NoteEdit, error) {
	if len(noteIDs) == 0 {
		return nil, nil
	}
	return s.findUnsynced(s.db.WithContext(ctx).Where(queryNoteEditNoteIDIn, noteIDs))
}

// GetAllUnsyncedInBBox returns the unsynced edits positioned inside bbox.
func (s *NoteEditStore) GetAllUnsyncedInBBox(ctx context.Context, bbox geo.BoundingBox) ([]NoteEdit, error) {
	return s.findUnsynced(s.db.WithContext(ctx).
		Where(queryBoundsBox, bbox.MinLatitude, bbox.MaxLatitude, bbox.MinLongitude, bbox.MaxLongitude))
}

func (s *NoteEditStore) findUnsynced(query *gorm.DB) ([]NoteEdit, error) {
	var records []NoteEditRecord
	if err := query.Where(queryUnsynced, false).Order(orderCreatedAsc).Find(&records).Error; err != nil {
		return nil, newServiceError(opNoteGetUnsynced, reasonQueryFailed, err)
	}
	return toNoteEdits(records), nil
}

// GetAllUnsyncedPositions returns the positions of unsynced edits inside bbox.
func (s *NoteEditStore) GetAllUnsyncedPositions(ctx context.Context, bbox geo.BoundingBox) ([]geo.LatLon, error) {
	var records []NoteEditRecord
	if err := s.db.WithContext(ctx).
		Select("latitude", "longitude").
		Where(queryUnsynced, false).
		Where(queryBoundsBox, bbox.MinLatitude, bbox.MaxLatitude, bbox.MinLongitude, bbox.MaxLongitude).
		Order(orderCreatedAsc).
		Find(&records).Error; err != nil {
		return nil, newServiceError(opNoteGetPositions, reasonQueryFailed, err)
	}
	positions := make([]geo.LatLon, 0, len(records))
	for _, record := range records {
		positions = append(positions, geo.LatLon{Latitude: record.Latitude, Longitude: record.Longitude})
	}
	return positions, nil
}

// GetOldestUnsynced returns the next edit to upload.
func (s *NoteEditStore) GetOldestUnsynced(ctx context.Context) (NoteEdit, bool, error) {
	return s.first(opNoteGetOldest, s.db.WithContext(ctx).Where(queryUnsynced, false), orderCreatedAsc)
}

// GetMostRecentUnsynced returns the newest unsynced edit.
func (s *NoteEditStore) GetMostRecentUnsynced(ctx context.Context) (NoteEdit, bool, error) {
	return s.first(opNoteGetMostRecent, s.db.WithContext(ctx).Where(queryUnsynced, false), orderCreatedDesc)
}

// GetOldestNeedingAttachmentActivation returns the oldest synced edit whose
// attachments still have to be activated remotely.
func (s *NoteEditStore) GetOldestNeedingAttachmentActivation(ctx context.Context) (NoteEdit, bool, error) {
	return s.first(opNoteGetNeedsActivation, s.db.WithContext(ctx).Where(queryNeedsActivation, true, true), orderCreatedAsc)
}

func (s *NoteEditStore) first(operation string, query *gorm.DB, order string) (NoteEdit, bool, error) {
	var record NoteEditRecord
	err := query.Order(order).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NoteEdit{}, false, nil
	}
	if err != nil {
		return NoteEdit{}, false, newServiceError(operation, reasonQueryFailed, err)
	}
	return record.toEdit(), true, nil
}

// GetUnsyncedCount returns the number of edits waiting for upload.
func (s *NoteEditStore) GetUnsyncedCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&NoteEditRecord{}).Where(queryUnsynced, false).Count(&count).Error; err != nil {
		return 0, newServiceError(opNoteCount, reasonQueryFailed, err)
	}
	return count, nil
}

// MarkSynced flips the edit to synced and reports whether it was unsynced
// before.
func (s *NoteEditStore) MarkSynced(ctx context.Context, id int64) (bool, error) {
	changed, err := markNoteEditSynced(s.db.WithContext(ctx), id)
	if err != nil {
		return false, newServiceError(opNoteMarkSynced, reasonUpdateFailed, err)
	}
	return changed, nil
}

// MarkSyncedAs rewrites the placeholder note id of edit to remoteNoteID on
// every unsynced edit and marks edit synced, in one transaction. Nothing is
// written when edit is no longer unsynced.
func (s *NoteEditStore) MarkSyncedAs(ctx context.Context, edit NoteEdit, remoteNoteID int64) (bool, error) {
	if edit.NoteID == 0 || remoteNoteID == 0 {
		return false, newServiceError(opNoteMarkSynced, reasonInvalidInput, fmt.Errorf("%w: %d -> %d", ErrInvalidIDUpdate, edit.NoteID, remoteNoteID))
	}
	err := storage.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		if _, updateErr := rewriteNoteID(tx, edit.NoteID, remoteNoteID); updateErr != nil {
			return updateErr
		}
		changed, updateErr := markNoteEditSynced(tx, edit.ID)
		if updateErr != nil {
			return updateErr
		}
		if !changed {
			return errAlreadySynced
		}
		return nil
	})
	if errors.Is(err, errAlreadySynced) {
		return false, nil
	}
	if err != nil {
		return false, newServiceError(opNoteMarkSynced, reasonUpdateFailed, err)
	}
	return true, nil
}

// MarkAttachmentsActivated clears the activation flag. It is the only field
// that may still change after an edit was synced.
func (s *NoteEditStore) MarkAttachmentsActivated(ctx context.Context, id int64) (bool, error) {
	changed, err := storage.Update(s.db.WithContext(ctx), &NoteEditRecord{},
		map[string]any{columnAttachmentsActivate: false},
		"id = ? AND "+columnAttachmentsActivate+" = ?", id, true)
	if err != nil {
		return false, newServiceError(opNoteMarkActivated, reasonUpdateFailed, err)
	}
	return changed == 1, nil
}

// UpdateNoteID rewrites a placeholder note id on every unsynced edit
// referencing it and returns the number of rewritten edits.
func (s *NoteEditStore) UpdateNoteID(ctx context.Context, oldID, newID int64) (int64, error) {
	if oldID == 0 || newID == 0 {
		return 0, newServiceError(opNoteUpdateNoteID, reasonInvalidInput, fmt.Errorf("%w: %d -> %d", ErrInvalidIDUpdate, oldID, newID))
	}
	if oldID == newID {
		return 0, nil
	}
	var rewritten int64
	err := storage.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		changed, updateErr := rewriteNoteID(tx, oldID, newID)
		rewritten = changed
		return updateErr
	})
	if err != nil {
		return 0, newServiceError(opNoteUpdateNoteID, reasonUpdateFailed, err)
	}
	return rewritten, nil
}

// Delete removes an unsynced edit and reports whether a row was removed.
// Synced edits only leave the store through DeleteSyncedOlderThan.
func (s *NoteEditStore) Delete(ctx context.Context, id int64) (bool, error) {
	deleted, err := storage.Delete(s.db.WithContext(ctx), &NoteEditRecord{}, queryUnsyncedEditID, id, false)
	if err != nil {
		return false, newServiceError(opNoteDelete, reasonDeleteFailed, err)
	}
	return deleted == 1, nil
}

// DeleteSyncedOlderThan removes synced edits created before cutoff. Edits
// still waiting for attachment activation are kept.
func (s *NoteEditStore) DeleteSyncedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	deleted, err := storage.Delete(s.db.WithContext(ctx), &NoteEditRecord{},
		"is_synced = ? AND "+columnAttachmentsActivate+" = ? AND created_at_ms < ?", true, false, cutoff.UnixMilli())
	if err != nil {
		return 0, newServiceError(opNoteDeleteSyncedBefore, reasonDeleteFailed, err)
	}
	return deleted, nil
}

func markNoteEditSynced(tx *gorm.DB, id int64) (bool, error) {
	changed, err := storage.Update(tx, &NoteEditRecord{}, map[string]any{"is_synced": true}, queryUnsyncedEditID, id, false)
	return changed == 1, err
}

func rewriteNoteID(tx *gorm.DB, oldID, newID int64) (int64, error) {
	if oldID == newID {
		return 0, nil
	}
	return storage.Update(tx, &NoteEditRecord{}, map[string]any{"note_id": newID}, "note_id = ? AND is_synced = ?", oldID, false)
}

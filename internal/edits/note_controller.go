package edits

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/geo"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/observe"
	"go.uber.org/zap"
)

const (
	opNoteControllerNew       = "edits.note_controller.new"
	opNoteControllerAdd       = "edits.note_controller.add"
	opNoteControllerSynced    = "edits.note_controller.synced"
	opNoteControllerFailed    = "edits.note_controller.sync_failed"
	opNoteControllerUndo      = "edits.note_controller.undo"
	opNoteControllerActivated = "edits.note_controller.attachments_activated"
	opNoteControllerGC        = "edits.note_controller.delete_synced_older_than"
)

// NoteEditsListener is notified after a note edit change committed.
type NoteEditsListener interface {
	OnAddedNoteEdit(edit NoteEdit)
	OnSyncedNoteEdit(edit NoteEdit)
	OnDeletedNoteEdit(edit NoteEdit)
}

type NoteEditControllerConfig struct {
	Store  *NoteEditStore
	Clock  func() time.Time
	Logger *zap.Logger
}

// NoteEditController is the only writer of the note edit queue.
type NoteEditController struct {
	mu        sync.Mutex
	store     *NoteEditStore
	clock     func() time.Time
	logger    *zap.Logger
	listeners observe.List[NoteEditsListener]
}

func NewNoteEditController(cfg NoteEditControllerConfig) (*NoteEditController, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opNoteControllerNew, reasonMissingStore, errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &NoteEditController{
		store:  cfg.Store,
		clock:  clock,
		logger: logger,
	}, nil
}

// Add records a new unsynced note edit. Attachments mark the edit as needing
// activation once synced.
func (c *NoteEditController) Add(ctx context.Context, input NewNoteEdit) (NoteEdit, error) {
	if err := input.validate(); err != nil {
		return NoteEdit{}, newServiceError(opNoteControllerAdd, reasonInvalidInput, err)
	}
	edit := NoteEdit{
		NoteID:                    input.NoteID,
		Position:                  input.Position,
		Action:                    input.Action,
		Text:                      input.Text,
		AttachmentPaths:           append([]string(nil), input.AttachmentPaths...),
		CreatedAt:                 c.clock().UTC(),
		AttachmentsNeedActivation: len(input.AttachmentPaths) > 0,
	}

	c.mu.Lock()
	stored, err := c.store.Add(ctx, edit)
	c.mu.Unlock()
	if err != nil {
		c.logError(opNoteControllerAdd, reasonInsertFailed, err, zap.Int64(fieldNoteID, input.NoteID))
		return NoteEdit{}, err
	}
	c.listeners.Each(func(listener NoteEditsListener) {
		listener.OnAddedNoteEdit(stored)
	})
	return stored, nil
}

// Synced records that edit was uploaded and resulted in the remote note with
// id remoteNoteID. A placeholder id is rewritten on every pending edit of the
// same note in the transaction that marks the edit synced.
func (c *NoteEditController) Synced(ctx context.Context, edit NoteEdit, remoteNoteID int64) error {
	c.mu.Lock()
	transitioned, err := c.store.MarkSyncedAs(ctx, edit, remoteNoteID)
	c.mu.Unlock()
	if err != nil {
		c.logError(opNoteControllerSynced, reasonUpdateFailed, err, zap.Int64(fieldEditID, edit.ID), zap.Int64(fieldNoteID, edit.NoteID))
		return err
	}
	if !transitioned {
		return nil
	}
	edit.NoteID = remoteNoteID
	edit.IsSynced = true
	c.listeners.Each(func(listener NoteEditsListener) {
		listener.OnSyncedNoteEdit(edit)
	})
	return nil
}

// SyncFailed discards an edit the remote service rejected. A late report for
// an edit that was synced in the meantime is ignored.
func (c *NoteEditController) SyncFailed(ctx context.Context, edit NoteEdit) error {
	c.mu.Lock()
	deleted, err := c.store.Delete(ctx, edit.ID)
	c.mu.Unlock()
	if err != nil {
		c.logError(opNoteControllerFailed, reasonDeleteFailed, err, zap.Int64(fieldEditID, edit.ID))
		return err
	}
	if deleted {
		c.notifyDeleted(edit)
	}
	return nil
}

// Undo deletes an unsynced edit. It reports false when the edit does not
// exist or was already uploaded.
func (c *NoteEditController) Undo(ctx context.Context, id int64) (bool, error) {
	c.mu.Lock()
	edit, found, err := c.store.Get(ctx, id)
	if err != nil || !found || edit.IsSynced {
		c.mu.Unlock()
		if err != nil {
			c.logError(opNoteControllerUndo, reasonQueryFailed, err, zap.Int64(fieldEditID, id))
		}
		return false, err
	}
	deleted, err := c.store.Delete(ctx, id)
	c.mu.Unlock()
	if err != nil {
		c.logError(opNoteControllerUndo, reasonDeleteFailed, err, zap.Int64(fieldEditID, id))
		return false, err
	}
	if deleted {
		c.notifyDeleted(edit)
	}
	return deleted, nil
}

// AttachmentsActivated records that the attachments of a synced edit were
// activated remotely.
func (c *NoteEditController) AttachmentsActivated(ctx context.Context, id int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	activated, err := c.store.MarkAttachmentsActivated(ctx, id)
	if err != nil {
		c.logError(opNoteControllerActivated, reasonUpdateFailed, err, zap.Int64(fieldEditID, id))
		return false, err
	}
	return activated, nil
}

// DeleteSyncedOlderThan trims local history. Remote state is unaffected.
func (c *NoteEditController) DeleteSyncedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deleted, err := c.store.DeleteSyncedOlderThan(ctx, cutoff)
	if err != nil {
		c.logError(opNoteControllerGC, reasonDeleteFailed, err)
		return 0, err
	}
	return deleted, nil
}

func (c *NoteEditController) Get(ctx context.Context, id int64) (NoteEdit, bool, error) {
	return c.store.Get(ctx, id)
}

func (c *NoteEditController) GetAll(ctx context.Context) ([]NoteEdit, error) {
	return c.store.GetAll(ctx)
}

func (c *NoteEditController) GetAllUnsynced(ctx context.Context) ([]NoteEdit, error) {
	return c.store.GetAllUnsynced(ctx)
}

func (c *NoteEditController) GetAllUnsyncedForNote(ctx context.Context, noteID int64) ([]NoteEdit, error) {
	return c.store.GetAllUnsyncedForNote(ctx, noteID)
}

func (c *NoteEditController) GetAllUnsyncedForNotes(ctx context.Context, noteIDs []int64) ([]NoteEdit, error) {
	return c.store.GetAllUnsyncedForNotes(ctx, noteIDs)
}

func (c *NoteEditController) GetAllUnsyncedInBBox(ctx context.Context, bbox geo.BoundingBox) ([]NoteEdit, error) {
	return c.store.GetAllUnsyncedInBBox(ctx, bbox)
}

func (c *NoteEditController) GetAllUnsyncedPositions(ctx context.Context, bbox geo.BoundingBox) ([]geo.LatLon, error) {
	return c.store.GetAllUnsyncedPositions(ctx, bbox)
}

func (c *NoteEditController) GetOldestUnsynced(ctx context.Context) (NoteEdit, bool, error) {
	return c.store.GetOldestUnsynced(ctx)
}

func (c *NoteEditController) GetOldestNeedingAttachmentActivation(ctx context.Context) (NoteEdit, bool, error) {
	return c.store.GetOldestNeedingAttachmentActivation(ctx)
}

// GetMostRecentUndoableEdit returns the newest edit that Undo would accept.
func (c *NoteEditController) GetMostRecentUndoableEdit(ctx context.Context) (NoteEdit, bool, error) {
	return c.store.GetMostRecentUnsynced(ctx)
}

func (c *NoteEditController) GetUnsyncedCount(ctx context.Context) (int64, error) {
	return c.store.GetUnsyncedCount(ctx)
}

func (c *NoteEditController) AddListener(listener NoteEditsListener) {
	c.listeners.Add(listener)
}

func (c *NoteEditController) RemoveListener(listener NoteEditsListener) {
	c.listeners.Remove(listener)
}

func (c *NoteEditController) notifyDeleted(edit NoteEdit) {
	c.listeners.Each(func(listener NoteEditsListener) {
		listener.OnDeletedNoteEdit(edit)
	})
}

func (c *NoteEditController) logError(operation, reason string, err error, fields ...zap.Field) {
	logServiceError(c.logger, "note edit controller error", operation, reason, err, fields...)
}

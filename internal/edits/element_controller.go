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
	opElementControllerNew     = "edits.element_controller.new"
	opElementControllerAdd     = "edits.element_controller.add"
	opElementControllerSynced  = "edits.element_controller.synced"
	opElementControllerFailed  = "edits.element_controller.sync_failed"
	opElementControllerUndo    = "edits.element_controller.undo"
	opElementControllerUnblock = "edits.element_controller.mark_uploadable"
	opElementControllerGC      = "edits.element_controller.delete_synced_older_than"
)

// ElementEditsListener is notified after an element edit change committed.
// Callbacks run synchronously on the mutating goroutine, after the
// controller released its lock.
type ElementEditsListener interface {
	OnAddedElementEdit(edit ElementEdit)
	OnSyncedElementEdit(edit ElementEdit)
	OnDeletedElementEdit(edit ElementEdit)
}

type ElementEditControllerConfig struct {
	Store  *ElementEditStore
	Clock  func() time.Time
	Logger *zap.Logger
}

// ElementEditController is the only writer of the element edit queue. All
// mutations run under one lock so that read-then-write sequences such as id
// remapping followed by marking synced are atomic with respect to each other.
type ElementEditController struct {
	mu        sync.Mutex
	store     *ElementEditStore
	clock     func() time.Time
	logger    *zap.Logger
	listeners observe.List[ElementEditsListener]
}

func NewElementEditController(cfg ElementEditControllerConfig) (*ElementEditController, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opElementControllerNew, reasonMissingStore, errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &ElementEditController{
		store:  cfg.Store,
		clock:  clock,
		logger: logger,
	}, nil
}

// Add records a new unsynced edit stamped with the current time.
func (c *ElementEditController) Add(ctx context.Context, input NewElementEdit) (ElementEdit, error) {
	if err := input.validate(); err != nil {
		return ElementEdit{}, newServiceError(opElementControllerAdd, reasonInvalidInput, err)
	}
	edit := ElementEdit{
		Element:   input.Element,
		QuestType: input.QuestType,
		Source:    input.Source,
		Position:  input.Position,
		Action:    input.Action,
		Payload:   input.Payload,
		CreatedAt: c.clock().UTC(),
		IsBlocked: input.Blocked,
	}

	c.mu.Lock()
	id, err := c.store.Add(ctx, edit)
	c.mu.Unlock()
	if err != nil {
		c.logError(opElementControllerAdd, reasonInsertFailed, err, zap.String(fieldQuestType, input.QuestType), zap.Stringer(fieldElement, input.Element))
		return ElementEdit{}, err
	}
	edit.ID = id
	c.listeners.Each(func(listener ElementEditsListener) {
		listener.OnAddedElementEdit(edit)
	})
	return edit, nil
}

// Synced applies the id remapping produced by uploading edit and marks it
// synced. Listeners hear about it only when the edit was still unsynced.
func (c *ElementEditController) Synced(ctx context.Context, edit ElementEdit, idUpdates []ElementIDUpdate) error {
	c.mu.Lock()
	if _, err := c.store.UpdateElementIDs(ctx, idUpdates); err != nil {
		c.mu.Unlock()
		c.logError(opElementControllerSynced, reasonUpdateFailed, err, zap.Int64(fieldEditID, edit.ID))
		return err
	}
	transitioned, err := c.store.MarkSynced(ctx, edit.ID)
	c.mu.Unlock()
	if err != nil {
		c.logError(opElementControllerSynced, reasonUpdateFailed, err, zap.Int64(fieldEditID, edit.ID))
		return err
	}
	if !transitioned {
		return nil
	}
	edit.IsSynced = true
	edit.IsBlocked = false
	for _, update := range idUpdates {
		if update.Type == edit.Element.Type && update.OldID == edit.Element.ID {
			edit.Element.ID = update.NewID
		}
	}
	c.listeners.Each(func(listener ElementEditsListener) {
		listener.OnSyncedElementEdit(edit)
	})
	return nil
}

// SyncFailed discards an edit the remote service rejected. A late report for
// an edit that was synced in the meantime is ignored.
func (c *ElementEditController) SyncFailed(ctx context.Context, edit ElementEdit) error {
	c.mu.Lock()
	deleted, err := c.store.Delete(ctx, edit.ID)
	c.mu.Unlock()
	if err != nil {
		c.logError(opElementControllerFailed, reasonDeleteFailed, err, zap.Int64(fieldEditID, edit.ID))
		return err
	}
	if deleted {
		c.notifyDeleted(edit)
	}
	return nil
}

// Undo deletes an unsynced edit. It reports false when the edit does not
// exist or was already uploaded.
func (c *ElementEditController) Undo(ctx context.Context, id int64) (bool, error) {
	c.mu.Lock()
	edit, found, err := c.store.Get(ctx, id)
	if err != nil || !found || edit.IsSynced {
		c.mu.Unlock()
		if err != nil {
			c.logError(opElementControllerUndo, reasonQueryFailed, err, zap.Int64(fieldEditID, id))
		}
		return false, err
	}
	deleted, err := c.store.Delete(ctx, id)
	c.mu.Unlock()
	if err != nil {
		c.logError(opElementControllerUndo, reasonDeleteFailed, err, zap.Int64(fieldEditID, id))
		return false, err
	}
	if deleted {
		c.notifyDeleted(edit)
	}
	return deleted, nil
}

// MarkUploadable clears the blocked flag so the edit becomes eligible for
// upload.
func (c *ElementEditController) MarkUploadable(ctx context.Context, id int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	unblocked, err := c.store.MarkUnblocked(ctx, id)
	if err != nil {
		c.logError(opElementControllerUnblock, reasonUpdateFailed, err, zap.Int64(fieldEditID, id))
		return false, err
	}
	return unblocked, nil
}

// DeleteSyncedOlderThan trims local history. Remote state is unaffected.
func (c *ElementEditController) DeleteSyncedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deleted, err := c.store.DeleteSyncedOlderThan(ctx, cutoff)
	if err != nil {
		c.logError(opElementControllerGC, reasonDeleteFailed, err)
		return 0, err
	}
	return deleted, nil
}

func (c *ElementEditController) Get(ctx context.Context, id int64) (ElementEdit, bool, error) {
	return c.store.Get(ctx, id)
}

func (c *ElementEditController) GetAll(ctx context.Context) ([]ElementEdit, error) {
	return c.store.GetAll(ctx)
}

func (c *ElementEditController) GetAllUnsynced(ctx context.Context) ([]ElementEdit, error) {
	return c.store.GetAllUnsynced(ctx)
}

func (c *ElementEditController) GetAllUnsyncedInBBox(ctx context.Context, bbox geo.BoundingBox) ([]ElementEdit, error) {
	return c.store.GetAllUnsyncedInBBox(ctx, bbox)
}

func (c *ElementEditController) GetAllUnsyncedForElements(ctx context.Context, keys []ElementKey) ([]ElementEdit, error) {
	return c.store.GetAllUnsyncedForElements(ctx, keys)
}

func (c *ElementEditController) GetOldestUnsynced(ctx context.Context) (ElementEdit, bool, error) {
	return c.store.GetOldestUnsynced(ctx)
}

// GetMostRecentUndoableEdit returns the newest edit that Undo would accept.
func (c *ElementEditController) GetMostRecentUndoableEdit(ctx context.Context) (ElementEdit, bool, error) {
	return c.store.GetMostRecentUnsynced(ctx)
}

func (c *ElementEditController) GetUnsyncedCount(ctx context.Context) (int64, error) {
	return c.store.GetUnsyncedCount(ctx)
}

func (c *ElementEditController) GetPositiveUnsyncedCount(ctx context.Context) (int64, error) {
	return c.store.GetPositiveUnsyncedCount(ctx)
}

func (c *ElementEditController) AddListener(listener ElementEditsListener) {
	c.listeners.Add(listener)
}

func (c *ElementEditController) RemoveListener(listener ElementEditsListener) {
	c.listeners.Remove(listener)
}

func (c *ElementEditController) notifyDeleted(edit ElementEdit) {
	c.listeners.Each(func(listener ElementEditsListener) {
		listener.OnDeletedElementEdit(edit)
	})
}

func (c *ElementEditController) logError(operation, reason string, err error, fields ...zap.Field) {
	logServiceError(c.logger, "element edit controller error", operation, reason, err, fields...)
}
